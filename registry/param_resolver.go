package registry

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/oliveagle/jsonpath"

	"github.com/flowforge/flowd/model"
)

var tokenPattern = regexp.MustCompile("{(.*?)}")

// ParamAction is a step body taking declarative input parameters in
// addition to the flow context.
type ParamAction func(ctx map[string]any, params map[string]any, flow *model.FlowInstance) model.StepResult

// NewDeclarativeStep binds a parameter template to the action. The
// {$.path} placeholders in params are resolved against the current
// flow context on every execution, so a re-run after resume or
// recovery sees the latest values.
func NewDeclarativeStep(name string, params map[string]any, action ParamAction) Step {
	return Step{
		Name: name,
		Action: func(ctx map[string]any, flow *model.FlowInstance) model.StepResult {
			return action(ctx, ResolveParams(ctx, params), flow)
		},
	}
}

// ResolveParams substitutes {$.path} placeholders in declarative step
// parameters with values looked up in the flow context via jsonpath.
// Non-string values and unmatched tokens pass through unchanged.
func ResolveParams(flowData map[string]any, params map[string]any) map[string]any {
	output := make(map[string]any)
	resolveParams(flowData, params, output)
	return output
}

func resolveParams(flowData map[string]any, params map[string]any, output map[string]any) {
	for k, v := range params {
		switch tv := v.(type) {
		case map[string]any:
			out := make(map[string]any)
			output[k] = out
			resolveParams(flowData, tv, out)
		case []any:
			output[k] = resolveList(flowData, tv)
		case string:
			output[k] = resolveString(flowData, tv)
		default:
			output[k] = v
		}
	}
}

func resolveList(flowData map[string]any, list []any) []any {
	var output []any
	for _, v := range list {
		switch tv := v.(type) {
		case map[string]any:
			out := make(map[string]any)
			resolveParams(flowData, tv, out)
			output = append(output, out)
		case []any:
			output = append(output, resolveList(flowData, tv)...)
		case string:
			output = append(output, resolveString(flowData, tv))
		default:
			output = append(output, v)
		}
	}
	return output
}

func resolveString(flowData map[string]any, value string) string {
	tokens := tokenPattern.FindAllString(value, -1)
	newStr := value
	for _, token := range tokens {
		expr := strings.TrimSuffix(strings.TrimPrefix(token, "{"), "}")
		if !strings.HasPrefix(expr, "$") {
			continue
		}
		resolved, err := jsonpath.JsonPathLookup(flowData, expr)
		if err != nil {
			continue
		}
		newStr = strings.ReplaceAll(newStr, token, fmt.Sprintf("%v", resolved))
	}
	return newStr
}
