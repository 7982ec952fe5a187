package registry

import (
	"testing"

	"github.com/stretchr/testify/require"

	api "github.com/flowforge/flowd/api/v1"
	"github.com/flowforge/flowd/model"
)

func noopStep(name string) Step {
	return Step{
		Name: name,
		Action: func(ctx map[string]any, flow *model.FlowInstance) model.StepResult {
			return model.Continue(nil)
		},
	}
}

func TestRegistryValidation(t *testing.T) {
	for scenario, def := range map[string]FlowDefinition{
		"empty flow type":     {FlowType: "", Steps: []Step{noopStep("a")}},
		"no steps":            {FlowType: "f", Steps: nil},
		"unnamed step":        {FlowType: "f", Steps: []Step{noopStep("")}},
		"duplicate step name": {FlowType: "f", Steps: []Step{noopStep("a"), noopStep("a")}},
		"nil action":          {FlowType: "f", Steps: []Step{{Name: "a"}}},
	} {
		t.Run(scenario, func(t *testing.T) {
			reg := NewRegistry()
			err := reg.Register(def)
			require.Error(t, err)
			var validation api.ValidationError
			require.ErrorAs(t, err, &validation)
		})
	}
}

func TestRegistryRegisterAndGet(t *testing.T) {
	reg := NewRegistry()
	err := reg.Register(FlowDefinition{FlowType: "f", Steps: []Step{noopStep("a")}})
	require.NoError(t, err)

	def, err := reg.Get("f")
	require.NoError(t, err)
	require.Equal(t, "f", def.FlowType)
	require.Len(t, def.Steps, 1)

	// Definitions are immutable once registered.
	err = reg.Register(FlowDefinition{FlowType: "f", Steps: []Step{noopStep("b")}})
	require.Error(t, err)

	_, err = reg.Get("missing")
	var unknown api.UnknownFlowTypeError
	require.ErrorAs(t, err, &unknown)
}

func TestScriptStepMutatesContext(t *testing.T) {
	step := NewScriptStep("compute-total", "$.total = $.price * $.quantity;")
	ctx := map[string]any{"price": int64(5), "quantity": int64(3)}
	result := step.Action(ctx, &model.FlowInstance{FlowId: "flow-1"})
	require.Equal(t, model.OUTCOME_CONTINUE, result.Outcome)
	require.EqualValues(t, 15, result.Delta["total"])
	require.EqualValues(t, 5, result.Delta["price"])
}

func TestScriptStepSyntaxErrorFails(t *testing.T) {
	step := NewScriptStep("broken", "this is not javascript")
	result := step.Action(map[string]any{}, &model.FlowInstance{FlowId: "flow-1"})
	require.Equal(t, model.OUTCOME_FAIL, result.Outcome)
	require.Error(t, result.Err)
}

func TestResolveParams(t *testing.T) {
	flowData := map[string]any{
		"order": map[string]any{"id": "ord-9", "total": 42},
	}
	params := map[string]any{
		"subject": "order {$.order.id}",
		"nested":  map[string]any{"amount": "{$.order.total}"},
		"list":    []any{"{$.order.id}", 7},
		"static":  true,
	}
	resolved := ResolveParams(flowData, params)
	require.Equal(t, "order ord-9", resolved["subject"])
	require.Equal(t, "42", resolved["nested"].(map[string]any)["amount"])
	require.Equal(t, []any{"ord-9", 7}, resolved["list"])
	require.Equal(t, true, resolved["static"])
}

func TestDeclarativeStepResolvesParamsPerExecution(t *testing.T) {
	var seen []map[string]any
	step := NewDeclarativeStep("notify",
		map[string]any{"subject": "order {$.order.id}", "retries": 3},
		func(ctx map[string]any, params map[string]any, flow *model.FlowInstance) model.StepResult {
			seen = append(seen, params)
			return model.Continue(nil)
		})

	ctx := map[string]any{"order": map[string]any{"id": "ord-1"}}
	result := step.Action(ctx, &model.FlowInstance{FlowId: "flow-1"})
	require.Equal(t, model.OUTCOME_CONTINUE, result.Outcome)

	// A re-run after resume or recovery resolves against the updated
	// context, not a snapshot from registration time.
	ctx["order"] = map[string]any{"id": "ord-2"}
	step.Action(ctx, &model.FlowInstance{FlowId: "flow-1"})

	require.Len(t, seen, 2)
	require.Equal(t, "order ord-1", seen[0]["subject"])
	require.Equal(t, "order ord-2", seen[1]["subject"])
	require.Equal(t, 3, seen[0]["retries"])
}

func TestResolveParamsLeavesUnmatchedTokens(t *testing.T) {
	resolved := ResolveParams(map[string]any{}, map[string]any{
		"subject": "hello {name} and {$.missing.path}",
	})
	require.Equal(t, "hello {name} and {$.missing.path}", resolved["subject"])
}
