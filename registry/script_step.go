package registry

import (
	"fmt"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/flowforge/flowd/logger"
	"github.com/flowforge/flowd/model"
)

// NewScriptStep builds a step whose action is a javascript expression
// over the flow context. The context is exposed as $ and whatever the
// script leaves in $ is merged back as the step's delta.
func NewScriptStep(name string, expression string) Step {
	return Step{
		Name:   name,
		Action: scriptAction(name, expression),
	}
}

func scriptAction(name string, expression string) StepAction {
	return func(ctx map[string]any, flow *model.FlowInstance) model.StepResult {
		logger.Debug("running script step", zap.String("step", name), zap.String("FlowId", flow.FlowId))
		vm := goja.New()
		if err := vm.Set("$", ctx); err != nil {
			return model.Fail(err)
		}
		if _, err := vm.RunString(expression); err != nil {
			return model.Fail(fmt.Errorf("error executing javascript %w", err))
		}
		exported := vm.Get("$").Export()
		output, ok := exported.(map[string]any)
		if !ok {
			return model.Fail(fmt.Errorf("script step %s left $ with non-object value", name))
		}
		return model.Continue(output)
	}
}
