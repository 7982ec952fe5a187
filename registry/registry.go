package registry

import (
	"fmt"
	"sync"

	api "github.com/flowforge/flowd/api/v1"
	"github.com/flowforge/flowd/model"
)

// StepAction runs one unit of work over the flow context. The engine
// treats it as opaque; it must return a tagged StepResult and must be
// safe to re-execute, since crash recovery re-runs the step that was
// mid-flight when the owning process died.
type StepAction func(ctx map[string]any, flow *model.FlowInstance) model.StepResult

// Compensation undoes a completed step during rollback. Best-effort:
// a failing compensation is recorded in the timeline and the rollback
// of earlier steps continues.
type Compensation func(ctx map[string]any, flow *model.FlowInstance) error

type Step struct {
	Name         string
	Action       StepAction
	Compensation Compensation
}

type FlowDefinition struct {
	FlowType string
	Steps    []Step
}

func (d *FlowDefinition) Validate() error {
	if d.FlowType == "" {
		return api.ValidationError{Message: "flow type can not be empty"}
	}
	if len(d.Steps) == 0 {
		return api.ValidationError{Message: fmt.Sprintf("flow %s should have at least one step", d.FlowType)}
	}
	names := make(map[string]bool)
	for i, step := range d.Steps {
		if step.Name == "" {
			return api.ValidationError{Message: fmt.Sprintf("flow %s step %d has no name", d.FlowType, i)}
		}
		if names[step.Name] {
			return api.ValidationError{Message: fmt.Sprintf("flow %s has duplicate step %s", d.FlowType, step.Name)}
		}
		names[step.Name] = true
		if step.Action == nil {
			return api.ValidationError{Message: fmt.Sprintf("flow %s step %s has no action", d.FlowType, step.Name)}
		}
	}
	return nil
}

// Registry holds the flow definitions. Definitions are immutable once
// registered; re-registering a flow type is a configuration error.
type Registry struct {
	mu          sync.RWMutex
	definitions map[string]*FlowDefinition
}

func NewRegistry() *Registry {
	return &Registry{
		definitions: make(map[string]*FlowDefinition),
	}
}

func (r *Registry) Register(def FlowDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.definitions[def.FlowType]; ok {
		return api.ValidationError{Message: fmt.Sprintf("flow type %s already registered", def.FlowType)}
	}
	r.definitions[def.FlowType] = &def
	return nil
}

func (r *Registry) Get(flowType string) (*FlowDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.definitions[flowType]
	if !ok {
		return nil, api.UnknownFlowTypeError{FlowType: flowType}
	}
	return def, nil
}
