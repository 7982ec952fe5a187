package engine

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	c "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	api "github.com/flowforge/flowd/api/v1"
	"github.com/flowforge/flowd/correlation"
	"github.com/flowforge/flowd/logger"
	"github.com/flowforge/flowd/model"
	"github.com/flowforge/flowd/persistence"
	"github.com/flowforge/flowd/registry"
	"github.com/flowforge/flowd/timers"
	"github.com/flowforge/flowd/util"
)

// Engine drives flow instances through the state machine
// Created -> Running <-> Paused -> {Completed, Failed, Cancelled}.
// All mutation happens under the per-flow KeyedLock; step actions run
// synchronously inside the loop and must be safe to re-execute, since
// crash recovery re-runs the step that was mid-flight.
type Engine struct {
	registry            *registry.Registry
	storage             persistence.FlowStorage
	index               *correlation.Index
	locks               *KeyedLock
	clock               util.Clock
	timers              *timers.TimerManager
	statusCache         *c.Cache
	cancels             *c.Cache
	stalenessThreshold  time.Duration
	recoveryMaxAttempts int
}

type Config struct {
	Registry            *registry.Registry
	Storage             persistence.FlowStorage
	Index               *correlation.Index
	Clock               util.Clock
	Timers              *timers.TimerManager
	StalenessThreshold  time.Duration
	RecoveryMaxAttempts int
}

func NewEngine(conf Config) *Engine {
	clock := conf.Clock
	if clock == nil {
		clock = util.SystemClock{}
	}
	staleness := conf.StalenessThreshold
	if staleness <= 0 {
		staleness = 5 * time.Minute
	}
	maxAttempts := conf.RecoveryMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Engine{
		registry:            conf.Registry,
		storage:             conf.Storage,
		index:               conf.Index,
		locks:               NewKeyedLock(),
		clock:               clock,
		timers:              conf.Timers,
		statusCache:         c.New(10*time.Minute, 10*time.Minute),
		cancels:             c.New(c.NoExpiration, 0),
		stalenessThreshold:  staleness,
		recoveryMaxAttempts: maxAttempts,
	}
}

// CreateInstance validates the request and persists a flow in CREATED
// with its FLOW_STARTED timeline entry. It does not run any step.
func (e *Engine) CreateInstance(req model.StartFlowRequest) (*model.FlowInstance, error) {
	if req.FlowType == "" {
		return nil, api.ValidationError{Message: "flowType can not be empty"}
	}
	if req.UserId == "" {
		return nil, api.ValidationError{Message: "userId can not be empty"}
	}
	def, err := e.registry.Get(req.FlowType)
	if err != nil {
		return nil, err
	}
	now := e.clock.Now()
	ctx := make(map[string]any, len(req.Input))
	for k, v := range req.Input {
		ctx[k] = v
	}
	flow := &model.FlowInstance{
		FlowId:           uuid.New().String(),
		FlowType:         req.FlowType,
		Status:           model.STATUS_CREATED,
		CurrentStepIndex: 0,
		CurrentStepName:  def.Steps[0].Name,
		Context:          ctx,
		UserId:           req.UserId,
		CorrelationId:    req.CorrelationId,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := e.storage.CreateFlow(flow); err != nil {
		return nil, err
	}
	e.appendTimeline(flow.FlowId, model.EVENT_FLOW_STARTED, "", model.STATUS_CREATED, fmt.Sprintf("flow of type %s started by %s", req.FlowType, req.UserId))
	logger.Info("flow created", zap.String("FlowId", flow.FlowId), zap.String("flowType", flow.FlowType))
	return flow, nil
}

// Start creates an instance and runs it synchronously until it
// pauses or reaches a terminal state.
func (e *Engine) Start(req model.StartFlowRequest) (*model.FlowInstance, error) {
	flow, err := e.CreateInstance(req)
	if err != nil {
		return nil, err
	}
	if err := e.Drive(flow.FlowId); err != nil {
		return nil, err
	}
	return e.storage.GetFlow(flow.FlowId)
}

// Drive takes the flow lock and runs the step loop from the saved
// checkpoint. Legal from CREATED and RUNNING (recovery re-entry).
func (e *Engine) Drive(flowId string) error {
	if !e.locks.TryAcquire(flowId) {
		return api.ConflictError{FlowId: flowId}
	}
	defer e.locks.Release(flowId)
	flow, err := e.storage.GetFlow(flowId)
	if err != nil {
		return err
	}
	switch flow.Status {
	case model.STATUS_CREATED, model.STATUS_RUNNING:
	default:
		return api.InvalidStateError{FlowId: flowId, Status: string(flow.Status), Operation: "drive"}
	}
	flow.Status = model.STATUS_RUNNING
	if err := e.save(flow); err != nil {
		return err
	}
	e.runSteps(flow)
	return nil
}

// ResumeManually re-enters a PAUSED flow at its checkpoint. Returns
// Conflict without blocking when a concurrent execution owns the
// lock.
func (e *Engine) ResumeManually(flowId string, userId string, reason string) (bool, error) {
	return e.resume(flowId, fmt.Sprintf("resumed by %s: %s", userId, reason), nil)
}

func (e *Engine) resume(flowId string, message string, delta map[string]any) (bool, error) {
	flow, err := e.storage.GetFlow(flowId)
	if err != nil {
		return false, err
	}
	if flow.Status != model.STATUS_PAUSED {
		return false, api.InvalidStateError{FlowId: flowId, Status: string(flow.Status), Operation: "resume"}
	}
	if !e.locks.TryAcquire(flowId) {
		return false, api.ConflictError{FlowId: flowId}
	}
	defer e.locks.Release(flowId)
	// Re-read under the lock; a racing winner may have moved the flow.
	flow, err = e.storage.GetFlow(flowId)
	if err != nil {
		return false, err
	}
	if flow.Status != model.STATUS_PAUSED {
		return false, api.InvalidStateError{FlowId: flowId, Status: string(flow.Status), Operation: "resume"}
	}
	e.index.RemoveFlow(flowId)
	for k, v := range delta {
		flow.Context[k] = v
	}
	flow.Status = model.STATUS_RUNNING
	flow.PauseReason = ""
	flow.Wait = nil
	if err := e.save(flow); err != nil {
		return false, err
	}
	e.appendTimeline(flowId, model.EVENT_FLOW_RESUMED, flow.CurrentStepName, model.STATUS_RUNNING, message)
	logger.Info("flow resumed", zap.String("FlowId", flowId), zap.String("reason", message))
	e.runSteps(flow)
	return true, nil
}

// Cancel requests cancellation. Idle flows (CREATED, PAUSED) are
// finalized immediately; a RUNNING flow is cancelled cooperatively at
// its next step boundary.
func (e *Engine) Cancel(flowId string, reason string) (bool, error) {
	flow, err := e.storage.GetFlow(flowId)
	if err != nil {
		return false, err
	}
	if flow.Status.IsTerminal() {
		return false, api.InvalidStateError{FlowId: flowId, Status: string(flow.Status), Operation: "cancel"}
	}
	e.cancels.Set(flowId, reason, c.NoExpiration)
	if !e.locks.TryAcquire(flowId) {
		// In-flight execution observes the flag at the next step
		// boundary.
		logger.Info("cancellation requested for running flow", zap.String("FlowId", flowId))
		return true, nil
	}
	defer e.locks.Release(flowId)
	flow, err = e.storage.GetFlow(flowId)
	if err != nil {
		return false, err
	}
	if flow.Status.IsTerminal() {
		return false, api.InvalidStateError{FlowId: flowId, Status: string(flow.Status), Operation: "cancel"}
	}
	def, err := e.registry.Get(flow.FlowType)
	if err != nil {
		return false, err
	}
	e.finalizeCancelled(flow, def, reason)
	return true, nil
}

// PublishEvent resolves subscriptions for (eventType, correlationKey)
// and resumes each matched flow with the payload merged under the
// reserved context key. Idempotent under duplicate delivery: a
// consumed subscription makes the recurrence a no-op.
func (e *Engine) PublishEvent(eventType string, payload map[string]any, correlationKey string) {
	flowIds := e.index.Resolve(eventType, correlationKey)
	if len(flowIds) == 0 {
		logger.Debug("no subscription for event", zap.String("eventType", eventType), zap.String("correlationKey", correlationKey))
		return
	}
	for _, flowId := range flowIds {
		if !e.index.Consume(eventType, correlationKey, flowId) {
			logger.Debug("subscription already consumed", zap.String("FlowId", flowId), zap.String("eventType", eventType))
			continue
		}
		delta := map[string]any{
			model.EventKey: map[string]any{eventType: payload},
		}
		resumed, err := e.resume(flowId, fmt.Sprintf("event %s received", eventType), delta)
		if err != nil {
			if api.IsConflict(err) {
				// Lost the race to a concurrent resume; winner owns
				// the flow, nothing to do.
				logger.Debug("event resume lost lock race", zap.String("FlowId", flowId))
				continue
			}
			logger.Error("error resuming flow on event", zap.String("FlowId", flowId), zap.String("eventType", eventType), zap.Error(err))
			continue
		}
		if resumed {
			logger.Info("flow resumed by event", zap.String("FlowId", flowId), zap.String("eventType", eventType))
		}
	}
}

// RebuildSubscriptions re-registers the correlation index from the
// persisted wait conditions of PAUSED flows. The index is in-memory
// only; the wait condition on the instance is the durable record, so
// a restart replays it here before events are accepted.
func (e *Engine) RebuildSubscriptions() (int, error) {
	paused, err := e.storage.FindByStatus(model.STATUS_PAUSED)
	if err != nil {
		return 0, err
	}
	restored := 0
	for _, flow := range paused {
		if flow.Wait == nil || flow.Wait.Kind != model.WAIT_EVENT {
			continue
		}
		e.index.Register(flow.Wait.EventType, flow.Wait.CorrelationKey, flow.FlowId)
		restored++
	}
	if restored > 0 {
		logger.Info("restored event subscriptions from storage", zap.Int("count", restored))
	}
	return restored, nil
}

func (e *Engine) GetStatus(flowId string) (model.FlowStatus, error) {
	if status, ok := e.statusCache.Get(flowId); ok {
		return status.(model.FlowStatus), nil
	}
	flow, err := e.storage.GetFlow(flowId)
	if err != nil {
		return "", err
	}
	return flow.Status, nil
}

func (e *Engine) GetFlow(flowId string) (*model.FlowInstance, error) {
	return e.storage.GetFlow(flowId)
}

func (e *Engine) GetTimeline(flowId string) ([]model.TimelineEvent, error) {
	return e.storage.GetTimeline(flowId)
}

func (e *Engine) Query(filter model.FlowFilter) (*model.FlowPage, error) {
	return e.storage.Query(filter)
}

// runSteps is the step loop. Caller holds the flow lock and has
// persisted Status=RUNNING.
func (e *Engine) runSteps(flow *model.FlowInstance) {
	def, err := e.registry.Get(flow.FlowType)
	if err != nil {
		// Registry misconfiguration: the definition disappeared under
		// a live flow.
		logger.Error("flow type vanished from registry", zap.String("FlowId", flow.FlowId), zap.String("flowType", flow.FlowType))
		e.finalizeFailed(flow, "", err)
		return
	}
	for {
		if reason, ok := e.cancels.Get(flow.FlowId); ok {
			e.finalizeCancelled(flow, def, reason.(string))
			return
		}
		if flow.CurrentStepIndex >= len(def.Steps) {
			e.finalizeCompleted(flow)
			return
		}
		step := def.Steps[flow.CurrentStepIndex]
		flow.CurrentStepName = step.Name
		result := e.runStep(flow, step)
		switch result.Outcome {
		case model.OUTCOME_CONTINUE:
			for k, v := range result.Delta {
				flow.Context[k] = v
			}
			e.appendTimeline(flow.FlowId, model.EVENT_STEP_COMPLETED, step.Name, model.STATUS_RUNNING, "")
			flow.CurrentStepIndex++
			if flow.CurrentStepIndex < len(def.Steps) {
				flow.CurrentStepName = def.Steps[flow.CurrentStepIndex].Name
			}
			if err := e.save(flow); err != nil {
				logger.Error("error persisting checkpoint", zap.String("FlowId", flow.FlowId), zap.Error(err))
				return
			}
		case model.OUTCOME_SUSPEND:
			e.suspend(flow, step, result)
			return
		case model.OUTCOME_FAIL:
			cause := result.Err
			if cause == nil {
				cause = fmt.Errorf("step %s failed without error detail", step.Name)
			}
			e.appendTimeline(flow.FlowId, model.EVENT_STEP_FAILED, step.Name, model.STATUS_RUNNING, cause.Error())
			e.rollback(flow, def)
			e.finalizeFailed(flow, step.Name, api.StepExecutionError{FlowId: flow.FlowId, StepName: step.Name, Cause: cause})
			return
		}
	}
}

// runStep invokes the action and converts a panic into a failure
// outcome; a misbehaving step never takes the engine down.
func (e *Engine) runStep(flow *model.FlowInstance, step registry.Step) (result model.StepResult) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("step action panicked", zap.String("FlowId", flow.FlowId), zap.String("step", step.Name), zap.Any("panic", r))
			result = model.Fail(fmt.Errorf("step %s panicked: %v", step.Name, r))
		}
	}()
	return step.Action(flow.Context, flow)
}

func (e *Engine) suspend(flow *model.FlowInstance, step registry.Step, result model.StepResult) {
	flow.Status = model.STATUS_PAUSED
	flow.PauseReason = result.Reason
	flow.Wait = result.Wait
	if err := e.save(flow); err != nil {
		logger.Error("error persisting suspension", zap.String("FlowId", flow.FlowId), zap.Error(err))
		return
	}
	e.appendTimeline(flow.FlowId, model.EVENT_FLOW_PAUSED, step.Name, model.STATUS_PAUSED, result.Reason)
	if result.Wait == nil {
		// No wait condition means the flow waits for a manual resume.
		logger.Info("flow paused", zap.String("FlowId", flow.FlowId), zap.String("step", step.Name), zap.String("reason", result.Reason))
		return
	}
	switch result.Wait.Kind {
	case model.WAIT_EVENT:
		e.index.Register(result.Wait.EventType, result.Wait.CorrelationKey, flow.FlowId)
	case model.WAIT_DELAY:
		if e.timers != nil && result.Wait.Until != nil {
			flowId := flow.FlowId
			delay := result.Wait.Until.Sub(e.clock.Now())
			e.timers.Schedule(delay, func() {
				// Scanner remains the durable backstop; a lost timer
				// after restart only delays the resume.
				if _, err := e.resume(flowId, "delay elapsed", nil); err != nil && !api.IsConflict(err) && !api.IsInvalidState(err) {
					logger.Error("error resuming delayed flow", zap.String("FlowId", flowId), zap.Error(err))
				}
			})
		}
	}
	logger.Info("flow paused", zap.String("FlowId", flow.FlowId), zap.String("step", step.Name), zap.String("reason", result.Reason))
}

// rollback runs compensations for completed steps in reverse order.
// Best-effort: a failing compensation is recorded and the remaining
// rollback continues.
func (e *Engine) rollback(flow *model.FlowInstance, def *registry.FlowDefinition) {
	for i := flow.CurrentStepIndex - 1; i >= 0; i-- {
		step := def.Steps[i]
		if step.Compensation == nil {
			continue
		}
		if err := e.runCompensation(flow, step); err != nil {
			e.appendTimeline(flow.FlowId, model.EVENT_COMPENSATION_FAILED, step.Name, flow.Status, err.Error())
			logger.Error("compensation failed", zap.String("FlowId", flow.FlowId), zap.String("step", step.Name), zap.Error(err))
			continue
		}
		e.appendTimeline(flow.FlowId, model.EVENT_COMPENSATION_RUN, step.Name, flow.Status, "")
	}
}

func (e *Engine) runCompensation(flow *model.FlowInstance, step registry.Step) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("compensation of step %s panicked: %v", step.Name, r)
		}
	}()
	return step.Compensation(flow.Context, flow)
}

func (e *Engine) finalizeCompleted(flow *model.FlowInstance) {
	e.terminate(flow, model.STATUS_COMPLETED)
	e.appendTimeline(flow.FlowId, model.EVENT_FLOW_COMPLETED, "", model.STATUS_COMPLETED, "")
	logger.Info("flow completed", zap.String("FlowId", flow.FlowId), zap.Duration("duration", flow.Duration))
}

func (e *Engine) finalizeFailed(flow *model.FlowInstance, stepName string, cause error) {
	e.terminate(flow, model.STATUS_FAILED)
	message := ""
	if cause != nil {
		message = cause.Error()
	}
	e.appendTimeline(flow.FlowId, model.EVENT_FLOW_FAILED, stepName, model.STATUS_FAILED, message)
	logger.Info("flow failed", zap.String("FlowId", flow.FlowId), zap.String("step", stepName))
}

func (e *Engine) finalizeCancelled(flow *model.FlowInstance, def *registry.FlowDefinition, reason string) {
	e.index.RemoveFlow(flow.FlowId)
	if def != nil {
		e.rollback(flow, def)
	}
	flow.PauseReason = ""
	flow.Wait = nil
	e.terminate(flow, model.STATUS_CANCELLED)
	e.appendTimeline(flow.FlowId, model.EVENT_FLOW_CANCELLED, "", model.STATUS_CANCELLED, reason)
	logger.Info("flow cancelled", zap.String("FlowId", flow.FlowId), zap.String("reason", reason))
}

func (e *Engine) terminate(flow *model.FlowInstance, status model.FlowStatus) {
	now := e.clock.Now()
	flow.Status = status
	flow.CompletedAt = &now
	flow.Duration = now.Sub(flow.CreatedAt)
	flow.CurrentStepName = ""
	if err := e.save(flow); err != nil {
		logger.Error("error persisting terminal state", zap.String("FlowId", flow.FlowId), zap.Error(err))
		return
	}
	e.cancels.Delete(flow.FlowId)
	e.statusCache.Set(flow.FlowId, status, c.DefaultExpiration)
}

// save refreshes the heartbeat and persists the checkpoint.
func (e *Engine) save(flow *model.FlowInstance) error {
	flow.UpdatedAt = e.clock.Now()
	return e.storage.SaveFlow(flow)
}

func (e *Engine) appendTimeline(flowId string, eventType model.TimelineEventType, stepName string, status model.FlowStatus, message string) {
	event := model.TimelineEvent{
		Timestamp: e.clock.Now(),
		EventType: eventType,
		StepName:  stepName,
		Status:    status,
		Message:   message,
	}
	if err := e.storage.AppendTimelineEvent(flowId, event); err != nil {
		logger.Error("error appending timeline event", zap.String("FlowId", flowId), zap.Error(err))
	}
}
