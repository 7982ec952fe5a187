package engine

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	api "github.com/flowforge/flowd/api/v1"
	"github.com/flowforge/flowd/correlation"
	"github.com/flowforge/flowd/model"
	"github.com/flowforge/flowd/persistence"
	"github.com/flowforge/flowd/persistence/inmem"
	"github.com/flowforge/flowd/registry"
	"github.com/flowforge/flowd/util"
)

type testHarness struct {
	engine   *Engine
	registry *registry.Registry
	index    *correlation.Index
	storage  persistence.FlowStorage
	clock    *util.FakeClock
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	clock := util.NewFakeClock(time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC))
	reg := registry.NewRegistry()
	index := correlation.NewIndex(clock, time.Hour)
	storage := inmem.NewInMemFlowStorage()
	eng := NewEngine(Config{
		Registry:            reg,
		Storage:             storage,
		Index:               index,
		Clock:               clock,
		StalenessThreshold:  5 * time.Minute,
		RecoveryMaxAttempts: 3,
	})
	return &testHarness{engine: eng, registry: reg, index: index, storage: storage, clock: clock}
}

func appendStep(name string, key string, value any) registry.Step {
	return registry.Step{
		Name: name,
		Action: func(ctx map[string]any, flow *model.FlowInstance) model.StepResult {
			return model.Continue(map[string]any{key: value})
		},
	}
}

func waitForEventStep(name string, eventType string, correlationKey string) registry.Step {
	return registry.Step{
		Name: name,
		Action: func(ctx map[string]any, flow *model.FlowInstance) model.StepResult {
			if _, ok := ctx[model.EventKey]; ok {
				return model.Continue(nil)
			}
			return model.Suspend("waiting for "+eventType, model.WaitForEvent(eventType, correlationKey))
		},
	}
}

func startRequest(flowType string) model.StartFlowRequest {
	return model.StartFlowRequest{
		FlowType:      flowType,
		Input:         map[string]any{"amount": 100},
		UserId:        "user-1",
		CorrelationId: "corr-1",
	}
}

func TestStartCompletesAllContinueSteps(t *testing.T) {
	h := newTestHarness(t)
	err := h.registry.Register(registry.FlowDefinition{
		FlowType: "onboarding",
		Steps: []registry.Step{
			appendStep("create-account", "account", "acc-1"),
			appendStep("send-welcome", "welcome", true),
			appendStep("activate", "active", true),
		},
	})
	require.NoError(t, err)

	flow, err := h.engine.Start(startRequest("onboarding"))
	require.NoError(t, err)
	require.Equal(t, model.STATUS_COMPLETED, flow.Status)
	require.NotNil(t, flow.CompletedAt)

	// Context is the fold of the input and every step delta.
	require.Equal(t, 100, flow.Context["amount"])
	require.Equal(t, "acc-1", flow.Context["account"])
	require.Equal(t, true, flow.Context["welcome"])
	require.Equal(t, true, flow.Context["active"])

	timeline, err := h.engine.GetTimeline(flow.FlowId)
	require.NoError(t, err)
	var completed []string
	for _, event := range timeline {
		if event.EventType == model.EVENT_STEP_COMPLETED {
			completed = append(completed, event.StepName)
		}
	}
	require.Equal(t, []string{"create-account", "send-welcome", "activate"}, completed)
	require.Equal(t, model.EVENT_FLOW_STARTED, timeline[0].EventType)
	require.Equal(t, model.EVENT_FLOW_COMPLETED, timeline[len(timeline)-1].EventType)
}

func TestStartUnknownFlowType(t *testing.T) {
	h := newTestHarness(t)
	_, err := h.engine.Start(startRequest("missing"))
	require.Error(t, err)
	var unknown api.UnknownFlowTypeError
	require.ErrorAs(t, err, &unknown)
}

func TestStartValidatesRequest(t *testing.T) {
	h := newTestHarness(t)
	_, err := h.engine.Start(model.StartFlowRequest{FlowType: "", UserId: "u"})
	require.Error(t, err)
	var validation api.ValidationError
	require.ErrorAs(t, err, &validation)

	_, err = h.engine.Start(model.StartFlowRequest{FlowType: "x", UserId: ""})
	require.ErrorAs(t, err, &validation)
}

func TestEventSuspendAndResume(t *testing.T) {
	h := newTestHarness(t)
	err := h.registry.Register(registry.FlowDefinition{
		FlowType: "payment",
		Steps: []registry.Step{
			appendStep("reserve", "reserved", true),
			waitForEventStep("await-confirmation", "payment.confirmed", "order-42"),
			appendStep("settle", "settled", true),
		},
	})
	require.NoError(t, err)

	flow, err := h.engine.Start(startRequest("payment"))
	require.NoError(t, err)
	require.Equal(t, model.STATUS_PAUSED, flow.Status)
	require.Equal(t, "waiting for payment.confirmed", flow.PauseReason)

	// Non-matching event leaves the flow paused.
	h.engine.PublishEvent("payment.confirmed", nil, "order-99")
	status, err := h.engine.GetStatus(flow.FlowId)
	require.NoError(t, err)
	require.Equal(t, model.STATUS_PAUSED, status)

	// Matching event resumes it to completion.
	h.engine.PublishEvent("payment.confirmed", map[string]any{"txn": "t-1"}, "order-42")
	resumed, err := h.engine.GetFlow(flow.FlowId)
	require.NoError(t, err)
	require.Equal(t, model.STATUS_COMPLETED, resumed.Status)
	eventCtx := resumed.Context[model.EventKey].(map[string]any)
	payload := eventCtx["payment.confirmed"].(map[string]any)
	require.Equal(t, "t-1", payload["txn"])
}

func TestDuplicateEventDeliveryResumesOnce(t *testing.T) {
	h := newTestHarness(t)
	resumeCount := 0
	err := h.registry.Register(registry.FlowDefinition{
		FlowType: "dup",
		Steps: []registry.Step{
			{
				Name: "await",
				Action: func(ctx map[string]any, flow *model.FlowInstance) model.StepResult {
					if _, ok := ctx[model.EventKey]; ok {
						resumeCount++
						return model.Continue(nil)
					}
					return model.Suspend("waiting", model.WaitForEvent("shipment.arrived", "pkg-7"))
				},
			},
		},
	})
	require.NoError(t, err)

	flow, err := h.engine.Start(startRequest("dup"))
	require.NoError(t, err)
	require.Equal(t, model.STATUS_PAUSED, flow.Status)

	h.engine.PublishEvent("shipment.arrived", nil, "pkg-7")
	h.engine.PublishEvent("shipment.arrived", nil, "pkg-7")

	final, err := h.engine.GetFlow(flow.FlowId)
	require.NoError(t, err)
	require.Equal(t, model.STATUS_COMPLETED, final.Status)
	require.Equal(t, 1, resumeCount)
}

func TestSubscriptionsSurviveRestart(t *testing.T) {
	h := newTestHarness(t)
	err := h.registry.Register(registry.FlowDefinition{
		FlowType: "payment",
		Steps: []registry.Step{
			waitForEventStep("await-confirmation", "payment.confirmed", "order-1"),
			appendStep("settle", "settled", true),
		},
	})
	require.NoError(t, err)

	flow, err := h.engine.Start(startRequest("payment"))
	require.NoError(t, err)
	require.Equal(t, model.STATUS_PAUSED, flow.Status)

	// A new engine over the same storage, as after a process restart.
	// The in-memory index starts empty and is rebuilt from the
	// persisted wait conditions.
	restartedIndex := correlation.NewIndex(h.clock, time.Hour)
	restarted := NewEngine(Config{
		Registry:            h.registry,
		Storage:             h.storage,
		Index:               restartedIndex,
		Clock:               h.clock,
		StalenessThreshold:  5 * time.Minute,
		RecoveryMaxAttempts: 3,
	})

	restored, err := restarted.RebuildSubscriptions()
	require.NoError(t, err)
	require.Equal(t, 1, restored)

	restarted.PublishEvent("payment.confirmed", map[string]any{"txn": "t-9"}, "order-1")

	final, err := restarted.GetFlow(flow.FlowId)
	require.NoError(t, err)
	require.Equal(t, model.STATUS_COMPLETED, final.Status)
	require.Equal(t, true, final.Context["settled"])
}

func TestRebuildSkipsNonEventWaits(t *testing.T) {
	h := newTestHarness(t)
	err := h.registry.Register(registry.FlowDefinition{
		FlowType: "gated",
		Steps: []registry.Step{
			{
				Name: "await-approval",
				Action: func(ctx map[string]any, flow *model.FlowInstance) model.StepResult {
					return model.Suspend("awaiting approval", model.WaitForPredicate("$.approval", "granted"))
				},
			},
		},
	})
	require.NoError(t, err)

	flow, err := h.engine.Start(startRequest("gated"))
	require.NoError(t, err)
	require.Equal(t, model.STATUS_PAUSED, flow.Status)

	restored, err := h.engine.RebuildSubscriptions()
	require.NoError(t, err)
	require.Equal(t, 0, restored)
}

func TestConcurrentManualResumeSingleWinner(t *testing.T) {
	h := newTestHarness(t)
	gate := make(chan struct{})
	err := h.registry.Register(registry.FlowDefinition{
		FlowType: "race",
		Steps: []registry.Step{
			{
				Name: "await",
				Action: func(ctx map[string]any, flow *model.FlowInstance) model.StepResult {
					if _, ok := ctx["resumedOnce"]; ok {
						// Hold the lock so the losing resume observes
						// a conflict instead of a state error.
						<-gate
						return model.Continue(nil)
					}
					ctx["resumedOnce"] = true
					return model.Suspend("waiting", model.WaitForPredicate("$.never", "set"))
				},
			},
		},
	})
	require.NoError(t, err)

	flow, err := h.engine.Start(startRequest("race"))
	require.NoError(t, err)
	require.Equal(t, model.STATUS_PAUSED, flow.Status)

	var wg sync.WaitGroup
	results := make([]bool, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.engine.ResumeManually(flow.FlowId, "operator", "manual poke")
		}(i)
	}
	// Let both goroutines reach the lock, then release the winner.
	time.Sleep(100 * time.Millisecond)
	close(gate)
	wg.Wait()

	winners := 0
	for i := 0; i < 2; i++ {
		if results[i] {
			winners++
		} else {
			require.Error(t, errs[i])
			require.True(t, api.IsConflict(errs[i]) || api.IsInvalidState(errs[i]))
		}
	}
	require.Equal(t, 1, winners)

	final, err := h.engine.GetFlow(flow.FlowId)
	require.NoError(t, err)
	require.Equal(t, model.STATUS_COMPLETED, final.Status)
}

func TestResumeErrors(t *testing.T) {
	h := newTestHarness(t)
	err := h.registry.Register(registry.FlowDefinition{
		FlowType: "simple",
		Steps:    []registry.Step{appendStep("only", "done", true)},
	})
	require.NoError(t, err)

	_, err = h.engine.ResumeManually("no-such-flow", "u", "r")
	require.True(t, api.IsNotFound(err))

	flow, err := h.engine.Start(startRequest("simple"))
	require.NoError(t, err)
	require.Equal(t, model.STATUS_COMPLETED, flow.Status)

	_, err = h.engine.ResumeManually(flow.FlowId, "u", "r")
	require.True(t, api.IsInvalidState(err))
}

func TestFailureRunsCompensationsInReverse(t *testing.T) {
	h := newTestHarness(t)
	var compensated []string
	compensating := func(name string) registry.Step {
		return registry.Step{
			Name: name,
			Action: func(ctx map[string]any, flow *model.FlowInstance) model.StepResult {
				return model.Continue(nil)
			},
			Compensation: func(ctx map[string]any, flow *model.FlowInstance) error {
				compensated = append(compensated, name)
				if name == "second" {
					return fmt.Errorf("undo of %s broke", name)
				}
				return nil
			},
		}
	}
	err := h.registry.Register(registry.FlowDefinition{
		FlowType: "rollback",
		Steps: []registry.Step{
			compensating("first"),
			compensating("second"),
			{
				Name: "boom",
				Action: func(ctx map[string]any, flow *model.FlowInstance) model.StepResult {
					return model.Fail(fmt.Errorf("downstream rejected"))
				},
			},
		},
	})
	require.NoError(t, err)

	flow, err := h.engine.Start(startRequest("rollback"))
	require.NoError(t, err)
	require.Equal(t, model.STATUS_FAILED, flow.Status)
	// Reverse order, and the failing compensation does not stop the
	// rollback of earlier steps.
	require.Equal(t, []string{"second", "first"}, compensated)

	timeline, err := h.engine.GetTimeline(flow.FlowId)
	require.NoError(t, err)
	var types []model.TimelineEventType
	for _, event := range timeline {
		types = append(types, event.EventType)
	}
	require.Contains(t, types, model.EVENT_STEP_FAILED)
	require.Contains(t, types, model.EVENT_COMPENSATION_FAILED)
	require.Contains(t, types, model.EVENT_COMPENSATION_RUN)
	require.Contains(t, types, model.EVENT_FLOW_FAILED)
}

func TestPanickingStepFailsFlow(t *testing.T) {
	h := newTestHarness(t)
	err := h.registry.Register(registry.FlowDefinition{
		FlowType: "panicky",
		Steps: []registry.Step{
			{
				Name: "explode",
				Action: func(ctx map[string]any, flow *model.FlowInstance) model.StepResult {
					panic("nil map write")
				},
			},
		},
	})
	require.NoError(t, err)

	flow, err := h.engine.Start(startRequest("panicky"))
	require.NoError(t, err)
	require.Equal(t, model.STATUS_FAILED, flow.Status)
}

func TestCancelPausedRemovesSubscription(t *testing.T) {
	h := newTestHarness(t)
	err := h.registry.Register(registry.FlowDefinition{
		FlowType: "cancellable",
		Steps: []registry.Step{
			waitForEventStep("await", "doc.signed", "doc-5"),
			appendStep("after", "after", true),
		},
	})
	require.NoError(t, err)

	flow, err := h.engine.Start(startRequest("cancellable"))
	require.NoError(t, err)
	require.Equal(t, model.STATUS_PAUSED, flow.Status)

	cancelled, err := h.engine.Cancel(flow.FlowId, "user changed mind")
	require.NoError(t, err)
	require.True(t, cancelled)

	final, err := h.engine.GetFlow(flow.FlowId)
	require.NoError(t, err)
	require.Equal(t, model.STATUS_CANCELLED, final.Status)

	// The matching event is now a no-op.
	h.engine.PublishEvent("doc.signed", nil, "doc-5")
	after, err := h.engine.GetFlow(flow.FlowId)
	require.NoError(t, err)
	require.Equal(t, model.STATUS_CANCELLED, after.Status)
}

func TestCancelRunningIsCooperative(t *testing.T) {
	h := newTestHarness(t)
	stepStarted := make(chan struct{})
	stepRelease := make(chan struct{})
	secondRan := false
	err := h.registry.Register(registry.FlowDefinition{
		FlowType: "slow",
		Steps: []registry.Step{
			{
				Name: "long-step",
				Action: func(ctx map[string]any, flow *model.FlowInstance) model.StepResult {
					close(stepStarted)
					<-stepRelease
					return model.Continue(nil)
				},
			},
			{
				Name: "never",
				Action: func(ctx map[string]any, flow *model.FlowInstance) model.StepResult {
					secondRan = true
					return model.Continue(nil)
				},
			},
		},
	})
	require.NoError(t, err)

	done := make(chan *model.FlowInstance, 1)
	go func() {
		flow, err := h.engine.Start(startRequest("slow"))
		require.NoError(t, err)
		done <- flow
	}()

	<-stepStarted
	flow, err := h.engine.Query(model.FlowFilter{Status: model.STATUS_RUNNING})
	require.NoError(t, err)
	require.Len(t, flow.Items, 1)

	cancelled, err := h.engine.Cancel(flow.Items[0].FlowId, "operator abort")
	require.NoError(t, err)
	require.True(t, cancelled)

	// The in-flight step finishes, then the boundary check cancels.
	close(stepRelease)
	final := <-done
	require.Equal(t, model.STATUS_CANCELLED, final.Status)
	require.False(t, secondRan)
}

func TestCancelTerminalFlowRejected(t *testing.T) {
	h := newTestHarness(t)
	err := h.registry.Register(registry.FlowDefinition{
		FlowType: "simple",
		Steps:    []registry.Step{appendStep("only", "done", true)},
	})
	require.NoError(t, err)

	flow, err := h.engine.Start(startRequest("simple"))
	require.NoError(t, err)

	_, err = h.engine.Cancel(flow.FlowId, "too late")
	require.True(t, api.IsInvalidState(err))
}

func TestCleanupRemovesOnlyOldTerminalFlows(t *testing.T) {
	h := newTestHarness(t)
	err := h.registry.Register(registry.FlowDefinition{
		FlowType: "simple",
		Steps:    []registry.Step{appendStep("only", "done", true)},
	})
	require.NoError(t, err)
	err = h.registry.Register(registry.FlowDefinition{
		FlowType: "waity",
		Steps:    []registry.Step{waitForEventStep("await", "ev", "k")},
	})
	require.NoError(t, err)

	completed, err := h.engine.Start(startRequest("simple"))
	require.NoError(t, err)
	require.Equal(t, model.STATUS_COMPLETED, completed.Status)

	paused, err := h.engine.Start(startRequest("waity"))
	require.NoError(t, err)
	require.Equal(t, model.STATUS_PAUSED, paused.Status)

	// 40 days later a 30 day retention removes the completed flow but
	// never the paused one, whatever its age.
	h.clock.Advance(40 * 24 * time.Hour)
	removed, err := h.engine.Cleanup(30 * 24 * time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	_, err = h.engine.GetFlow(completed.FlowId)
	require.True(t, api.IsNotFound(err))

	still, err := h.engine.GetFlow(paused.FlowId)
	require.NoError(t, err)
	require.Equal(t, model.STATUS_PAUSED, still.Status)

	// Young terminal flows survive.
	fresh, err := h.engine.Start(startRequest("simple"))
	require.NoError(t, err)
	removed, err = h.engine.Cleanup(30 * 24 * time.Hour)
	require.NoError(t, err)
	require.Equal(t, 0, removed)
	_, err = h.engine.GetFlow(fresh.FlowId)
	require.NoError(t, err)
}
