package engine

import (
	"fmt"

	"github.com/oliveagle/jsonpath"
	"go.uber.org/zap"

	api "github.com/flowforge/flowd/api/v1"
	"github.com/flowforge/flowd/logger"
	"github.com/flowforge/flowd/model"
)

// AutoResumeSweep evaluates the wait condition of every PAUSED flow
// whose suspension is time or predicate based and resumes the
// satisfied ones with a system actor. Lock losers skip silently; a
// concurrent manual resume simply wins the race. Event waits belong
// to the correlation index and are left alone. Returns the number of
// flows resumed.
func (e *Engine) AutoResumeSweep() int {
	paused, err := e.storage.FindByStatus(model.STATUS_PAUSED)
	if err != nil {
		logger.Error("error scanning paused flows", zap.Error(err))
		return 0
	}
	resumedCount := 0
	for _, flow := range paused {
		if flow.Wait == nil || flow.Wait.Kind == model.WAIT_EVENT {
			continue
		}
		satisfied, reason := e.waitSatisfied(&flow)
		if !satisfied {
			continue
		}
		resumed, err := e.resume(flow.FlowId, reason, nil)
		if err != nil {
			if api.IsConflict(err) || api.IsInvalidState(err) {
				logger.Debug("auto-resume lost race", zap.String("FlowId", flow.FlowId))
				continue
			}
			logger.Error("error auto-resuming flow", zap.String("FlowId", flow.FlowId), zap.Error(err))
			continue
		}
		if resumed {
			resumedCount++
		}
	}
	return resumedCount
}

func (e *Engine) waitSatisfied(flow *model.FlowInstance) (bool, string) {
	wait := flow.Wait
	switch wait.Kind {
	case model.WAIT_DELAY:
		if wait.Until != nil && !e.clock.Now().Before(*wait.Until) {
			return true, "delay elapsed"
		}
	case model.WAIT_PREDICATE:
		value, err := jsonpath.JsonPathLookup(flow.Context, wait.Expression)
		if err != nil {
			return false, ""
		}
		if wait.Expected == nil {
			if value != nil {
				return true, fmt.Sprintf("predicate %s satisfied", wait.Expression)
			}
			return false, ""
		}
		if fmt.Sprintf("%v", value) == fmt.Sprintf("%v", wait.Expected) {
			return true, fmt.Sprintf("predicate %s satisfied", wait.Expression)
		}
	}
	return false, ""
}
