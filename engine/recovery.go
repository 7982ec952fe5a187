package engine

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	api "github.com/flowforge/flowd/api/v1"
	"github.com/flowforge/flowd/logger"
	"github.com/flowforge/flowd/model"
)

// RecoverCrashedFlows sweeps RUNNING flows whose heartbeat is older
// than the staleness threshold. A legitimately slow step keeps the
// flow lock, so TryAcquire filters it out; an orphan left by a
// crashed worker has a free lock and a stale heartbeat. Orphans are
// re-driven from the last durable checkpoint, re-executing the step
// that was mid-flight, until the per-flow retry budget runs out.
func (e *Engine) RecoverCrashedFlows() (*model.RecoveryReport, error) {
	started := e.clock.Now()
	cutoff := started.Add(-e.stalenessThreshold)
	stale, err := e.storage.FindStaleRunning(cutoff)
	if err != nil {
		return nil, err
	}
	report := &model.RecoveryReport{
		TotalChecked: len(stale),
		RecoveredIds: []string{},
		FailedIds:    []string{},
	}
	for _, candidate := range stale {
		if !e.locks.TryAcquire(candidate.FlowId) {
			// Lock held means a live execution owns the flow; the
			// stale heartbeat is just a long-running step.
			logger.Debug("skipping locked flow in recovery sweep", zap.String("FlowId", candidate.FlowId))
			continue
		}
		recovered, failed := e.recoverOne(candidate.FlowId)
		if recovered {
			report.Recovered++
			report.RecoveredIds = append(report.RecoveredIds, candidate.FlowId)
		}
		if failed {
			report.Failed++
			report.FailedIds = append(report.FailedIds, candidate.FlowId)
		}
	}
	report.Duration = e.clock.Now().Sub(started)
	logger.Info("recovery sweep finished", zap.Int("totalChecked", report.TotalChecked), zap.Int("recovered", report.Recovered), zap.Int("failed", report.Failed), zap.Duration("duration", report.Duration))
	return report, nil
}

// recoverOne runs with the flow lock held and releases it.
func (e *Engine) recoverOne(flowId string) (recovered bool, failed bool) {
	defer e.locks.Release(flowId)
	flow, err := e.storage.GetFlow(flowId)
	if err != nil {
		logger.Error("error reading flow in recovery", zap.String("FlowId", flowId), zap.Error(err))
		return false, false
	}
	if flow.Status != model.STATUS_RUNNING {
		return false, false
	}
	flow.RecoveryAttempts++
	if flow.RecoveryAttempts > e.recoveryMaxAttempts {
		cause := api.RecoveryExhaustedError{FlowId: flowId, Attempts: flow.RecoveryAttempts - 1}
		e.terminate(flow, model.STATUS_FAILED)
		e.appendTimeline(flowId, model.EVENT_RECOVERY_EXHAUSTED, flow.CurrentStepName, model.STATUS_FAILED, cause.Error())
		logger.Info("recovery budget exhausted", zap.String("FlowId", flowId), zap.Int("attempts", flow.RecoveryAttempts-1))
		return false, true
	}
	e.appendTimeline(flowId, model.EVENT_FLOW_RECOVERED, flow.CurrentStepName, model.STATUS_RUNNING,
		fmt.Sprintf("resumed from checkpoint at step %s, attempt %d", flow.CurrentStepName, flow.RecoveryAttempts))
	if err := e.save(flow); err != nil {
		logger.Error("error persisting recovery attempt", zap.String("FlowId", flowId), zap.Error(err))
		return false, false
	}
	logger.Info("recovering orphaned flow", zap.String("FlowId", flowId), zap.Int("attempt", flow.RecoveryAttempts))
	e.runSteps(flow)
	return true, false
}

// Cleanup deletes terminal flows whose completion precedes the
// retention cutoff, along with their timelines and any residual
// subscriptions. Non-terminal flows are never deleted regardless of
// age.
func (e *Engine) Cleanup(olderThan time.Duration) (int, error) {
	cutoff := e.clock.Now().Add(-olderThan)
	expired, err := e.storage.FindTerminalCompletedBefore(cutoff)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, flow := range expired {
		if !e.locks.TryAcquire(flow.FlowId) {
			continue
		}
		err := e.storage.DeleteFlow(flow.FlowId)
		e.locks.Release(flow.FlowId)
		if err != nil {
			logger.Error("error deleting flow in cleanup", zap.String("FlowId", flow.FlowId), zap.Error(err))
			continue
		}
		e.index.RemoveFlow(flow.FlowId)
		e.statusCache.Delete(flow.FlowId)
		e.locks.Forget(flow.FlowId)
		removed++
	}
	if removed > 0 {
		logger.Info("cleanup removed terminal flows", zap.Int("count", removed))
	}
	return removed, nil
}
