package service

import (
	"sync"
	"time"

	"go.uber.org/zap"

	api "github.com/flowforge/flowd/api/v1"
	"github.com/flowforge/flowd/engine"
	"github.com/flowforge/flowd/logger"
	"github.com/flowforge/flowd/model"
	"github.com/flowforge/flowd/util"
)

// FlowExecutionService is the transport-agnostic facade over the
// engine. The REST layer adapts it 1:1.
type FlowExecutionService struct {
	engine     *engine.Engine
	fireWorker *util.Worker
}

func NewFlowExecutionService(engine *engine.Engine, wg *sync.WaitGroup, fireCapacity int) *FlowExecutionService {
	s := &FlowExecutionService{
		engine: engine,
	}
	s.fireWorker = util.NewWorker("fire-worker", wg, s.handleFire, fireCapacity)
	s.fireWorker.Start()
	return s
}

func (s *FlowExecutionService) Stop() error {
	s.fireWorker.Stop()
	return nil
}

// StartFlow runs the flow synchronously until it pauses or reaches a
// terminal state and returns the instance snapshot.
func (s *FlowExecutionService) StartFlow(req model.StartFlowRequest) (*model.FlowInstance, error) {
	return s.engine.Start(req)
}

// FireFlow creates the instance and returns its id immediately; the
// step loop runs on the fire worker.
func (s *FlowExecutionService) FireFlow(req model.StartFlowRequest) (string, error) {
	flow, err := s.engine.CreateInstance(req)
	if err != nil {
		return "", err
	}
	s.fireWorker.Sender() <- flow.FlowId
	return flow.FlowId, nil
}

func (s *FlowExecutionService) handleFire(task util.Task) error {
	flowId := task.(string)
	if err := s.engine.Drive(flowId); err != nil {
		if api.IsInvalidState(err) {
			// Cancelled before the worker picked it up.
			logger.Debug("fired flow no longer runnable", zap.String("FlowId", flowId))
			return nil
		}
		return err
	}
	return nil
}

func (s *FlowExecutionService) GetStatus(flowId string) (model.FlowStatus, error) {
	return s.engine.GetStatus(flowId)
}

func (s *FlowExecutionService) GetFlow(flowId string) (*model.FlowInstance, error) {
	return s.engine.GetFlow(flowId)
}

func (s *FlowExecutionService) GetTimeline(flowId string) ([]model.TimelineEvent, error) {
	return s.engine.GetTimeline(flowId)
}

func (s *FlowExecutionService) ResumeManually(flowId string, userId string, reason string) (bool, error) {
	return s.engine.ResumeManually(flowId, userId, reason)
}

func (s *FlowExecutionService) Cancel(flowId string, reason string) (bool, error) {
	return s.engine.Cancel(flowId, reason)
}

func (s *FlowExecutionService) PublishEvent(eventType string, payload map[string]any, correlationKey string) {
	s.engine.PublishEvent(eventType, payload, correlationKey)
}

func (s *FlowExecutionService) Query(filter model.FlowFilter) (*model.FlowPage, error) {
	return s.engine.Query(filter)
}

func (s *FlowExecutionService) RecoverCrashedFlows() (*model.RecoveryReport, error) {
	return s.engine.RecoverCrashedFlows()
}

func (s *FlowExecutionService) Cleanup(olderThan time.Duration) (int, error) {
	return s.engine.Cleanup(olderThan)
}
