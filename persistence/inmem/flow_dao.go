package inmem

import (
	"sort"
	"strings"
	"sync"
	"time"

	api "github.com/flowforge/flowd/api/v1"
	"github.com/flowforge/flowd/model"
	"github.com/flowforge/flowd/persistence"
)

var _ persistence.FlowStorage = new(inMemFlowStorage)

type inMemFlowStorage struct {
	mu        sync.RWMutex
	flows     map[string]model.FlowInstance
	timelines map[string][]model.TimelineEvent
}

func NewInMemFlowStorage() *inMemFlowStorage {
	return &inMemFlowStorage{
		flows:     make(map[string]model.FlowInstance),
		timelines: make(map[string][]model.TimelineEvent),
	}
}

func (s *inMemFlowStorage) CreateFlow(flow *model.FlowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flows[flow.FlowId] = copyFlow(flow)
	return nil
}

func (s *inMemFlowStorage) GetFlow(flowId string) (*model.FlowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	flow, ok := s.flows[flowId]
	if !ok {
		return nil, api.NotFoundError{FlowId: flowId}
	}
	out := copyFlow(&flow)
	return &out, nil
}

func (s *inMemFlowStorage) SaveFlow(flow *model.FlowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.flows[flow.FlowId]; !ok {
		return api.NotFoundError{FlowId: flow.FlowId}
	}
	s.flows[flow.FlowId] = copyFlow(flow)
	return nil
}

func (s *inMemFlowStorage) DeleteFlow(flowId string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.flows, flowId)
	delete(s.timelines, flowId)
	return nil
}

func (s *inMemFlowStorage) AppendTimelineEvent(flowId string, event model.TimelineEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timelines[flowId] = append(s.timelines[flowId], event)
	return nil
}

func (s *inMemFlowStorage) GetTimeline(flowId string) ([]model.TimelineEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.flows[flowId]; !ok {
		return nil, api.NotFoundError{FlowId: flowId}
	}
	events := s.timelines[flowId]
	out := make([]model.TimelineEvent, len(events))
	copy(out, events)
	return out, nil
}

func (s *inMemFlowStorage) Query(filter model.FlowFilter) (*model.FlowPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matched []model.FlowInstance
	for _, flow := range s.flows {
		if matches(&flow, filter) {
			matched = append(matched, copyFlow(&flow))
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	page := filter.Page
	if page < 1 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 500 {
		pageSize = 500
	}
	total := len(matched)
	start := (page - 1) * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return &model.FlowPage{
		Items:      matched[start:end],
		Page:       page,
		PageSize:   pageSize,
		TotalCount: total,
	}, nil
}

func (s *inMemFlowStorage) FindByStatus(status model.FlowStatus) ([]model.FlowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.FlowInstance
	for _, flow := range s.flows {
		if flow.Status == status {
			out = append(out, copyFlow(&flow))
		}
	}
	return out, nil
}

func (s *inMemFlowStorage) FindStaleRunning(olderThan time.Time) ([]model.FlowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.FlowInstance
	for _, flow := range s.flows {
		if flow.Status == model.STATUS_RUNNING && flow.UpdatedAt.Before(olderThan) {
			out = append(out, copyFlow(&flow))
		}
	}
	return out, nil
}

func (s *inMemFlowStorage) FindTerminalCompletedBefore(before time.Time) ([]model.FlowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.FlowInstance
	for _, flow := range s.flows {
		if flow.Status.IsTerminal() && flow.CompletedAt != nil && flow.CompletedAt.Before(before) {
			out = append(out, copyFlow(&flow))
		}
	}
	return out, nil
}

func matches(flow *model.FlowInstance, filter model.FlowFilter) bool {
	if filter.Status != "" && flow.Status != filter.Status {
		return false
	}
	if filter.UserId != "" && flow.UserId != filter.UserId {
		return false
	}
	if !filter.CreatedAfter.IsZero() && !flow.CreatedAt.After(filter.CreatedAfter) {
		return false
	}
	if filter.StepName != "" && !strings.Contains(strings.ToLower(flow.CurrentStepName), strings.ToLower(filter.StepName)) {
		return false
	}
	return true
}

func copyFlow(flow *model.FlowInstance) model.FlowInstance {
	out := *flow
	out.Context = make(map[string]any, len(flow.Context))
	for k, v := range flow.Context {
		out.Context[k] = v
	}
	if flow.Wait != nil {
		wait := *flow.Wait
		if wait.Until != nil {
			until := *wait.Until
			wait.Until = &until
		}
		out.Wait = &wait
	}
	if flow.CompletedAt != nil {
		completed := *flow.CompletedAt
		out.CompletedAt = &completed
	}
	return out
}
