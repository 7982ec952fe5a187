package persistence

import (
	"fmt"
	"time"

	"github.com/flowforge/flowd/model"
)

type StorageLayerError struct {
	Message string
}

func (e StorageLayerError) Error() string {
	return fmt.Sprintf("storage layer error %s", e.Message)
}

// FlowStorage is the durable store contract for flow instances and
// their timelines. All mutation goes through the execution engine
// under the per-flow lock; the storage itself does not serialize.
type FlowStorage interface {
	CreateFlow(flow *model.FlowInstance) error
	GetFlow(flowId string) (*model.FlowInstance, error)
	SaveFlow(flow *model.FlowInstance) error
	DeleteFlow(flowId string) error

	AppendTimelineEvent(flowId string, event model.TimelineEvent) error
	GetTimeline(flowId string) ([]model.TimelineEvent, error)

	Query(filter model.FlowFilter) (*model.FlowPage, error)
	FindByStatus(status model.FlowStatus) ([]model.FlowInstance, error)
	FindStaleRunning(olderThan time.Time) ([]model.FlowInstance, error)
	FindTerminalCompletedBefore(before time.Time) ([]model.FlowInstance, error)
}
