package model

import (
	"time"
)

type FlowStatus string

const STATUS_CREATED FlowStatus = "CREATED"
const STATUS_RUNNING FlowStatus = "RUNNING"
const STATUS_PAUSED FlowStatus = "PAUSED"
const STATUS_COMPLETED FlowStatus = "COMPLETED"
const STATUS_FAILED FlowStatus = "FAILED"
const STATUS_CANCELLED FlowStatus = "CANCELLED"

// IsTerminal reports whether the status is absorbing. Terminal flows
// are never re-entered by the engine and are eligible for cleanup.
func (s FlowStatus) IsTerminal() bool {
	switch s {
	case STATUS_COMPLETED, STATUS_FAILED, STATUS_CANCELLED:
		return true
	}
	return false
}

// EventKey is the reserved context key under which delivered event
// payloads are merged, keyed by event type.
const EventKey = "_event"

type FlowInstance struct {
	FlowId           string         `json:"flowId"`
	FlowType         string         `json:"flowType"`
	Status           FlowStatus     `json:"status"`
	CurrentStepIndex int            `json:"currentStepIndex"`
	CurrentStepName  string         `json:"currentStepName,omitempty"`
	Context          map[string]any `json:"context"`
	UserId           string         `json:"userId"`
	CorrelationId    string         `json:"correlationId"`
	PauseReason      string         `json:"pauseReason,omitempty"`
	Wait             *WaitCondition `json:"wait,omitempty"`
	RecoveryAttempts int            `json:"recoveryAttempts,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
	CompletedAt      *time.Time     `json:"completedAt,omitempty"`
	Duration         time.Duration  `json:"duration,omitempty"`
}

type TimelineEventType string

const EVENT_FLOW_STARTED TimelineEventType = "FLOW_STARTED"
const EVENT_STEP_COMPLETED TimelineEventType = "STEP_COMPLETED"
const EVENT_STEP_FAILED TimelineEventType = "STEP_FAILED"
const EVENT_FLOW_PAUSED TimelineEventType = "FLOW_PAUSED"
const EVENT_FLOW_RESUMED TimelineEventType = "FLOW_RESUMED"
const EVENT_COMPENSATION_RUN TimelineEventType = "COMPENSATION_RUN"
const EVENT_COMPENSATION_FAILED TimelineEventType = "COMPENSATION_FAILED"
const EVENT_FLOW_COMPLETED TimelineEventType = "FLOW_COMPLETED"
const EVENT_FLOW_FAILED TimelineEventType = "FLOW_FAILED"
const EVENT_FLOW_CANCELLED TimelineEventType = "FLOW_CANCELLED"
const EVENT_FLOW_RECOVERED TimelineEventType = "FLOW_RECOVERED"
const EVENT_RECOVERY_EXHAUSTED TimelineEventType = "RECOVERY_EXHAUSTED"

type TimelineEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	EventType TimelineEventType `json:"eventType"`
	StepName  string            `json:"stepName,omitempty"`
	Status    FlowStatus        `json:"status"`
	Message   string            `json:"message,omitempty"`
}

type FlowFilter struct {
	Status       FlowStatus
	UserId       string
	CreatedAfter time.Time
	StepName     string
	Page         int
	PageSize     int
}

type FlowPage struct {
	Items      []FlowInstance `json:"items"`
	Page       int            `json:"page"`
	PageSize   int            `json:"pageSize"`
	TotalCount int            `json:"totalCount"`
}

type RecoveryReport struct {
	TotalChecked int           `json:"totalChecked"`
	Recovered    int           `json:"recovered"`
	Failed       int           `json:"failed"`
	RecoveredIds []string      `json:"recoveredIds"`
	FailedIds    []string      `json:"failedIds"`
	Duration     time.Duration `json:"duration"`
}

type StartFlowRequest struct {
	FlowType      string         `json:"flowType"`
	Input         map[string]any `json:"input"`
	UserId        string         `json:"userId"`
	CorrelationId string         `json:"correlationId"`
}

type ResumeFlowRequest struct {
	FlowId string `json:"flowId"`
	UserId string `json:"userId"`
	Reason string `json:"reason"`
}

type CancelFlowRequest struct {
	FlowId string `json:"flowId"`
	Reason string `json:"reason"`
}

type FlowEvent struct {
	EventType      string         `json:"eventType"`
	CorrelationKey string         `json:"correlationKey"`
	Payload        map[string]any `json:"payload"`
}
