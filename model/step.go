package model

import (
	"time"
)

type StepOutcome string

const OUTCOME_CONTINUE StepOutcome = "CONTINUE"
const OUTCOME_SUSPEND StepOutcome = "SUSPEND"
const OUTCOME_FAIL StepOutcome = "FAIL"

// StepResult is the tagged outcome of a step action. Exactly one of
// the variant fields is meaningful for a given Outcome.
type StepResult struct {
	Outcome StepOutcome
	Delta   map[string]any
	Reason  string
	Wait    *WaitCondition
	Err     error
}

func Continue(delta map[string]any) StepResult {
	return StepResult{Outcome: OUTCOME_CONTINUE, Delta: delta}
}

func Suspend(reason string, wait WaitCondition) StepResult {
	return StepResult{Outcome: OUTCOME_SUSPEND, Reason: reason, Wait: &wait}
}

func Fail(err error) StepResult {
	return StepResult{Outcome: OUTCOME_FAIL, Err: err}
}

type WaitKind string

const WAIT_EVENT WaitKind = "EVENT"
const WAIT_DELAY WaitKind = "DELAY"
const WAIT_PREDICATE WaitKind = "PREDICATE"

// WaitCondition describes what a suspended flow is waiting for.
// EVENT waits are resolved by the correlation index, DELAY and
// PREDICATE waits by the auto-resume scanner.
type WaitCondition struct {
	Kind           WaitKind   `json:"kind"`
	EventType      string     `json:"eventType,omitempty"`
	CorrelationKey string     `json:"correlationKey,omitempty"`
	Until          *time.Time `json:"until,omitempty"`
	Expression     string     `json:"expression,omitempty"`
	Expected       any        `json:"expected,omitempty"`
}

func WaitForEvent(eventType string, correlationKey string) WaitCondition {
	return WaitCondition{Kind: WAIT_EVENT, EventType: eventType, CorrelationKey: correlationKey}
}

func WaitUntil(until time.Time) WaitCondition {
	return WaitCondition{Kind: WAIT_DELAY, Until: &until}
}

func WaitForPredicate(expression string, expected any) WaitCondition {
	return WaitCondition{Kind: WAIT_PREDICATE, Expression: expression, Expected: expected}
}
