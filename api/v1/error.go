package api_v1

import (
	"errors"
	"fmt"
)

type ValidationError struct {
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s", e.Message)
}

type UnknownFlowTypeError struct {
	FlowType string
}

func (e UnknownFlowTypeError) Error() string {
	return fmt.Sprintf("flow type %s is not registered", e.FlowType)
}

type NotFoundError struct {
	FlowId string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("flow %s not found", e.FlowId)
}

type InvalidStateError struct {
	FlowId    string
	Status    string
	Operation string
}

func (e InvalidStateError) Error() string {
	return fmt.Sprintf("operation %s not allowed on flow %s in state %s", e.Operation, e.FlowId, e.Status)
}

// ConflictError means the caller lost the per-flow lock race. The
// flow is owned by a concurrent execution; no state was changed.
type ConflictError struct {
	FlowId string
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("flow %s is locked by a concurrent execution", e.FlowId)
}

type StepExecutionError struct {
	FlowId   string
	StepName string
	Cause    error
}

func (e StepExecutionError) Error() string {
	return fmt.Sprintf("step %s of flow %s failed: %v", e.StepName, e.FlowId, e.Cause)
}

func (e StepExecutionError) Unwrap() error {
	return e.Cause
}

type RecoveryExhaustedError struct {
	FlowId   string
	Attempts int
}

func (e RecoveryExhaustedError) Error() string {
	return fmt.Sprintf("flow %s exhausted recovery budget after %d attempts", e.FlowId, e.Attempts)
}

func IsNotFound(err error) bool {
	var nf NotFoundError
	return errors.As(err, &nf)
}

func IsConflict(err error) bool {
	var cf ConflictError
	return errors.As(err, &cf)
}

func IsInvalidState(err error) bool {
	var is InvalidStateError
	return errors.As(err, &is)
}
