package engine

import (
	"errors"
	"fmt"
)

// RuntimeError is an error raised while advancing a process instance.
//
// Codes fall into two classes:
//   - Fatal to the instance: NO_MATCHING_BRANCH, RESOURCE_UNAVAILABLE,
//     TASK_FAILED, GUARD_FAILED. The instance moves to failed and the error
//     is recorded as its fault.
//   - Caller errors: CASE_NOT_FOUND, SPEC_NOT_FOUND, TASK_NOT_FOUND,
//     INVALID_SIGNAL, INSTANCE_TERMINAL. Returned immediately, never retried,
//     and the instance is left untouched.
type RuntimeError struct {
	// Code identifies the error category.
	Code RuntimeErrorCode

	// Message is a human-readable description.
	Message string

	// InstanceID identifies the affected instance, if any.
	InstanceID string

	// TaskID identifies the task being advanced, if any.
	TaskID string

	// Details contains additional context.
	Details map[string]string

	// Err is the underlying cause.
	Err error
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	// ErrCodeNoMatchingBranch indicates an XOR or OR split found no true guard
	// and no default edge.
	ErrCodeNoMatchingBranch RuntimeErrorCode = "NO_MATCHING_BRANCH"

	// ErrCodeResourceUnavailable indicates allocation failed after retries.
	ErrCodeResourceUnavailable RuntimeErrorCode = "RESOURCE_UNAVAILABLE"

	// ErrCodeCaseNotFound indicates no live instance has the given id.
	ErrCodeCaseNotFound RuntimeErrorCode = "CASE_NOT_FOUND"

	// ErrCodeSpecNotFound indicates no admitted specification has the hash.
	ErrCodeSpecNotFound RuntimeErrorCode = "SPEC_NOT_FOUND"

	// ErrCodeTaskNotFound indicates the specification has no such task.
	ErrCodeTaskNotFound RuntimeErrorCode = "TASK_NOT_FOUND"

	// ErrCodeStepsExceeded indicates a batch fired more tasks than allowed.
	ErrCodeStepsExceeded RuntimeErrorCode = "STEPS_EXCEEDED"

	// ErrCodeTaskFailed indicates the task logic returned an error.
	ErrCodeTaskFailed RuntimeErrorCode = "TASK_FAILED"

	// ErrCodeInvalidSignal indicates a signal for a task not in the state
	// the signal requires.
	ErrCodeInvalidSignal RuntimeErrorCode = "INVALID_SIGNAL"

	// ErrCodeInstanceTerminal indicates the instance already finished.
	ErrCodeInstanceTerminal RuntimeErrorCode = "INSTANCE_TERMINAL"

	// ErrCodeGuardFailed indicates a guard could not be evaluated.
	ErrCodeGuardFailed RuntimeErrorCode = "GUARD_FAILED"

	// ErrCodeBudgetExceeded is recorded as the fault of an instance failed by
	// a hot-path budget overrun.
	ErrCodeBudgetExceeded RuntimeErrorCode = "BUDGET_EXCEEDED"
)

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.InstanceID != "" && e.TaskID != "" {
		return fmt.Sprintf("%s: %s (instance=%s, task=%s)", e.Code, msg, e.InstanceID, e.TaskID)
	}
	if e.InstanceID != "" {
		return fmt.Sprintf("%s: %s (instance=%s)", e.Code, msg, e.InstanceID)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

// Unwrap returns the underlying cause.
func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// IsCode reports whether err is a RuntimeError with the given code.
// Uses errors.As to handle wrapped errors.
func IsCode(err error, code RuntimeErrorCode) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}

func newError(code RuntimeErrorCode, instanceID, taskID, format string, args ...any) *RuntimeError {
	return &RuntimeError{
		Code:       code,
		Message:    fmt.Sprintf(format, args...),
		InstanceID: instanceID,
		TaskID:     taskID,
	}
}

func caseNotFound(id string) *RuntimeError {
	return newError(ErrCodeCaseNotFound, id, "", "no live instance")
}

func specNotFound(hash string) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeSpecNotFound,
		Message: "specification not admitted",
		Details: map[string]string{"spec_hash": hash},
	}
}

// faultCode maps a fatal error onto the code recorded against the instance.
func faultCode(err error) RuntimeErrorCode {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code
	}
	if IsBudgetError(err) {
		return ErrCodeBudgetExceeded
	}
	if IsStepsExceededError(err) {
		return ErrCodeStepsExceeded
	}
	return ErrCodeTaskFailed
}

// CodeOf returns the code err would be recorded under, or "" for nil.
func CodeOf(err error) RuntimeErrorCode {
	if err == nil {
		return ""
	}
	return faultCode(err)
}
