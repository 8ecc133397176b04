package engine

import (
	"errors"
	"fmt"
)

// QuotaEnforcer counts task firings within one batch of transitions and
// enforces a maximum.
//
// A batch is everything one Start, Signal or Cancel call advances while
// holding the instance lock. A loop whose guards never turn false would
// otherwise hold the lock forever.
type QuotaEnforcer struct {
	maxSteps int
	current  int
}

// NewQuotaEnforcer creates a quota enforcer with the given limit.
// A limit of 0 or less disables the quota.
func NewQuotaEnforcer(maxSteps int) *QuotaEnforcer {
	return &QuotaEnforcer{maxSteps: maxSteps}
}

// Check increments the step counter and validates it against the limit.
func (q *QuotaEnforcer) Check(instanceID string) error {
	q.current++
	if q.maxSteps > 0 && q.current > q.maxSteps {
		return &StepsExceededError{
			InstanceID: instanceID,
			Steps:      q.current,
			Limit:      q.maxSteps,
		}
	}
	return nil
}

// Current returns the current step count.
func (q *QuotaEnforcer) Current() int {
	return q.current
}

// MaxSteps returns the limit.
func (q *QuotaEnforcer) MaxSteps() int {
	return q.maxSteps
}

// StepsExceededError is returned when a batch exceeds the max steps quota.
// It is fatal to the instance.
type StepsExceededError struct {
	InstanceID string
	Steps      int
	Limit      int
}

// Error implements the error interface.
func (e *StepsExceededError) Error() string {
	return fmt.Sprintf("instance %s exceeded max steps quota: %d steps > %d limit",
		e.InstanceID, e.Steps, e.Limit)
}

// IsStepsExceededError returns true if the error is a StepsExceededError.
func IsStepsExceededError(err error) bool {
	var se *StepsExceededError
	return errors.As(err, &se)
}
