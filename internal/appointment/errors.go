package appointment

import (
	"errors"
	"fmt"

	"github.com/hackgods/telehealth-cancellation/internal/deadline"
)

var (
	ErrInvalidState           = errors.New("operation not valid for the appointment's current status")
	ErrPolicyViolation        = errors.New("outside the permitted time window")
	ErrPersistence            = errors.New("store operation failed, nothing was changed")
	ErrCancellationInProgress = errors.New("appointment is already being cancelled, please retry")
)

type Action string

const (
	ActionCancel     Action = "cancel"
	ActionReschedule Action = "reschedule"
)

// PolicyViolationError is returned when the deadline policy does not allow
// the requested action. Window tells the caller what is still possible.
type PolicyViolationError struct {
	Action Action
	Window deadline.Window
}

func (e *PolicyViolationError) Error() string {
	if e.Window.CanReschedule() {
		return fmt.Sprintf("%s not permitted: cancellation deadline has passed, rescheduling is still possible", e.Action)
	}
	return fmt.Sprintf("%s not permitted: both cancellation and reschedule deadlines have passed", e.Action)
}

func (e *PolicyViolationError) Unwrap() error { return ErrPolicyViolation }

// Reason is the machine readable form of what is still allowed.
func (e *PolicyViolationError) Reason() string {
	return e.Window.String()
}

type ResultStatus string

const (
	ResultOK                 ResultStatus = "ok"
	ResultPolicyViolation    ResultStatus = "policy_violation"
	ResultNotFound           ResultStatus = "not_found"
	ResultInvalidState       ResultStatus = "invalid_state"
	ResultInProgress         ResultStatus = "cancel_in_progress"
	ResultPersistenceFailure ResultStatus = "persistence_failure"
)

// StatusFromError maps a service error onto the result status reported to
// clients.
func StatusFromError(err error) ResultStatus {
	switch {
	case err == nil:
		return ResultOK
	case errors.Is(err, ErrAppointmentNotFound):
		return ResultNotFound
	case errors.Is(err, ErrPolicyViolation):
		return ResultPolicyViolation
	case errors.Is(err, ErrInvalidState):
		return ResultInvalidState
	case errors.Is(err, ErrCancellationInProgress):
		return ResultInProgress
	default:
		return ResultPersistenceFailure
	}
}

func persistenceErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrPersistence, err)
}
