package scheduler

import "errors"

var (
	// ErrInvalidAlarm is returned when a loop is started without an alarm name
	ErrInvalidAlarm = errors.New("alarm name is required")

	// ErrAlreadyTerminated is returned when stopping an execution that already ended
	ErrAlreadyTerminated = errors.New("loop execution already terminated")

	// ErrTriggerDeferred is returned when a trigger was parked on a loop that
	// is being checked. It is not a failure.
	ErrTriggerDeferred = errors.New("trigger deferred until running check completes")
)
