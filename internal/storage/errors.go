package storage

import "errors"

var (
	// ErrExecutionNotFound is returned when no execution has the given ID
	ErrExecutionNotFound = errors.New("loop execution not found")

	// ErrDuplicateExecution is returned when the trigger was already seen or
	// the alarm already has a waiting execution
	ErrDuplicateExecution = errors.New("duplicate loop execution")

	// ErrExecutionBusy is returned when the alarm's active execution is in the
	// middle of a check, so whether it will keep running is not known yet
	ErrExecutionBusy = errors.New("loop execution is being checked")

	// ErrNotClaimed is returned when an execution was not in the phase a
	// transition expected
	ErrNotClaimed = errors.New("loop execution not claimed")
)
