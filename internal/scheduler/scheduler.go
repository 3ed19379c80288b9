package scheduler

import (
	"context"

	"github.com/t77yq/repeated-alarm/internal/model"
	"github.com/t77yq/repeated-alarm/internal/storage"
)

// Scheduler runs one repeated notification loop per alarm episode
type Scheduler interface {
	// Start resumes interrupted executions and starts the wake-up timer
	Start(ctx context.Context) error

	// Stop stops the wake-up timer and waits for in-flight checks
	Stop()

	// StartExecution begins a loop for an alarm that just entered ALARM. It
	// returns ErrTriggerDeferred when the trigger was parked on a loop whose
	// check is still running.
	StartExecution(ctx context.Context, alarm model.AlarmRef, triggerKey string) (*model.LoopExecution, error)

	// StopExecution force-terminates a loop
	StopExecution(ctx context.Context, id string) (*model.LoopExecution, error)

	// GetExecution returns one loop execution
	GetExecution(ctx context.Context, id string) (*model.LoopExecution, error)

	// ListExecutions retrieves loop executions matching the filter
	ListExecutions(ctx context.Context, filter storage.ExecutionFilter) ([]*model.LoopExecution, error)
}

// AlarmChecker checks one alarm and re-notifies when it should
type AlarmChecker interface {
	Check(ctx context.Context, alarm model.AlarmRef) (model.CheckResult, error)
}

// ErrorReporter records operational errors
type ErrorReporter interface {
	Report(ctx context.Context, record *model.ErrorRecord)
}
