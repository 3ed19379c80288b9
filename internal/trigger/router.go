package trigger

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/t77yq/repeated-alarm/internal/model"
	"github.com/t77yq/repeated-alarm/internal/scheduler"
	"github.com/t77yq/repeated-alarm/internal/storage"
)

// ErrInvalidEvent is returned for state change events that can never be
// processed, such as one without an alarm name
var ErrInvalidEvent = errors.New("invalid alarm state change event")

// AlarmStateListener is notified when an alarm transitions into ALARM
type AlarmStateListener interface {
	OnAlarmEnteredAlarmState(ctx context.Context, event model.AlarmStateChange) error
}

// ExecutionStarter starts a repeated notification loop
type ExecutionStarter interface {
	StartExecution(ctx context.Context, alarm model.AlarmRef, triggerKey string) (*model.LoopExecution, error)
}

// Router starts one loop execution per ALARM transition. Other transitions
// are ignored and repeated deliveries of one transition start nothing new.
type Router struct {
	starter ExecutionStarter
	logger  *zap.Logger
}

// NewRouter creates a new trigger router
func NewRouter(starter ExecutionStarter, logger *zap.Logger) *Router {
	return &Router{
		starter: starter,
		logger:  logger.Named("router"),
	}
}

// OnAlarmEnteredAlarmState implements AlarmStateListener
func (r *Router) OnAlarmEnteredAlarmState(ctx context.Context, event model.AlarmStateChange) error {
	if event.Detail.State.Value != model.AlarmStateAlarm {
		r.logger.Debug("Ignoring state change",
			zap.String("alarm", event.Detail.AlarmName),
			zap.String("state", string(event.Detail.State.Value)))
		return nil
	}
	if event.Detail.AlarmName == "" {
		return fmt.Errorf("%w: missing alarm name (event %s)", ErrInvalidEvent, event.ID)
	}

	alarm := model.AlarmRef{Name: event.Detail.AlarmName, ARN: event.AlarmARN()}
	triggerKey := event.TriggerKey()

	exec, err := r.starter.StartExecution(ctx, alarm, triggerKey)
	if errors.Is(err, storage.ErrDuplicateExecution) {
		r.logger.Info("Loop already running for alarm, trigger ignored",
			zap.String("alarm", alarm.Name),
			zap.String("trigger_key", triggerKey))
		return nil
	}
	if errors.Is(err, scheduler.ErrTriggerDeferred) {
		r.logger.Info("Alarm is being checked, trigger handed to running loop",
			zap.String("alarm", alarm.Name),
			zap.String("trigger_key", triggerKey))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to start loop for %s: %w", alarm.Name, err)
	}

	r.logger.Info("Alarm entered ALARM, loop started",
		zap.String("alarm", alarm.Name),
		zap.String("execution_id", exec.ID),
		zap.String("previous_state", string(event.Detail.PreviousState.Value)))

	return nil
}
