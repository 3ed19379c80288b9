package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/t77yq/repeated-alarm/internal/checker"
	"github.com/t77yq/repeated-alarm/internal/config"
	"github.com/t77yq/repeated-alarm/internal/model"
	"github.com/t77yq/repeated-alarm/internal/retry"
	"github.com/t77yq/repeated-alarm/internal/storage"
)

// Option configures a LoopScheduler
type Option func(*LoopScheduler)

// WithClock replaces time.Now as the scheduler's clock
func WithClock(now func() time.Time) Option {
	return func(s *LoopScheduler) {
		s.now = now
	}
}

// LoopScheduler implements Scheduler. Loop state lives in the execution
// store; a cron job sweeps for executions whose wake-up time has passed and
// checks them.
type LoopScheduler struct {
	logger   *zap.Logger
	store    storage.ExecutionStore
	checker  AlarmChecker
	reporter ErrorReporter
	cron     *cron.Cron
	backoff  retry.Strategy
	now      func() time.Time

	interval       time.Duration
	sweepEvery     time.Duration
	checkTimeout   time.Duration
	maxAttempts    int
	maxConcurrency int
	retention      time.Duration

	// slots bounds checks across sweeps; inflight tracks their goroutines
	slots    chan struct{}
	inflight sync.WaitGroup

	mu      sync.Mutex
	cancel  context.CancelFunc
	started bool
}

// NewLoopScheduler creates a new loop scheduler
func NewLoopScheduler(store storage.ExecutionStore, alarmChecker AlarmChecker, reporter ErrorReporter, cfg *config.Config, logger *zap.Logger, opts ...Option) *LoopScheduler {
	logger = logger.Named("scheduler")
	cronLogger := &cronLogger{logger: logger.Named("cron")}

	s := &LoopScheduler{
		logger:   logger,
		store:    store,
		checker:  alarmChecker,
		reporter: reporter,
		cron: cron.New(
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.SkipIfStillRunning(cronLogger), cron.Recover(cronLogger)),
		),
		backoff: &retry.ExponentialBackoff{
			InitialDelay: cfg.Scheduler.BackoffInitial,
			MaxDelay:     cfg.Scheduler.BackoffMax,
			Multiplier:   cfg.Scheduler.BackoffMultiplier,
		},
		now:            time.Now,
		interval:       cfg.Notification.Interval(),
		sweepEvery:     cfg.Scheduler.SweepEvery,
		checkTimeout:   cfg.Scheduler.CheckTimeout,
		maxAttempts:    cfg.Scheduler.MaxCheckAttempts,
		maxConcurrency: cfg.Scheduler.MaxConcurrentChecks,
		retention:      cfg.Storage.Retention,
	}
	if s.maxConcurrency < 1 {
		s.maxConcurrency = 1
	}
	if s.maxAttempts < 1 {
		s.maxAttempts = 1
	}
	if s.checkTimeout <= 0 {
		s.checkTimeout = defaultCheckTimeout
	}
	s.slots = make(chan struct{}, s.maxConcurrency)

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Start implements Scheduler.Start
func (s *LoopScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}

	reset, err := s.store.ResetChecking(ctx, s.now())
	if err != nil {
		return fmt.Errorf("failed to resume executions: %w", err)
	}
	if reset > 0 {
		s.logger.Info("Resumed interrupted executions", zap.Int("count", reset))
	}

	runCtx, cancel := context.WithCancel(ctx)

	if _, err := s.cron.AddFunc("@every "+s.sweepEvery.String(), func() {
		s.sweep(runCtx)
	}); err != nil {
		cancel()
		return fmt.Errorf("failed to schedule sweep: %w", err)
	}

	if _, err := s.cron.AddFunc(cleanupSpec, func() {
		s.cleanup(runCtx)
	}); err != nil {
		cancel()
		return fmt.Errorf("failed to schedule cleanup: %w", err)
	}

	s.cron.Start()
	s.cancel = cancel
	s.started = true

	s.logger.Info("Loop scheduler started",
		zap.Duration("interval", s.interval),
		zap.Duration("sweep_every", s.sweepEvery),
		zap.Duration("check_timeout", s.checkTimeout),
		zap.Int("max_check_attempts", s.maxAttempts),
		zap.Int("max_concurrent_checks", s.maxConcurrency))

	return nil
}

// Stop implements Scheduler.Stop. Checks already running are allowed to
// finish before the run context is cancelled.
func (s *LoopScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}

	<-s.cron.Stop().Done()
	s.wait()
	s.cancel()
	s.started = false

	s.logger.Info("Loop scheduler stopped")
}

// StartExecution implements Scheduler.StartExecution. The first check is due
// one interval from now. Duplicate triggers and alarms that already have a
// waiting loop fail with storage.ErrDuplicateExecution. When the alarm's loop
// is being checked the trigger is parked on it and ErrTriggerDeferred is
// returned: a new loop starts from it if that check ends the old one.
func (s *LoopScheduler) StartExecution(ctx context.Context, alarm model.AlarmRef, triggerKey string) (*model.LoopExecution, error) {
	if alarm.Name == "" {
		return nil, ErrInvalidAlarm
	}
	if triggerKey == "" {
		triggerKey = alarm.Name + "|" + uuid.New().String()
	}

	now := s.now()
	exec := &model.LoopExecution{
		ID:         uuid.New().String(),
		AlarmName:  alarm.Name,
		AlarmARN:   alarm.ARN,
		TriggerKey: triggerKey,
		Phase:      model.PhaseWaiting,
		LastState:  model.AlarmStateAlarm,
		WakeAt:     now.Add(s.interval),
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	for attempt := 1; ; attempt++ {
		err := s.store.Create(ctx, exec)
		if err == nil {
			break
		}
		if !errors.Is(err, storage.ErrExecutionBusy) || attempt >= maxHandOffAttempts {
			return nil, err
		}

		err = s.store.SetPendingTrigger(ctx, alarm.Name, triggerKey)
		if err == nil {
			s.logger.Info("Alarm is being checked, trigger deferred",
				zap.String("alarm", alarm.Name),
				zap.String("trigger_key", triggerKey))
			return nil, fmt.Errorf("%w: alarm %s trigger %s", ErrTriggerDeferred, alarm.Name, triggerKey)
		}
		// The check finished in between; try to create again.
		if !errors.Is(err, storage.ErrNotClaimed) {
			return nil, err
		}
	}

	s.logger.Info("Loop execution started",
		zap.String("execution_id", exec.ID),
		zap.String("alarm", exec.AlarmName),
		zap.String("trigger_key", exec.TriggerKey),
		zap.Time("wake_at", exec.WakeAt))

	return exec, nil
}

// StopExecution implements Scheduler.StopExecution
func (s *LoopScheduler) StopExecution(ctx context.Context, id string) (*model.LoopExecution, error) {
	err := s.store.Terminate(ctx, id, model.ReasonStopped, s.now())
	if errors.Is(err, storage.ErrNotClaimed) {
		exec, getErr := s.store.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return exec, fmt.Errorf("%w: %s", ErrAlreadyTerminated, id)
	}
	if err != nil {
		return nil, err
	}

	exec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Loop execution stopped",
		zap.String("execution_id", exec.ID),
		zap.String("alarm", exec.AlarmName))

	return exec, nil
}

// GetExecution implements Scheduler.GetExecution
func (s *LoopScheduler) GetExecution(ctx context.Context, id string) (*model.LoopExecution, error) {
	return s.store.Get(ctx, id)
}

// ListExecutions implements Scheduler.ListExecutions
func (s *LoopScheduler) ListExecutions(ctx context.Context, filter storage.ExecutionFilter) ([]*model.LoopExecution, error) {
	return s.store.List(ctx, filter)
}

// sweep claims every execution that is due and hands it to a check
// goroutine. It only blocks while all check slots are taken, so one slow
// check holds a single slot instead of the next sweep.
func (s *LoopScheduler) sweep(ctx context.Context) {
	due, err := s.store.ListDue(ctx, s.now(), sweepBatchSize)
	if err != nil {
		s.logger.Error("Failed to list due executions", zap.Error(err))
		return
	}
	if len(due) == 0 {
		return
	}

	s.logger.Debug("Sweeping due executions", zap.Int("count", len(due)))

	for _, exec := range due {
		select {
		case <-ctx.Done():
			return
		case s.slots <- struct{}{}:
		}

		if err := s.store.Claim(ctx, exec.ID, s.now()); err != nil {
			<-s.slots
			if errors.Is(err, storage.ErrNotClaimed) {
				s.logger.Debug("Execution no longer waiting", zap.String("execution_id", exec.ID))
				continue
			}
			s.logger.Error("Failed to claim execution",
				zap.String("execution_id", exec.ID),
				zap.Error(err))
			continue
		}
		exec.Phase = model.PhaseChecking

		s.inflight.Add(1)
		go func(exec *model.LoopExecution) {
			defer s.inflight.Done()
			defer func() { <-s.slots }()
			s.process(ctx, exec)
		}(exec)
	}
}

// wait blocks until every dispatched check has finished
func (s *LoopScheduler) wait() {
	s.inflight.Wait()
}

// process runs the check step of a claimed execution
func (s *LoopScheduler) process(ctx context.Context, exec *model.LoopExecution) {
	logger := s.logger.With(
		zap.String("execution_id", exec.ID),
		zap.String("alarm", exec.AlarmName))

	checkCtx, cancel := context.WithTimeout(ctx, s.checkTimeout)
	result, checkErr := s.checker.Check(checkCtx, exec.Ref())
	timedOut := errors.Is(checkCtx.Err(), context.DeadlineExceeded)
	cancel()

	if ctx.Err() != nil {
		// Left in checking; Start resets it on the next run.
		logger.Warn("Check interrupted by shutdown", zap.Error(checkErr))
		return
	}
	if checkErr != nil && timedOut {
		checkErr = fmt.Errorf("check timed out after %s: %w", s.checkTimeout, checkErr)
	}

	record := s.advance(exec, result, checkErr, s.now())

	if err := s.store.Save(ctx, exec); err != nil {
		if errors.Is(err, storage.ErrNotClaimed) {
			logger.Info("Execution stopped during check")
			s.handOff(ctx, exec, true, logger)
			return
		}
		logger.Error("Failed to save execution", zap.Error(err))
		return
	}

	if record != nil {
		s.reporter.Report(ctx, record)
	}
	s.handOff(ctx, exec, exec.Phase == model.PhaseTerminated, logger)

	switch {
	case exec.Phase == model.PhaseWaiting && checkErr == nil:
		logger.Debug("Alarm still active",
			zap.Int("iterations", exec.Iterations),
			zap.Int("notifications", exec.Notifications),
			zap.Time("wake_at", exec.WakeAt))
	case exec.Phase == model.PhaseWaiting:
		logger.Warn("Check failed, will retry",
			zap.Int("attempts", exec.Attempts),
			zap.Time("wake_at", exec.WakeAt),
			zap.Error(checkErr))
	case exec.Reason == model.ReasonResolved:
		logger.Info("Alarm resolved, loop finished",
			zap.String("state", string(exec.LastState)),
			zap.Int("iterations", exec.Iterations),
			zap.Int("notifications", exec.Notifications))
	default:
		logger.Error("Loop terminated on failure",
			zap.String("reason", string(exec.Reason)),
			zap.Int("attempts", exec.Attempts),
			zap.Error(checkErr))
	}
}

// handOff consumes a trigger parked on the execution during its check. A loop
// that ended starts a new one from it; a loop that keeps running absorbs it.
func (s *LoopScheduler) handOff(ctx context.Context, exec *model.LoopExecution, ended bool, logger *zap.Logger) {
	triggerKey, err := s.store.TakePendingTrigger(ctx, exec.ID)
	if err != nil {
		logger.Error("Failed to take pending trigger", zap.Error(err))
		return
	}
	if triggerKey == "" {
		return
	}
	if !ended {
		logger.Debug("Pending trigger absorbed by running loop", zap.String("trigger_key", triggerKey))
		return
	}

	next, err := s.StartExecution(ctx, exec.Ref(), triggerKey)
	if errors.Is(err, storage.ErrDuplicateExecution) {
		logger.Info("Loop already running for pending trigger", zap.String("trigger_key", triggerKey))
		return
	}
	if err != nil {
		logger.Error("Failed to start loop for pending trigger",
			zap.String("trigger_key", triggerKey),
			zap.Error(err))
		return
	}

	logger.Info("Started loop for trigger received during check",
		zap.String("next_execution_id", next.ID),
		zap.String("trigger_key", triggerKey))
}

// advance applies a check outcome to a claimed execution and returns the
// error record to report, if any. Continuation keys on the alarm still being
// in ALARM, not on whether a notification was sent: an alarm without the
// opt-in tag keeps being polled until it leaves ALARM.
func (s *LoopScheduler) advance(exec *model.LoopExecution, result model.CheckResult, checkErr error, now time.Time) *model.ErrorRecord {
	exec.UpdatedAt = now

	switch {
	case checkErr == nil && result.CurrentState == model.AlarmStateAlarm:
		exec.Phase = model.PhaseWaiting
		exec.LastState = result.CurrentState
		exec.Iterations++
		exec.Notifications += result.Notified
		exec.Attempts = 0
		exec.Error = ""
		exec.WakeAt = now.Add(s.interval)
		return nil

	case checkErr == nil:
		exec.LastState = result.CurrentState
		exec.Iterations++
		exec.Attempts = 0
		exec.Error = ""
		terminate(exec, model.ReasonResolved, now)
		return nil

	case errors.Is(checkErr, checker.ErrAlarmNotFound):
		exec.Attempts++
		exec.Error = checkErr.Error()
		terminate(exec, model.ReasonLookupFailure, now)
		return newRecord(exec, model.ErrorKindLookupFailure, checkErr, now)

	default:
		exec.Attempts++
		exec.Error = checkErr.Error()
		if exec.Attempts < s.maxAttempts {
			exec.Phase = model.PhaseWaiting
			exec.WakeAt = now.Add(s.backoff.NextRetry(exec.Attempts - 1))
			return nil
		}
		terminate(exec, model.ReasonCheckFailed, now)
		return newRecord(exec, model.ErrorKindCheckExhausted, checkErr, now)
	}
}

// cleanup deletes terminated executions older than the retention period
func (s *LoopScheduler) cleanup(ctx context.Context) {
	if s.retention <= 0 {
		return
	}

	deleted, err := s.store.DeleteTerminatedBefore(ctx, s.now().Add(-s.retention))
	if err != nil {
		s.logger.Error("Failed to clean up executions", zap.Error(err))
		return
	}
	if deleted > 0 {
		s.logger.Info("Cleaned up terminated executions", zap.Int64("count", deleted))
	}
}

func terminate(exec *model.LoopExecution, reason model.TerminationReason, now time.Time) {
	exec.Phase = model.PhaseTerminated
	exec.Reason = reason
	terminatedAt := now
	exec.TerminatedAt = &terminatedAt
}

func newRecord(exec *model.LoopExecution, kind model.ErrorKind, err error, now time.Time) *model.ErrorRecord {
	return &model.ErrorRecord{
		ID:          uuid.New().String(),
		Kind:        kind,
		ExecutionID: exec.ID,
		AlarmName:   exec.AlarmName,
		Message:     err.Error(),
		Attempts:    exec.Attempts,
		CreatedAt:   now,
	}
}
