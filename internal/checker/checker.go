package checker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/repeated-alarm/internal/cloudwatch"
	"github.com/t77yq/repeated-alarm/internal/config"
	"github.com/t77yq/repeated-alarm/internal/model"
	"github.com/t77yq/repeated-alarm/internal/notifier"
	"github.com/t77yq/repeated-alarm/internal/retry"
)

// ErrAlarmNotFound is returned when the alarm no longer exists. A loop that
// sees it terminates instead of retrying.
var ErrAlarmNotFound = errors.New("alarm lookup failed: not found")

// AlarmService reads alarm state and tags from the monitoring service
type AlarmService interface {
	DescribeAlarm(ctx context.Context, name string) (*model.Alarm, error)
	ListTags(ctx context.Context, arn string) (map[string]string, error)
}

// Publisher delivers one notification to its target
type Publisher interface {
	Publish(ctx context.Context, n model.Notification) error
}

// ErrorReporter records operational errors
type ErrorReporter interface {
	Report(ctx context.Context, record *model.ErrorRecord)
}

// Options configures a Checker
type Options struct {
	TagFilter       config.TagFilter
	Region          string
	SNSPrefix       string
	PublishAttempts int
	PublishBackoff  retry.Strategy
}

// Checker confirms an alarm is still active and opted in, and re-notifies
// its targets when it is
type Checker struct {
	alarms    AlarmService
	publisher Publisher
	reporter  ErrorReporter
	opts      Options
	logger    *zap.Logger

	compose func(alarm *model.Alarm, target, region string) (model.Notification, error)
}

// NewChecker creates a new alarm status checker
func NewChecker(alarms AlarmService, publisher Publisher, reporter ErrorReporter, opts Options, logger *zap.Logger) *Checker {
	if opts.PublishAttempts < 1 {
		opts.PublishAttempts = 1
	}
	if opts.PublishBackoff == nil {
		opts.PublishBackoff = &retry.ExponentialBackoff{
			InitialDelay: 200 * time.Millisecond,
			MaxDelay:     2 * time.Second,
			Multiplier:   2,
		}
	}

	return &Checker{
		alarms:    alarms,
		publisher: publisher,
		reporter:  reporter,
		opts:      opts,
		logger:    logger.Named("checker"),
		compose:   notifier.Compose,
	}
}

// Check fetches the alarm's current state and tags and, only when the alarm
// is still in ALARM and carries the opt-in tag, publishes a notification to
// each of its SNS targets. Publish failures are reported, not returned.
func (c *Checker) Check(ctx context.Context, ref model.AlarmRef) (model.CheckResult, error) {
	alarm, err := c.alarms.DescribeAlarm(ctx, ref.Name)
	if err != nil {
		return model.CheckResult{}, c.lookupError(err)
	}

	arn := ref.ARN
	if arn == "" {
		arn = alarm.ARN
	}

	tags, err := c.alarms.ListTags(ctx, arn)
	if err != nil {
		return model.CheckResult{}, c.lookupError(err)
	}
	alarm.Tags = tags

	result := model.CheckResult{
		CurrentState:   alarm.State,
		ShouldContinue: alarm.State == model.AlarmStateAlarm && c.opts.TagFilter.Matches(tags),
	}

	c.logger.Debug("Checked alarm",
		zap.String("alarm", alarm.Name),
		zap.String("state", string(alarm.State)),
		zap.Bool("should_continue", result.ShouldContinue))

	if result.ShouldContinue {
		result.Notified = c.notify(ctx, alarm)
	}

	return result, nil
}

func (c *Checker) lookupError(err error) error {
	if errors.Is(err, cloudwatch.ErrAlarmNotFound) {
		return fmt.Errorf("%w: %w", ErrAlarmNotFound, err)
	}
	return err
}

// notify publishes to every SNS target and returns how many succeeded
func (c *Checker) notify(ctx context.Context, alarm *model.Alarm) int {
	targets := notifier.Targets(alarm.Actions, c.opts.SNSPrefix)
	if len(targets) == 0 {
		c.logger.Warn("Alarm has no SNS targets",
			zap.String("alarm", alarm.Name))
		return 0
	}

	delivered := 0
	for _, target := range targets {
		n, err := c.compose(alarm, target, c.opts.Region)
		if err != nil {
			c.logger.Error("Failed to compose notification",
				zap.String("alarm", alarm.Name),
				zap.String("target", target),
				zap.Error(err))
			c.reportPublishFailure(ctx, alarm, target, err, 0)
			continue
		}

		attempts, err := retry.Do(ctx, c.opts.PublishBackoff, c.opts.PublishAttempts, func(ctx context.Context) error {
			return c.publisher.Publish(ctx, n)
		})
		if err != nil {
			c.reportPublishFailure(ctx, alarm, target, err, attempts)
			continue
		}

		delivered++
	}

	return delivered
}

// reportPublishFailure records a target that got no notification. attempts
// is zero when the message could not be built.
func (c *Checker) reportPublishFailure(ctx context.Context, alarm *model.Alarm, target string, err error, attempts int) {
	c.reporter.Report(ctx, &model.ErrorRecord{
		ID:        uuid.New().String(),
		Kind:      model.ErrorKindPublishFailed,
		AlarmName: alarm.Name,
		Target:    target,
		Message:   err.Error(),
		Attempts:  attempts,
		CreatedAt: time.Now(),
	})
}
