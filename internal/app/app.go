package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/repeated-alarm/internal/checker"
	"github.com/t77yq/repeated-alarm/internal/cloudwatch"
	"github.com/t77yq/repeated-alarm/internal/config"
	"github.com/t77yq/repeated-alarm/internal/discovery"
	"github.com/t77yq/repeated-alarm/internal/monitor"
	"github.com/t77yq/repeated-alarm/internal/notifier"
	"github.com/t77yq/repeated-alarm/internal/retry"
	"github.com/t77yq/repeated-alarm/internal/scheduler"
	"github.com/t77yq/repeated-alarm/internal/storage"
	"github.com/t77yq/repeated-alarm/internal/trigger"
)

const setupTimeout = 30 * time.Second

// Dependencies are the external clients the service runs against
type Dependencies struct {
	JetStream      nats.JetStreamContext
	CloudWatch     cloudwatch.API
	SNS            notifier.API
	ResourceGroups discovery.API
	Store          storage.ExecutionStore

	// Region is the region the AWS clients resolved. It overrides
	// aws.region, which may be empty when the SDK chain picks the region.
	Region string
}

// App wires the trigger source, loop scheduler and status checker together
type App struct {
	cfg    *config.Config
	deps   Dependencies
	region string
	logger *zap.Logger

	reporter  *monitor.Reporter
	stats     *monitor.StatsCollector
	scheduler *scheduler.LoopScheduler
	source    *trigger.JetStreamSource
	router    *trigger.Router
	groups    *discovery.GroupManager
}

// New builds every component from cfg. Nothing is started.
func New(cfg *config.Config, deps Dependencies, logger *zap.Logger, opts ...scheduler.Option) *App {
	reporter := monitor.NewReporter(deps.JetStream, logger)

	region := deps.Region
	if region == "" {
		region = cfg.AWS.Region
	}

	alarmChecker := checker.NewChecker(
		cloudwatch.NewClient(deps.CloudWatch, logger),
		notifier.NewSNSPublisher(deps.SNS, logger),
		reporter,
		checker.Options{
			TagFilter:       cfg.TagFilter,
			Region:          region,
			SNSPrefix:       cfg.AWS.SNSPrefix(),
			PublishAttempts: cfg.Publish.MaxAttempts,
			PublishBackoff: &retry.ExponentialBackoff{
				InitialDelay: cfg.Publish.BackoffInitial,
				MaxDelay:     cfg.Publish.BackoffMax,
				Multiplier:   2,
			},
		},
		logger,
	)

	loops := scheduler.NewLoopScheduler(deps.Store, alarmChecker, reporter, cfg, logger, opts...)

	a := &App{
		cfg:       cfg,
		deps:      deps,
		region:    region,
		logger:    logger.Named("app"),
		reporter:  reporter,
		stats:     monitor.NewStatsCollector(deps.JetStream, deps.Store, cfg.Monitor.StatsEvery, logger),
		scheduler: loops,
		source:    trigger.NewJetStreamSource(deps.JetStream, logger),
		router:    trigger.NewRouter(loops, logger),
	}

	if cfg.Discovery.ResourceGroup && deps.ResourceGroups != nil {
		a.groups = discovery.NewGroupManager(deps.ResourceGroups, cfg.Discovery.GroupName, cfg.TagFilter, logger)
	}

	return a
}

// Scheduler returns the loop scheduler
func (a *App) Scheduler() *scheduler.LoopScheduler {
	return a.scheduler
}

// Run sets up streams, resumes interrupted loops and consumes alarm state
// changes until ctx is done, then shuts everything down.
func (a *App) Run(ctx context.Context) error {
	setupCtx, cancel := context.WithTimeout(ctx, setupTimeout)
	defer cancel()

	if err := a.reporter.Setup(setupCtx); err != nil {
		return fmt.Errorf("failed to set up error reporter: %w", err)
	}
	if err := a.source.Setup(setupCtx); err != nil {
		return fmt.Errorf("failed to set up event source: %w", err)
	}
	if a.groups != nil {
		// The group only serves dashboards; a failure must not stop the loops.
		if err := a.groups.EnsureGroup(setupCtx); err != nil {
			a.logger.Error("Failed to ensure resource group", zap.Error(err))
		}
	}

	if err := a.scheduler.Start(ctx); err != nil {
		return err
	}
	defer a.scheduler.Stop()

	if err := a.stats.Start(ctx); err != nil {
		return fmt.Errorf("failed to start stats collector: %w", err)
	}
	defer a.stats.Stop()

	a.logger.Info("Service started",
		zap.Int("interval_seconds", a.cfg.Notification.IntervalSeconds),
		zap.String("tag", a.cfg.TagFilter.String()),
		zap.String("region", a.region))

	var wg sync.WaitGroup
	errCh := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		errCh <- a.source.Run(ctx, a.router)
	}()

	var err error
	select {
	case <-ctx.Done():
	case err = <-errCh:
	}
	wg.Wait()

	a.logger.Info("Service shutting down")
	return err
}
