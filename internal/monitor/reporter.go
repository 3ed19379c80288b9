package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/repeated-alarm/internal/model"
)

const (
	errorStreamName    = "ALARM_ERRORS"
	errorSubjectPrefix = "alarm.error."
)

// Reporter records operational errors: every record is logged and published
// on JetStream so operators can alert on broken alarms separately from
// resolved ones
type Reporter struct {
	logger   *zap.Logger
	js       nats.JetStreamContext
	reported atomic.Int64
}

// NewReporter creates a new error reporter
func NewReporter(js nats.JetStreamContext, logger *zap.Logger) *Reporter {
	return &Reporter{
		logger: logger.Named("reporter"),
		js:     js,
	}
}

// Setup creates the error record stream if it doesn't exist
func (r *Reporter) Setup(ctx context.Context) error {
	return ensureStream(ctx, r.js, r.logger, &nats.StreamConfig{
		Name:     errorStreamName,
		Subjects: []string{errorSubjectPrefix + "*"},
		Storage:  nats.FileStorage,
		MaxAge:   errorStreamMaxAge,
	})
}

// Report logs the record and publishes it. A failed publish is logged and
// otherwise ignored; the log line is still the record of last resort.
func (r *Reporter) Report(ctx context.Context, record *model.ErrorRecord) {
	r.reported.Add(1)

	r.logger.Error("Operational error",
		zap.String("id", record.ID),
		zap.String("kind", string(record.Kind)),
		zap.String("execution_id", record.ExecutionID),
		zap.String("alarm", record.AlarmName),
		zap.String("target", record.Target),
		zap.Int("attempts", record.Attempts),
		zap.String("message", record.Message))

	data, err := json.Marshal(record)
	if err != nil {
		r.logger.Error("Failed to marshal error record", zap.Error(err))
		return
	}

	if _, err := r.js.Publish(errorSubjectPrefix+string(record.Kind), data, nats.Context(ctx)); err != nil {
		r.logger.Error("Failed to publish error record",
			zap.String("id", record.ID),
			zap.Error(err))
	}
}

// Reported returns the number of records reported since start
func (r *Reporter) Reported() int64 {
	return r.reported.Load()
}

func ensureStream(ctx context.Context, js nats.JetStreamContext, logger *zap.Logger, cfg *nats.StreamConfig) error {
	_, err := js.StreamInfo(cfg.Name, nats.Context(ctx))
	if err == nil {
		logger.Info("Using existing stream", zap.String("stream", cfg.Name))
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to get stream info: %w", err)
	}

	if _, err := js.AddStream(cfg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to create stream %s: %w", cfg.Name, err)
	}

	logger.Info("Stream created successfully", zap.String("stream", cfg.Name))
	return nil
}
