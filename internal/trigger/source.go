package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/repeated-alarm/internal/model"
)

const (
	eventStreamName = "ALARM_EVENTS"
	// EventSubjectPrefix is the subject prefix state change events are
	// published under, typically followed by the region
	EventSubjectPrefix = "alarm.state."
	consumerName       = "trigger-router"

	eventStreamMaxAge = 24 * time.Hour
	ackWait           = 30 * time.Second
	maxDeliver        = 10
	fetchBatch        = 16
	fetchWait         = time.Second
)

// EventSource delivers alarm state change events to a listener until ctx is done
type EventSource interface {
	Run(ctx context.Context, listener AlarmStateListener) error
}

// JetStreamSource reads EventBridge alarm state change events from a durable
// JetStream pull consumer
type JetStreamSource struct {
	js     nats.JetStreamContext
	logger *zap.Logger
}

// NewJetStreamSource creates a new JetStream event source
func NewJetStreamSource(js nats.JetStreamContext, logger *zap.Logger) *JetStreamSource {
	return &JetStreamSource{
		js:     js,
		logger: logger.Named("event-source"),
	}
}

// Setup creates the event stream and the durable consumer if they don't exist
func (s *JetStreamSource) Setup(ctx context.Context) error {
	_, err := s.js.StreamInfo(eventStreamName, nats.Context(ctx))
	switch {
	case err == nil:
		s.logger.Info("Using existing stream", zap.String("stream", eventStreamName))
	case errors.Is(err, nats.ErrStreamNotFound):
		if _, err := s.js.AddStream(&nats.StreamConfig{
			Name:     eventStreamName,
			Subjects: []string{EventSubjectPrefix + ">"},
			Storage:  nats.FileStorage,
			MaxAge:   eventStreamMaxAge,
		}, nats.Context(ctx)); err != nil {
			return fmt.Errorf("failed to create stream %s: %w", eventStreamName, err)
		}
		s.logger.Info("Stream created successfully", zap.String("stream", eventStreamName))
	default:
		return fmt.Errorf("failed to get stream info: %w", err)
	}

	_, err = s.js.ConsumerInfo(eventStreamName, consumerName, nats.Context(ctx))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, nats.ErrConsumerNotFound):
		if _, err := s.js.AddConsumer(eventStreamName, &nats.ConsumerConfig{
			Durable:       consumerName,
			AckPolicy:     nats.AckExplicitPolicy,
			DeliverPolicy: nats.DeliverAllPolicy,
			FilterSubject: EventSubjectPrefix + ">",
			AckWait:       ackWait,
			MaxDeliver:    maxDeliver,
		}, nats.Context(ctx)); err != nil {
			return fmt.Errorf("failed to create consumer %s: %w", consumerName, err)
		}
		s.logger.Info("Consumer created successfully", zap.String("consumer", consumerName))
		return nil
	default:
		return fmt.Errorf("failed to get consumer info: %w", err)
	}
}

// Run implements EventSource. It blocks until ctx is done.
func (s *JetStreamSource) Run(ctx context.Context, listener AlarmStateListener) error {
	sub, err := s.js.PullSubscribe(EventSubjectPrefix+">", consumerName, nats.Bind(eventStreamName, consumerName))
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", eventStreamName, err)
	}
	defer sub.Unsubscribe()

	s.logger.Info("Consuming alarm state changes",
		zap.String("stream", eventStreamName),
		zap.String("consumer", consumerName))

	for {
		if ctx.Err() != nil {
			return nil
		}

		msgs, err := sub.Fetch(fetchBatch, nats.MaxWait(fetchWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Warn("Failed to fetch events", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(fetchWait):
			}
			continue
		}

		for _, msg := range msgs {
			s.handle(ctx, listener, msg)
		}
	}
}

func (s *JetStreamSource) handle(ctx context.Context, listener AlarmStateListener, msg *nats.Msg) {
	var event model.AlarmStateChange
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		s.logger.Error("Failed to unmarshal event, dropping it",
			zap.String("subject", msg.Subject),
			zap.Error(err))
		s.term(msg)
		return
	}

	err := listener.OnAlarmEnteredAlarmState(ctx, event)
	switch {
	case err == nil:
		if ackErr := msg.Ack(); ackErr != nil {
			s.logger.Warn("Failed to ack event", zap.Error(ackErr))
		}
	case errors.Is(err, ErrInvalidEvent):
		s.logger.Error("Invalid event, dropping it",
			zap.String("event_id", event.ID),
			zap.Error(err))
		s.term(msg)
	default:
		s.logger.Warn("Failed to handle event, will be redelivered",
			zap.String("event_id", event.ID),
			zap.String("alarm", event.Detail.AlarmName),
			zap.Error(err))
		if nakErr := msg.Nak(); nakErr != nil {
			s.logger.Warn("Failed to nak event", zap.Error(nakErr))
		}
	}
}

func (s *JetStreamSource) term(msg *nats.Msg) {
	if err := msg.Term(); err != nil {
		s.logger.Warn("Failed to terminate event", zap.Error(err))
	}
}

// Publish sends a state change event to the event stream
func Publish(ctx context.Context, js nats.JetStreamContext, event model.AlarmStateChange) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	subject := EventSubjectPrefix + "default"
	if event.Region != "" {
		subject = EventSubjectPrefix + event.Region
	}

	if _, err := js.Publish(subject, data, nats.Context(ctx), nats.MsgId(event.ID)); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}
