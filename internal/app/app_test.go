package app

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cw "github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/repeated-alarm/internal/config"
	"github.com/t77yq/repeated-alarm/internal/model"
	"github.com/t77yq/repeated-alarm/internal/storage"
	"github.com/t77yq/repeated-alarm/internal/testutil"
	"github.com/t77yq/repeated-alarm/internal/trigger"
)

const (
	alarmName = "cpu-high"
	alarmARN  = "arn:aws:cloudwatch:eu-west-1:123:alarm:cpu-high"
	topicARN  = "arn:aws:sns:eu-west-1:123:oncall"
)

// fakeCloudWatch reports ALARM for the first alarmChecks describes and OK after
type fakeCloudWatch struct {
	mu          sync.Mutex
	alarmChecks int
	describes   int
}

func (f *fakeCloudWatch) DescribeAlarms(_ context.Context, _ *cw.DescribeAlarmsInput, _ ...func(*cw.Options)) (*cw.DescribeAlarmsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.describes++
	state := cwtypes.StateValueOk
	if f.describes <= f.alarmChecks {
		state = cwtypes.StateValueAlarm
	}

	return &cw.DescribeAlarmsOutput{MetricAlarms: []cwtypes.MetricAlarm{{
		AlarmName:    aws.String(alarmName),
		AlarmArn:     aws.String(alarmARN),
		StateValue:   state,
		AlarmActions: []string{topicARN},
	}}}, nil
}

func (f *fakeCloudWatch) ListTagsForResource(_ context.Context, _ *cw.ListTagsForResourceInput, _ ...func(*cw.Options)) (*cw.ListTagsForResourceOutput, error) {
	return &cw.ListTagsForResourceOutput{Tags: []cwtypes.Tag{
		{Key: aws.String("RepeatedAlarm"), Value: aws.String("true")},
	}}, nil
}

type fakeSNS struct {
	mu       sync.Mutex
	messages []*sns.PublishInput
}

func (f *fakeSNS) Publish(_ context.Context, params *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, params)
	return &sns.PublishOutput{MessageId: aws.String("msg")}, nil
}

func (f *fakeSNS) Published() []*sns.PublishInput {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*sns.PublishInput(nil), f.messages...)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg := &config.Config{
		Notification: config.NotificationConfig{IntervalSeconds: 1, Tag: "RepeatedAlarm:true"},
		AWS:          config.AWSConfig{Partition: "aws"},
		Storage:      config.StorageConfig{Retention: time.Hour},
		Scheduler: config.SchedulerConfig{
			SweepEvery:          time.Second,
			CheckTimeout:        5 * time.Second,
			MaxCheckAttempts:    3,
			MaxConcurrentChecks: 2,
			BackoffInitial:      time.Second,
			BackoffMax:          time.Second,
			BackoffMultiplier:   2,
		},
		Publish: config.PublishConfig{
			MaxAttempts:    2,
			BackoffInitial: 10 * time.Millisecond,
			BackoffMax:     10 * time.Millisecond,
		},
		Monitor: config.MonitorConfig{StatsEvery: time.Hour},
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestAppRepeatsNotificationUntilResolved(t *testing.T) {
	js, cleanup := testutil.SetupJetStream(t)
	defer cleanup()

	logger := zaptest.NewLogger(t)
	store, err := storage.NewSQLiteExecutionStore(logger, filepath.Join(t.TempDir(), "executions.db"))
	require.NoError(t, err)
	defer store.Close()

	cloudWatch := &fakeCloudWatch{alarmChecks: 2}
	topic := &fakeSNS{}

	cfg := testConfig(t)
	// The region comes from the AWS client configuration, not aws.region.
	a := New(cfg, Dependencies{
		JetStream:  js,
		CloudWatch: cloudWatch,
		SNS:        topic,
		Store:      store,
		Region:     "eu-west-1",
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- a.Run(ctx)
	}()
	defer func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("app did not stop")
		}
	}()

	event := model.AlarmStateChange{
		ID:        "evt-1",
		Time:      time.Now().UTC(),
		Region:    "eu-west-1",
		Resources: []string{alarmARN},
		Detail: model.AlarmStateDetail{
			AlarmName:     alarmName,
			State:         model.AlarmStateValue{Value: model.AlarmStateAlarm, Timestamp: "2024-05-01T12:00:00.000+0000"},
			PreviousState: model.AlarmStateValue{Value: model.AlarmStateOK},
		},
	}

	// The event stream is created by Run.
	require.NoError(t, testutil.WaitForConsumer(t, js, "ALARM_EVENTS", "trigger-router", 5*time.Second))
	require.NoError(t, trigger.Publish(ctx, js, event))
	// A redelivered copy of the same transition starts nothing new.
	event.ID = "evt-1-copy"
	require.NoError(t, trigger.Publish(ctx, js, event))

	require.Eventually(t, func() bool {
		execs, err := store.List(ctx, storage.ExecutionFilter{AlarmName: alarmName})
		return err == nil && len(execs) == 1 && execs[0].Phase == model.PhaseTerminated
	}, 20*time.Second, 100*time.Millisecond)

	execs, err := store.List(ctx, storage.ExecutionFilter{AlarmName: alarmName})
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, model.ReasonResolved, execs[0].Reason)
	assert.Equal(t, 2, execs[0].Notifications)
	assert.Equal(t, 3, execs[0].Iterations)

	published := topic.Published()
	require.Len(t, published, 2)
	assert.Equal(t, topicARN, aws.ToString(published[0].TopicArn))
	assert.Equal(t, `ALARM: "cpu-high" remains in ALARM state in eu-west-1`, aws.ToString(published[0].Subject))
	assert.Empty(t, cfg.AWS.Region)
}
