package cloudwatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cw "github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/repeated-alarm/internal/model"
)

type fakeAPI struct {
	describe    *cw.DescribeAlarmsOutput
	describeErr error
	tags        *cw.ListTagsForResourceOutput
	tagsErr     error

	describeInput *cw.DescribeAlarmsInput
	tagsInput     *cw.ListTagsForResourceInput
}

func (f *fakeAPI) DescribeAlarms(_ context.Context, in *cw.DescribeAlarmsInput, _ ...func(*cw.Options)) (*cw.DescribeAlarmsOutput, error) {
	f.describeInput = in
	return f.describe, f.describeErr
}

func (f *fakeAPI) ListTagsForResource(_ context.Context, in *cw.ListTagsForResourceInput, _ ...func(*cw.Options)) (*cw.ListTagsForResourceOutput, error) {
	f.tagsInput = in
	return f.tags, f.tagsErr
}

func TestDescribeAlarm_Metric(t *testing.T) {
	updated := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	api := &fakeAPI{describe: &cw.DescribeAlarmsOutput{
		MetricAlarms: []cwtypes.MetricAlarm{{
			AlarmName:             aws.String("cpu-high"),
			AlarmArn:              aws.String("arn:aws:cloudwatch:eu-west-1:123:alarm:cpu-high"),
			StateValue:            cwtypes.StateValueAlarm,
			StateReason:           aws.String("threshold crossed"),
			StateUpdatedTimestamp: &updated,
			AlarmActions:          []string{"arn:aws:sns:eu-west-1:123:oncall"},
		}},
	}}

	client := NewClient(api, zap.NewNop())
	alarm, err := client.DescribeAlarm(context.Background(), "cpu-high")
	require.NoError(t, err)

	assert.Equal(t, []string{"cpu-high"}, api.describeInput.AlarmNames)
	assert.ElementsMatch(t, []cwtypes.AlarmType{cwtypes.AlarmTypeCompositeAlarm, cwtypes.AlarmTypeMetricAlarm}, api.describeInput.AlarmTypes)
	assert.Equal(t, "cpu-high", alarm.Name)
	assert.Equal(t, model.AlarmTypeMetric, alarm.Type)
	assert.Equal(t, model.AlarmStateAlarm, alarm.State)
	assert.Equal(t, &updated, alarm.StateUpdatedAt)
	assert.Equal(t, []string{"arn:aws:sns:eu-west-1:123:oncall"}, alarm.Actions)
}

func TestDescribeAlarm_Composite(t *testing.T) {
	api := &fakeAPI{describe: &cw.DescribeAlarmsOutput{
		CompositeAlarms: []cwtypes.CompositeAlarm{{
			AlarmName:  aws.String("service-down"),
			AlarmArn:   aws.String("arn:aws:cloudwatch:eu-west-1:123:alarm:service-down"),
			StateValue: cwtypes.StateValueOk,
		}},
	}}

	alarm, err := NewClient(api, zap.NewNop()).DescribeAlarm(context.Background(), "service-down")
	require.NoError(t, err)
	assert.Equal(t, model.AlarmTypeComposite, alarm.Type)
	assert.Equal(t, model.AlarmStateOK, alarm.State)
}

func TestDescribeAlarm_NotFound(t *testing.T) {
	api := &fakeAPI{describe: &cw.DescribeAlarmsOutput{}}

	_, err := NewClient(api, zap.NewNop()).DescribeAlarm(context.Background(), "gone")
	require.ErrorIs(t, err, ErrAlarmNotFound)
}

func TestDescribeAlarm_APIError(t *testing.T) {
	errThrottled := errors.New("throttled")
	api := &fakeAPI{describeErr: errThrottled}

	_, err := NewClient(api, zap.NewNop()).DescribeAlarm(context.Background(), "cpu-high")
	require.ErrorIs(t, err, errThrottled)
	require.NotErrorIs(t, err, ErrAlarmNotFound)
}

func TestListTags(t *testing.T) {
	api := &fakeAPI{tags: &cw.ListTagsForResourceOutput{
		Tags: []cwtypes.Tag{
			{Key: aws.String("RepeatedAlarm"), Value: aws.String("true")},
			{Key: aws.String("team"), Value: aws.String("payments")},
			{Key: nil, Value: aws.String("ignored")},
		},
	}}

	tags, err := NewClient(api, zap.NewNop()).ListTags(context.Background(), "arn:aws:cloudwatch:eu-west-1:123:alarm:cpu-high")
	require.NoError(t, err)
	assert.Equal(t, "arn:aws:cloudwatch:eu-west-1:123:alarm:cpu-high", aws.ToString(api.tagsInput.ResourceARN))
	assert.Equal(t, map[string]string{"RepeatedAlarm": "true", "team": "payments"}, tags)
}

func TestListTags_ResourceNotFound(t *testing.T) {
	api := &fakeAPI{tagsErr: &cwtypes.ResourceNotFoundException{Message: aws.String("no such alarm")}}

	_, err := NewClient(api, zap.NewNop()).ListTags(context.Background(), "arn:aws:cloudwatch:eu-west-1:123:alarm:gone")
	require.ErrorIs(t, err, ErrAlarmNotFound)
}
