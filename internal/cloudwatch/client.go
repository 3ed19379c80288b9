package cloudwatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	cw "github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"go.uber.org/zap"

	"github.com/t77yq/repeated-alarm/internal/model"
)

// ErrAlarmNotFound is returned when the alarm no longer exists
var ErrAlarmNotFound = errors.New("alarm not found")

// API is the subset of the CloudWatch client used here
type API interface {
	DescribeAlarms(ctx context.Context, params *cw.DescribeAlarmsInput, optFns ...func(*cw.Options)) (*cw.DescribeAlarmsOutput, error)
	ListTagsForResource(ctx context.Context, params *cw.ListTagsForResourceInput, optFns ...func(*cw.Options)) (*cw.ListTagsForResourceOutput, error)
}

// Client reads alarm state and tags from CloudWatch
type Client struct {
	api    API
	logger *zap.Logger
}

// NewClient wraps a CloudWatch API client
func NewClient(api API, logger *zap.Logger) *Client {
	return &Client{
		api:    api,
		logger: logger.Named("cloudwatch"),
	}
}

// DescribeAlarm looks up a metric or composite alarm by name
func (c *Client) DescribeAlarm(ctx context.Context, name string) (*model.Alarm, error) {
	out, err := c.api.DescribeAlarms(ctx, &cw.DescribeAlarmsInput{
		AlarmNames: []string{name},
		AlarmTypes: []cwtypes.AlarmType{
			cwtypes.AlarmTypeCompositeAlarm,
			cwtypes.AlarmTypeMetricAlarm,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("describe alarm %s: %w", name, err)
	}

	switch {
	case len(out.MetricAlarms) > 0:
		a := out.MetricAlarms[0]
		return &model.Alarm{
			Name:           aws.ToString(a.AlarmName),
			ARN:            aws.ToString(a.AlarmArn),
			Type:           model.AlarmTypeMetric,
			Description:    aws.ToString(a.AlarmDescription),
			State:          model.AlarmState(a.StateValue),
			StateReason:    aws.ToString(a.StateReason),
			StateUpdatedAt: a.StateUpdatedTimestamp,
			Actions:        a.AlarmActions,
		}, nil
	case len(out.CompositeAlarms) > 0:
		a := out.CompositeAlarms[0]
		return &model.Alarm{
			Name:           aws.ToString(a.AlarmName),
			ARN:            aws.ToString(a.AlarmArn),
			Type:           model.AlarmTypeComposite,
			Description:    aws.ToString(a.AlarmDescription),
			State:          model.AlarmState(a.StateValue),
			StateReason:    aws.ToString(a.StateReason),
			StateUpdatedAt: a.StateUpdatedTimestamp,
			Actions:        a.AlarmActions,
		}, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrAlarmNotFound, name)
}

// ListTags returns the alarm's tags as a key/value map
func (c *Client) ListTags(ctx context.Context, arn string) (map[string]string, error) {
	out, err := c.api.ListTagsForResource(ctx, &cw.ListTagsForResourceInput{
		ResourceARN: aws.String(arn),
	})
	if err != nil {
		var notFound *cwtypes.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("%w: %s", ErrAlarmNotFound, arn)
		}
		return nil, fmt.Errorf("list tags for %s: %w", arn, err)
	}

	tags := make(map[string]string, len(out.Tags))
	for _, tag := range out.Tags {
		if tag.Key == nil {
			continue
		}
		tags[*tag.Key] = aws.ToString(tag.Value)
	}

	c.logger.Debug("Listed alarm tags",
		zap.String("arn", arn),
		zap.Int("count", len(tags)))

	return tags, nil
}
