package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"

	"github.com/t77yq/repeated-alarm/internal/model"
)

// SubjectLimit is the maximum SNS subject length
const SubjectLimit = 100

// API is the subset of the SNS client used here
type API interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSPublisher publishes "alarm still active" notifications to SNS topics
type SNSPublisher struct {
	api    API
	logger *zap.Logger
}

// NewSNSPublisher creates a new SNS-based publisher
func NewSNSPublisher(api API, logger *zap.Logger) *SNSPublisher {
	return &SNSPublisher{
		api:    api,
		logger: logger.Named("sns"),
	}
}

// Publish sends one notification to its target topic
func (p *SNSPublisher) Publish(ctx context.Context, n model.Notification) error {
	out, err := p.api.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(n.Target),
		Subject:  aws.String(n.Subject),
		Message:  aws.String(n.Message),
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", n.Target, err)
	}

	p.logger.Info("Published notification",
		zap.String("topic", n.Target),
		zap.String("message_id", aws.ToString(out.MessageId)))
	return nil
}

// Compose builds the notification for one target from the alarm details
func Compose(alarm *model.Alarm, target, region string) (model.Notification, error) {
	body, err := json.Marshal(alarm)
	if err != nil {
		return model.Notification{}, fmt.Errorf("failed to marshal alarm: %w", err)
	}

	return model.Notification{
		Target:  target,
		Subject: Subject(alarm.Name, region),
		Message: string(body),
	}, nil
}

// Subject returns the notification subject, shortening the alarm name with
// "..." when the full subject would reach SubjectLimit characters. Lengths
// count runes so a multibyte name is never cut inside a character.
func Subject(alarmName, region string) string {
	subject := "ALARM: \"" + alarmName + "\" remains in ALARM state in " + region
	length := utf8.RuneCountInString(subject)
	if length < SubjectLimit {
		return subject
	}

	name := []rune(alarmName)
	remove := length - SubjectLimit + 4
	if remove < len(name) {
		name = name[:len(name)-remove]
	} else {
		name = nil
	}
	return "ALARM: \"" + string(name) + "...\" remains in ALARM state in " + region
}

// Targets returns the alarm actions that are SNS topics under prefix
func Targets(actions []string, prefix string) []string {
	var targets []string
	for _, action := range actions {
		if strings.HasPrefix(action, prefix) {
			targets = append(targets, action)
		}
	}
	return targets
}
