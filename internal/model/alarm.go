package model

import "time"

// AlarmState represents the state value of a CloudWatch alarm
type AlarmState string

const (
	AlarmStateOK               AlarmState = "OK"
	AlarmStateAlarm            AlarmState = "ALARM"
	AlarmStateInsufficientData AlarmState = "INSUFFICIENT_DATA"
)

// AlarmType distinguishes metric alarms from composite alarms
type AlarmType string

const (
	AlarmTypeMetric    AlarmType = "MetricAlarm"
	AlarmTypeComposite AlarmType = "CompositeAlarm"
)

// AlarmRef identifies the alarm a check runs against. ARN may be empty, in
// which case the ARN returned by the describe call is used for the tag lookup.
type AlarmRef struct {
	Name string `json:"name"`
	ARN  string `json:"arn,omitempty"`
}

// Alarm is the subset of an alarm's description this service reads
type Alarm struct {
	Name           string            `json:"alarm_name"`
	ARN            string            `json:"alarm_arn"`
	Type           AlarmType         `json:"alarm_type"`
	Description    string            `json:"alarm_description,omitempty"`
	State          AlarmState        `json:"state_value"`
	StateReason    string            `json:"state_reason,omitempty"`
	StateUpdatedAt *time.Time        `json:"state_updated_timestamp,omitempty"`
	Actions        []string          `json:"alarm_actions,omitempty"`
	Tags           map[string]string `json:"tags,omitempty"`
}

// CheckResult is what one status check reports back to its loop execution
type CheckResult struct {
	CurrentState   AlarmState `json:"current_state"`
	ShouldContinue bool       `json:"should_continue"`
	// Notified counts the targets a notification was delivered to.
	Notified int `json:"notified"`
}

// Notification is a single "alarm still active" message for one target
type Notification struct {
	Target  string `json:"target"`
	Subject string `json:"subject"`
	Message string `json:"message"`
}
