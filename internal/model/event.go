package model

import "time"

// AlarmStateChange is an EventBridge "CloudWatch Alarm State Change" event
type AlarmStateChange struct {
	ID         string           `json:"id"`
	DetailType string           `json:"detail-type"`
	Source     string           `json:"source"`
	Account    string           `json:"account"`
	Time       time.Time        `json:"time"`
	Region     string           `json:"region"`
	Resources  []string         `json:"resources"`
	Detail     AlarmStateDetail `json:"detail"`
}

// AlarmStateDetail carries the alarm name and its new and previous state
type AlarmStateDetail struct {
	AlarmName     string          `json:"alarmName"`
	State         AlarmStateValue `json:"state"`
	PreviousState AlarmStateValue `json:"previousState"`
}

// AlarmStateValue is one side of a state transition
type AlarmStateValue struct {
	Value     AlarmState `json:"value"`
	Reason    string     `json:"reason,omitempty"`
	Timestamp string     `json:"timestamp,omitempty"`
}

// AlarmARN returns the first resource of the event, which is the alarm ARN
func (e AlarmStateChange) AlarmARN() string {
	if len(e.Resources) == 0 {
		return ""
	}
	return e.Resources[0]
}

// TriggerKey identifies one ALARM transition of one alarm. Redelivered or
// duplicated events for the same transition produce the same key.
func (e AlarmStateChange) TriggerKey() string {
	switch {
	case e.Detail.State.Timestamp != "":
		return e.Detail.AlarmName + "|" + e.Detail.State.Timestamp
	case !e.Time.IsZero():
		return e.Detail.AlarmName + "|" + e.Time.UTC().Format(time.RFC3339Nano)
	default:
		return e.Detail.AlarmName + "|" + e.ID
	}
}
