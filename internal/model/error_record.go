package model

import "time"

// ErrorKind classifies an operational error record
type ErrorKind string

const (
	ErrorKindLookupFailure  ErrorKind = "lookup_failure"
	ErrorKindCheckExhausted ErrorKind = "check_exhausted"
	ErrorKindPublishFailed  ErrorKind = "publish_failed"
)

// ErrorRecord is emitted for failures operators need to tell apart from
// alarms that simply resolved
type ErrorRecord struct {
	ID          string    `json:"id"`
	Kind        ErrorKind `json:"kind"`
	ExecutionID string    `json:"execution_id,omitempty"`
	AlarmName   string    `json:"alarm_name"`
	Target      string    `json:"target,omitempty"`
	Message     string    `json:"message"`
	Attempts    int       `json:"attempts"`
	CreatedAt   time.Time `json:"created_at"`
}

// LoopStats is a point-in-time snapshot of loop executions and host load
type LoopStats struct {
	Waiting     int       `json:"waiting"`
	Checking    int       `json:"checking"`
	Terminated  int       `json:"terminated"`
	CPUUsage    float64   `json:"cpu_usage"`
	MemoryUsage float64   `json:"memory_usage"`
	CollectedAt time.Time `json:"collected_at"`
}
