package model

import "time"

// Phase represents where a loop execution is in its wait/check cycle
type Phase string

const (
	PhaseWaiting    Phase = "waiting"
	PhaseChecking   Phase = "checking"
	PhaseTerminated Phase = "terminated"
)

// TerminationReason explains why a loop execution reached PhaseTerminated
type TerminationReason string

const (
	ReasonResolved      TerminationReason = "resolved"
	ReasonLookupFailure TerminationReason = "lookup_failure"
	ReasonCheckFailed   TerminationReason = "check_failed"
	ReasonStopped       TerminationReason = "stopped"
)

// LoopExecution is the durable record of one alarm episode's repeated
// notification loop
type LoopExecution struct {
	ID         string `json:"id"`
	AlarmName  string `json:"alarm_name"`
	AlarmARN   string `json:"alarm_arn,omitempty"`
	TriggerKey string `json:"trigger_key"`
	Phase      Phase  `json:"phase"`

	LastState     AlarmState `json:"last_state,omitempty"`
	Iterations    int        `json:"iterations"`
	Notifications int        `json:"notifications"`
	// Attempts counts consecutive failed checks; reset by a successful one.
	Attempts int `json:"attempts"`

	WakeAt time.Time         `json:"wake_at"`
	Reason TerminationReason `json:"reason,omitempty"`
	Error  string            `json:"error,omitempty"`

	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	TerminatedAt *time.Time `json:"terminated_at,omitempty"`
}

// Ref returns the alarm reference the execution checks
func (e *LoopExecution) Ref() AlarmRef {
	return AlarmRef{Name: e.AlarmName, ARN: e.AlarmARN}
}

// Terminated reports whether the execution reached its terminal phase
func (e *LoopExecution) Terminated() bool {
	return e.Phase == PhaseTerminated
}
