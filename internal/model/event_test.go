package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleEvent = `{
  "version": "0",
  "id": "c4c1c1c9-6542-e61b-6ef0-8c4d36933a92",
  "detail-type": "CloudWatch Alarm State Change",
  "source": "aws.cloudwatch",
  "account": "123456789012",
  "time": "2024-05-01T12:00:05Z",
  "region": "eu-west-1",
  "resources": ["arn:aws:cloudwatch:eu-west-1:123456789012:alarm:cpu-high"],
  "detail": {
    "alarmName": "cpu-high",
    "state": {"value": "ALARM", "reason": "Threshold Crossed", "timestamp": "2024-05-01T12:00:04.123+0000"},
    "previousState": {"value": "OK", "timestamp": "2024-04-30T08:00:00.000+0000"}
  }
}`

func TestAlarmStateChangeDecode(t *testing.T) {
	var event AlarmStateChange
	require.NoError(t, json.Unmarshal([]byte(sampleEvent), &event))

	assert.Equal(t, "cpu-high", event.Detail.AlarmName)
	assert.Equal(t, AlarmStateAlarm, event.Detail.State.Value)
	assert.Equal(t, AlarmStateOK, event.Detail.PreviousState.Value)
	assert.Equal(t, "arn:aws:cloudwatch:eu-west-1:123456789012:alarm:cpu-high", event.AlarmARN())
	assert.Equal(t, "cpu-high|2024-05-01T12:00:04.123+0000", event.TriggerKey())
}

func TestTriggerKeyFallbacks(t *testing.T) {
	event := AlarmStateChange{
		ID:     "evt-1",
		Time:   time.Date(2024, 5, 1, 12, 0, 5, 0, time.UTC),
		Detail: AlarmStateDetail{AlarmName: "cpu-high"},
	}
	assert.Equal(t, "cpu-high|2024-05-01T12:00:05Z", event.TriggerKey())

	event.Time = time.Time{}
	assert.Equal(t, "cpu-high|evt-1", event.TriggerKey())

	assert.Empty(t, event.AlarmARN())
}

func TestLoopExecutionRef(t *testing.T) {
	exec := &LoopExecution{AlarmName: "cpu-high", AlarmARN: "arn", Phase: PhaseWaiting}
	assert.Equal(t, AlarmRef{Name: "cpu-high", ARN: "arn"}, exec.Ref())
	assert.False(t, exec.Terminated())

	exec.Phase = PhaseTerminated
	assert.True(t, exec.Terminated())
}
