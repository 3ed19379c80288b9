package monitor

import "time"

const (
	errorStreamMaxAge = 7 * 24 * time.Hour

	statsStreamName = "ALARM_METRICS"
	statsSubject    = "metrics.loop"
	statsMaxAge     = 24 * time.Hour
)
