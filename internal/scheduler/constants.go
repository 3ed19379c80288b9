package scheduler

import "time"

const (
	// sweepBatchSize caps how many due executions one sweep picks up; the
	// rest are found by the next sweep.
	sweepBatchSize = 500

	cleanupSpec = "@daily"

	defaultCheckTimeout = time.Minute

	// maxHandOffAttempts bounds how often StartExecution retries when the
	// alarm's check keeps finishing between Create and SetPendingTrigger
	maxHandOffAttempts = 3
)
