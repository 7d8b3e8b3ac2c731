package jobs

import (
	"encoding/json"
	"time"
)

// JobState values are ordered by progress. Anything at or beyond
// StateCompleted is terminal; completion and expiry checks rely on this
// ordering and never move a job backwards past it.
type JobState int32

const (
	StateInitializing JobState = iota
	StateInProgress
	StatePaused
	StateDraining
	StateCompleted
	StateExpired
	StateFailed
	StateStopped
)

func (s JobState) String() string {
	switch s {
	case StateInitializing:
		return "Initializing"
	case StateInProgress:
		return "InProgress"
	case StatePaused:
		return "Paused"
	case StateDraining:
		return "Draining"
	case StateCompleted:
		return "Completed"
	case StateExpired:
		return "Expired"
	case StateFailed:
		return "Failed"
	case StateStopped:
		return "Stopped"
	}
	return "Unknown"
}

func (s JobState) IsTerminal() bool {
	return s >= StateCompleted
}

// IsRunnable reports whether a runner should exist for a job in this state.
// Paused jobs remain runnable: the runner idles in its pause sub-loop so a
// resume takes effect without waiting for the reconciliation sweep.
func (s JobState) IsRunnable() bool {
	return s >= StateInProgress && s < StateCompleted
}

// Configuration bounds applied by ValidateAndClamp.
const (
	MinBatchSize                   = 1
	MaxBatchSize                   = 1000
	MinConcurrentBatches           = 1
	MaxConcurrentBatches           = 10000
	DefaultIdleSecondsToCompletion = 30
)

// JobConfiguration is the operator-supplied tuning for a job.
type JobConfiguration struct {
	MaxBatchSize                  int             `json:"maxBatchSize"`
	MaxConcurrentBatchesPerWorker int             `json:"maxConcurrentBatchesPerWorker"`
	ThrottledItemsPerSecond       float64         `json:"throttledItemsPerSecond,omitempty"`
	ThrottledMaxBurstSize         int64           `json:"throttledMaxBurstSize,omitempty"`
	ExpiresAt                     *time.Time      `json:"expiresAt,omitempty"`
	IsIndefinite                  bool            `json:"isIndefinite"`
	IdleSecondsToCompletion       int             `json:"idleSecondsToCompletion"`
	MaxBlockedSecondsPerCycle     int             `json:"maxBlockedSecondsPerCycle"`
	MaxTargetQueueLength          int64           `json:"maxTargetQueueLength,omitempty"`
	PreprocessorJobIds            []string        `json:"preprocessorJobIds,omitempty"`
	Parameters                    json.RawMessage `json:"parameters,omitempty"`
}

func (c *JobConfiguration) IsThrottled() bool {
	return c.ThrottledItemsPerSecond > 0
}

func (c *JobConfiguration) IdleTimeToCompletion() time.Duration {
	idle := c.IdleSecondsToCompletion
	if idle <= 0 {
		idle = DefaultIdleSecondsToCompletion
	}
	return time.Duration(idle) * time.Second
}

func (c *JobConfiguration) IsExpired(now time.Time) bool {
	return !c.IsIndefinite && c.ExpiresAt != nil && c.ExpiresAt.Before(now)
}

// JobDefinition is the persisted description of a job. Created once;
// idempotent re-creation updates Configuration only.
type JobDefinition struct {
	JobId         string           `json:"jobId"`
	TenantId      string           `json:"tenantId"`
	DisplayName   string           `json:"displayName"`
	StepType      string           `json:"stepType"`
	Configuration JobConfiguration `json:"configuration"`
	Created       time.Time        `json:"created"`
}

// JobRef identifies a job across tenants.
type JobRef struct {
	TenantId string
	JobId    string
}

// ErrorRecord is one entry of the bounded recent-failure/exception history.
type ErrorRecord struct {
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
}

// JobStatus is the persisted, runner-mutated side of a job. Counters are
// monotonically non-decreasing except on job recreation.
type JobStatus struct {
	State     JobState
	StateTime time.Time

	ItemsProcessed               int64
	ItemsFailed                  int64
	ItemsRequeued                int64
	ItemsGeneratedForTargetQueue int64
	ExceptionCount               int64

	LastIterationStartTime time.Time
	LastDequeueAttemptTime time.Time
	LastProcessStartTime   time.Time
	LastProcessFinishTime  time.Time
	LastHealthCheckTime    time.Time
	LastFailTime           time.Time
	LastExceptionTime      time.Time

	LastFailures   []ErrorRecord
	LastExceptions []ErrorRecord
}

// StatusDelta is an additive update to a JobStatus: counters are added,
// timestamps are max-merged and error records are pushed onto the bounded
// recent-history buffers.
type StatusDelta struct {
	ItemsProcessed               int64
	ItemsFailed                  int64
	ItemsRequeued                int64
	ItemsGeneratedForTargetQueue int64
	ExceptionCount               int64

	LastIterationStartTime time.Time
	LastDequeueAttemptTime time.Time
	LastProcessStartTime   time.Time
	LastProcessFinishTime  time.Time
	LastHealthCheckTime    time.Time
	LastFailTime           time.Time
	LastExceptionTime      time.Time

	Failures   []ErrorRecord
	Exceptions []ErrorRecord
}

func (d *StatusDelta) IsEmpty() bool {
	return d.ItemsProcessed == 0 && d.ItemsFailed == 0 && d.ItemsRequeued == 0 &&
		d.ItemsGeneratedForTargetQueue == 0 && d.ExceptionCount == 0 &&
		d.LastIterationStartTime.IsZero() && d.LastDequeueAttemptTime.IsZero() &&
		d.LastProcessStartTime.IsZero() && d.LastProcessFinishTime.IsZero() &&
		d.LastHealthCheckTime.IsZero() && d.LastFailTime.IsZero() &&
		d.LastExceptionTime.IsZero() &&
		len(d.Failures) == 0 && len(d.Exceptions) == 0
}

// StepItem is one queued unit of work. The payload is opaque to the runtime
// and interpreted only by the job's processor.
type StepItem []byte

// ProcessResult is what a processor reports back for one batch.
type ProcessResult struct {
	ItemsFailed                  int64
	ItemsRequeued                int64
	ItemsGeneratedForTargetQueue int64
	FailureMessages              []string
}
