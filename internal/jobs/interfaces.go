package jobs

// JobStore is the persisted source of truth for job definitions and status.
// Multiple worker processes share one store; all state transitions go
// through CompareAndSwapState so concurrent attempts resolve to exactly one
// winner.
type JobStore interface {
	LoadDefinition(tenantId, jobId string) (*JobDefinition, error)
	LoadStatus(tenantId, jobId string) (*JobStatus, error)
	// LoadFromAnyTenant resolves a job by id alone, used for preprocessor
	// chains where only the job id is recorded.
	LoadFromAnyTenant(jobId string) (*JobDefinition, error)
	LoadAllRunnableIds() ([]JobRef, error)
	// AddOrUpdateDefinition upserts a definition. On update the existing
	// status is preserved; on insert an Initializing status is created.
	AddOrUpdateDefinition(def *JobDefinition) error
	// CompareAndSwapState atomically moves the job to newState if its
	// current state equals expected. A nil expected swaps unconditionally.
	// Returns false (not an error) if the state already moved.
	CompareAndSwapState(tenantId, jobId string, expected *JobState, newState JobState) (bool, error)
	// ApplyStatusDelta adds counters, max-merges timestamps and pushes
	// recent failures/exceptions onto the bounded history buffers.
	ApplyStatusDelta(tenantId, jobId string, delta *StatusDelta) error
	AddException(tenantId, jobId string, record ErrorRecord) error
	// AddPredecessor records a preprocessor dependency. Returns false if the
	// job has already left Initializing.
	AddPredecessor(tenantId, jobId, predecessorId string) (bool, error)
}

// JobQueue holds the pending step items of a job. DequeueBatch may return
// fewer items than requested, including none, and never blocks indefinitely.
// Delivery is at-least-once across the fleet: the queue prevents duplicate
// delivery of the same item, not duplicate runner instances.
type JobQueue interface {
	EnsureExists(jobId string) error
	Enqueue(item StepItem, jobId string) error
	EnqueueBatch(items []StepItem, jobId string) error
	DequeueBatch(maxCount int, jobId string) ([]StepItem, error)
	GetQueueLength(jobId string) (int64, error)
	PurgeQueueContents(jobId string) error
}

// JobProcessor is the pluggable per-step-type business logic.
type JobProcessor interface {
	Initialize(def *JobDefinition) error
	Process(items []StepItem) (*ProcessResult, error)
	// GetTargetQueueLength reports the length of the downstream queue this
	// job feeds, for backpressure. Returns 0 when not applicable or unknown.
	GetTargetQueueLength() (int64, error)
}

// Notifier is a best-effort pub/sub fan-out telling other processes that a
// job changed. Lost notifications only add latency: the periodic
// reconciliation sweep is the correctness backstop.
type Notifier interface {
	Publish(jobId string) error
	Subscribe(handler func(jobId string)) error
}
