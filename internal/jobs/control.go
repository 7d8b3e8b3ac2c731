package jobs

import (
	log "github.com/sirupsen/logrus"

	"github.com/tagforge/tagforge/internal/common/util"
)

// JobManager is the externally facing control surface: it creates and
// updates job definitions and applies operator-requested state transitions.
// Every transition is an optimistic compare-and-swap against the expected
// prior state; a transition that is not applied because the state already
// moved is reported as applied=false, not as an error. Every applied
// transition publishes a notification.
type JobManager struct {
	store    JobStore
	registry *StepTypeRegistry
	notifier Notifier
	clock    util.Clock
}

func NewJobManager(store JobStore, registry *StepTypeRegistry, notifier Notifier, clock util.Clock) *JobManager {
	if clock == nil {
		clock = &util.DefaultClock{}
	}
	return &JobManager{
		store:    store,
		registry: registry,
		notifier: notifier,
		clock:    clock,
	}
}

// CreateOrUpdateJob validates and clamps the configuration, assigns an id if
// absent, ensures the backing queue exists and persists the definition with
// an Initializing status. Re-creating an existing job updates its
// configuration only; the status is preserved.
func (m *JobManager) CreateOrUpdateJob(def *JobDefinition) (*JobDefinition, error) {
	if err := m.validateAndClamp(def); err != nil {
		return nil, err
	}
	if def.JobId == "" {
		def.JobId = util.NewULID()
	}
	if def.Created.IsZero() {
		def.Created = m.clock.Now()
	}

	binding, err := m.registry.Resolve(def.StepType)
	if err == nil {
		if err := binding.Queue.EnsureExists(def.JobId); err != nil {
			return nil, err
		}
	}
	// An unknown step type is persisted anyway; the faulty-runner path will
	// fail the job with a recorded reason where an operator can see it.

	if err := m.store.AddOrUpdateDefinition(def); err != nil {
		return nil, err
	}
	log.WithField("jobId", def.JobId).WithField("tenantId", def.TenantId).Info("job definition persisted")
	m.publish(def.JobId)
	return def, nil
}

func (m *JobManager) validateAndClamp(def *JobDefinition) error {
	if def.TenantId == "" {
		return &ErrInvalidConfiguration{Field: "tenantId", Message: "must not be empty"}
	}
	if def.StepType == "" {
		return &ErrInvalidConfiguration{Field: "stepType", Message: "must not be empty"}
	}
	cfg := &def.Configuration
	if cfg.MaxBatchSize < MinBatchSize {
		cfg.MaxBatchSize = MinBatchSize
	}
	if cfg.MaxBatchSize > MaxBatchSize {
		cfg.MaxBatchSize = MaxBatchSize
	}
	if cfg.MaxConcurrentBatchesPerWorker < MinConcurrentBatches {
		cfg.MaxConcurrentBatchesPerWorker = MinConcurrentBatches
	}
	if cfg.MaxConcurrentBatchesPerWorker > MaxConcurrentBatches {
		cfg.MaxConcurrentBatchesPerWorker = MaxConcurrentBatches
	}
	if cfg.ThrottledItemsPerSecond < 0 {
		return &ErrInvalidConfiguration{Field: "throttledItemsPerSecond", Message: "must be positive"}
	}
	if cfg.IsThrottled() && cfg.ThrottledMaxBurstSize < 1 {
		cfg.ThrottledMaxBurstSize = 1
	}
	if cfg.ExpiresAt != nil && cfg.ExpiresAt.Before(m.clock.Now()) {
		return &ErrInvalidConfiguration{Field: "expiresAt", Message: "must not be in the past"}
	}
	if cfg.IdleSecondsToCompletion <= 0 {
		cfg.IdleSecondsToCompletion = DefaultIdleSecondsToCompletion
	}
	return nil
}

// AddPredecessor records that predecessorId must finish before jobId runs.
// Rejected once the dependent job has left Initializing.
func (m *JobManager) AddPredecessor(tenantId, jobId, predecessorId string) error {
	applied, err := m.store.AddPredecessor(tenantId, jobId, predecessorId)
	if err != nil {
		return err
	}
	if !applied {
		return &ErrTransitionNotAllowed{
			JobId:  jobId,
			Action: "add predecessor to",
			Reason: "job has already left the Initializing state",
		}
	}
	m.publish(jobId)
	return nil
}

// StartJob moves a job from Initializing to InProgress. Returns whether the
// transition was applied; false means the job had already started or moved.
func (m *JobManager) StartJob(tenantId, jobId string) (bool, error) {
	return m.transition(tenantId, jobId, []JobState{StateInitializing}, StateInProgress)
}

// StartJobIfNotStarted is the idempotent variant: an already-started job is
// not an error and reports applied=false.
func (m *JobManager) StartJobIfNotStarted(tenantId, jobId string) (bool, error) {
	return m.StartJob(tenantId, jobId)
}

// ResumeJob moves a Paused or Draining job back to InProgress. Resuming a
// terminal job is a no-op success.
func (m *JobManager) ResumeJob(tenantId, jobId string) (bool, error) {
	status, err := m.store.LoadStatus(tenantId, jobId)
	if err != nil {
		return false, err
	}
	if status.State.IsTerminal() {
		return false, nil
	}
	return m.transition(tenantId, jobId, []JobState{StatePaused, StateDraining}, StateInProgress)
}

// PauseJob moves an InProgress or Draining job to Paused.
func (m *JobManager) PauseJob(tenantId, jobId string) (bool, error) {
	return m.transition(tenantId, jobId, []JobState{StateInProgress, StateDraining}, StatePaused)
}

// DrainJob moves an InProgress or Paused job to Draining: queued work is
// discarded from then on while in-flight batches finish.
func (m *JobManager) DrainJob(tenantId, jobId string) (bool, error) {
	return m.transition(tenantId, jobId, []JobState{StateInProgress, StatePaused}, StateDraining)
}

// StopJob terminally stops a job and purges its queue. Refused for
// indefinite jobs and for jobs with a preprocessor that has not completed.
func (m *JobManager) StopJob(tenantId, jobId string) (bool, error) {
	def, err := m.store.LoadDefinition(tenantId, jobId)
	if err != nil {
		return false, err
	}
	if def.Configuration.IsIndefinite {
		return false, &ErrTransitionNotAllowed{
			JobId:  jobId,
			Action: "stop",
			Reason: "job is indefinite",
		}
	}
	for _, pre := range def.Configuration.PreprocessorJobIds {
		preDef, err := m.store.LoadFromAnyTenant(pre)
		if err != nil {
			return false, err
		}
		preStatus, err := m.store.LoadStatus(preDef.TenantId, pre)
		if err != nil {
			return false, err
		}
		if preStatus.State != StateCompleted {
			return false, &ErrDependencyIncomplete{JobId: jobId, PreprocessorId: pre}
		}
	}

	applied, err := m.transition(tenantId, jobId, []JobState{StateInProgress, StateDraining, StatePaused}, StateStopped)
	if err != nil || !applied {
		return applied, err
	}
	if err := m.PurgeQueue(tenantId, jobId); err != nil {
		log.WithError(err).WithField("jobId", jobId).Warn("stopped job but failed to purge its queue")
	}
	return true, nil
}

// PurgeQueue clears the job's queue without changing its state.
func (m *JobManager) PurgeQueue(tenantId, jobId string) error {
	def, err := m.store.LoadDefinition(tenantId, jobId)
	if err != nil {
		return err
	}
	binding, err := m.registry.Resolve(def.StepType)
	if err != nil {
		return err
	}
	return binding.Queue.PurgeQueueContents(jobId)
}

// GetQueueLength returns the number of pending step items.
func (m *JobManager) GetQueueLength(tenantId, jobId string) (int64, error) {
	def, err := m.store.LoadDefinition(tenantId, jobId)
	if err != nil {
		return 0, err
	}
	binding, err := m.registry.Resolve(def.StepType)
	if err != nil {
		return 0, err
	}
	return binding.Queue.GetQueueLength(jobId)
}

// EnqueueSteps appends work to a job's queue.
func (m *JobManager) EnqueueSteps(tenantId, jobId string, items []StepItem) error {
	def, err := m.store.LoadDefinition(tenantId, jobId)
	if err != nil {
		return err
	}
	binding, err := m.registry.Resolve(def.StepType)
	if err != nil {
		return err
	}
	if err := binding.Queue.EnqueueBatch(items, jobId); err != nil {
		return err
	}
	m.publish(jobId)
	return nil
}

// transition attempts the CAS from each allowed prior state in order;
// exactly one concurrent caller can win any individual swap.
func (m *JobManager) transition(tenantId, jobId string, from []JobState, to JobState) (bool, error) {
	for i := range from {
		expected := from[i]
		applied, err := m.store.CompareAndSwapState(tenantId, jobId, &expected, to)
		if err != nil {
			return false, err
		}
		if applied {
			log.WithField("jobId", jobId).Infof("job transitioned %s -> %s", expected, to)
			m.publish(jobId)
			return true, nil
		}
	}
	return false, nil
}

func (m *JobManager) publish(jobId string) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.Publish(jobId); err != nil {
		log.WithError(err).WithField("jobId", jobId).Debug("failed to publish job notification")
	}
}
