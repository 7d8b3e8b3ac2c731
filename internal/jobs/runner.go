package jobs

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/tagforge/tagforge/internal/common/util"
)

// immediateRetry is returned from a batch attempt when the outer loop should
// continue without sleeping, e.g. after dispatching a batch.
const immediateRetry = time.Duration(-1)

// RunnerTimings holds the wait tuning of the processing loop. Tests shrink
// these to keep runs fast.
type RunnerTimings struct {
	MinIterationWait    time.Duration
	MaxIterationWait    time.Duration
	PausePollInterval   time.Duration
	SemaphoreTimeout    time.Duration
	BackoffWait         time.Duration
	NoWorkWait          time.Duration
	StallThresholdFloor time.Duration
}

func DefaultRunnerTimings() RunnerTimings {
	return RunnerTimings{
		MinIterationWait:    10 * time.Millisecond,
		MaxIterationWait:    2 * time.Second,
		PausePollInterval:   3 * time.Second,
		SemaphoreTimeout:    5 * time.Second,
		BackoffWait:         time.Second,
		NoWorkWait:          2 * time.Second,
		StallThresholdFloor: 10 * time.Second,
	}
}

// ActivityChecker reports whether a runner for the given job id is live in
// this process. Used to gate completion of jobs with preprocessor chains.
type ActivityChecker interface {
	IsJobRunnerActive(jobId string) bool
}

// JobRunner owns the per-job processing loop of one process: it dequeues
// batches, enforces throttling and the per-worker concurrency bound, invokes
// the pluggable processor, detects completion and reports health.
//
// The loop is a single sequential driver; each dequeued batch is processed
// by an independently dispatched goroutine bounded by a counting semaphore.
type JobRunner struct {
	def       *JobDefinition
	store     JobStore
	queue     JobQueue
	processor JobProcessor
	notifier  Notifier
	activity  ActivityChecker
	stats     *JobStatisticsCalculator
	throttle  *ThrottleCalculator
	sem       *semaphore.Weighted
	clock     util.Clock
	timings   RunnerTimings
	logger    *log.Entry

	started    atomic.Bool
	terminated atomic.Bool
	stopping   atomic.Bool

	statusMu   sync.RWMutex
	lastStatus *JobStatus
}

func NewJobRunner(
	def *JobDefinition,
	store JobStore,
	queue JobQueue,
	processor JobProcessor,
	notifier Notifier,
	activity ActivityChecker,
	clock util.Clock,
	timings RunnerTimings,
) (*JobRunner, error) {
	if clock == nil {
		clock = &util.DefaultClock{}
	}
	if err := processor.Initialize(def); err != nil {
		return nil, errors.WithMessagef(err, "initializing processor for job %s", def.JobId)
	}

	var throttle *ThrottleCalculator
	if def.Configuration.IsThrottled() {
		var err error
		throttle, err = NewThrottleCalculator(
			def.Configuration.ThrottledItemsPerSecond,
			def.Configuration.ThrottledMaxBurstSize,
			clock)
		if err != nil {
			return nil, err
		}
	}

	concurrency := def.Configuration.MaxConcurrentBatchesPerWorker
	if concurrency < MinConcurrentBatches {
		concurrency = MinConcurrentBatches
	}

	return &JobRunner{
		def:       def,
		store:     store,
		queue:     queue,
		processor: processor,
		notifier:  notifier,
		activity:  activity,
		stats:     NewJobStatisticsCalculator(store, def.TenantId, def.JobId, clock),
		throttle:  throttle,
		sem:       semaphore.NewWeighted(int64(concurrency)),
		clock:     clock,
		timings:   timings,
		logger:    log.WithField("jobId", def.JobId).WithField("tenantId", def.TenantId),
	}, nil
}

func (r *JobRunner) JobId() string    { return r.def.JobId }
func (r *JobRunner) TenantId() string { return r.def.TenantId }

func (r *JobRunner) Started() bool    { return r.started.Load() }
func (r *JobRunner) Terminated() bool { return r.terminated.Load() }

// IsActive reports whether this runner may still process work.
func (r *JobRunner) IsActive() bool {
	return !r.terminated.Load()
}

// Stop requests a cooperative stop. In-flight dispatched batches finish;
// the loop exits before its next dequeue.
func (r *JobRunner) Stop() {
	r.stopping.Store(true)
}

func (r *JobRunner) FlushStatistics() error {
	return r.stats.Flush()
}

func (r *JobRunner) cachedStatus() *JobStatus {
	r.statusMu.RLock()
	defer r.statusMu.RUnlock()
	return r.lastStatus
}

func (r *JobRunner) cachedState() JobState {
	status := r.cachedStatus()
	if status == nil {
		return StateInitializing
	}
	return status.State
}

func (r *JobRunner) setCachedState(state JobState) {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	if r.lastStatus != nil {
		r.lastStatus.State = state
	}
}

// refreshStatus reloads the cached snapshot from the store. The loop itself
// never does this per iteration; health checks do, which keeps the store
// round-trips off the batch hot path.
func (r *JobRunner) refreshStatus() error {
	status, err := r.store.LoadStatus(r.def.TenantId, r.def.JobId)
	if err != nil {
		return err
	}
	r.statusMu.Lock()
	r.lastStatus = status
	r.statusMu.Unlock()
	return nil
}

func (r *JobRunner) startLoop() {
	if !r.started.CompareAndSwap(false, true) {
		return
	}
	if r.throttle != nil {
		r.throttle.Start()
	}
	// Stamp an iteration before the goroutine runs so a health check racing
	// the loop start does not mistake the fresh runner for a stalled one.
	r.stats.RecordIterationStart()
	r.logger.Info("starting job runner loop")
	go r.run()
}

func (r *JobRunner) run() {
	defer func() {
		if p := recover(); p != nil {
			err := errors.Errorf("job runner loop panicked: %v", p)
			r.stats.RecordException(err)
			r.logger.WithError(err).Error("job runner loop terminated abnormally")
		}
		r.terminated.Store(true)
		if err := r.stats.Flush(); err != nil {
			r.logger.WithError(err).Warn("failed to flush statistics on loop exit")
		}
	}()

	for {
		if r.stopping.Load() {
			return
		}
		state := r.cachedState()
		if state == StatePaused || state == StateInitializing {
			// Poll until a health check refreshes the snapshot to a
			// runnable state, or until stopped.
			time.Sleep(r.timings.PausePollInterval)
			continue
		}
		if state.IsTerminal() {
			return
		}

		wait := r.iterate()
		if wait < 0 {
			continue
		}
		time.Sleep(clampWait(wait, r.timings.MinIterationWait, r.timings.MaxIterationWait))
	}
}

// iterate evaluates one loop iteration. Panics are contained here: an
// exception in a single iteration is recorded and skipped, it never kills
// the runner.
func (r *JobRunner) iterate() (wait time.Duration) {
	defer func() {
		if p := recover(); p != nil {
			err := errors.Errorf("iteration panicked: %v", p)
			r.stats.RecordException(err)
			r.logger.WithError(err).Warn("skipping failed iteration")
			wait = r.timings.BackoffWait
		}
	}()
	r.stats.RecordIterationStart()
	return r.tryProcessNextBatch()
}

// tryProcessNextBatch attempts to dequeue and dispatch one batch, returning
// how long the loop should wait before the next iteration. A negative return
// means continue immediately.
func (r *JobRunner) tryProcessNextBatch() time.Duration {
	batchSize := r.def.Configuration.MaxBatchSize
	if r.throttle != nil {
		available, err := r.throttle.AvailableItems()
		if err != nil {
			r.stats.RecordException(err)
			return r.timings.BackoffWait
		}
		if available <= 0 {
			throttleWait, _ := r.throttle.WaitTimeForNext()
			return throttleWait
		}
		if int64(batchSize) > available {
			batchSize = int(available)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timings.SemaphoreTimeout)
	err := r.sem.Acquire(ctx, 1)
	cancel()
	if err != nil {
		// All batch slots busy; no quota was consumed, retry straight away.
		return immediateRetry
	}
	// The deferred guard guarantees the slot comes back even if an access
	// below panics; it is disarmed only when the dispatched batch takes
	// ownership, or on the intentional stop path.
	released := false
	defer func() {
		if !released {
			r.sem.Release(1)
		}
	}()

	// Downstream backpressure: if the queue this job feeds is too long,
	// back off instead of producing more.
	if max := r.def.Configuration.MaxTargetQueueLength; max > 0 {
		targetLength, err := r.processor.GetTargetQueueLength()
		if err != nil {
			r.stats.RecordException(err)
		} else if targetLength > max {
			return r.timings.BackoffWait
		}
	}

	if r.def.Configuration.IsExpired(r.clock.Now()) {
		return r.timings.BackoffWait
	}

	// The state may have changed while waiting for the semaphore.
	state := r.cachedState()
	if state != StateInProgress && state != StateDraining {
		return immediateRetry
	}

	// Stop is checked both before and after the dequeue on purpose: a stop
	// observed here aborts before any work is taken, but once an item has
	// been dequeued the batch runs to completion even if a stop arrives
	// concurrently. Dequeued work is never dropped by a stop. The slot is
	// reclaimed implicitly when the runner dies.
	if r.stopping.Load() {
		released = true
		return immediateRetry
	}

	r.stats.RecordDequeueAttempt()
	items, err := r.queue.DequeueBatch(batchSize, r.def.JobId)
	if err != nil {
		r.stats.RecordException(err)
		return r.timings.BackoffWait
	}
	if len(items) == 0 {
		r.tryComplete()
		return r.timings.NoWorkWait
	}

	if state == StateDraining {
		// Draining discards queued work instead of processing it.
		return immediateRetry
	}

	if r.throttle != nil {
		if err := r.throttle.DecreaseQuota(int64(len(items))); err != nil {
			r.stats.RecordException(err)
		}
	}
	r.stats.RecordProcessStart()
	released = true // the dispatched task owns the slot now
	go r.processBatch(items)
	return immediateRetry
}

// processBatch invokes the processor for one dispatched batch. The semaphore
// slot is released exactly once here, whatever the outcome.
func (r *JobRunner) processBatch(items []StepItem) {
	defer r.sem.Release(1)
	defer func() {
		if p := recover(); p != nil {
			err := errors.Errorf("processor panicked: %v", p)
			r.stats.RecordException(err)
			r.logger.WithError(err).Error("batch processing panicked")
		}
	}()

	start := r.clock.Now()
	result, err := r.processor.Process(items)
	elapsed := r.clock.Now().Sub(start)
	if err != nil {
		r.stats.RecordException(err)
		r.logger.WithError(err).Warnf("batch of %d items failed after %s", len(items), elapsed)
	} else {
		r.logger.Debugf("processed batch of %d items in %s", len(items), elapsed)
	}
	r.stats.RecordProcessFinish(len(items), result)
}

// tryComplete implements completion detection. It is reachable only from the
// no-work path and from health checks. The criteria are evaluated against
// the cached snapshot first and, if still met, against a freshly reloaded
// one before committing, so a stale in-memory state cannot complete a job
// that another process just fed.
func (r *JobRunner) tryComplete() bool {
	if r.def.Configuration.IsIndefinite {
		return false
	}
	status := r.cachedStatus()
	if status == nil || status.State.IsTerminal() {
		return false
	}
	if !r.completionCriteriaMet(status) {
		return false
	}

	if err := r.refreshStatus(); err != nil {
		r.stats.RecordException(err)
		return false
	}
	status = r.cachedStatus()
	if status.State.IsTerminal() || !r.completionCriteriaMet(status) {
		return false
	}

	expected := status.State
	applied, err := r.store.CompareAndSwapState(r.def.TenantId, r.def.JobId, &expected, StateCompleted)
	if err != nil {
		r.stats.RecordException(err)
		return false
	}
	if !applied {
		return false
	}
	r.setCachedState(StateCompleted)
	r.logger.Info("job completed")
	r.publish()
	return true
}

func (r *JobRunner) completionCriteriaMet(status *JobStatus) bool {
	length, err := r.queue.GetQueueLength(r.def.JobId)
	if err != nil || length > 0 {
		return false
	}
	if r.activity != nil {
		for _, pre := range r.def.Configuration.PreprocessorJobIds {
			if r.activity.IsJobRunnerActive(pre) {
				return false
			}
		}
	}
	lastStart := status.LastProcessStartTime
	if local := r.stats.LastProcessStartTime(); local.After(lastStart) {
		lastStart = local
	}
	if lastStart.IsZero() {
		// Nothing was ever processed; idle from the last state change.
		lastStart = status.StateTime
	}
	return r.clock.Now().Sub(lastStart) >= r.def.Configuration.IdleTimeToCompletion()
}

// HealthCheck refreshes the status snapshot and reports whether this runner
// is healthy. An unhealthy result makes the manager restart the runner.
// Exceptions during the check are recorded and reported as healthy: failing
// open avoids restart storms driven by a flaky check.
func (r *JobRunner) HealthCheck() (healthy bool) {
	defer func() {
		if p := recover(); p != nil {
			err := errors.Errorf("health check panicked: %v", p)
			r.stats.RecordException(err)
			r.logger.WithError(err).Warn("health check failed, treating runner as healthy")
			healthy = true
		}
	}()

	r.stats.RecordHealthCheck()
	if err := r.refreshStatus(); err != nil {
		r.stats.RecordException(err)
		return true
	}
	status := r.cachedStatus()
	state := status.State

	if r.def.Configuration.IsExpired(r.clock.Now()) && !state.IsTerminal() {
		expected := state
		applied, err := r.store.CompareAndSwapState(r.def.TenantId, r.def.JobId, &expected, StateExpired)
		if err != nil {
			r.stats.RecordException(err)
		} else if applied {
			r.setCachedState(StateExpired)
			r.logger.Info("job expired")
			r.publish()
		}
		return true
	}

	if state.IsTerminal() {
		return true
	}

	if !r.started.Load() {
		if state.IsRunnable() {
			r.startLoop()
		}
		return true
	}

	if r.terminated.Load() {
		if r.stopping.Load() {
			return true
		}
		// The loop died while the job is still runnable.
		return !state.IsRunnable()
	}

	if r.isStalled(state) {
		r.logger.Warn("job runner appears stalled")
		return false
	}

	r.tryComplete()
	return true
}

// isStalled reports whether the running loop has stopped advancing: either
// no iteration started within the threshold, or a batch started processing
// and never finished within it.
func (r *JobRunner) isStalled(state JobState) bool {
	if state != StateInProgress && state != StateDraining {
		return false
	}
	threshold := r.timings.StallThresholdFloor
	if configured := time.Duration(r.def.Configuration.MaxBlockedSecondsPerCycle) * time.Second; configured > threshold {
		threshold = configured
	}
	now := r.clock.Now()
	status := r.cachedStatus()

	lastIteration := laterOf(r.stats.LastIterationStartTime(), status.LastIterationStartTime)
	if lastIteration.IsZero() || now.Sub(lastIteration) > threshold {
		return true
	}

	lastStart := laterOf(r.stats.LastProcessStartTime(), status.LastProcessStartTime)
	lastFinish := laterOf(r.stats.LastProcessFinishTime(), status.LastProcessFinishTime)
	if lastStart.After(lastFinish) && now.Sub(lastStart) > threshold {
		return true
	}
	return false
}

func (r *JobRunner) publish() {
	if r.notifier == nil {
		return
	}
	if err := r.notifier.Publish(r.def.JobId); err != nil {
		r.logger.WithError(err).Debug("failed to publish job notification")
	}
}

func clampWait(wait, min, max time.Duration) time.Duration {
	if wait < min {
		return min
	}
	if wait > max {
		return max
	}
	return wait
}

func laterOf(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
