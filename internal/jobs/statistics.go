package jobs

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/tagforge/tagforge/internal/common/util"
)

// maxRecentErrors bounds the recent failure/exception history kept both in
// memory and in the persisted ring buffers.
const maxRecentErrors = 10

// JobStatisticsCalculator accumulates per-runner counters in memory and
// periodically flushes deltas to the job store. Counter updates are atomic so
// concurrent batch completions never lose increments; timestamps and recent
// errors are guarded by a mutex.
type JobStatisticsCalculator struct {
	store    JobStore
	tenantId string
	jobId    string
	clock    util.Clock

	itemsProcessed               atomic.Int64
	itemsFailed                  atomic.Int64
	itemsRequeued                atomic.Int64
	itemsGeneratedForTargetQueue atomic.Int64
	exceptionCount               atomic.Int64

	mu                     sync.Mutex
	lastIterationStartTime time.Time
	lastDequeueAttemptTime time.Time
	lastProcessStartTime   time.Time
	lastProcessFinishTime  time.Time
	lastHealthCheckTime    time.Time
	lastFailTime           time.Time
	lastExceptionTime      time.Time
	failures               []ErrorRecord
	exceptions             []ErrorRecord

	// High-water marks of timestamps already flushed, so a flush only sends
	// what advanced since the previous one.
	flushedIterationStart time.Time
	flushedDequeueAttempt time.Time
	flushedProcessStart   time.Time
	flushedProcessFinish  time.Time
	flushedHealthCheck    time.Time
	flushedFail           time.Time
	flushedException      time.Time
}

func NewJobStatisticsCalculator(store JobStore, tenantId, jobId string, clock util.Clock) *JobStatisticsCalculator {
	if clock == nil {
		clock = &util.DefaultClock{}
	}
	return &JobStatisticsCalculator{
		store:    store,
		tenantId: tenantId,
		jobId:    jobId,
		clock:    clock,
	}
}

func (s *JobStatisticsCalculator) RecordIterationStart() {
	s.mu.Lock()
	s.lastIterationStartTime = s.clock.Now()
	s.mu.Unlock()
}

func (s *JobStatisticsCalculator) RecordDequeueAttempt() {
	s.mu.Lock()
	s.lastDequeueAttemptTime = s.clock.Now()
	s.mu.Unlock()
}

func (s *JobStatisticsCalculator) RecordProcessStart() {
	s.mu.Lock()
	s.lastProcessStartTime = s.clock.Now()
	s.mu.Unlock()
}

func (s *JobStatisticsCalculator) RecordHealthCheck() {
	s.mu.Lock()
	s.lastHealthCheckTime = s.clock.Now()
	s.mu.Unlock()
}

// RecordProcessFinish reports the outcome of one processed batch.
func (s *JobStatisticsCalculator) RecordProcessFinish(batchSize int, result *ProcessResult) {
	now := s.clock.Now()
	s.itemsProcessed.Add(int64(batchSize))

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastProcessFinishTime = now

	if result == nil {
		return
	}
	s.itemsFailed.Add(result.ItemsFailed)
	s.itemsRequeued.Add(result.ItemsRequeued)
	s.itemsGeneratedForTargetQueue.Add(result.ItemsGeneratedForTargetQueue)
	if result.ItemsFailed > 0 || len(result.FailureMessages) > 0 {
		s.lastFailTime = now
		for _, msg := range result.FailureMessages {
			s.failures = pushBounded(s.failures, ErrorRecord{Time: now, Message: msg})
		}
	}
}

// RecordException records an exception thrown either by a single loop
// iteration or by a dispatched batch task.
func (s *JobStatisticsCalculator) RecordException(err error) {
	if err == nil {
		return
	}
	now := s.clock.Now()
	s.exceptionCount.Add(1)

	s.mu.Lock()
	s.lastExceptionTime = now
	s.exceptions = pushBounded(s.exceptions, ErrorRecord{Time: now, Message: err.Error()})
	s.mu.Unlock()
}

// LastIterationStartTime returns the in-memory timestamp, which is fresher
// than the persisted one between flushes. Used by local stall detection.
func (s *JobStatisticsCalculator) LastIterationStartTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastIterationStartTime
}

func (s *JobStatisticsCalculator) LastProcessStartTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastProcessStartTime
}

func (s *JobStatisticsCalculator) LastProcessFinishTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastProcessFinishTime
}

// Flush sends all accumulated deltas to the store and resets them. Counters
// are drained atomically; a concurrent increment either makes this flush or
// the next one.
func (s *JobStatisticsCalculator) Flush() error {
	delta := &StatusDelta{
		ItemsProcessed:               s.itemsProcessed.Swap(0),
		ItemsFailed:                  s.itemsFailed.Swap(0),
		ItemsRequeued:                s.itemsRequeued.Swap(0),
		ItemsGeneratedForTargetQueue: s.itemsGeneratedForTargetQueue.Swap(0),
		ExceptionCount:               s.exceptionCount.Swap(0),
	}

	s.mu.Lock()
	delta.LastIterationStartTime = advancedSince(s.lastIterationStartTime, &s.flushedIterationStart)
	delta.LastDequeueAttemptTime = advancedSince(s.lastDequeueAttemptTime, &s.flushedDequeueAttempt)
	delta.LastProcessStartTime = advancedSince(s.lastProcessStartTime, &s.flushedProcessStart)
	delta.LastProcessFinishTime = advancedSince(s.lastProcessFinishTime, &s.flushedProcessFinish)
	delta.LastHealthCheckTime = advancedSince(s.lastHealthCheckTime, &s.flushedHealthCheck)
	delta.LastFailTime = advancedSince(s.lastFailTime, &s.flushedFail)
	delta.LastExceptionTime = advancedSince(s.lastExceptionTime, &s.flushedException)
	delta.Failures = s.failures
	delta.Exceptions = s.exceptions
	s.failures = nil
	s.exceptions = nil
	s.mu.Unlock()

	if delta.IsEmpty() {
		return nil
	}
	err := s.store.ApplyStatusDelta(s.tenantId, s.jobId, delta)
	if err != nil {
		// Re-add the drained counters so they are retried on the next flush.
		// Timestamp high-water marks are rolled back via the advancedSince
		// contract only for counters that matter monotonically; re-sending a
		// timestamp is harmless because the store max-merges.
		s.itemsProcessed.Add(delta.ItemsProcessed)
		s.itemsFailed.Add(delta.ItemsFailed)
		s.itemsRequeued.Add(delta.ItemsRequeued)
		s.itemsGeneratedForTargetQueue.Add(delta.ItemsGeneratedForTargetQueue)
		s.exceptionCount.Add(delta.ExceptionCount)
		s.mu.Lock()
		s.failures = requeueBounded(delta.Failures, s.failures)
		s.exceptions = requeueBounded(delta.Exceptions, s.exceptions)
		s.mu.Unlock()
		return err
	}
	return nil
}

// advancedSince returns current if it moved past the flushed high-water mark
// (updating the mark), or the zero time when there is nothing new to send.
func advancedSince(current time.Time, flushed *time.Time) time.Time {
	if current.After(*flushed) {
		*flushed = current
		return current
	}
	return time.Time{}
}

// requeueBounded puts drained records back in front of anything recorded
// since the failed flush, keeping only the newest entries.
func requeueBounded(drained, newer []ErrorRecord) []ErrorRecord {
	merged := append(append([]ErrorRecord{}, drained...), newer...)
	if len(merged) > maxRecentErrors {
		merged = merged[len(merged)-maxRecentErrors:]
	}
	return merged
}

func pushBounded(records []ErrorRecord, r ErrorRecord) []ErrorRecord {
	records = append(records, r)
	if len(records) > maxRecentErrors {
		records = records[len(records)-maxRecentErrors:]
	}
	return records
}
