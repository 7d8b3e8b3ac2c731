package jobs

import (
	"sync"
	"time"
)

// In-memory store, queue and notifier used across the runner, manager and
// control-plane tests.

type memStore struct {
	mu      sync.Mutex
	defs    map[string]*JobDefinition
	status  map[string]*JobStatus
	tenants map[string]string
}

func newMemStore() *memStore {
	return &memStore{
		defs:    map[string]*JobDefinition{},
		status:  map[string]*JobStatus{},
		tenants: map[string]string{},
	}
}

func storeKey(tenantId, jobId string) string { return tenantId + ":" + jobId }

func (s *memStore) AddOrUpdateDefinition(def *JobDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *def
	s.defs[storeKey(def.TenantId, def.JobId)] = &copied
	s.tenants[def.JobId] = def.TenantId
	if _, ok := s.status[storeKey(def.TenantId, def.JobId)]; !ok {
		s.status[storeKey(def.TenantId, def.JobId)] = &JobStatus{
			State:     StateInitializing,
			StateTime: time.Now(),
		}
	}
	return nil
}

func (s *memStore) LoadDefinition(tenantId, jobId string) (*JobDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.defs[storeKey(tenantId, jobId)]
	if !ok {
		return nil, &ErrJobNotFound{TenantId: tenantId, JobId: jobId}
	}
	copied := *def
	return &copied, nil
}

func (s *memStore) LoadFromAnyTenant(jobId string) (*JobDefinition, error) {
	s.mu.Lock()
	tenantId, ok := s.tenants[jobId]
	s.mu.Unlock()
	if !ok {
		return nil, &ErrJobNotFound{TenantId: "*", JobId: jobId}
	}
	return s.LoadDefinition(tenantId, jobId)
}

func (s *memStore) LoadStatus(tenantId, jobId string) (*JobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status, ok := s.status[storeKey(tenantId, jobId)]
	if !ok {
		return nil, &ErrJobNotFound{TenantId: tenantId, JobId: jobId}
	}
	copied := *status
	return &copied, nil
}

func (s *memStore) setStatus(tenantId, jobId string, status *JobStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status[storeKey(tenantId, jobId)] = status
}

func (s *memStore) state(tenantId, jobId string) JobState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status[storeKey(tenantId, jobId)].State
}

func (s *memStore) LoadAllRunnableIds() ([]JobRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var refs []JobRef
	for jobId, tenantId := range s.tenants {
		if status, ok := s.status[storeKey(tenantId, jobId)]; ok && status.State.IsRunnable() {
			refs = append(refs, JobRef{TenantId: tenantId, JobId: jobId})
		}
	}
	return refs, nil
}

func (s *memStore) CompareAndSwapState(tenantId, jobId string, expected *JobState, newState JobState) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status, ok := s.status[storeKey(tenantId, jobId)]
	if !ok {
		return false, &ErrJobNotFound{TenantId: tenantId, JobId: jobId}
	}
	if expected != nil && status.State != *expected {
		return false, nil
	}
	status.State = newState
	status.StateTime = time.Now()
	return true, nil
}

func (s *memStore) ApplyStatusDelta(tenantId, jobId string, delta *StatusDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	status, ok := s.status[storeKey(tenantId, jobId)]
	if !ok {
		return &ErrJobNotFound{TenantId: tenantId, JobId: jobId}
	}
	status.ItemsProcessed += delta.ItemsProcessed
	status.ItemsFailed += delta.ItemsFailed
	status.ItemsRequeued += delta.ItemsRequeued
	status.ItemsGeneratedForTargetQueue += delta.ItemsGeneratedForTargetQueue
	status.ExceptionCount += delta.ExceptionCount
	maxMerge(&status.LastIterationStartTime, delta.LastIterationStartTime)
	maxMerge(&status.LastDequeueAttemptTime, delta.LastDequeueAttemptTime)
	maxMerge(&status.LastProcessStartTime, delta.LastProcessStartTime)
	maxMerge(&status.LastProcessFinishTime, delta.LastProcessFinishTime)
	maxMerge(&status.LastHealthCheckTime, delta.LastHealthCheckTime)
	maxMerge(&status.LastFailTime, delta.LastFailTime)
	maxMerge(&status.LastExceptionTime, delta.LastExceptionTime)
	for _, f := range delta.Failures {
		status.LastFailures = pushBounded(status.LastFailures, f)
	}
	for _, e := range delta.Exceptions {
		status.LastExceptions = pushBounded(status.LastExceptions, e)
	}
	return nil
}

func maxMerge(target *time.Time, value time.Time) {
	if value.After(*target) {
		*target = value
	}
}

func (s *memStore) AddException(tenantId, jobId string, record ErrorRecord) error {
	return s.ApplyStatusDelta(tenantId, jobId, &StatusDelta{
		ExceptionCount: 1,
		Exceptions:     []ErrorRecord{record},
	})
}

func (s *memStore) AddPredecessor(tenantId, jobId, predecessorId string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status, ok := s.status[storeKey(tenantId, jobId)]
	if !ok {
		return false, &ErrJobNotFound{TenantId: tenantId, JobId: jobId}
	}
	if status.State != StateInitializing {
		return false, nil
	}
	def := s.defs[storeKey(tenantId, jobId)]
	def.Configuration.PreprocessorJobIds = append(def.Configuration.PreprocessorJobIds, predecessorId)
	return true, nil
}

type memQueue struct {
	mu    sync.Mutex
	items map[string][]StepItem
}

func newMemQueue() *memQueue {
	return &memQueue{items: map[string][]StepItem{}}
}

func (q *memQueue) EnsureExists(jobId string) error { return nil }

func (q *memQueue) Enqueue(item StepItem, jobId string) error {
	return q.EnqueueBatch([]StepItem{item}, jobId)
}

func (q *memQueue) EnqueueBatch(items []StepItem, jobId string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items[jobId] = append(q.items[jobId], items...)
	return nil
}

func (q *memQueue) DequeueBatch(maxCount int, jobId string) ([]StepItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	pending := q.items[jobId]
	if len(pending) == 0 {
		return nil, nil
	}
	n := maxCount
	if n > len(pending) {
		n = len(pending)
	}
	batch := pending[:n]
	q.items[jobId] = pending[n:]
	return batch, nil
}

func (q *memQueue) GetQueueLength(jobId string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.items[jobId])), nil
}

func (q *memQueue) PurgeQueueContents(jobId string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items[jobId] = nil
	return nil
}

type memNotifier struct {
	mu        sync.Mutex
	published []string
	handlers  []func(string)
}

func newMemNotifier() *memNotifier {
	return &memNotifier{}
}

func (n *memNotifier) Publish(jobId string) error {
	n.mu.Lock()
	n.published = append(n.published, jobId)
	handlers := n.handlers
	n.mu.Unlock()
	for _, h := range handlers {
		h(jobId)
	}
	return nil
}

func (n *memNotifier) Subscribe(handler func(jobId string)) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers = append(n.handlers, handler)
	return nil
}

func (n *memNotifier) publishedIds() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string{}, n.published...)
}

// fastTimings keeps test loops quick.
func fastTimings() RunnerTimings {
	return RunnerTimings{
		MinIterationWait:    time.Millisecond,
		MaxIterationWait:    20 * time.Millisecond,
		PausePollInterval:   5 * time.Millisecond,
		SemaphoreTimeout:    100 * time.Millisecond,
		BackoffWait:         10 * time.Millisecond,
		NoWorkWait:          10 * time.Millisecond,
		StallThresholdFloor: 10 * time.Second,
	}
}
