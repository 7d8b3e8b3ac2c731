package jobs

import (
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/tagforge/tagforge/internal/common/util"
)

// runnerHandle is what the manager holds per live job: either a real
// JobRunner or the faulty variant for unresolvable step types.
type runnerHandle interface {
	JobId() string
	TenantId() string
	HealthCheck() bool
	Stop()
	IsActive() bool
	Terminated() bool
	FlushStatistics() error
}

// JobRunnerManager is the process-wide registry of live runners. One
// instance per process, constructed at startup and injected where needed;
// never a global. Runners are created lazily the first time a job needs
// attention, health-checked periodically and restarted or evicted when
// unhealthy.
//
// Two processes may transiently both hold a runner for the same job; that
// only duplicates runner instances, not queue items, and downstream
// processing tolerates at-least-once delivery.
type JobRunnerManager struct {
	mu      sync.Mutex
	runners map[string]runnerHandle

	store    JobStore
	registry *StepTypeRegistry
	notifier Notifier
	clock    util.Clock
	timings  RunnerTimings
}

func NewJobRunnerManager(store JobStore, registry *StepTypeRegistry, notifier Notifier, clock util.Clock, timings RunnerTimings) *JobRunnerManager {
	if clock == nil {
		clock = &util.DefaultClock{}
	}
	return &JobRunnerManager{
		runners:  map[string]runnerHandle{},
		store:    store,
		registry: registry,
		notifier: notifier,
		clock:    clock,
		timings:  timings,
	}
}

// CheckHealthOrCreateRunner gets or lazily creates the runner for jobId and
// health-checks it, restarting on an unhealthy result. Preprocessor chains
// are resolved recursively first so dependency jobs are always instantiated
// before their dependents.
func (m *JobRunnerManager) CheckHealthOrCreateRunner(jobId string) {
	m.checkHealthOrCreate(jobId, map[string]bool{})
}

func (m *JobRunnerManager) checkHealthOrCreate(jobId string, visited map[string]bool) {
	if visited[jobId] {
		return
	}
	visited[jobId] = true

	handle, err := m.getOrCreate(jobId, visited)
	if err != nil {
		log.WithError(err).WithField("jobId", jobId).Warn("could not create job runner")
		return
	}
	if !m.safeHealthCheck(handle) {
		m.restart(handle)
	}
}

func (m *JobRunnerManager) getOrCreate(jobId string, visited map[string]bool) (runnerHandle, error) {
	m.mu.Lock()
	if handle, ok := m.runners[jobId]; ok {
		m.mu.Unlock()
		return handle, nil
	}
	m.mu.Unlock()

	def, err := m.store.LoadFromAnyTenant(jobId)
	if err != nil {
		return nil, err
	}

	for _, pre := range def.Configuration.PreprocessorJobIds {
		m.checkHealthOrCreate(pre, visited)
	}

	handle := m.newRunner(def)

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.runners[jobId]; ok {
		// Another goroutine won the race; discard ours before it starts.
		handle.Stop()
		return existing, nil
	}
	m.runners[jobId] = handle
	return handle, nil
}

// newRunner builds a runner for the definition, degrading to the faulty
// variant when the step type cannot be resolved or the processor fails to
// initialize.
func (m *JobRunnerManager) newRunner(def *JobDefinition) runnerHandle {
	binding, err := m.registry.Resolve(def.StepType)
	if err != nil {
		return NewFaultyJobRunner(def, m.store, m.notifier, m.clock, err)
	}
	processor, err := binding.NewProcessor(def)
	if err != nil {
		return NewFaultyJobRunner(def, m.store, m.notifier, m.clock,
			errors.WithMessagef(err, "creating processor for step type %q", def.StepType))
	}
	runner, err := NewJobRunner(def, m.store, binding.Queue, processor, m.notifier, m, m.clock, m.timings)
	if err != nil {
		return NewFaultyJobRunner(def, m.store, m.notifier, m.clock, err)
	}
	return runner
}

func (m *JobRunnerManager) restart(old runnerHandle) {
	log.WithField("jobId", old.JobId()).Warn("restarting unhealthy job runner")
	old.Stop()
	if err := old.FlushStatistics(); err != nil {
		log.WithError(err).WithField("jobId", old.JobId()).Warn("failed to flush statistics of replaced runner")
	}

	def, err := m.store.LoadDefinition(old.TenantId(), old.JobId())
	if err != nil {
		log.WithError(err).WithField("jobId", old.JobId()).Warn("could not reload definition for restart")
		return
	}
	fresh := m.newRunner(def)

	m.mu.Lock()
	m.runners[old.JobId()] = fresh
	m.mu.Unlock()

	m.safeHealthCheck(fresh)
}

// CheckHealthOfAllRunners sweeps every runner this process owns: terminated
// and healthy runners are evicted, unhealthy ones restarted. Per-runner
// failures never abort the sweep.
func (m *JobRunnerManager) CheckHealthOfAllRunners() {
	for _, handle := range m.snapshot() {
		healthy := m.safeHealthCheck(handle)
		if handle.Terminated() && healthy {
			m.mu.Lock()
			if m.runners[handle.JobId()] == handle {
				delete(m.runners, handle.JobId())
			}
			m.mu.Unlock()
			continue
		}
		if !healthy {
			m.restart(handle)
		}
	}
}

// CheckStoreJobs reconciles against the store: every runnable job across all
// tenants that has no in-memory runner gets a creation/health-check pass.
// This is how a freshly started process picks up jobs left behind by a
// previous one, and the correctness backstop for lost notifications.
func (m *JobRunnerManager) CheckStoreJobs() {
	refs, err := m.store.LoadAllRunnableIds()
	if err != nil {
		log.WithError(err).Warn("could not list runnable jobs for reconciliation")
		return
	}
	for _, ref := range refs {
		m.mu.Lock()
		_, known := m.runners[ref.JobId]
		m.mu.Unlock()
		if !known {
			m.CheckHealthOrCreateRunner(ref.JobId)
		}
	}
}

// StopAllRunners signals every runner to stop. It does not wait for in-flight
// batches; callers allow a grace period before process exit.
func (m *JobRunnerManager) StopAllRunners() {
	for _, handle := range m.snapshot() {
		handle.Stop()
	}
}

// FlushAllStatistics flushes the accumulated counters of every live runner.
func (m *JobRunnerManager) FlushAllStatistics() {
	for _, handle := range m.snapshot() {
		if err := handle.FlushStatistics(); err != nil {
			log.WithError(err).WithField("jobId", handle.JobId()).Warn("failed to flush job statistics")
		}
	}
}

// IsJobRunnerActive reports whether a handle exists for jobId and has not
// terminated. Dependent jobs consult this before completing.
func (m *JobRunnerManager) IsJobRunnerActive(jobId string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	handle, ok := m.runners[jobId]
	return ok && handle.IsActive()
}

func (m *JobRunnerManager) snapshot() []runnerHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	handles := make([]runnerHandle, 0, len(m.runners))
	for _, h := range m.runners {
		handles = append(handles, h)
	}
	return handles
}

func (m *JobRunnerManager) safeHealthCheck(handle runnerHandle) (healthy bool) {
	defer func() {
		if p := recover(); p != nil {
			log.WithField("jobId", handle.JobId()).Errorf("health check panicked: %v", p)
			healthy = true
		}
	}()
	return handle.HealthCheck()
}
