package jobs

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type managerFixture struct {
	manager  *JobRunnerManager
	store    *memStore
	queue    *memQueue
	notifier *memNotifier
	registry *StepTypeRegistry

	processorsCreated atomic.Int32
	processed         atomic.Int64
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()
	f := &managerFixture{
		store:    newMemStore(),
		queue:    newMemQueue(),
		notifier: newMemNotifier(),
		registry: NewStepTypeRegistry(),
	}
	require.NoError(t, f.registry.Register("counting", StepTypeBinding{
		NewProcessor: func(def *JobDefinition) (JobProcessor, error) {
			f.processorsCreated.Add(1)
			return &fixtureProcessor{processed: &f.processed}, nil
		},
		Queue: f.queue,
	}))
	require.NoError(t, f.registry.Register("broken", StepTypeBinding{
		NewProcessor: func(def *JobDefinition) (JobProcessor, error) {
			return nil, fmt.Errorf("no credentials configured for tenant %s", def.TenantId)
		},
		Queue: f.queue,
	}))
	f.manager = NewJobRunnerManager(f.store, f.registry, f.notifier, nil, fastTimings())
	t.Cleanup(f.manager.StopAllRunners)
	return f
}

func (f *managerFixture) addJob(t *testing.T, jobId, stepType string, state JobState, mutate func(*JobDefinition)) *JobDefinition {
	t.Helper()
	def := &JobDefinition{
		JobId:    jobId,
		TenantId: "acme",
		StepType: stepType,
		Configuration: JobConfiguration{
			MaxBatchSize:                  1,
			MaxConcurrentBatchesPerWorker: 2,
			IdleSecondsToCompletion:       30,
		},
	}
	if mutate != nil {
		mutate(def)
	}
	require.NoError(t, f.store.AddOrUpdateDefinition(def))
	if state != StateInitializing {
		applied, err := f.store.CompareAndSwapState(def.TenantId, def.JobId, nil, state)
		require.NoError(t, err)
		require.True(t, applied)
	}
	return def
}

type fixtureProcessor struct {
	processed *atomic.Int64
}

func (p *fixtureProcessor) Initialize(def *JobDefinition) error { return nil }

func (p *fixtureProcessor) Process(items []StepItem) (*ProcessResult, error) {
	p.processed.Add(int64(len(items)))
	return &ProcessResult{}, nil
}

func (p *fixtureProcessor) GetTargetQueueLength() (int64, error) { return 0, nil }

func TestManager_LazilyCreatesRunnerThatProcessesWork(t *testing.T) {
	f := newManagerFixture(t)
	f.addJob(t, "job-1", "counting", StateInProgress, nil)
	require.NoError(t, f.queue.EnqueueBatch([]StepItem{[]byte("a"), []byte("b"), []byte("c")}, "job-1"))

	assert.False(t, f.manager.IsJobRunnerActive("job-1"))
	f.manager.CheckHealthOrCreateRunner("job-1")
	assert.True(t, f.manager.IsJobRunnerActive("job-1"))

	require.Eventually(t, func() bool {
		return f.processed.Load() == 3
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), f.processorsCreated.Load())
}

func TestManager_CreateIsIdempotent(t *testing.T) {
	f := newManagerFixture(t)
	f.addJob(t, "job-1", "counting", StateInProgress, nil)

	f.manager.CheckHealthOrCreateRunner("job-1")
	f.manager.CheckHealthOrCreateRunner("job-1")
	f.manager.CheckHealthOrCreateRunner("job-1")

	assert.Equal(t, int32(1), f.processorsCreated.Load())
}

func TestManager_InstantiatesPreprocessorsFirst(t *testing.T) {
	f := newManagerFixture(t)
	f.addJob(t, "pre-1", "counting", StateInProgress, nil)
	f.addJob(t, "job-1", "counting", StateInProgress, func(def *JobDefinition) {
		def.Configuration.PreprocessorJobIds = []string{"pre-1"}
	})

	f.manager.CheckHealthOrCreateRunner("job-1")

	assert.True(t, f.manager.IsJobRunnerActive("pre-1"))
	assert.True(t, f.manager.IsJobRunnerActive("job-1"))
}

func TestManager_PreprocessorCycleTerminates(t *testing.T) {
	f := newManagerFixture(t)
	f.addJob(t, "a", "counting", StateInProgress, func(def *JobDefinition) {
		def.Configuration.PreprocessorJobIds = []string{"b"}
	})
	f.addJob(t, "b", "counting", StateInProgress, func(def *JobDefinition) {
		def.Configuration.PreprocessorJobIds = []string{"a"}
	})

	done := make(chan struct{})
	go func() {
		f.manager.CheckHealthOrCreateRunner("a")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("cyclic preprocessor chain did not terminate")
	}
	assert.True(t, f.manager.IsJobRunnerActive("a"))
	assert.True(t, f.manager.IsJobRunnerActive("b"))
}

func TestManager_MissingDefinitionIsNotFatal(t *testing.T) {
	f := newManagerFixture(t)
	f.manager.CheckHealthOrCreateRunner("no-such-job")
	assert.False(t, f.manager.IsJobRunnerActive("no-such-job"))
}

func TestManager_EvictsTerminatedHealthyRunners(t *testing.T) {
	f := newManagerFixture(t)
	def := f.addJob(t, "job-1", "counting", StateInProgress, nil)

	f.manager.CheckHealthOrCreateRunner("job-1")
	require.True(t, f.manager.IsJobRunnerActive("job-1"))

	applied, err := f.store.CompareAndSwapState(def.TenantId, def.JobId, nil, StateStopped)
	require.NoError(t, err)
	require.True(t, applied)

	// The first sweep refreshes the snapshot so the loop exits; a later
	// sweep finds the runner terminated and healthy and evicts it.
	require.Eventually(t, func() bool {
		f.manager.CheckHealthOfAllRunners()
		return !f.manager.IsJobRunnerActive("job-1")
	}, 5*time.Second, 10*time.Millisecond)
}

func TestManager_RestartsRunnerWhoseLoopDied(t *testing.T) {
	f := newManagerFixture(t)
	def := f.addJob(t, "job-1", "counting", StateInProgress, nil)

	f.manager.CheckHealthOrCreateRunner("job-1")

	// Force the loop to exit, then make the job runnable again before a
	// sweep can evict the runner. The next health check sees a dead loop
	// on a runnable job and must replace the runner.
	applied, err := f.store.CompareAndSwapState(def.TenantId, def.JobId, nil, StateStopped)
	require.NoError(t, err)
	require.True(t, applied)
	f.manager.CheckHealthOrCreateRunner("job-1")

	require.Eventually(t, func() bool {
		handle := f.manager.snapshot()[0]
		return handle.Terminated()
	}, 5*time.Second, 5*time.Millisecond)

	applied, err = f.store.CompareAndSwapState(def.TenantId, def.JobId, nil, StateInProgress)
	require.NoError(t, err)
	require.True(t, applied)

	require.NoError(t, f.queue.Enqueue([]byte("x"), "job-1"))
	f.manager.CheckHealthOrCreateRunner("job-1")

	require.Eventually(t, func() bool {
		return f.processed.Load() == 1
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), f.processorsCreated.Load())
}

func TestManager_ReconciliationPicksUpStoreJobs(t *testing.T) {
	f := newManagerFixture(t)
	f.addJob(t, "job-1", "counting", StateInProgress, nil)
	f.addJob(t, "job-2", "counting", StatePaused, nil)
	f.addJob(t, "job-3", "counting", StateInitializing, nil)

	f.manager.CheckStoreJobs()

	assert.True(t, f.manager.IsJobRunnerActive("job-1"))
	assert.True(t, f.manager.IsJobRunnerActive("job-2"))
	assert.False(t, f.manager.IsJobRunnerActive("job-3"))
}

func TestManager_UnknownStepTypeFailsJob(t *testing.T) {
	f := newManagerFixture(t)
	def := f.addJob(t, "job-1", "no-such-type", StateInProgress, nil)

	f.manager.CheckHealthOrCreateRunner("job-1")

	assert.Equal(t, StateFailed, f.store.state(def.TenantId, def.JobId))
	status, err := f.store.LoadStatus(def.TenantId, def.JobId)
	require.NoError(t, err)
	require.NotEmpty(t, status.LastExceptions)
	assert.Contains(t, status.LastExceptions[len(status.LastExceptions)-1].Message, "no-such-type")
	assert.Contains(t, f.notifier.publishedIds(), "job-1")
	assert.False(t, f.manager.IsJobRunnerActive("job-1"))
}

func TestManager_ProcessorFactoryErrorFailsJob(t *testing.T) {
	f := newManagerFixture(t)
	def := f.addJob(t, "job-1", "broken", StateInProgress, nil)

	f.manager.CheckHealthOrCreateRunner("job-1")

	assert.Equal(t, StateFailed, f.store.state(def.TenantId, def.JobId))
	status, err := f.store.LoadStatus(def.TenantId, def.JobId)
	require.NoError(t, err)
	require.NotEmpty(t, status.LastExceptions)
	assert.Contains(t, status.LastExceptions[0].Message, "no credentials configured")
}

func TestManager_FaultyRunnerIsEvictedNotRestarted(t *testing.T) {
	f := newManagerFixture(t)
	f.addJob(t, "job-1", "no-such-type", StateInProgress, nil)

	f.manager.CheckHealthOrCreateRunner("job-1")
	f.manager.CheckHealthOfAllRunners()

	assert.Empty(t, f.manager.snapshot())
	// Re-creation degrades again but the job is already terminal, so the
	// state does not change twice.
	f.manager.CheckHealthOrCreateRunner("job-1")
	status, err := f.store.LoadStatus("acme", "job-1")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, status.State)
	assert.Equal(t, int64(1), status.ExceptionCount)
}

func TestManager_StopAllRunners(t *testing.T) {
	f := newManagerFixture(t)
	f.addJob(t, "job-1", "counting", StateInProgress, nil)
	f.addJob(t, "job-2", "counting", StateInProgress, nil)

	f.manager.CheckHealthOrCreateRunner("job-1")
	f.manager.CheckHealthOrCreateRunner("job-2")

	f.manager.StopAllRunners()
	require.Eventually(t, func() bool {
		return !f.manager.IsJobRunnerActive("job-1") && !f.manager.IsJobRunnerActive("job-2")
	}, 5*time.Second, 5*time.Millisecond)
}

func TestManager_FlushAllStatistics(t *testing.T) {
	f := newManagerFixture(t)
	def := f.addJob(t, "job-1", "counting", StateInProgress, nil)
	require.NoError(t, f.queue.EnqueueBatch([]StepItem{[]byte("a"), []byte("b")}, "job-1"))

	f.manager.CheckHealthOrCreateRunner("job-1")
	require.Eventually(t, func() bool {
		return f.processed.Load() == 2
	}, 5*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		f.manager.FlushAllStatistics()
		status, err := f.store.LoadStatus(def.TenantId, def.JobId)
		return err == nil && status.ItemsProcessed == 2
	}, 5*time.Second, 10*time.Millisecond)
}
