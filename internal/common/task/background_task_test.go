package task

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskRunsImmediatelyAndPeriodically(t *testing.T) {
	manager := NewBackgroundTaskManager("test_periodic_")
	var runs atomic.Int32
	manager.Register(func() { runs.Add(1) }, 10*time.Millisecond, "tick")

	require.Eventually(t, func() bool {
		return runs.Load() >= 3
	}, 5*time.Second, 5*time.Millisecond)

	timedOut := manager.StopAll(time.Second)
	assert.False(t, timedOut)

	// No further runs after stop.
	stopped := runs.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, stopped, runs.Load())
}

func TestStopAllWaitsForInFlightRun(t *testing.T) {
	manager := NewBackgroundTaskManager("test_inflight_")
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	var finished atomic.Bool
	manager.Register(func() {
		started <- struct{}{}
		<-release
		finished.Store(true)
	}, time.Hour, "blocked")

	<-started
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(release)
	}()
	timedOut := manager.StopAll(5 * time.Second)
	assert.False(t, timedOut)
	assert.True(t, finished.Load())
}
