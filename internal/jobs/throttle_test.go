package jobs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tagforge/tagforge/internal/common/util"
)

func TestThrottle_RejectsNonPositiveRate(t *testing.T) {
	_, err := NewThrottleCalculator(0, 10, nil)
	assert.Error(t, err)

	_, err = NewThrottleCalculator(-5, 10, nil)
	assert.Error(t, err)
}

func TestThrottle_CoercesBurstSizeToAtLeastOne(t *testing.T) {
	clock := util.NewTestClock(time.Now())
	throttle, err := NewThrottleCalculator(10, 0, clock)
	require.NoError(t, err)
	throttle.Start()

	available, err := throttle.AvailableItems()
	require.NoError(t, err)
	assert.Equal(t, int64(1), available)
}

func TestThrottle_FailsBeforeStart(t *testing.T) {
	throttle, err := NewThrottleCalculator(10, 5, nil)
	require.NoError(t, err)

	_, err = throttle.AvailableItems()
	assert.ErrorIs(t, err, ErrThrottleNotStarted)

	err = throttle.DecreaseQuota(1)
	assert.ErrorIs(t, err, ErrThrottleNotStarted)

	_, err = throttle.WaitTimeForNext()
	assert.ErrorIs(t, err, ErrThrottleNotStarted)
}

func TestThrottle_AccruesWholeTokensCappedAtBurst(t *testing.T) {
	clock := util.NewTestClock(time.Now())
	throttle, err := NewThrottleCalculator(10, 5, clock) // one token per 100ms
	require.NoError(t, err)
	throttle.Start()

	require.NoError(t, throttle.DecreaseQuota(5))
	available, err := throttle.AvailableItems()
	require.NoError(t, err)
	assert.Equal(t, int64(0), available)

	// After n whole ticks the quota is min(burst, 0 + n).
	clock.Advance(300 * time.Millisecond)
	available, err = throttle.AvailableItems()
	require.NoError(t, err)
	assert.Equal(t, int64(3), available)

	// Accrual caps at the burst size no matter how long we wait.
	clock.Advance(time.Hour)
	available, err = throttle.AvailableItems()
	require.NoError(t, err)
	assert.Equal(t, int64(5), available)
}

func TestThrottle_FractionalProgressIsNotLost(t *testing.T) {
	clock := util.NewTestClock(time.Now())
	throttle, err := NewThrottleCalculator(10, 5, clock)
	require.NoError(t, err)
	throttle.Start()
	require.NoError(t, throttle.DecreaseQuota(5))

	// Two half-ticks accumulate into one whole token.
	clock.Advance(50 * time.Millisecond)
	available, err := throttle.AvailableItems()
	require.NoError(t, err)
	assert.Equal(t, int64(0), available)

	clock.Advance(50 * time.Millisecond)
	available, err = throttle.AvailableItems()
	require.NoError(t, err)
	assert.Equal(t, int64(1), available)
}

func TestThrottle_QuotaGoesNegativeAndRecovers(t *testing.T) {
	clock := util.NewTestClock(time.Now())
	throttle, err := NewThrottleCalculator(10, 3, clock)
	require.NoError(t, err)
	throttle.Start()

	// A batch larger than the remaining quota drives it negative; it must
	// not be clamped to zero.
	require.NoError(t, throttle.DecreaseQuota(8))
	available, err := throttle.AvailableItems()
	require.NoError(t, err)
	assert.Equal(t, int64(-5), available)

	clock.Advance(400 * time.Millisecond)
	available, err = throttle.AvailableItems()
	require.NoError(t, err)
	assert.Equal(t, int64(-1), available)

	clock.Advance(200 * time.Millisecond)
	available, err = throttle.AvailableItems()
	require.NoError(t, err)
	assert.Equal(t, int64(1), available)
}

func TestThrottle_RejectsNegativeAdjustments(t *testing.T) {
	clock := util.NewTestClock(time.Now())
	throttle, err := NewThrottleCalculator(10, 3, clock)
	require.NoError(t, err)
	throttle.Start()

	assert.Error(t, throttle.DecreaseQuota(-1))
	assert.Error(t, throttle.IncreaseQuota(-1))
}

func TestThrottle_IncreaseReclampsToBurst(t *testing.T) {
	clock := util.NewTestClock(time.Now())
	throttle, err := NewThrottleCalculator(10, 3, clock)
	require.NoError(t, err)
	throttle.Start()

	require.NoError(t, throttle.IncreaseQuota(100))
	available, err := throttle.AvailableItems()
	require.NoError(t, err)
	assert.Equal(t, int64(3), available)
}

func TestThrottle_WaitTimeForNext(t *testing.T) {
	clock := util.NewTestClock(time.Now())
	throttle, err := NewThrottleCalculator(10, 3, clock)
	require.NoError(t, err)
	throttle.Start()

	// Positive quota needs no wait.
	wait, err := throttle.WaitTimeForNext()
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), wait)

	require.NoError(t, throttle.DecreaseQuota(3))
	clock.Advance(40 * time.Millisecond)
	wait, err = throttle.WaitTimeForNext()
	require.NoError(t, err)
	assert.Equal(t, 60*time.Millisecond, wait)
}

func TestThrottle_UpdateRateKeepsQuota(t *testing.T) {
	clock := util.NewTestClock(time.Now())
	throttle, err := NewThrottleCalculator(10, 10, clock)
	require.NoError(t, err)
	throttle.Start()
	require.NoError(t, throttle.DecreaseQuota(8))

	require.NoError(t, throttle.UpdateRate(1)) // one token per second now
	available, err := throttle.AvailableItems()
	require.NoError(t, err)
	assert.Equal(t, int64(2), available)

	clock.Advance(time.Second)
	available, err = throttle.AvailableItems()
	require.NoError(t, err)
	assert.Equal(t, int64(3), available)
}
