package jobs

import (
	"time"

	"github.com/pkg/errors"

	"github.com/tagforge/tagforge/internal/common/util"
)

// ErrThrottleNotStarted is returned when an accrual method is called before
// Start has anchored the clock.
var ErrThrottleNotStarted = errors.New("throttle calculator used before Start")

// ThrottleCalculator is a token-bucket rate limiter. Tokens accrue lazily as
// whole items based on elapsed time, capped at maxBurstSize. The quota may go
// negative when a batch larger than the remaining quota is consumed; it then
// recovers over time. Never silently clamps a negative quota to zero.
//
// Single-threaded by contract: callers must serialize access. The JobRunner
// only touches it from its own sequential loop.
type ThrottleCalculator struct {
	clock         util.Clock
	ratePerSecond float64
	maxBurstSize  int64
	tickPerItem   time.Duration
	quota         int64
	lastAccrual   time.Time
	started       bool
}

func NewThrottleCalculator(ratePerSecond float64, maxBurstSize int64, clock util.Clock) (*ThrottleCalculator, error) {
	if ratePerSecond <= 0 {
		return nil, errors.Errorf("throttle rate must be positive, got %v", ratePerSecond)
	}
	if maxBurstSize < 1 {
		maxBurstSize = 1
	}
	if clock == nil {
		clock = &util.DefaultClock{}
	}
	return &ThrottleCalculator{
		clock:         clock,
		ratePerSecond: ratePerSecond,
		maxBurstSize:  maxBurstSize,
		tickPerItem:   time.Duration(float64(time.Second) / ratePerSecond),
	}, nil
}

// Start anchors the clock with a full burst quota.
func (t *ThrottleCalculator) Start() {
	t.lastAccrual = t.clock.Now()
	t.quota = t.maxBurstSize
	t.started = true
}

// AvailableItems accrues any whole tokens earned since the last accrual and
// returns the current quota. The internal clock pointer advances only by the
// consumed whole-token intervals, so fractional progress is never lost.
func (t *ThrottleCalculator) AvailableItems() (int64, error) {
	if !t.started {
		return 0, errors.WithStack(ErrThrottleNotStarted)
	}
	t.accrue()
	return t.quota, nil
}

func (t *ThrottleCalculator) accrue() {
	elapsed := t.clock.Now().Sub(t.lastAccrual)
	if elapsed < t.tickPerItem {
		return
	}
	wholeTokens := int64(elapsed / t.tickPerItem)
	t.quota += wholeTokens
	if t.quota > t.maxBurstSize {
		t.quota = t.maxBurstSize
	}
	t.lastAccrual = t.lastAccrual.Add(time.Duration(wholeTokens) * t.tickPerItem)
}

func (t *ThrottleCalculator) DecreaseQuota(n int64) error {
	return t.adjustQuota(-n, n)
}

func (t *ThrottleCalculator) IncreaseQuota(n int64) error {
	return t.adjustQuota(n, n)
}

func (t *ThrottleCalculator) adjustQuota(delta, n int64) error {
	if !t.started {
		return errors.WithStack(ErrThrottleNotStarted)
	}
	if n < 0 {
		return errors.Errorf("quota adjustment must be non-negative, got %d", n)
	}
	t.quota += delta
	if t.quota > t.maxBurstSize {
		t.quota = t.maxBurstSize
	}
	return nil
}

// WaitTimeForNext returns zero if quota is currently positive, otherwise the
// exact time until the next whole token accrues.
func (t *ThrottleCalculator) WaitTimeForNext() (time.Duration, error) {
	if !t.started {
		return 0, errors.WithStack(ErrThrottleNotStarted)
	}
	t.accrue()
	if t.quota > 0 {
		return 0, nil
	}
	wait := t.lastAccrual.Add(t.tickPerItem).Sub(t.clock.Now())
	if wait < 0 {
		wait = 0
	}
	return wait, nil
}

// UpdateRate re-anchors the clock and changes the rate without losing the
// currently accrued quota.
func (t *ThrottleCalculator) UpdateRate(ratePerSecond float64) error {
	if !t.started {
		return errors.WithStack(ErrThrottleNotStarted)
	}
	if ratePerSecond <= 0 {
		return errors.Errorf("throttle rate must be positive, got %v", ratePerSecond)
	}
	t.accrue()
	t.ratePerSecond = ratePerSecond
	t.tickPerItem = time.Duration(float64(time.Second) / ratePerSecond)
	t.lastAccrual = t.clock.Now()
	return nil
}
