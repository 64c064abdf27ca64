package ratelimit_test

import (
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torii-labs/torii/internal/intel"
	"github.com/torii-labs/torii/internal/ratelimit"
)

type fakeClock struct {
	now time.Time
}

func (clock *fakeClock) Now() time.Time {
	return clock.now
}

func (clock *fakeClock) Advance(duration time.Duration) {
	clock.now = clock.now.Add(duration)
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, time.May, 10, 12, 0, 0, 0, time.UTC)}
}

func TestLimiterWindow(t *testing.T) {
	testCases := []struct {
		name                     string
		elapsed                  time.Duration
		expectedAllowed          bool
		expectedRemainingMinutes int
	}{
		{name: "immediately after", elapsed: 0, expectedAllowed: false, expectedRemainingMinutes: 5},
		{name: "ninety seconds later", elapsed: 90 * time.Second, expectedAllowed: false, expectedRemainingMinutes: 4},
		{name: "one second before the window", elapsed: 5*time.Minute - time.Second, expectedAllowed: false, expectedRemainingMinutes: 1},
		{name: "exactly at the window", elapsed: 5 * time.Minute, expectedAllowed: true},
		{name: "after the window", elapsed: 7 * time.Minute, expectedAllowed: true},
	}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			clock := newFakeClock()
			limiter := ratelimit.NewLimiter(ratelimit.Config{Clock: clock.Now})
			limiter.Record("alice", intel.FeatureBioHistory)
			clock.Advance(testCase.elapsed)

			decision := limiter.Check("alice", intel.FeatureBioHistory)
			assert.Equal(t, testCase.expectedAllowed, decision.Allowed)
			assert.Equal(t, testCase.expectedRemainingMinutes, decision.RemainingMinutes)
			if !testCase.expectedAllowed {
				assert.Equal(t, 5*time.Minute-testCase.elapsed, decision.RetryAfter)
				assert.Contains(t, decision.Notice, "once every 5 minutes")
			}
		})
	}
}

func TestLimiterKeysBySubjectAndFeature(t *testing.T) {
	clock := newFakeClock()
	limiter := ratelimit.NewLimiter(ratelimit.Config{Clock: clock.Now})

	assert.True(t, limiter.Check("alice", intel.FeatureKeyFollowers).Allowed)
	limiter.Record("@Alice", intel.FeatureKeyFollowers)

	assert.False(t, limiter.Check("alice", intel.FeatureKeyFollowers).Allowed)
	assert.True(t, limiter.Check("alice", intel.FeatureFirstFollowers).Allowed)
	assert.True(t, limiter.Check("bob", intel.FeatureKeyFollowers).Allowed)
}

func TestLimiterNotice(t *testing.T) {
	clock := newFakeClock()
	limiter := ratelimit.NewLimiter(ratelimit.Config{Clock: clock.Now})
	limiter.Record("alice", intel.FeatureContracts)
	clock.Advance(2*time.Minute + 10*time.Second)

	decision := limiter.Check("alice", intel.FeatureContracts)
	require.False(t, decision.Allowed)
	assert.True(t, strings.HasPrefix(decision.Notice, "Rate Limit Notice:"))
	assert.Contains(t, decision.Notice, "You need to wait 3 more minutes before using it again.")
}

func TestLimiterPurge(t *testing.T) {
	clock := newFakeClock()
	limiter := ratelimit.NewLimiter(ratelimit.Config{Window: time.Minute, Clock: clock.Now})
	limiter.Record("alice", intel.FeatureContracts)
	clock.Advance(30 * time.Second)
	limiter.Record("bob", intel.FeatureContracts)
	clock.Advance(45 * time.Second)

	assert.Equal(t, 1, limiter.Purge())
	assert.True(t, limiter.Check("alice", intel.FeatureContracts).Allowed)
	assert.False(t, limiter.Check("bob", intel.FeatureContracts).Allowed)
	assert.Equal(t, time.Minute, limiter.Window())
}

func TestLimiterReserveAllowsOneConcurrentCaller(t *testing.T) {
	clock := newFakeClock()
	limiter := ratelimit.NewLimiter(ratelimit.Config{Clock: clock.Now})

	const callerCount = 16
	var allowedCount atomic.Int32
	var waitGroup sync.WaitGroup
	startSignal := make(chan struct{})
	for callerIndex := 0; callerIndex < callerCount; callerIndex++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			<-startSignal
			if limiter.Reserve("alice", intel.FeatureKeyFollowers).Allowed {
				allowedCount.Add(1)
			}
		}()
	}
	close(startSignal)
	waitGroup.Wait()

	assert.Equal(t, int32(1), allowedCount.Load())
	assert.False(t, limiter.Check("alice", intel.FeatureKeyFollowers).Allowed)
}

func TestLimiterReleaseReturnsSlot(t *testing.T) {
	clock := newFakeClock()
	limiter := ratelimit.NewLimiter(ratelimit.Config{Clock: clock.Now})

	reservation := limiter.Reserve("alice", intel.FeatureBioHistory)
	require.True(t, reservation.Allowed)
	assert.Equal(t, clock.Now(), reservation.ReservedAt)

	denied := limiter.Reserve("@ALICE", intel.FeatureBioHistory)
	require.False(t, denied.Allowed)
	assert.True(t, denied.ReservedAt.IsZero())
	assert.Equal(t, 5*time.Minute, denied.RetryAfter)

	limiter.Release("alice", intel.FeatureBioHistory, reservation.ReservedAt)
	assert.True(t, limiter.Reserve("alice", intel.FeatureBioHistory).Allowed)
}

func TestLimiterReleaseKeepsNewerCall(t *testing.T) {
	clock := newFakeClock()
	limiter := ratelimit.NewLimiter(ratelimit.Config{Clock: clock.Now})

	staleReservation := limiter.Reserve("alice", intel.FeatureContracts)
	require.True(t, staleReservation.Allowed)
	clock.Advance(6 * time.Minute)
	require.True(t, limiter.Reserve("alice", intel.FeatureContracts).Allowed)

	limiter.Release("alice", intel.FeatureContracts, staleReservation.ReservedAt)
	assert.False(t, limiter.Check("alice", intel.FeatureContracts).Allowed)
}
