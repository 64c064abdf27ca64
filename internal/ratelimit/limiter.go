package ratelimit

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/torii-labs/torii/internal/intel"
)

const (
	// DefaultWindow is the minimum spacing between two calls of one feature for one subject.
	DefaultWindow = 5 * time.Minute

	noticeFormat = "Rate Limit Notice:\n\nThis feature can only be used once every %d minutes. " +
		"You need to wait %d more minutes before using it again.\n\nThank you for your understanding!"
	keySeparator = "\x00"
)

// Clock returns the current instant.
type Clock func() time.Time

// Config customizes a Limiter instance.
type Config struct {
	Window time.Duration
	Clock  Clock
}

// Decision is the outcome of a Check or Reserve. ReservedAt is set only on an allowed
// Reserve and identifies the reservation for Release.
type Decision struct {
	Allowed          bool
	RetryAfter       time.Duration
	RemainingMinutes int
	Notice           string
	ReservedAt       time.Time
}

// Limiter enforces one call per window for each (subject, feature) pair.
type Limiter struct {
	window     time.Duration
	clock      Clock
	lastCalls  map[string]time.Time
	callsMutex sync.Mutex
}

// NewLimiter constructs a Limiter, defaulting to a five minute window and the wall clock.
func NewLimiter(configuration Config) *Limiter {
	window := configuration.Window
	if window <= 0 {
		window = DefaultWindow
	}
	clock := configuration.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Limiter{
		window:    window,
		clock:     clock,
		lastCalls: make(map[string]time.Time),
	}
}

// Window returns the configured window.
func (limiter *Limiter) Window() time.Duration {
	return limiter.window
}

// Check reports whether a call is allowed now. It does not record the call.
func (limiter *Limiter) Check(subject string, feature intel.FeatureID) Decision {
	now := limiter.clock()
	limiter.callsMutex.Lock()
	defer limiter.callsMutex.Unlock()
	return limiter.decide(callKey(subject, feature), now)
}

// Record stores the current instant as the last call of the pair.
func (limiter *Limiter) Record(subject string, feature intel.FeatureID) {
	now := limiter.clock()
	limiter.callsMutex.Lock()
	limiter.lastCalls[callKey(subject, feature)] = now
	limiter.callsMutex.Unlock()
}

// Reserve checks and records the call in one step, so of several concurrent callers for
// the same pair exactly one is allowed. An allowed caller that ends up not performing the
// call hands the slot back with Release.
func (limiter *Limiter) Reserve(subject string, feature intel.FeatureID) Decision {
	now := limiter.clock()
	key := callKey(subject, feature)
	limiter.callsMutex.Lock()
	defer limiter.callsMutex.Unlock()
	decision := limiter.decide(key, now)
	if decision.Allowed {
		limiter.lastCalls[key] = now
		decision.ReservedAt = now
	}
	return decision
}

// Release drops the reservation made at reservedAt. A newer entry for the pair is left alone.
func (limiter *Limiter) Release(subject string, feature intel.FeatureID, reservedAt time.Time) {
	key := callKey(subject, feature)
	limiter.callsMutex.Lock()
	defer limiter.callsMutex.Unlock()
	if lastCall, exists := limiter.lastCalls[key]; exists && lastCall.Equal(reservedAt) {
		delete(limiter.lastCalls, key)
	}
}

// decide must be called with callsMutex held.
func (limiter *Limiter) decide(key string, now time.Time) Decision {
	lastCall, exists := limiter.lastCalls[key]
	if !exists {
		return Decision{Allowed: true}
	}

	elapsed := now.Sub(lastCall)
	if elapsed >= limiter.window {
		return Decision{Allowed: true}
	}
	retryAfter := limiter.window - elapsed
	remainingMinutes := int(math.Ceil(retryAfter.Minutes()))
	return Decision{
		Allowed:          false,
		RetryAfter:       retryAfter,
		RemainingMinutes: remainingMinutes,
		Notice:           fmt.Sprintf(noticeFormat, int(math.Ceil(limiter.window.Minutes())), remainingMinutes),
	}
}

// Purge forgets pairs whose window has elapsed.
func (limiter *Limiter) Purge() int {
	now := limiter.clock()
	limiter.callsMutex.Lock()
	defer limiter.callsMutex.Unlock()
	purged := 0
	for key, lastCall := range limiter.lastCalls {
		if now.Sub(lastCall) >= limiter.window {
			delete(limiter.lastCalls, key)
			purged++
		}
	}
	return purged
}

func callKey(subject string, feature intel.FeatureID) string {
	return strings.ToLower(intel.NormalizeSubject(subject)) + keySeparator + string(feature)
}
