package cache

import (
	"strings"
	"sync"
	"time"

	"github.com/torii-labs/torii/internal/intel"
)

const (
	// DefaultTTL is how long a built view model stays fresh.
	DefaultTTL = 30 * time.Minute

	keySeparator = "\x00"
)

// Clock returns the current instant.
type Clock func() time.Time

// Config customizes a Cache instance.
type Config struct {
	TTL   time.Duration
	Clock Clock
}

type entry struct {
	viewModel intel.ViewModel
	storedAt  time.Time
}

// Cache keeps built view models per (subject, feature) for a fixed time to live.
// Subjects are matched case-insensitively.
type Cache struct {
	ttl          time.Duration
	clock        Clock
	entries      map[string]entry
	entriesMutex sync.RWMutex
}

// New constructs a Cache, defaulting to a thirty minute TTL and the wall clock.
func New(configuration Config) *Cache {
	ttl := configuration.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	clock := configuration.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Cache{
		ttl:     ttl,
		clock:   clock,
		entries: make(map[string]entry),
	}
}

// Get returns the fresh view model stored for the pair.
func (cache *Cache) Get(subject string, feature intel.FeatureID) (intel.ViewModel, bool) {
	cache.entriesMutex.RLock()
	stored, exists := cache.entries[entryKey(subject, feature)]
	cache.entriesMutex.RUnlock()
	if !exists || !cache.fresh(stored, cache.clock()) {
		return nil, false
	}
	return stored.viewModel, true
}

// Put stores the view model for the pair, replacing any previous one.
func (cache *Cache) Put(subject string, feature intel.FeatureID, viewModel intel.ViewModel) {
	now := cache.clock()
	cache.entriesMutex.Lock()
	cache.entries[entryKey(subject, feature)] = entry{viewModel: viewModel, storedAt: now}
	cache.entriesMutex.Unlock()
}

// Purge drops expired entries and returns how many were removed.
func (cache *Cache) Purge() int {
	now := cache.clock()
	cache.entriesMutex.Lock()
	defer cache.entriesMutex.Unlock()
	purged := 0
	for key, stored := range cache.entries {
		if !cache.fresh(stored, now) {
			delete(cache.entries, key)
			purged++
		}
	}
	return purged
}

// Len returns the number of stored entries, expired ones included.
func (cache *Cache) Len() int {
	cache.entriesMutex.RLock()
	defer cache.entriesMutex.RUnlock()
	return len(cache.entries)
}

func (cache *Cache) fresh(stored entry, now time.Time) bool {
	return now.Sub(stored.storedAt) < cache.ttl
}

func entryKey(subject string, feature intel.FeatureID) string {
	return strings.ToLower(intel.NormalizeSubject(subject)) + keySeparator + string(feature)
}
