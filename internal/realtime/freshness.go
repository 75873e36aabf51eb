package realtime

import (
	"context"
	"sort"
	"sync"
	"time"
)

// DefaultFreshnessWindow is how long a newly inserted donation stays highlighted.
const DefaultFreshnessWindow = 2 * time.Second

// Clock returns the current time.
type Clock func() time.Time

// FreshnessTracker remembers ids that entered a view less than a window ago.
// It is a display hint only and never feeds back into the stores.
type FreshnessTracker struct {
	window time.Duration
	now    Clock

	mu      sync.Mutex
	entries map[string]time.Time
}

// NewFreshnessTracker creates a tracker; a nil clock means time.Now.
func NewFreshnessTracker(window time.Duration, now Clock) *FreshnessTracker {
	if window <= 0 {
		window = DefaultFreshnessWindow
	}
	if now == nil {
		now = time.Now
	}
	return &FreshnessTracker{window: window, now: now, entries: make(map[string]time.Time)}
}

// Window returns the display window.
func (t *FreshnessTracker) Window() time.Duration {
	return t.window
}

// MarkFresh (re)starts the window for id.
func (t *FreshnessTracker) MarkFresh(id string) {
	t.mu.Lock()
	t.entries[id] = t.now().Add(t.window)
	t.mu.Unlock()
}

// IsFresh reports whether id is inside its window, evicting it if it expired.
func (t *FreshnessTracker) IsFresh(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	expiresAt, ok := t.entries[id]
	if !ok {
		return false
	}
	if !t.now().Before(expiresAt) {
		delete(t.entries, id)
		return false
	}
	return true
}

// Fresh returns the ids currently inside their window, sorted.
func (t *FreshnessTracker) Fresh() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	ids := make([]string, 0, len(t.entries))
	for id, expiresAt := range t.entries {
		if now.Before(expiresAt) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Sweep evicts every expired entry and returns how many were removed.
func (t *FreshnessTracker) Sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	removed := 0
	for id, expiresAt := range t.entries {
		if !now.Before(expiresAt) {
			delete(t.entries, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of entries held, expired or not.
func (t *FreshnessTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Run sweeps every interval until ctx is done.
func (t *FreshnessTracker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Sweep()
		}
	}
}
