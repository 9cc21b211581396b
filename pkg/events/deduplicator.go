// pkg/events/deduplicator.go
package events

import (
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// EventDeduplicator prevents duplicate events within a time window
type EventDeduplicator struct {
	seen          map[uint64]time.Time
	window        time.Duration
	mu            sync.Mutex
	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	stopOnce      sync.Once
	now           func() time.Time
}

// NewEventDeduplicator creates a new event deduplicator. A non-positive
// window defaults to five minutes.
func NewEventDeduplicator(window time.Duration) *EventDeduplicator {
	if window <= 0 {
		window = 5 * time.Minute
	}
	ed := &EventDeduplicator{
		seen:        make(map[uint64]time.Time),
		window:      window,
		stopCleanup: make(chan struct{}),
		now:         time.Now,
	}

	ed.cleanupTicker = time.NewTicker(window / 2)
	go ed.cleanupLoop()

	return ed
}

// IsDuplicate checks if event is a duplicate within the time window
func (ed *EventDeduplicator) IsDuplicate(event Event) bool {
	hash := eventHash(event)
	now := ed.now()

	ed.mu.Lock()
	defer ed.mu.Unlock()

	if lastSeen, exists := ed.seen[hash]; exists && now.Sub(lastSeen) < ed.window {
		return true
	}
	ed.seen[hash] = now
	return false
}

// Len returns the number of remembered events.
func (ed *EventDeduplicator) Len() int {
	ed.mu.Lock()
	defer ed.mu.Unlock()
	return len(ed.seen)
}

// eventHash covers type, source, target, severity, description and data.
func eventHash(event Event) uint64 {
	d := xxhash.New()
	_, _ = fmt.Fprintf(d, "%s\x00%s\x00%s\x00%s\x00%s\x00%v",
		event.Type, event.Source, event.Target, event.Severity, event.Description, event.Data)
	return d.Sum64()
}

// cleanupLoop removes old entries
func (ed *EventDeduplicator) cleanupLoop() {
	for {
		select {
		case <-ed.cleanupTicker.C:
			ed.cleanup()
		case <-ed.stopCleanup:
			ed.cleanupTicker.Stop()
			return
		}
	}
}

// cleanup removes expired entries
func (ed *EventDeduplicator) cleanup() {
	ed.mu.Lock()
	defer ed.mu.Unlock()

	cutoff := ed.now().Add(-ed.window)
	for hash, timestamp := range ed.seen {
		if timestamp.Before(cutoff) {
			delete(ed.seen, hash)
		}
	}
}

// Stop stops the deduplicator
func (ed *EventDeduplicator) Stop() {
	ed.stopOnce.Do(func() { close(ed.stopCleanup) })
}
