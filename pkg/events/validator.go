// pkg/events/validator.go
package events

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

const (
	defaultMaxDataSize   = 64 * 1024
	maxDescriptionLength = 1000
	minRateLimiterBurst  = 10
)

var validSeverities = []string{"critical", "high", "medium", "low", "info"}

// ErrRateLimited is returned for events over their source's rate.
var ErrRateLimited = stderrors.New("rate limit exceeded")

// EventValidator rejects malformed events before they are queued and
// throttles noisy sources.
type EventValidator struct {
	maxDataSize int
	ratePerSec  float64
	burst       int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter // keyed by event source
}

// NewEventValidator creates a new event validator. ratePerSec limits the
// events accepted from one source; zero disables the limit.
func NewEventValidator(maxDataSize int, ratePerSec float64) *EventValidator {
	if maxDataSize <= 0 {
		maxDataSize = defaultMaxDataSize
	}
	return &EventValidator{
		maxDataSize: maxDataSize,
		ratePerSec:  ratePerSec,
		burst:       max(int(ratePerSec), minRateLimiterBurst),
		limiters:    make(map[string]*rate.Limiter),
	}
}

// ValidateEvent checks the required fields, cleans up the description and
// applies the per source rate limit.
func (ev *EventValidator) ValidateEvent(event *Event) error {
	switch {
	case event.Type == "":
		return fmt.Errorf("event type is required")
	case event.Source == "":
		return fmt.Errorf("event source is required")
	case event.Target == "":
		return fmt.Errorf("event target is required")
	case event.Severity == "":
		return fmt.Errorf("event severity is required")
	case !slices.Contains(validSeverities, event.Severity):
		return fmt.Errorf("invalid severity: %s", event.Severity)
	}

	event.Description = sanitizeString(event.Description)

	if len(event.Data) > 0 {
		raw, err := json.Marshal(event.Data)
		if err != nil {
			return fmt.Errorf("event data is not serializable: %w", err)
		}
		if len(raw) > ev.maxDataSize {
			return fmt.Errorf("event data too large (%d > %d bytes)", len(raw), ev.maxDataSize)
		}
	}

	if !ev.allow(event.Source) {
		return fmt.Errorf("%w for source %s", ErrRateLimited, event.Source)
	}
	return nil
}

func (ev *EventValidator) allow(source string) bool {
	if ev.ratePerSec <= 0 {
		return true
	}

	ev.mu.Lock()
	limiter, ok := ev.limiters[source]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(ev.ratePerSec), ev.burst)
		ev.limiters[source] = limiter
	}
	ev.mu.Unlock()

	return limiter.Allow()
}

// sanitizeString flattens whitespace and truncates long descriptions.
func sanitizeString(s string) string {
	s = strings.NewReplacer("\x00", "", "\r\n", " ", "\n", " ", "\t", " ").Replace(s)
	if len(s) > maxDescriptionLength {
		s = s[:maxDescriptionLength] + "..."
	}
	return strings.TrimSpace(s)
}
