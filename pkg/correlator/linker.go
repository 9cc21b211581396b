package correlator

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/lucid-vigil/fleet/pkg/events"
	"github.com/lucid-vigil/fleet/pkg/schema"
	"github.com/lucid-vigil/fleet/pkg/store"
	"github.com/rs/zerolog"
)

// EntityStore is the part of the store the linker needs.
type EntityStore interface {
	ListDevices(ctx context.Context, f store.DeviceFilter) ([]store.DeviceRecord, error)
	SetEntity(ctx context.Context, entityID string, refs []store.DeviceRef, identifiers []string) error
	ReleaseEntity(ctx context.Context, entityID string) error
}

// Linker keeps entity assignments in the store current. Device events mark
// it dirty; the next fetch_completed event relinks the whole inventory.
type Linker struct {
	store  EntityStore
	bus    events.Publisher
	kinds  []string
	logger zerolog.Logger

	mu    sync.Mutex
	dirty bool
	stats LinkStats
}

// LinkStats describes the last relink.
type LinkStats struct {
	Runs     int64 `json:"runs"`
	Entities int   `json:"entities"`
	Linked   int   `json:"linked"`
	Released int   `json:"released"`
}

func NewLinker(st EntityStore, bus events.Publisher, kinds []string, logger zerolog.Logger) *Linker {
	if len(kinds) == 0 {
		kinds = DefaultIdentifiers
	}
	return &Linker{
		store:  st,
		bus:    bus,
		kinds:  kinds,
		logger: logger.With().Str("component", "correlator").Logger(),
	}
}

// GetEventTypes returns event types the linker handles
func (l *Linker) GetEventTypes() []events.EventType {
	return []events.EventType{
		events.EventDeviceDiscovered,
		events.EventDeviceUpdated,
		events.EventFetchCompleted,
	}
}

// Handle marks the inventory dirty on device events and relinks once a
// fetch completes.
func (l *Linker) Handle(ctx context.Context, event events.Event) error {
	switch event.Type {
	case events.EventDeviceDiscovered, events.EventDeviceUpdated:
		l.mu.Lock()
		l.dirty = true
		l.mu.Unlock()
		return nil
	case events.EventFetchCompleted:
		l.mu.Lock()
		dirty := l.dirty
		if pruned, ok := event.Data["pruned"].(int64); ok && pruned > 0 {
			dirty = true
		}
		l.mu.Unlock()
		if !dirty {
			return nil
		}
		_, err := l.Relink(ctx)
		return err
	}
	return nil
}

// Relink correlates every stored device and writes the entities that
// changed. It returns the current entities.
func (l *Linker) Relink(ctx context.Context) ([]Entity, error) {
	l.mu.Lock()
	l.dirty = false
	l.mu.Unlock()

	recs, err := l.store.ListDevices(ctx, store.DeviceFilter{})
	if err != nil {
		l.markDirty()
		return nil, fmt.Errorf("list devices: %w", err)
	}

	devices := make([]*schema.Device, 0, len(recs))
	current := make(map[string][]string) // entity id -> member keys
	for i := range recs {
		devices = append(devices, recs[i].Device())
		if id := recs[i].EntityID; id != "" {
			current[id] = append(current[id], recs[i].Key())
		}
	}

	entities := Correlate(devices, l.kinds)

	wanted := make(map[string]bool, len(entities))
	for _, e := range entities {
		wanted[e.ID] = true
	}

	released := 0
	for id := range current {
		if wanted[id] {
			continue
		}
		if err := l.store.ReleaseEntity(ctx, id); err != nil {
			l.markDirty()
			return nil, fmt.Errorf("release entity %s: %w", id, err)
		}
		released++
	}

	linked := 0
	for _, e := range entities {
		if sameMembers(current[e.ID], e.Devices) {
			continue
		}
		if err := l.store.SetEntity(ctx, e.ID, e.Devices, e.Identifiers); err != nil {
			l.markDirty()
			return nil, fmt.Errorf("set entity %s: %w", e.ID, err)
		}
		linked++
		l.publish(ctx, e)
	}

	l.mu.Lock()
	l.stats.Runs++
	l.stats.Entities = len(entities)
	l.stats.Linked = linked
	l.stats.Released = released
	l.mu.Unlock()

	l.logger.Info().
		Int("devices", len(devices)).
		Int("entities", len(entities)).
		Int("linked", linked).
		Int("released", released).
		Msg("Entities relinked")
	return entities, nil
}

// Stats returns the outcome of the last relink.
func (l *Linker) Stats() LinkStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

func (l *Linker) markDirty() {
	l.mu.Lock()
	l.dirty = true
	l.mu.Unlock()
}

func (l *Linker) publish(ctx context.Context, e Entity) {
	if l.bus == nil {
		return
	}
	keys := make([]string, 0, len(e.Devices))
	for _, ref := range e.Devices {
		keys = append(keys, ref.Key())
	}
	err := l.bus.Publish(ctx, events.Event{
		Type:        events.EventEntityLinked,
		Source:      "correlator",
		Target:      e.ID,
		Severity:    "info",
		Description: fmt.Sprintf("%d devices linked", len(e.Devices)),
		Data: map[string]interface{}{
			"devices":     keys,
			"identifiers": e.Identifiers,
		},
	})
	if err != nil {
		l.logger.Warn().Err(err).Str("entity", e.ID).Msg("Failed to publish entity event")
	}
}

func sameMembers(keys []string, refs []store.DeviceRef) bool {
	if len(keys) != len(refs) {
		return false
	}
	want := make([]string, 0, len(refs))
	for _, ref := range refs {
		want = append(want, ref.Key())
	}
	got := append([]string(nil), keys...)
	sort.Strings(got)
	sort.Strings(want)
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}
