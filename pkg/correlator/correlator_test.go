package correlator

import (
	"context"
	"testing"

	"github.com/lucid-vigil/fleet/pkg/events"
	"github.com/lucid-vigil/fleet/pkg/schema"
	"github.com/lucid-vigil/fleet/pkg/store"
	"github.com/lucid-vigil/fleet/pkg/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dev(adapter, client, id string, opts ...func(*schema.Device)) *schema.Device {
	d := &schema.Device{ID: id, Adapter: adapter, Client: client}
	for _, o := range opts {
		o(d)
	}
	return d
}

func serial(s string) func(*schema.Device) { return func(d *schema.Device) { d.Serial = s } }
func mac(m string) func(*schema.Device)    { return func(d *schema.Device) { d.AddInterface("", m) } }
func cloud(id string) func(*schema.Device) { return func(d *schema.Device) { d.CloudID = id } }

func keys(e Entity) []string {
	var out []string
	for _, ref := range e.Devices {
		out = append(out, ref.Key())
	}
	return out
}

func TestCorrelate(t *testing.T) {
	tests := []struct {
		name    string
		devices []*schema.Device
		kinds   []string
		want    [][]string
		idents  [][]string
	}{
		{
			name: "shared serial",
			devices: []*schema.Device{
				dev("rest", "a", "1", serial("ABC123")),
				dev("sql", "b", "9", serial("abc123 ")),
			},
			want:   [][]string{{"rest/a/1", "sql/b/9"}},
			idents: [][]string{{"serial"}},
		},
		{
			name: "shared mac in different notation",
			devices: []*schema.Device{
				dev("snmp", "core", "sw1", mac("00-1a-2b-3c-4d-5e")),
				dev("rest", "a", "x", mac("001A.2B3C.4D5E")),
			},
			want:   [][]string{{"rest/a/x", "snmp/core/sw1"}},
			idents: [][]string{{"mac"}},
		},
		{
			name: "transitive through mac and cloud id",
			devices: []*schema.Device{
				dev("rest", "a", "1", mac("00:1a:2b:3c:4d:5e")),
				dev("sql", "b", "2", mac("00:1a:2b:3c:4d:5e"), cloud("i-0abc")),
				dev("cloud", "c", "3", cloud("I-0ABC")),
			},
			want:   [][]string{{"cloud/c/3", "rest/a/1", "sql/b/2"}},
			idents: [][]string{{"cloud_id", "mac"}},
		},
		{
			name: "conflicting serials are not merged",
			devices: []*schema.Device{
				dev("rest", "a", "1", serial("AAA111"), mac("00:1a:2b:3c:4d:5e")),
				dev("sql", "b", "2", serial("BBB222"), mac("00:1a:2b:3c:4d:5e")),
			},
			want: nil,
		},
		{
			name: "same source is not merged",
			devices: []*schema.Device{
				dev("rest", "a", "1", serial("ABC123")),
				dev("rest", "a", "2", serial("ABC123")),
			},
			want: nil,
		},
		{
			name: "placeholder serials are ignored",
			devices: []*schema.Device{
				dev("rest", "a", "1", serial("To Be Filled By O.E.M.")),
				dev("sql", "b", "2", serial("To Be Filled By O.E.M.")),
			},
			want: nil,
		},
		{
			name: "kinds restrict matching",
			devices: []*schema.Device{
				dev("rest", "a", "1", serial("ABC123")),
				dev("sql", "b", "2", serial("ABC123")),
			},
			kinds: []string{ByMAC},
			want:  nil,
		},
		{
			name: "two entities ordered by id",
			devices: []*schema.Device{
				dev("z", "c", "1", serial("S2")),
				dev("y", "c", "1", serial("S2")),
				dev("b", "c", "1", serial("S1")),
				dev("a", "c", "1", serial("S1")),
				dev("m", "c", "1"),
			},
			want: [][]string{{"a/c/1", "b/c/1"}, {"y/c/1", "z/c/1"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Correlate(tt.devices, tt.kinds)
			require.Len(t, got, len(tt.want))
			for i, e := range got {
				assert.Equal(t, tt.want[i], keys(e))
				assert.Equal(t, tt.want[i][0], e.ID, "id is the smallest member key")
				if tt.idents != nil {
					assert.Equal(t, tt.idents[i], e.Identifiers)
				}
			}
		})
	}
}

func TestCorrelate_ConflictKeepsFirstGroup(t *testing.T) {
	// c shares one mac with a and another with b, and a and b carry different serials
	devices := []*schema.Device{
		dev("a", "x", "1", serial("AAA111"), mac("00:00:00:00:00:01")),
		dev("b", "x", "1", serial("BBB222"), mac("00:00:00:00:00:02")),
		dev("c", "x", "1", mac("00:00:00:00:00:01"), mac("00:00:00:00:00:02")),
	}
	got := Correlate(devices, nil)
	require.Len(t, got, 1)
	assert.Equal(t, []string{"a/x/1", "c/x/1"}, keys(got[0]))
}

func newStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestLinker_Relink(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	sink := testutil.NewEventSink()
	linker := NewLinker(st, sink, nil, zerolog.Nop())

	for _, d := range []*schema.Device{
		dev("rest", "a", "1", serial("ABC123")),
		dev("sql", "b", "2", serial("ABC123")),
		dev("snmp", "c", "3", mac("00:1a:2b:3c:4d:5e")),
	} {
		_, err := st.UpsertDevice(ctx, d)
		require.NoError(t, err)
	}

	entities, err := linker.Relink(ctx)
	require.NoError(t, err)
	require.Len(t, entities, 1)
	assert.Equal(t, "rest/a/1", entities[0].ID)

	recs, err := st.ListEntityDevices(ctx, "rest/a/1")
	require.NoError(t, err)
	assert.Len(t, recs, 2)
	require.Len(t, sink.OfType(events.EventEntityLinked), 1)

	// unchanged membership is not rewritten
	_, err = linker.Relink(ctx)
	require.NoError(t, err)
	assert.Len(t, sink.OfType(events.EventEntityLinked), 1)
	assert.Equal(t, 0, linker.Stats().Linked)

	// the snmp device joins through a mac shared with the sql device
	d := dev("sql", "b", "2", serial("ABC123"), mac("00:1a:2b:3c:4d:5e"))
	_, err = st.UpsertDevice(ctx, d)
	require.NoError(t, err)
	_, err = linker.Relink(ctx)
	require.NoError(t, err)
	recs, err = st.ListEntityDevices(ctx, "rest/a/1")
	require.NoError(t, err)
	assert.Len(t, recs, 3)

	// once the anchor device is gone the entity is renamed
	rec, err := st.GetDevice(ctx, "rest", "a", "1")
	require.NoError(t, err)
	require.NoError(t, st.DB().Delete(rec).Error)
	entities, err = linker.Relink(ctx)
	require.NoError(t, err)
	require.Len(t, entities, 1)
	assert.Equal(t, "snmp/c/3", entities[0].ID)
	old, err := st.GetEntity(ctx, "rest/a/1")
	require.NoError(t, err)
	assert.Nil(t, old)
	assert.Equal(t, 1, linker.Stats().Released)
}

func TestLinker_HandleRelinksAfterFetch(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	linker := NewLinker(st, nil, nil, zerolog.Nop())

	assert.ElementsMatch(t,
		[]events.EventType{events.EventDeviceDiscovered, events.EventDeviceUpdated, events.EventFetchCompleted},
		linker.GetEventTypes())

	for _, d := range []*schema.Device{
		dev("rest", "a", "1", serial("ABC123")),
		dev("sql", "b", "2", serial("ABC123")),
	} {
		_, err := st.UpsertDevice(ctx, d)
		require.NoError(t, err)
	}

	// nothing dirty yet
	require.NoError(t, linker.Handle(ctx, events.Event{Type: events.EventFetchCompleted}))
	assert.EqualValues(t, 0, linker.Stats().Runs)

	require.NoError(t, linker.Handle(ctx, events.Event{Type: events.EventDeviceDiscovered}))
	require.NoError(t, linker.Handle(ctx, events.Event{Type: events.EventFetchCompleted}))
	assert.EqualValues(t, 1, linker.Stats().Runs)
	assert.Equal(t, 1, linker.Stats().Entities)

	require.NoError(t, linker.Handle(ctx, events.Event{Type: events.EventFetchCompleted,
		Data: map[string]interface{}{"pruned": int64(2)}}))
	assert.EqualValues(t, 2, linker.Stats().Runs)
}
