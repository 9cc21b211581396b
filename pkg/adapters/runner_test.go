package adapters_test

import (
	"context"
	stderrors "errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lucid-vigil/fleet/pkg/adapters"
	"github.com/lucid-vigil/fleet/pkg/cache"
	"github.com/lucid-vigil/fleet/pkg/config"
	"github.com/lucid-vigil/fleet/pkg/errors"
	"github.com/lucid-vigil/fleet/pkg/events"
	"github.com/lucid-vigil/fleet/pkg/schema"
	"github.com/lucid-vigil/fleet/pkg/store"
	"github.com/lucid-vigil/fleet/pkg/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAdapter serves fixed records per client id.
type fakeAdapter struct {
	*adapters.BaseAdapter

	mu         sync.Mutex
	devices    map[string][]*schema.Device
	users      map[string][]*schema.User
	connectErr map[string]error
	streamErr  map[string]error
	since      map[string]time.Time
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		BaseAdapter: adapters.NewBaseAdapter("fake", adapters.Schema{Fields: []adapters.SchemaField{
			{Name: "token", Type: adapters.TypeString, Secret: true},
		}}, zerolog.Nop()),
		devices:    map[string][]*schema.Device{},
		users:      map[string][]*schema.User{},
		connectErr: map[string]error{},
		streamErr:  map[string]error{},
		since:      map[string]time.Time{},
	}
}

func (f *fakeAdapter) Connect(ctx context.Context, client config.ClientConfig) (adapters.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.connectErr[client.ID]; err != nil {
		return nil, err
	}
	f.since[client.ID] = adapters.SinceFromContext(ctx)
	return &fakeSession{f: f, client: client.ID}, nil
}

type fakeSession struct {
	f      *fakeAdapter
	client string
}

func (s *fakeSession) Devices(ctx context.Context, emit adapters.DeviceFunc) error {
	s.f.mu.Lock()
	list := s.f.devices[s.client]
	err := s.f.streamErr[s.client]
	s.f.mu.Unlock()
	for _, d := range list {
		cp := *d
		if err := emit(&cp); err != nil {
			return err
		}
	}
	return err
}

func (s *fakeSession) Users(ctx context.Context, emit adapters.UserFunc) error {
	s.f.mu.Lock()
	list, ok := s.f.users[s.client]
	s.f.mu.Unlock()
	if !ok {
		return adapters.ErrNotSupported
	}
	for _, u := range list {
		cp := *u
		if err := emit(&cp); err != nil {
			return err
		}
	}
	return nil
}

func (s *fakeSession) Close() error { return nil }

func newStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func clients(ids ...string) []config.ClientConfig {
	var out []config.ClientConfig
	for _, id := range ids {
		out = append(out, config.ClientConfig{ID: id, Settings: map[string]interface{}{"token": "t0k3n"}})
	}
	return out
}

func TestRunner_StoresDevicesAndUsers(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	sink := testutil.NewEventSink()
	fa := newFakeAdapter()
	fa.devices["main"] = []*schema.Device{
		{ID: "1", Hostname: "web01", Serial: "ABC"},
		{ID: "2", Hostname: "web02"},
	}
	fa.users["main"] = []*schema.User{{ID: "u1", Username: "alice"}}

	r := adapters.NewRunner("edr", fa, clients("main"), st, adapters.WithPublisher(sink))
	assert.Equal(t, "edr", r.Name())
	require.NoError(t, r.Run(ctx))

	recs, err := st.ListDevices(ctx, store.DeviceFilter{Adapter: "edr", Client: "main"})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "web01", recs[0].Hostname)

	users, err := st.ListUsers(ctx, store.UserFilter{})
	require.NoError(t, err)
	require.Len(t, users, 1)

	assert.Equal(t, []events.EventType{
		events.EventFetchStarted,
		events.EventDeviceDiscovered,
		events.EventDeviceDiscovered,
		events.EventUserDiscovered,
		events.EventFetchCompleted,
	}, sink.Types())

	discovered := sink.OfType(events.EventDeviceDiscovered)[0]
	assert.Equal(t, "edr", discovered.Source)
	assert.Equal(t, "edr/main/1", discovered.Target)
	assert.Equal(t, "1", discovered.Data["device_id"])

	runs, err := st.ListFetchRuns(ctx, "edr", 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, store.RunSuccess, runs[0].Status)
	assert.Equal(t, 2, runs[0].Devices)
	assert.Equal(t, 1, runs[0].Users)
	assert.Equal(t, 3, runs[0].Created)

	status := r.Status()
	require.Len(t, status, 1)
	assert.False(t, status[0].Running)
	require.NotNil(t, status[0].LastRun)
	assert.Equal(t, store.RunSuccess, status[0].LastRun.Status)

	// second cycle updates instead of creating
	sink.Reset()
	require.NoError(t, r.Run(ctx))
	assert.Len(t, sink.OfType(events.EventDeviceUpdated), 2)
	assert.Empty(t, sink.OfType(events.EventDeviceDiscovered))
}

func TestRunner_SkipsInvalidAndDoesNotPrune(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	fa := newFakeAdapter()
	fa.devices["main"] = []*schema.Device{{ID: "1"}, {ID: "2"}}

	r := adapters.NewRunner("edr", fa, clients("main"), st)
	require.NoError(t, r.Run(ctx))

	// device 2 vanished and one record has no id
	fa.devices["main"] = []*schema.Device{{ID: "1"}, {Hostname: "ghost"}}
	run, err := r.RunClient(ctx, clients("main")[0])
	require.NoError(t, err)
	assert.Equal(t, store.RunPartial, run.Status)
	assert.Equal(t, 1, run.Skipped)
	assert.EqualValues(t, 0, run.Pruned)

	n, err := st.CountDevices(ctx, store.DeviceFilter{})
	require.NoError(t, err)
	assert.EqualValues(t, 2, n, "partial runs do not prune")

	// a clean run prunes the vanished device
	fa.devices["main"] = []*schema.Device{{ID: "1"}}
	run, err = r.RunClient(ctx, clients("main")[0])
	require.NoError(t, err)
	assert.Equal(t, store.RunSuccess, run.Status)
	assert.EqualValues(t, 1, run.Pruned)

	n, err = st.CountDevices(ctx, store.DeviceFilter{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestRunner_FailedClientDoesNotStopOthers(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	sink := testutil.NewEventSink()
	collector := errors.NewMemoryCollector()
	logs := testutil.NewLogBuffer()
	fa := newFakeAdapter()
	fa.connectErr["down"] = stderrors.New("dial tcp: connection refused")
	fa.devices["up"] = []*schema.Device{{ID: "1"}}

	r := adapters.NewRunner("edr", fa, clients("down", "up"), st,
		adapters.WithPublisher(sink),
		adapters.WithErrorHandler(errors.NewErrorHandler(logs.Logger(), collector)))

	err := r.Run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "client down")
	assert.Contains(t, err.Error(), "connection refused")

	var ae *errors.AdapterError
	require.True(t, stderrors.As(err, &ae))
	assert.Equal(t, errors.TypeConnection, ae.ErrorType)
	assert.Equal(t, "down", ae.Client)
	assert.True(t, ae.Recoverable)

	n, err := st.CountDevices(ctx, store.DeviceFilter{Client: "up"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	failed := sink.OfType(events.EventFetchFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "down", failed[0].Target)
	assert.Len(t, sink.OfType(events.EventFetchCompleted), 1)

	stats := collector.GetErrorStats()
	assert.EqualValues(t, 1, stats.ErrorsByType[errors.TypeConnection])
	assert.True(t, logs.Contains("error", "Adapter error occurred"))

	status := r.Status()
	require.Len(t, status, 2)
	assert.Equal(t, "down", status[0].Client)
	assert.Equal(t, store.RunFailed, status[0].LastRun.Status)
}

func TestRunner_StreamErrorFailsWithoutPrune(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	fa := newFakeAdapter()
	fa.devices["main"] = []*schema.Device{{ID: "1"}, {ID: "2"}}
	r := adapters.NewRunner("edr", fa, clients("main"), st)
	require.NoError(t, r.Run(ctx))

	fa.devices["main"] = []*schema.Device{{ID: "1"}}
	fa.streamErr["main"] = errors.NewPaginationError("edr", 3, stderrors.New("unexpected EOF"))
	run, err := r.RunClient(ctx, clients("main")[0])
	require.Error(t, err)
	assert.Equal(t, store.RunFailed, run.Status)
	assert.Contains(t, run.Error, "page 3")

	n, err := st.CountDevices(ctx, store.DeviceFilter{})
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestRunner_CursorAndLock(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	fa := newFakeAdapter()
	fa.devices["main"] = []*schema.Device{{ID: "1"}}
	locker := cache.NewMemoryLocker()
	cursors := cache.NewMemoryCursorStore()

	r := adapters.NewRunner("edr", fa, clients("main"), st,
		adapters.WithLocker(locker, time.Minute),
		adapters.WithCursors(cursors))

	_, err := r.RunClient(ctx, clients("main")[0])
	require.NoError(t, err)
	assert.True(t, fa.since["main"].IsZero(), "first fetch has no cursor")

	cursor, err := cursors.Get(ctx, cache.CursorKey("edr", "main"))
	require.NoError(t, err)
	assert.False(t, cursor.IsZero())

	_, err = r.RunClient(ctx, clients("main")[0])
	require.NoError(t, err)
	assert.True(t, cursor.Equal(fa.since["main"]), "next fetch sees the cursor")

	ok, err := locker.TryLock(ctx, cache.LockKey("edr", "main"), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = r.RunClient(ctx, clients("main")[0])
	assert.ErrorIs(t, err, adapters.ErrClientBusy)
}

func TestRunner_SlowSubscribersLoseNoEvents(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	fa := newFakeAdapter()
	for i := 0; i < 200; i++ {
		fa.devices["main"] = append(fa.devices["main"], &schema.Device{ID: strconv.Itoa(i)})
	}

	bus := events.NewEventBus(zerolog.Nop(), 16)
	var discovered, completed atomic.Int64
	bus.Subscribe(events.HandlerFunc(func(context.Context, events.Event) error {
		time.Sleep(time.Millisecond)
		discovered.Add(1)
		return nil
	}, events.EventDeviceDiscovered))
	bus.Subscribe(events.HandlerFunc(func(context.Context, events.Event) error {
		completed.Add(1)
		return nil
	}, events.EventFetchCompleted))
	bus.Start(ctx)

	r := adapters.NewRunner("edr", fa, clients("main"), st, adapters.WithPublisher(bus))
	require.NoError(t, r.Run(ctx))
	bus.Stop()

	assert.EqualValues(t, 200, discovered.Load())
	assert.EqualValues(t, 1, completed.Load())
	assert.Zero(t, bus.GetMetrics().EventsDropped)
}
