package adapters

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lucid-vigil/fleet/pkg/cache"
	"github.com/lucid-vigil/fleet/pkg/config"
	"github.com/lucid-vigil/fleet/pkg/errors"
	"github.com/lucid-vigil/fleet/pkg/events"
	"github.com/lucid-vigil/fleet/pkg/schema"
	"github.com/lucid-vigil/fleet/pkg/store"
	"github.com/rs/zerolog"
)

// ErrClientBusy is returned when another fetch of the same client holds
// its lock.
var ErrClientBusy = stderrors.New("client fetch already in progress")

// outcomePublishTimeout bounds the wait for bus space when publishing
// fetch_completed and fetch_failed.
const outcomePublishTimeout = 30 * time.Second

// InventoryStore is the part of the store a runner writes to.
type InventoryStore interface {
	UpsertDevice(ctx context.Context, d *schema.Device) (bool, error)
	UpsertUser(ctx context.Context, u *schema.User) (bool, error)
	PruneDevices(ctx context.Context, adapter, client string, before time.Time) (int64, error)
	RecordFetchRun(ctx context.Context, run *store.FetchRun) error
}

// Incremental is implemented by sessions that only return records changed
// since the last cursor. Devices missing from an incremental fetch are not
// pruned.
type Incremental interface {
	Incremental() bool
}

type sinceKey struct{}

// WithSince attaches the time of the last successful fetch to ctx.
func WithSince(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, sinceKey{}, t)
}

// SinceFromContext returns the last successful fetch time, or zero.
func SinceFromContext(ctx context.Context) time.Time {
	t, _ := ctx.Value(sinceKey{}).(time.Time)
	return t
}

// ClientStatus is the last known state of one client.
type ClientStatus struct {
	Client  string          `json:"client"`
	Running bool            `json:"running"`
	LastRun *store.FetchRun `json:"last_run,omitempty"`
}

// Runner performs fetch cycles for one configured adapter. It is the job
// the scheduler runs.
type Runner struct {
	name    string
	adapter Adapter
	clients []config.ClientConfig
	store   InventoryStore
	bus     events.Publisher
	locker  cache.Locker
	cursors cache.CursorStore
	errs    *errors.ErrorHandler
	lockTTL time.Duration
	logger  zerolog.Logger
	now     func() time.Time

	mu     sync.RWMutex
	status map[string]*ClientStatus
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

func WithPublisher(bus events.Publisher) RunnerOption {
	return func(r *Runner) { r.bus = bus }
}

func WithLocker(l cache.Locker, ttl time.Duration) RunnerOption {
	return func(r *Runner) {
		r.locker = l
		if ttl > 0 {
			r.lockTTL = ttl
		}
	}
}

func WithCursors(c cache.CursorStore) RunnerOption {
	return func(r *Runner) { r.cursors = c }
}

func WithErrorHandler(h *errors.ErrorHandler) RunnerOption {
	return func(r *Runner) { r.errs = h }
}

func WithRunnerLogger(logger zerolog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = logger }
}

// NewRunner creates the runner of the adapter configured as name.
func NewRunner(name string, adapter Adapter, clients []config.ClientConfig, st InventoryStore, opts ...RunnerOption) *Runner {
	r := &Runner{
		name:    name,
		adapter: adapter,
		clients: clients,
		store:   st,
		locker:  cache.NewMemoryLocker(),
		cursors: cache.NewMemoryCursorStore(),
		lockTTL: time.Hour,
		logger:  zerolog.Nop(),
		now:     time.Now,
		status:  make(map[string]*ClientStatus),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With().Str("adapter", name).Str("adapter_type", adapter.Type()).Logger()
	if r.errs == nil {
		r.errs = errors.NewErrorHandler(r.logger, nil)
	}
	for _, c := range clients {
		r.status[c.ID] = &ClientStatus{Client: c.ID}
	}
	return r
}

// Name returns the configured adapter name.
func (r *Runner) Name() string {
	return r.name
}

// Adapter returns the adapter the runner drives.
func (r *Runner) Adapter() Adapter {
	return r.adapter
}

// Run fetches every client in order. A failing client does not stop the
// others; the returned error joins every client failure.
func (r *Runner) Run(ctx context.Context) error {
	var errs []error
	for _, client := range r.clients {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if _, err := r.RunClient(ctx, client); err != nil {
			errs = append(errs, fmt.Errorf("client %s: %w", client.ID, err))
		}
	}
	return stderrors.Join(errs...)
}

// RunClient performs one fetch cycle of one client and returns its record.
func (r *Runner) RunClient(ctx context.Context, client config.ClientConfig) (*store.FetchRun, error) {
	logger := r.logger.With().Str("client", client.ID).Logger()

	lockKey := cache.LockKey(r.name, client.ID)
	ok, err := r.locker.TryLock(ctx, lockKey, r.lockTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire fetch lock: %w", err)
	}
	if !ok {
		logger.Warn().Msg("Fetch already running, skipping")
		return nil, ErrClientBusy
	}
	defer func() {
		if err := r.locker.Unlock(context.WithoutCancel(ctx), lockKey); err != nil {
			logger.Warn().Err(err).Msg("Failed to release fetch lock")
		}
	}()

	started := r.now().UTC()
	run := &store.FetchRun{
		ID:        uuid.NewString(),
		Adapter:   r.name,
		Client:    client.ID,
		Status:    store.RunRunning,
		StartedAt: started,
	}
	r.setRunning(client.ID)
	if err := r.store.RecordFetchRun(ctx, run); err != nil {
		logger.Warn().Err(err).Msg("Failed to record fetch start")
	}
	r.publish(ctx, events.Event{
		Type:        events.EventFetchStarted,
		Target:      client.ID,
		Description: "Fetch started",
		Data:        map[string]interface{}{"run_id": run.ID},
	})

	logger.Debug().
		Interface("settings", r.adapter.ClientSchema().Redact(client.Settings)).
		Msg("Connecting to client")

	incremental, fetchErr := r.fetch(ctx, client, run, logger)

	if fetchErr == nil && run.Skipped == 0 && !incremental {
		pruned, err := r.store.PruneDevices(ctx, r.name, client.ID, started)
		if err != nil {
			fetchErr = r.handle(ctx, errors.NewStorageError(r.name, "prune", err).WithClient(client.ID))
		} else {
			run.Pruned = pruned
		}
	}

	switch {
	case fetchErr != nil:
		run.Status = store.RunFailed
		run.Error = fetchErr.Error()
	case run.Skipped > 0:
		run.Status = store.RunPartial
	default:
		run.Status = store.RunSuccess
	}
	run.FinishedAt = r.now().UTC()
	run.DurationMs = run.FinishedAt.Sub(started).Milliseconds()

	if fetchErr == nil {
		if err := r.cursors.Set(ctx, cache.CursorKey(r.name, client.ID), started); err != nil {
			logger.Warn().Err(err).Msg("Failed to store fetch cursor")
		}
	}
	if err := r.store.RecordFetchRun(context.WithoutCancel(ctx), run); err != nil {
		logger.Warn().Err(err).Msg("Failed to record fetch result")
	}
	r.setFinished(client.ID, run)

	data := map[string]interface{}{
		"run_id":  run.ID,
		"status":  run.Status,
		"devices": run.Devices,
		"users":   run.Users,
		"created": run.Created,
		"updated": run.Updated,
		"skipped": run.Skipped,
		"pruned":  run.Pruned,
	}
	// the outcome is published even when ctx was cancelled mid-run
	outCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), outcomePublishTimeout)
	defer cancel()
	if fetchErr != nil {
		data["error"] = run.Error
		r.publish(outCtx, events.Event{
			Type:        events.EventFetchFailed,
			Target:      client.ID,
			Severity:    "high",
			Description: "Fetch failed: " + run.Error,
			Data:        data,
		})
		return run, fetchErr
	}

	r.publish(outCtx, events.Event{
		Type:        events.EventFetchCompleted,
		Target:      client.ID,
		Description: fmt.Sprintf("Fetch %s: %d devices, %d users", run.Status, run.Devices, run.Users),
		Data:        data,
	})
	logger.Info().
		Str("status", run.Status).
		Int("devices", run.Devices).
		Int("users", run.Users).
		Int("skipped", run.Skipped).
		Int64("pruned", run.Pruned).
		Int64("duration_ms", run.DurationMs).
		Msg("Fetch finished")
	return run, nil
}

// fetch connects and streams devices then users into the store.
func (r *Runner) fetch(ctx context.Context, client config.ClientConfig, run *store.FetchRun, logger zerolog.Logger) (bool, error) {
	since, err := r.cursors.Get(ctx, cache.CursorKey(r.name, client.ID))
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to read fetch cursor")
	}
	ctx = WithSince(ctx, since)

	session, err := r.adapter.Connect(ctx, client)
	if err != nil {
		return false, r.handle(ctx, asAdapterError(err, func(e error) *errors.AdapterError {
			return errors.NewConnectionError(r.name, client.ID, e)
		}, client.ID))
	}
	defer func() {
		if err := session.Close(); err != nil {
			logger.Debug().Err(err).Msg("Session close failed")
		}
	}()

	incremental := false
	if inc, ok := session.(Incremental); ok {
		incremental = inc.Incremental()
	}

	err = session.Devices(ctx, func(d *schema.Device) error {
		return r.storeDevice(ctx, client.ID, d, run)
	})
	if err != nil && !stderrors.Is(err, ErrNotSupported) {
		return incremental, r.handle(ctx, asAdapterError(err, func(e error) *errors.AdapterError {
			return errors.NewConnectionError(r.name, client.ID, e)
		}, client.ID))
	}

	err = session.Users(ctx, func(u *schema.User) error {
		return r.storeUser(ctx, client.ID, u, run)
	})
	if err != nil && !stderrors.Is(err, ErrNotSupported) {
		return incremental, r.handle(ctx, asAdapterError(err, func(e error) *errors.AdapterError {
			return errors.NewConnectionError(r.name, client.ID, e)
		}, client.ID))
	}
	return incremental, nil
}

// storeDevice stamps, validates and upserts one device. Invalid devices are
// skipped; storage failures abort the fetch.
func (r *Runner) storeDevice(ctx context.Context, clientID string, d *schema.Device, run *store.FetchRun) error {
	if d == nil {
		return nil
	}
	d.Adapter = r.name
	d.Client = clientID

	if err := d.Validate(); err != nil {
		run.Skipped++
		_ = r.handle(ctx, errors.NewParseError(r.name, d.Hostname, err).WithClient(clientID))
		return nil
	}

	created, err := r.store.UpsertDevice(ctx, d)
	if err != nil {
		return errors.NewStorageError(r.name, "upsert_device", err).WithClient(clientID)
	}
	run.Devices++

	eventType, description := events.EventDeviceUpdated, "Device updated"
	if created {
		run.Created++
		eventType, description = events.EventDeviceDiscovered, "Device discovered"
	} else {
		run.Updated++
	}
	r.publish(ctx, events.Event{
		Type:        eventType,
		Target:      d.Key(),
		Description: description,
		Data: map[string]interface{}{
			"adapter":   d.Adapter,
			"client":    d.Client,
			"device_id": d.ID,
			"device":    *d,
		},
	})
	return nil
}

func (r *Runner) storeUser(ctx context.Context, clientID string, u *schema.User, run *store.FetchRun) error {
	if u == nil {
		return nil
	}
	u.Adapter = r.name
	u.Client = clientID

	if err := u.Validate(); err != nil {
		run.Skipped++
		_ = r.handle(ctx, errors.NewParseError(r.name, u.Username, err).WithClient(clientID))
		return nil
	}

	created, err := r.store.UpsertUser(ctx, u)
	if err != nil {
		return errors.NewStorageError(r.name, "upsert_user", err).WithClient(clientID)
	}
	run.Users++
	if created {
		run.Created++
		r.publish(ctx, events.Event{
			Type:        events.EventUserDiscovered,
			Target:      u.Key(),
			Description: "User discovered",
			Data:        map[string]interface{}{"username": u.Username, "mail": u.Mail},
		})
	} else {
		run.Updated++
	}
	return nil
}

// asAdapterError keeps adapter errors as they are and wraps anything else.
func asAdapterError(err error, wrap func(error) *errors.AdapterError, clientID string) *errors.AdapterError {
	var ae *errors.AdapterError
	if stderrors.As(err, &ae) {
		if ae.Client == "" {
			return ae.WithClient(clientID)
		}
		return ae
	}
	return wrap(err).WithClient(clientID)
}

// handle logs and collects err and returns it.
func (r *Runner) handle(ctx context.Context, err *errors.AdapterError) error {
	if cerr := r.errs.HandleError(ctx, err); cerr != nil {
		r.logger.Debug().Err(cerr).Msg("Error collector failed")
	}
	return err
}

func (r *Runner) publish(ctx context.Context, e events.Event) {
	if r.bus == nil {
		return
	}
	e.Source = r.name
	var err error
	if wp, ok := r.bus.(events.WaitPublisher); ok {
		err = wp.PublishWait(ctx, e)
	} else {
		err = r.bus.Publish(ctx, e)
	}
	if err != nil {
		r.logger.Warn().Err(err).Str("type", string(e.Type)).Msg("Event not published")
	}
}

func (r *Runner) setRunning(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.status[clientID]
	if !ok {
		st = &ClientStatus{Client: clientID}
		r.status[clientID] = st
	}
	st.Running = true
}

func (r *Runner) setFinished(clientID string, run *store.FetchRun) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *run
	st := r.status[clientID]
	st.Running = false
	st.LastRun = &cp
}

// Status returns the state of every client ordered by client id.
func (r *Runner) Status() []ClientStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ClientStatus, 0, len(r.status))
	for _, st := range r.status {
		cp := *st
		if st.LastRun != nil {
			run := *st.LastRun
			cp.LastRun = &run
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Client < out[j].Client })
	return out
}
