package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/lucid-vigil/fleet/pkg/actions"
	"github.com/lucid-vigil/fleet/pkg/adapters"
	"github.com/lucid-vigil/fleet/pkg/cache"
	"github.com/lucid-vigil/fleet/pkg/config"
	"github.com/lucid-vigil/fleet/pkg/correlator"
	"github.com/lucid-vigil/fleet/pkg/errors"
	"github.com/lucid-vigil/fleet/pkg/events"
	"github.com/lucid-vigil/fleet/pkg/logger"
	"github.com/lucid-vigil/fleet/pkg/scheduler"
	"github.com/lucid-vigil/fleet/pkg/store"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// app holds every long-lived component built from the configuration.
type app struct {
	cfg        *config.Config
	store      *store.Store
	redis      *redis.Client
	locker     cache.Locker
	cursors    cache.CursorStore
	bus        *events.EventBus
	errs       *errors.ErrorHandler
	collector  *errors.MemoryCollector
	linker     *correlator.Linker
	dispatcher *actions.Dispatcher
	scheduler  *scheduler.Scheduler
	logger     zerolog.Logger

	mu      sync.Mutex
	runners map[string]*adapters.Runner
}

// newApp opens the store and the optional redis connection and builds the
// event pipeline. Nothing runs until start.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{
		cfg:     cfg,
		logger:  logger.Component("app"),
		runners: make(map[string]*adapters.Runner),
	}

	st, err := store.Open(cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return nil, err
	}
	a.store = st

	if cfg.Redis.Addr != "" {
		client, err := cache.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		a.redis = client
		a.locker = cache.NewRedisLocker(client)
		a.cursors = cache.NewRedisCursorStore(client)
		a.logger.Info().Str("addr", cfg.Redis.Addr).Msg("Using redis for fetch locks and cursors")
	} else {
		a.locker = cache.NewMemoryLocker()
		a.cursors = cache.NewMemoryCursorStore()
	}

	a.bus = events.NewEventBus(log.Logger, cfg.EventBus.BufferSize,
		events.WithDeduplicator(events.NewEventDeduplicator(cfg.EventBus.DedupWindow)),
		events.WithValidator(events.NewEventValidator(0, cfg.EventBus.RateLimit)),
	)
	a.collector = errors.NewMemoryCollector()
	a.errs = errors.NewErrorHandler(log.Logger, a.collector)

	if cfg.Correlation.Enabled {
		a.linker = correlator.NewLinker(st, a.bus, cfg.Correlation.Identifiers, log.Logger)
		a.bus.Subscribe(a.linker)
	}

	a.dispatcher, err = actions.NewDispatcher(cfg.Actions, st, a.bus, log.Logger)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to set up actions: %w", err)
	}
	a.dispatcher.SetAdapters(cfg.Adapters)
	a.bus.Subscribe(a.dispatcher)

	a.scheduler = scheduler.NewScheduler(a.bus, log.Logger)
	return a, nil
}

// newRunner builds the runner of one configured adapter and its schedule.
func (a *app) newRunner(ac config.AdapterConfig) (*adapters.Runner, scheduler.Schedule, error) {
	adapter, err := adapters.Default.New(ac.Type, log.Logger)
	if err != nil {
		return nil, scheduler.Schedule{}, fmt.Errorf("adapter %s: %w", ac.Name, err)
	}
	interval, err := ac.IntervalDuration()
	if err != nil {
		return nil, scheduler.Schedule{}, err
	}

	runner := adapters.NewRunner(ac.Name, adapter, ac.Clients, a.store,
		adapters.WithPublisher(a.bus),
		adapters.WithLocker(a.locker, 0),
		adapters.WithCursors(a.cursors),
		adapters.WithErrorHandler(a.errs),
		adapters.WithRunnerLogger(log.Logger),
	)
	return runner, scheduler.Schedule{Interval: interval, Cron: ac.Cron}, nil
}

// addAdapter builds, schedules and announces one adapter.
func (a *app) addAdapter(ctx context.Context, ac config.AdapterConfig) error {
	runner, schedule, err := a.newRunner(ac)
	if err != nil {
		return err
	}
	if err := a.scheduler.Register(runner, schedule); err != nil {
		return err
	}

	a.mu.Lock()
	a.runners[ac.Name] = runner
	a.mu.Unlock()

	if err := a.bus.Publish(ctx, events.Event{
		Type:        events.EventAdapterRegistered,
		Source:      "app",
		Target:      ac.Name,
		Description: fmt.Sprintf("Adapter '%s' registered", ac.Name),
		Data: map[string]interface{}{
			"adapter":  ac.Name,
			"type":     ac.Type,
			"clients":  len(ac.Clients),
			"schedule": schedule.String(),
		},
	}); err != nil {
		a.logger.Debug().Err(err).Msg("Event not published")
	}
	return nil
}

func (a *app) removeAdapter(name string) error {
	a.mu.Lock()
	delete(a.runners, name)
	a.mu.Unlock()
	return a.scheduler.Remove(name)
}

// registerAdapters schedules every enabled adapter. A broken adapter is
// logged and skipped.
func (a *app) registerAdapters(ctx context.Context) {
	for _, ac := range a.cfg.EnabledAdapters() {
		if err := a.addAdapter(ctx, ac); err != nil {
			a.logger.Error().Err(err).Str("adapter", ac.Name).Msg("Failed to register adapter")
			continue
		}
	}
}

// runnerList returns the scheduled runners.
func (a *app) runnerList() []*adapters.Runner {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*adapters.Runner, 0, len(a.runners))
	for _, r := range a.runners {
		out = append(out, r)
	}
	return out
}

// reload applies the parts of a new configuration that can change at
// runtime: the log level, adapter enable flags and action settings.
func (a *app) reload(ctx context.Context, oldCfg, newCfg *config.Config) error {
	if oldCfg.LogLevel != newCfg.LogLevel {
		zerolog.SetGlobalLevel(logger.ParseLevel(newCfg.LogLevel))
		a.logger.Info().Str("level", newCfg.LogLevel).Msg("Log level changed")
	}

	for _, ac := range newCfg.Adapters {
		prev, existed := oldCfg.GetAdapterConfig(ac.Name)
		wasOn := existed && prev.Enabled
		switch {
		case ac.Enabled && !wasOn:
			if err := a.addAdapter(ctx, ac); err != nil {
				a.logger.Error().Err(err).Str("adapter", ac.Name).Msg("Failed to enable adapter")
				continue
			}
			a.logger.Info().Str("adapter", ac.Name).Msg("Adapter enabled")
		case !ac.Enabled && wasOn:
			if err := a.removeAdapter(ac.Name); err != nil {
				a.logger.Warn().Err(err).Str("adapter", ac.Name).Msg("Failed to disable adapter")
				continue
			}
			a.logger.Info().Str("adapter", ac.Name).Msg("Adapter disabled")
		}
	}
	for _, ac := range oldCfg.EnabledAdapters() {
		if _, still := newCfg.GetAdapterConfig(ac.Name); !still {
			if err := a.removeAdapter(ac.Name); err != nil {
				a.logger.Warn().Err(err).Str("adapter", ac.Name).Msg("Failed to remove adapter")
			}
		}
	}

	if oldCfg.Actions.Enabled != newCfg.Actions.Enabled {
		a.dispatcher.SetEnabled(newCfg.Actions.Enabled)
	}
	a.dispatcher.SetAdapters(newCfg.Adapters)
	a.cfg = newCfg
	return nil
}

func (a *app) close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to close redis")
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to close store")
		}
	}
}
