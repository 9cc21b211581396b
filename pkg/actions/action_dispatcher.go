package actions

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lucid-vigil/fleet/pkg/actions/remote_command"
	"github.com/lucid-vigil/fleet/pkg/actions/tag_device"
	"github.com/lucid-vigil/fleet/pkg/actions/webhook"
	"github.com/lucid-vigil/fleet/pkg/config"
	"github.com/lucid-vigil/fleet/pkg/errors"
	"github.com/lucid-vigil/fleet/pkg/events"
	"github.com/lucid-vigil/fleet/pkg/store"
	"github.com/rs/zerolog"
)

var (
	ErrDisabled       = stderrors.New("actions are disabled")
	ErrUnknownAction  = stderrors.New("action not found")
	ErrDeviceNotFound = stderrors.New("device not found")
)

// DeviceStore is the part of the store the dispatcher and its built-in
// actions need.
type DeviceStore interface {
	GetDevice(ctx context.Context, adapter, client, deviceID string) (*store.DeviceRecord, error)
	GetDeviceByID(ctx context.Context, id uint64) (*store.DeviceRecord, error)
	AddDeviceTag(ctx context.Context, id uint64, tag string) (bool, error)
}

// Dispatcher manages and executes device actions. It also runs the actions
// configured on an adapter for every device that adapter discovers.
type Dispatcher struct {
	actions  map[string]Action
	adapters map[string][]string
	enabled  bool
	store    DeviceStore
	bus      events.Publisher
	logger   zerolog.Logger
	mu       sync.RWMutex
}

// NewDispatcher creates a dispatcher with the built-in actions. tag_device
// is always available; webhook and remote_command only when settings for
// them are configured.
func NewDispatcher(cfg config.ActionsConfig, st DeviceStore, bus events.Publisher, logger zerolog.Logger) (*Dispatcher, error) {
	d := &Dispatcher{
		actions:  make(map[string]Action),
		adapters: make(map[string][]string),
		enabled:  cfg.Enabled,
		store:    st,
		bus:      bus,
		logger:   logger.With().Str("component", "actions").Logger(),
	}

	tag, err := tag_device.New(st, cfg.Settings["tag_device"])
	if err != nil {
		return nil, err
	}
	d.RegisterAction(tag)

	if settings, ok := cfg.Settings["webhook"]; ok {
		hook, err := webhook.New(settings)
		if err != nil {
			return nil, err
		}
		d.RegisterAction(hook)
	}
	if settings, ok := cfg.Settings["remote_command"]; ok {
		cmd, err := remote_command.New(settings)
		if err != nil {
			return nil, err
		}
		d.RegisterAction(cmd)
	}

	return d, nil
}

// RegisterAction registers a new action with the dispatcher
func (d *Dispatcher) RegisterAction(action Action) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.actions[action.Name()] = action
	d.logger.Info().Msgf("Action '%s' registered.", action.Name())
}

// Actions returns the registered action names, sorted.
func (d *Dispatcher) Actions() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	names := make([]string, 0, len(d.actions))
	for name := range d.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetAdapters replaces the per-adapter action lists with those of the
// given adapter configs.
func (d *Dispatcher) SetAdapters(adapters []config.AdapterConfig) {
	lists := make(map[string][]string, len(adapters))
	for _, ac := range adapters {
		if len(ac.Actions) > 0 {
			lists[ac.Name] = append([]string(nil), ac.Actions...)
		}
	}

	d.mu.Lock()
	d.adapters = lists
	d.mu.Unlock()
}

// Execute runs the named action on device and publishes the outcome.
func (d *Dispatcher) Execute(ctx context.Context, actionName string, device *store.DeviceRecord, params map[string]interface{}) error {
	d.mu.RLock()
	enabled := d.enabled
	action, exists := d.actions[actionName]
	d.mu.RUnlock()

	if !enabled {
		d.logger.Info().Str("action", actionName).Msg("Actions are disabled, skipping execution.")
		return ErrDisabled
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownAction, actionName)
	}

	logger := d.logger.With().Str("action", actionName).Str("device", device.Key()).Logger()
	logger.Info().Msg("Executing device action...")

	start := time.Now()
	err := action.Execute(ctx, device, params)
	data := map[string]interface{}{
		"action":      actionName,
		"record_id":   device.ID,
		"adapter":     device.Adapter,
		"client":      device.Client,
		"device_id":   device.DeviceID,
		"duration_ms": time.Since(start).Milliseconds(),
	}

	if err != nil {
		logger.Error().Err(err).Msg("Action execution failed.")
		data["error"] = err.Error()
		d.publish(ctx, events.EventActionFailed, device.Key(), "medium", fmt.Sprintf("Action '%s' failed", actionName), data)
		return errors.NewActionError(actionName, err)
	}

	logger.Info().Msg("Action executed successfully.")
	d.publish(ctx, events.EventActionTriggered, device.Key(), "info", fmt.Sprintf("Action '%s' executed", actionName), data)
	return nil
}

// ExecuteOnRecord looks the device up by record id and runs the action.
func (d *Dispatcher) ExecuteOnRecord(ctx context.Context, actionName string, recordID uint64, params map[string]interface{}) error {
	rec, err := d.store.GetDeviceByID(ctx, recordID)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("%w: %d", ErrDeviceNotFound, recordID)
	}
	return d.Execute(ctx, actionName, rec, params)
}

// ExecuteActions runs multiple actions on a device. Failures are logged
// and do not stop the remaining actions.
func (d *Dispatcher) ExecuteActions(ctx context.Context, actionNames []string, device *store.DeviceRecord) {
	for _, actionName := range actionNames {
		if err := d.Execute(ctx, actionName, device, nil); err != nil && !stderrors.Is(err, ErrDisabled) {
			d.logger.Error().Err(err).Str("action", actionName).Msg("Failed to execute action.")
		}
	}
}

// GetEventTypes returns event types the dispatcher handles
func (d *Dispatcher) GetEventTypes() []events.EventType {
	return []events.EventType{events.EventDeviceDiscovered}
}

// Handle runs the actions configured for the adapter that discovered the
// device.
func (d *Dispatcher) Handle(ctx context.Context, event events.Event) error {
	adapter, _ := event.Data["adapter"].(string)
	client, _ := event.Data["client"].(string)
	deviceID, _ := event.Data["device_id"].(string)

	d.mu.RLock()
	enabled := d.enabled
	names := d.adapters[adapter]
	d.mu.RUnlock()

	if !enabled || len(names) == 0 {
		return nil
	}

	rec, err := d.store.GetDevice(ctx, adapter, client, deviceID)
	if err != nil {
		return fmt.Errorf("load device %s: %w", event.Target, err)
	}
	if rec == nil {
		d.logger.Debug().Str("device", event.Target).Msg("Discovered device is gone, skipping actions")
		return nil
	}

	d.ExecuteActions(ctx, names, rec)
	return nil
}

// IsEnabled returns whether actions are enabled
func (d *Dispatcher) IsEnabled() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.enabled
}

// SetEnabled enables or disables action execution
func (d *Dispatcher) SetEnabled(enabled bool) {
	d.mu.Lock()
	d.enabled = enabled
	d.mu.Unlock()
	d.logger.Info().Bool("enabled", enabled).Msg("Action execution status changed.")
}

func (d *Dispatcher) publish(ctx context.Context, t events.EventType, target, severity, description string, data map[string]interface{}) {
	if d.bus == nil {
		return
	}
	event := events.Event{
		Type:        t,
		Source:      "actions",
		Target:      target,
		Severity:    severity,
		Description: description,
		Data:        data,
		Tags:        []string{"action"},
	}
	if err := d.bus.Publish(ctx, event); err != nil {
		d.logger.Debug().Err(err).Str("type", string(t)).Msg("Event not published")
	}
}
