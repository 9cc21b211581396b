package tag_device

import (
	"context"
	"fmt"

	"github.com/go-viper/mapstructure/v2"
	"github.com/lucid-vigil/fleet/pkg/store"
	"github.com/rs/zerolog/log"
)

// DefaultTag is applied when neither the settings nor the call name a tag.
const DefaultTag = "discovered"

// Tagger is the part of the store the action writes to.
type Tagger interface {
	AddDeviceTag(ctx context.Context, id uint64, tag string) (bool, error)
}

// Settings configure the action. Tag may be overridden per call with a
// "tag" param.
type Settings struct {
	Tag string `mapstructure:"tag"`
}

// TagDeviceAction implements the actions.Action interface. It adds a tag
// to the stored device record.
type TagDeviceAction struct {
	store Tagger
	tag   string
}

// New builds the action from its settings map, which may be nil.
func New(st Tagger, settings map[string]interface{}) (*TagDeviceAction, error) {
	var s Settings
	if err := mapstructure.Decode(settings, &s); err != nil {
		return nil, fmt.Errorf("tag_device settings: %w", err)
	}
	if s.Tag == "" {
		s.Tag = DefaultTag
	}
	return &TagDeviceAction{store: st, tag: s.Tag}, nil
}

// Name returns the unique name of the action.
func (a *TagDeviceAction) Name() string {
	return "tag_device"
}

// Execute adds the configured tag, or params["tag"] when set.
func (a *TagDeviceAction) Execute(ctx context.Context, device *store.DeviceRecord, params map[string]interface{}) error {
	tag := a.tag
	if v, ok := params["tag"]; ok {
		s, ok := v.(string)
		if !ok || s == "" {
			return fmt.Errorf("invalid 'tag' in action params")
		}
		tag = s
	}

	found, err := a.store.AddDeviceTag(ctx, device.ID, tag)
	if err != nil {
		return fmt.Errorf("failed to tag device %s: %w", device.Key(), err)
	}
	if !found {
		return fmt.Errorf("device %s no longer exists", device.Key())
	}

	log.Debug().Str("device", device.Key()).Str("tag", tag).Msg("Device tagged")
	return nil
}
