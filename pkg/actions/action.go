package actions

import (
	"context"

	"github.com/lucid-vigil/fleet/pkg/store"
)

// Action defines the interface for anything fleet can do to a device.
// Each action must have a name and an execution method.
type Action interface {
	// Name returns the unique name of the action.
	Name() string
	// Execute performs the action on device. params carries per-call
	// options; configured settings were bound when the action was built.
	Execute(ctx context.Context, device *store.DeviceRecord, params map[string]interface{}) error
}
