// Package adapters defines the contract every inventory source implements
// and the machinery shared by all of them: client schemas, the type
// registry, field mapping and the fetch runner.
package adapters

import (
	"context"
	stderrors "errors"

	"github.com/lucid-vigil/fleet/pkg/config"
	"github.com/lucid-vigil/fleet/pkg/schema"
	"github.com/rs/zerolog"
)

// ErrNotSupported is returned by sessions for record kinds their source
// does not have.
var ErrNotSupported = stderrors.New("not supported by this adapter")

// DeviceFunc receives every device a session produces. Returning an error
// stops the session.
type DeviceFunc func(*schema.Device) error

// UserFunc receives every user a session produces.
type UserFunc func(*schema.User) error

// Adapter translates one kind of third-party source into devices and users.
type Adapter interface {
	// Type is the registry name, e.g. "restapi".
	Type() string
	// ClientSchema describes the settings a client of this adapter takes.
	ClientSchema() Schema
	// Connect authenticates against the source described by client.
	Connect(ctx context.Context, client config.ClientConfig) (Session, error)
}

// Session is an authenticated connection to one client.
type Session interface {
	Devices(ctx context.Context, emit DeviceFunc) error
	Users(ctx context.Context, emit UserFunc) error
	Close() error
}

// Factory builds an adapter instance.
type Factory func(logger zerolog.Logger) Adapter

// NoUsers can be embedded by sessions whose source has no accounts.
type NoUsers struct{}

func (NoUsers) Users(context.Context, UserFunc) error {
	return ErrNotSupported
}
