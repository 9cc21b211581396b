package adapters

import (
	"github.com/lucid-vigil/fleet/pkg/config"
	"github.com/lucid-vigil/fleet/pkg/errors"
	"github.com/rs/zerolog"
)

// BaseAdapter carries the parts every adapter shares: its type name, its
// client schema and a logger. Concrete adapters embed it.
type BaseAdapter struct {
	adapterType string
	schema      Schema
	logger      zerolog.Logger
}

// NewBaseAdapter creates the shared part of an adapter.
func NewBaseAdapter(adapterType string, clientSchema Schema, logger zerolog.Logger) *BaseAdapter {
	return &BaseAdapter{
		adapterType: adapterType,
		schema:      clientSchema,
		logger:      logger,
	}
}

// Type returns the adapter's registry name.
func (b *BaseAdapter) Type() string {
	return b.adapterType
}

// ClientSchema returns the adapter's client schema.
func (b *BaseAdapter) ClientSchema() Schema {
	return b.schema
}

// Logger returns the adapter logger.
func (b *BaseAdapter) Logger() zerolog.Logger {
	return b.logger
}

// ClientLogger returns a logger tagged with the client id.
func (b *BaseAdapter) ClientLogger(client config.ClientConfig) zerolog.Logger {
	return b.logger.With().Str("client", client.ID).Logger()
}

// Prepare fills defaults, validates the client settings against the schema
// and decodes them into out.
func (b *BaseAdapter) Prepare(client config.ClientConfig, out interface{}) error {
	settings := b.schema.ApplyDefaults(client.Settings)
	if err := b.schema.Validate(settings); err != nil {
		return errors.NewConfigError(b.adapterType, err, map[string]interface{}{"client": client.ID}).WithClient(client.ID)
	}
	if err := b.schema.Decode(settings, out); err != nil {
		return errors.NewConfigError(b.adapterType, err, map[string]interface{}{"client": client.ID}).WithClient(client.ID)
	}
	return nil
}
