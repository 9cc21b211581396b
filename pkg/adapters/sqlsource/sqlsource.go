// Package sqlsource reads devices and users straight out of a product's
// database with operator supplied queries.
package sqlsource

import (
	"context"

	"github.com/lucid-vigil/fleet/pkg/adapters"
	"github.com/lucid-vigil/fleet/pkg/config"
	"github.com/lucid-vigil/fleet/pkg/connection/sqlconn"
	"github.com/lucid-vigil/fleet/pkg/errors"
	"github.com/rs/zerolog"
)

const Type = "sqlsource"

func init() {
	adapters.Register(Type, New)
}

var clientSchema = adapters.Schema{Fields: []adapters.SchemaField{
	{Name: "dialect", Title: "Database dialect", Type: adapters.TypeString, Required: true, Enum: sqlconn.Dialects()},
	{Name: "dsn", Title: "Data source name", Type: adapters.TypeString, Required: true, Secret: true},
	{Name: "devices_query", Title: "Device query", Type: adapters.TypeString, Required: true},
	{Name: "users_query", Title: "User query", Type: adapters.TypeString},
	{Name: "id_column", Title: "Device id column", Type: adapters.TypeString, Default: "id"},
	{Name: "user_id_column", Title: "User id column", Type: adapters.TypeString, Default: "id"},
	{Name: "field_map", Title: "Device field to column map", Type: adapters.TypeMap},
	{Name: "user_field_map", Title: "User field to column map", Type: adapters.TypeMap},
	{Name: "page_size", Title: "Rows per query page, 0 disables paging", Type: adapters.TypeInteger, Default: 500},
	{Name: "max_open_conns", Type: adapters.TypeInteger, Default: 2},
}}

type settings struct {
	Dialect      string            `mapstructure:"dialect"`
	DSN          string            `mapstructure:"dsn"`
	DevicesQuery string            `mapstructure:"devices_query"`
	UsersQuery   string            `mapstructure:"users_query"`
	IDColumn     string            `mapstructure:"id_column"`
	UserIDColumn string            `mapstructure:"user_id_column"`
	FieldMap     map[string]string `mapstructure:"field_map"`
	UserFieldMap map[string]string `mapstructure:"user_field_map"`
	PageSize     int               `mapstructure:"page_size"`
	MaxOpenConns int               `mapstructure:"max_open_conns"`
}

// Adapter is the generic SQL adapter.
type Adapter struct {
	*adapters.BaseAdapter
}

func New(logger zerolog.Logger) adapters.Adapter {
	return &Adapter{BaseAdapter: adapters.NewBaseAdapter(Type, clientSchema, logger)}
}

// Connect opens and pings the database.
func (a *Adapter) Connect(ctx context.Context, client config.ClientConfig) (adapters.Session, error) {
	var s settings
	if err := a.Prepare(client, &s); err != nil {
		return nil, err
	}

	src := &sqlconn.Source{
		Dialect:      sqlconn.Dialect(s.Dialect),
		DSN:          s.DSN,
		MaxOpenConns: s.MaxOpenConns,
	}
	if err := src.Open(ctx); err != nil {
		return nil, errors.NewConnectionError(Type, s.Dialect, err).WithClient(client.ID)
	}
	return &session{src: src, settings: s, logger: a.ClientLogger(client)}, nil
}

type session struct {
	src      *sqlconn.Source
	settings settings
	logger   zerolog.Logger
}

func (s *session) Devices(ctx context.Context, emit adapters.DeviceFunc) error {
	_, err := s.src.QueryPages(ctx, s.settings.DevicesQuery, s.settings.IDColumn, s.settings.PageSize, func(rows []sqlconn.Row) error {
		for _, row := range rows {
			d, err := adapters.MapRowDevice(row, s.settings.IDColumn, s.settings.FieldMap)
			if err != nil {
				s.logger.Warn().Err(err).Str("device", d.ID).Msg("Some device columns could not be mapped")
			}
			if err := emit(d); err != nil {
				return err
			}
		}
		return nil
	})
	return err
}

func (s *session) Users(ctx context.Context, emit adapters.UserFunc) error {
	if s.settings.UsersQuery == "" {
		return adapters.ErrNotSupported
	}
	_, err := s.src.QueryPages(ctx, s.settings.UsersQuery, s.settings.UserIDColumn, s.settings.PageSize, func(rows []sqlconn.Row) error {
		for _, row := range rows {
			u, err := adapters.MapRowUser(row, s.settings.UserIDColumn, s.settings.UserFieldMap)
			if err != nil {
				s.logger.Warn().Err(err).Str("user", u.ID).Msg("Some user columns could not be mapped")
			}
			if err := emit(u); err != nil {
				return err
			}
		}
		return nil
	})
	return err
}

func (s *session) Close() error {
	return s.src.Close()
}
