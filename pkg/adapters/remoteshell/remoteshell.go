// Package remoteshell inventories Linux hosts by running commands over SSH
// and parsing what they print.
package remoteshell

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/lucid-vigil/fleet/pkg/adapters"
	"github.com/lucid-vigil/fleet/pkg/config"
	"github.com/lucid-vigil/fleet/pkg/connection/sshexec"
	"github.com/lucid-vigil/fleet/pkg/errors"
	"github.com/rs/zerolog"
)

const Type = "remoteshell"

func init() {
	adapters.Register(Type, New)
}

var clientSchema = adapters.Schema{Fields: []adapters.SchemaField{
	{Name: "hosts", Title: "Hosts", Type: adapters.TypeList, Required: true},
	{Name: "username", Title: "SSH user", Type: adapters.TypeString, Required: true},
	{Name: "password", Title: "SSH password", Type: adapters.TypeString, Secret: true},
	{Name: "private_key", Title: "PEM private key", Type: adapters.TypeString, Secret: true},
	{Name: "passphrase", Title: "Private key passphrase", Type: adapters.TypeString, Secret: true},
	{Name: "known_hosts_file", Title: "known_hosts file", Type: adapters.TypeString},
	{Name: "insecure_host_key", Title: "Skip host key verification", Type: adapters.TypeBool, Default: false},
	{Name: "port", Type: adapters.TypeInteger, Default: 22},
	{Name: "concurrency", Title: "Hosts queried in parallel", Type: adapters.TypeInteger, Default: 8},
	{Name: "timeout", Title: "Connect timeout", Type: adapters.TypeString, Default: "10s"},
	{Name: "commands", Title: "Commands to run", Type: adapters.TypeList},
}}

type settings struct {
	Hosts          []string      `mapstructure:"hosts"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	PrivateKey     string        `mapstructure:"private_key"`
	Passphrase     string        `mapstructure:"passphrase"`
	KnownHostsFile string        `mapstructure:"known_hosts_file"`
	InsecureHost   bool          `mapstructure:"insecure_host_key"`
	Port           int           `mapstructure:"port"`
	Concurrency    int           `mapstructure:"concurrency"`
	Timeout        time.Duration `mapstructure:"timeout"`
	Commands       []string      `mapstructure:"commands"`
}

type Adapter struct {
	*adapters.BaseAdapter
}

func New(logger zerolog.Logger) adapters.Adapter {
	return &Adapter{BaseAdapter: adapters.NewBaseAdapter(Type, clientSchema, logger)}
}

// Connect checks the credentials. Hosts are dialled when devices are
// fetched so that one unreachable host does not fail the client.
func (a *Adapter) Connect(ctx context.Context, client config.ClientConfig) (adapters.Session, error) {
	var s settings
	if err := a.Prepare(client, &s); err != nil {
		return nil, err
	}
	if s.Password == "" && s.PrivateKey == "" {
		return nil, errors.NewConfigError(Type, stderrors.New("password or private_key is required"), nil).WithClient(client.ID)
	}
	if len(s.Commands) == 0 {
		s.Commands = DefaultCommands
	}

	exec := &sshexec.Executor{
		User:            s.Username,
		Password:        s.Password,
		Passphrase:      s.Passphrase,
		Port:            s.Port,
		Timeout:         s.Timeout,
		KnownHostsFile:  s.KnownHostsFile,
		InsecureHostKey: s.InsecureHost,
	}
	if s.PrivateKey != "" {
		exec.PrivateKey = []byte(s.PrivateKey)
	}
	if err := exec.Validate(); err != nil {
		return nil, asAdapterError(err).WithClient(client.ID)
	}

	logger := a.ClientLogger(client)
	if s.InsecureHost && s.KnownHostsFile == "" {
		logger.Warn().Msg("SSH host keys are not verified")
	}
	return &session{exec: exec, settings: s, clientID: client.ID, logger: logger}, nil
}

type session struct {
	adapters.NoUsers

	exec     *sshexec.Executor
	settings settings
	clientID string
	logger   zerolog.Logger
}

// Devices emits one device per reachable host. Unreachable hosts are
// reported together once every other host has been emitted.
func (s *session) Devices(ctx context.Context, emit adapters.DeviceFunc) error {
	var failed []error
	for _, hr := range s.exec.RunAll(ctx, s.settings.Hosts, s.settings.Commands, s.settings.Concurrency) {
		if hr.Err != nil {
			s.logger.Warn().Err(hr.Err).Str("host", hr.Host).Msg("Host could not be inventoried")
			failed = append(failed, errors.NewConnectionError(Type, hr.Host, hr.Err).WithClient(s.clientID))
			continue
		}
		for _, res := range hr.Results {
			if res.ExitCode != 0 {
				s.logger.Debug().
					Str("host", hr.Host).
					Str("command", res.Command).
					Int("exit_code", res.ExitCode).
					Msg("Command failed")
			}
		}
		if err := emit(parseHost(hr.Host, hr.Results)); err != nil {
			return err
		}
	}
	return stderrors.Join(failed...)
}

func (s *session) Close() error {
	return nil
}

func asAdapterError(err error) *errors.AdapterError {
	var ae *errors.AdapterError
	if stderrors.As(err, &ae) {
		ae.Adapter = Type
		return ae
	}
	return errors.NewConfigError(Type, err, nil)
}
