package remote_command

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/lucid-vigil/fleet/pkg/connection/sshexec"
	"github.com/lucid-vigil/fleet/pkg/store"
	"github.com/rs/zerolog/log"
)

// Settings configure the command and the SSH credentials used to run it.
type Settings struct {
	Command        string        `mapstructure:"command"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	PrivateKey     string        `mapstructure:"private_key"`
	Passphrase     string        `mapstructure:"passphrase"`
	KnownHostsFile string        `mapstructure:"known_hosts_file"`
	InsecureHost   bool          `mapstructure:"insecure_host_key"`
	Port           int           `mapstructure:"port"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// RemoteCommandAction implements the actions.Action interface. It runs a
// fixed command over SSH on the first address the device reports.
type RemoteCommandAction struct {
	command string
	exec    *sshexec.Executor
}

// New builds the action. settings must name a command, a username, a
// password or private key, and either known_hosts_file or
// insecure_host_key.
func New(settings map[string]interface{}) (*RemoteCommandAction, error) {
	s := Settings{Port: 22, Timeout: 10 * time.Second}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.StringToTimeDurationHookFunc(),
		Result:     &s,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(settings); err != nil {
		return nil, fmt.Errorf("remote_command settings: %w", err)
	}
	switch {
	case s.Command == "":
		return nil, fmt.Errorf("remote_command settings: command is required")
	case s.Username == "":
		return nil, fmt.Errorf("remote_command settings: username is required")
	case s.Password == "" && s.PrivateKey == "":
		return nil, fmt.Errorf("remote_command settings: password or private_key is required")
	}

	exec := &sshexec.Executor{
		User:            s.Username,
		Password:        s.Password,
		PrivateKey:      []byte(s.PrivateKey),
		Passphrase:      s.Passphrase,
		Port:            s.Port,
		Timeout:         s.Timeout,
		KnownHostsFile:  s.KnownHostsFile,
		InsecureHostKey: s.InsecureHost,
	}
	if err := exec.Validate(); err != nil {
		return nil, fmt.Errorf("remote_command settings: %w", err)
	}
	if s.InsecureHost && s.KnownHostsFile == "" {
		log.Warn().Str("action", "remote_command").Msg("SSH host keys are not verified")
	}

	return &RemoteCommandAction{command: s.Command, exec: exec}, nil
}

// Name returns the unique name of the action.
func (a *RemoteCommandAction) Name() string {
	return "remote_command"
}

// Execute runs the command on the device's first IP, or on params["host"]
// when given. A non-zero exit status is an error.
func (a *RemoteCommandAction) Execute(ctx context.Context, device *store.DeviceRecord, params map[string]interface{}) error {
	host, _ := params["host"].(string)
	if host == "" {
		ips := device.Data.IPs()
		if len(ips) == 0 {
			return fmt.Errorf("device %s has no IP address", device.Key())
		}
		host = ips[0]
	}

	log.Info().Str("device", device.Key()).Str("host", host).Msg("Running remote command...")

	res, err := a.exec.Run(ctx, host, a.command)
	if err != nil {
		return fmt.Errorf("failed to run command on %s: %w", host, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("command on %s exited with status %d: %s", host, res.ExitCode, strings.TrimSpace(res.Stderr))
	}

	log.Info().Str("device", device.Key()).Str("host", host).Msg("Remote command completed.")
	return nil
}
