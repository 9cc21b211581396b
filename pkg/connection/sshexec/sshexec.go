// Package sshexec runs inventory commands on remote hosts over SSH.
package sshexec

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/lucid-vigil/fleet/pkg/errors"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/sync/errgroup"
)

// Result is the outcome of one command.
type Result struct {
	Command  string `json:"command"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// HostResult collects the results of every command run on one host. Err is
// set when the host could not be reached or authenticated.
type HostResult struct {
	Host    string
	Results []Result
	Err     error
}

// Executor holds the credentials shared by every host it connects to.
type Executor struct {
	User           string
	Password       string
	PrivateKey     []byte
	Passphrase     string
	Port           int
	Timeout        time.Duration // connect and handshake timeout
	KnownHostsFile string

	// HostKeyCallback overrides KnownHostsFile. One of the two is required
	// unless InsecureHostKey explicitly turns verification off.
	HostKeyCallback ssh.HostKeyCallback
	InsecureHostKey bool
}

// ErrNoHostKeyCheck is returned when an executor has no way to verify host
// keys and insecure mode was not asked for.
var ErrNoHostKeyCheck = stderrors.New("host key verification needs known_hosts_file or insecure_host_key")

// Validate checks the credentials and the host key settings without
// dialling.
func (e *Executor) Validate() error {
	_, err := e.clientConfig()
	return err
}

func (e *Executor) clientConfig() (*ssh.ClientConfig, error) {
	var methods []ssh.AuthMethod
	if len(e.PrivateKey) > 0 {
		var signer ssh.Signer
		var err error
		if e.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(e.PrivateKey, []byte(e.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(e.PrivateKey)
		}
		if err != nil {
			return nil, errors.NewConfigError("sshexec", err, map[string]interface{}{"field": "private_key"})
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if e.Password != "" {
		methods = append(methods, ssh.Password(e.Password))
	}
	if len(methods) == 0 {
		return nil, errors.NewConfigError("sshexec", fmt.Errorf("no password or private key"), nil)
	}

	hostKeyCallback := e.HostKeyCallback
	if hostKeyCallback == nil && e.KnownHostsFile != "" {
		cb, err := knownhosts.New(e.KnownHostsFile)
		if err != nil {
			return nil, errors.NewConfigError("sshexec", err, map[string]interface{}{"field": "known_hosts"})
		}
		hostKeyCallback = cb
	}
	if hostKeyCallback == nil {
		if !e.InsecureHostKey {
			return nil, errors.NewConfigError("sshexec", ErrNoHostKeyCheck, map[string]interface{}{"field": "known_hosts_file"})
		}
		hostKeyCallback = ssh.InsecureIgnoreHostKey() //nolint:gosec
	}

	return &ssh.ClientConfig{
		User:            e.User,
		Auth:            methods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         e.timeout(),
	}, nil
}

func (e *Executor) timeout() time.Duration {
	if e.Timeout > 0 {
		return e.Timeout
	}
	return 10 * time.Second
}

// address appends the executor port unless host already names one.
func (e *Executor) address(host string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	port := e.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// dial opens the TCP connection under ctx and performs the SSH handshake
// within the executor timeout.
func (e *Executor) dial(ctx context.Context, host string) (*ssh.Client, error) {
	config, err := e.clientConfig()
	if err != nil {
		return nil, err
	}

	addr := e.address(host)
	dialCtx, cancel := context.WithTimeout(ctx, e.timeout())
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, errors.NewConnectionError("sshexec", addr, err)
	}

	conn.SetDeadline(time.Now().Add(e.timeout()))
	cConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		var keyErr *knownhosts.KeyError
		if stderrors.As(err, &keyErr) {
			return nil, errors.NewAuthError("sshexec", "host key", err)
		}
		return nil, errors.NewAuthError("sshexec", "ssh", err)
	}
	conn.SetDeadline(time.Time{})

	return ssh.NewClient(cConn, chans, reqs), nil
}

// Run executes one command on host.
func (e *Executor) Run(ctx context.Context, host, command string) (Result, error) {
	results, err := e.RunCommands(ctx, host, []string{command})
	if err != nil {
		return Result{}, err
	}
	return results[0], nil
}

// RunCommands executes the commands in order over a single connection. A
// non-zero exit status is reported in the result, not as an error.
func (e *Executor) RunCommands(ctx context.Context, host string, commands []string) ([]Result, error) {
	client, err := e.dial(ctx, host)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	results := make([]Result, 0, len(commands))
	for _, command := range commands {
		res, err := runSession(ctx, client, command)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

func runSession(ctx context.Context, client *ssh.Client, command string) (Result, error) {
	sess, err := client.NewSession()
	if err != nil {
		return Result{}, fmt.Errorf("open session: %w", err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- sess.Run(command) }()

	var runErr error
	select {
	case <-ctx.Done():
		sess.Signal(ssh.SIGKILL)
		sess.Close()
		return Result{}, ctx.Err()
	case runErr = <-done:
	}

	res := Result{Command: command, Stdout: stdout.String(), Stderr: stderr.String()}
	if runErr != nil {
		var exitErr *ssh.ExitError
		if !stderrors.As(runErr, &exitErr) {
			return Result{}, fmt.Errorf("run %q: %w", command, runErr)
		}
		res.ExitCode = exitErr.ExitStatus()
	}
	return res, nil
}

// RunAll runs the commands on every host with at most concurrency hosts in
// flight. A host that fails does not stop the others; its error is kept in
// its HostResult. Results follow the order of hosts.
func (e *Executor) RunAll(ctx context.Context, hosts []string, commands []string, concurrency int) []HostResult {
	if concurrency < 1 {
		concurrency = 1
	}

	out := make([]HostResult, len(hosts))
	var g errgroup.Group
	g.SetLimit(concurrency)
	for i, host := range hosts {
		i, host := i, host
		g.Go(func() error {
			results, err := e.RunCommands(ctx, host, commands)
			out[i] = HostResult{Host: host, Results: results, Err: err}
			return nil
		})
	}
	g.Wait()
	return out
}
