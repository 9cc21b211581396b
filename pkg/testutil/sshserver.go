package testutil

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"net"
	"strconv"
	"sync"
	"testing"

	"golang.org/x/crypto/ssh"
)

// SSHResponse is the canned output of one command.
type SSHResponse struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// SSHServer is an in-process SSH server answering exec requests from a
// fixed command table. Unknown commands exit 127.
type SSHServer struct {
	Host string
	Port int

	config    *ssh.ServerConfig
	listener  net.Listener
	responses map[string]SSHResponse

	mu       sync.Mutex
	commands []string
	wg       sync.WaitGroup
}

// NewSSHServer starts a server on 127.0.0.1 accepting user/password. It is
// shut down when the test ends.
func NewSSHServer(t testing.TB, user, password string, responses map[string]SSHResponse) *SSHServer {
	t.Helper()

	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(key)
	if err != nil {
		t.Fatalf("host key signer: %v", err)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == user && string(pass) == password {
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected for %q", c.User())
		},
	}
	config.AddHostKey(signer)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	host, port, _ := net.SplitHostPort(listener.Addr().String())
	portNum, _ := strconv.Atoi(port)

	s := &SSHServer{
		Host:      host,
		Port:      portNum,
		config:    config,
		listener:  listener,
		responses: responses,
	}

	s.wg.Add(1)
	go s.serve()
	t.Cleanup(func() {
		listener.Close()
		s.wg.Wait()
	})
	return s
}

// Addr returns host:port.
func (s *SSHServer) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Commands returns every command received so far.
func (s *SSHServer) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func (s *SSHServer) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handleConn(conn)
	}
}

func (s *SSHServer) handleConn(conn net.Conn) {
	defer conn.Close()

	_, chans, reqs, err := ssh.NewServerConn(conn, s.config)
	if err != nil {
		return
	}
	go ssh.DiscardRequests(reqs)

	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			newCh.Reject(ssh.UnknownChannelType, "only sessions are supported")
			continue
		}
		ch, requests, err := newCh.Accept()
		if err != nil {
			return
		}
		go s.handleSession(ch, requests)
	}
}

func (s *SSHServer) handleSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()

	for req := range requests {
		if req.Type != "exec" {
			req.Reply(false, nil)
			continue
		}

		var payload struct{ Command string }
		if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
			req.Reply(false, nil)
			return
		}
		req.Reply(true, nil)

		s.mu.Lock()
		s.commands = append(s.commands, payload.Command)
		s.mu.Unlock()

		resp, ok := s.responses[payload.Command]
		if !ok {
			resp = SSHResponse{Stderr: payload.Command + ": command not found\n", ExitCode: 127}
		}
		ch.Write([]byte(resp.Stdout))
		ch.Stderr().Write([]byte(resp.Stderr))
		ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(resp.ExitCode)}))
		return
	}
}
