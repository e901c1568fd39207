// Package sshtest runs an in-process SSH server on the loopback interface
// for tests. It understands a handful of exec commands, a line echoing
// shell, the sftp subsystem and direct-tcpip forwarding.
package sshtest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"

	"evssh/pkg/scrypt"
	"evssh/pkg/slog"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// Options configures a Server. Zero values give user "test" with
// password "secret".
type Options struct {
	User     string
	Password string
	// AuthorizedKey enables publickey authentication for that key
	AuthorizedKey ssh.PublicKey
	// KeyboardInteractive accepts the password as the answer to one prompt
	KeyboardInteractive bool
	// DisablePassword removes password authentication
	DisablePassword bool
	Banner          string
	// HostKey defaults to a fresh ed25519 key
	HostKey ssh.Signer
	// Prompt is written when a shell starts and after each command
	Prompt string
	// ShellHandler replaces the echoing shell
	ShellHandler func(ch ssh.Channel)
	// RekeyThreshold makes the server start key exchanges on its own
	RekeyThreshold uint64
	// ProbeKeepalive sends a keepalive global request wanting a reply
	// after authentication; the answers are available from Keepalives
	ProbeKeepalive bool
}

// Server is a running test server
type Server struct {
	Addr string
	Host string
	Port int

	HostKey ssh.Signer

	opts     Options
	config   *ssh.ServerConfig
	listener net.Listener
	logger   *slog.Logger

	mu     sync.Mutex
	conns  []*ssh.ServerConn
	closed bool
	wg     sync.WaitGroup

	keepalives chan bool
}

// NewServer starts a server and stops it when the test ends
func NewServer(t testing.TB, opts Options) *Server {
	t.Helper()
	s, err := Start(opts)
	if err != nil {
		t.Fatalf("Failed to start test SSH server: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

// Start runs a server until Close is called
func Start(opts Options) (*Server, error) {
	if opts.User == "" {
		opts.User = "test"
	}
	if opts.Password == "" {
		opts.Password = "secret"
	}
	if opts.HostKey == nil {
		var err error
		if opts.HostKey, err = scrypt.GenerateEd25519Key(); err != nil {
			return nil, err
		}
	}

	s := &Server{
		HostKey:    opts.HostKey,
		opts:       opts,
		logger:     slog.NewLogger("sshtest"),
		keepalives: make(chan bool, 16),
	}
	s.logger.WithError()
	s.config = s.serverConfig()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s.listener = l
	s.Addr = l.Addr().String()
	host, port, _ := net.SplitHostPort(s.Addr)
	s.Host = host
	s.Port, _ = strconv.Atoi(port)

	s.wg.Add(1)
	go s.serve()
	return s, nil
}

func (s *Server) serverConfig() *ssh.ServerConfig {
	cfg := &ssh.ServerConfig{
		ServerVersion: "SSH-2.0-sshtest",
	}
	cfg.RekeyThreshold = s.opts.RekeyThreshold
	if s.opts.Banner != "" {
		cfg.BannerCallback = func(ssh.ConnMetadata) string { return s.opts.Banner }
	}
	if !s.opts.DisablePassword {
		cfg.PasswordCallback = func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == s.opts.User && string(pass) == s.opts.Password {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("password rejected for %q", c.User())
		}
	}
	if s.opts.AuthorizedKey != nil {
		want := s.opts.AuthorizedKey.Marshal()
		cfg.PublicKeyCallback = func(c ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if c.User() == s.opts.User && bytes.Equal(key.Marshal(), want) {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("unknown public key for %q", c.User())
		}
	}
	if s.opts.KeyboardInteractive {
		cfg.KeyboardInteractiveCallback = func(c ssh.ConnMetadata, challenge ssh.KeyboardInteractiveChallenge) (*ssh.Permissions, error) {
			answers, err := challenge(c.User(), "", []string{"Password: "}, []bool{false})
			if err != nil {
				return nil, err
			}
			if c.User() == s.opts.User && len(answers) == 1 && answers[0] == s.opts.Password {
				return &ssh.Permissions{}, nil
			}
			return nil, errors.New("wrong answer")
		}
	}
	cfg.AddHostKey(s.opts.HostKey)
	return cfg
}

// Close stops accepting and drops every connection
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	_ = s.listener.Close()
	s.DisconnectAll()
	s.wg.Wait()
}

// DisconnectAll closes the established connections and keeps listening
func (s *Server) DisconnectAll() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

// Connections returns the number of live connections
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Keepalives delivers whether each keepalive probe was answered positively
func (s *Server) Keepalives() <-chan bool {
	return s.keepalives
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(nc)
		}()
	}
}

func (s *Server) handle(nc net.Conn) {
	conn, chans, reqs, err := ssh.NewServerConn(nc, s.config)
	if err != nil {
		s.logger.Debugf("Handshake failed: %v", err)
		_ = nc.Close()
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conns = append(s.conns, conn)
	s.mu.Unlock()
	defer s.forget(conn)

	// Requests and NewChannel channels must be serviced/discarded or the connection hangs
	go ssh.DiscardRequests(reqs)

	if s.opts.ProbeKeepalive {
		go func() {
			ok, _, rErr := conn.SendRequest("keepalive@openssh.com", true, nil)
			if rErr == nil {
				s.keepalives <- ok
			}
		}()
	}

	var wg sync.WaitGroup
	for newCh := range chans {
		wg.Add(1)
		go func(nc ssh.NewChannel) {
			defer wg.Done()
			s.handleChannel(nc)
		}(newCh)
	}
	wg.Wait()
}

func (s *Server) forget(conn *ssh.ServerConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.conns {
		if c == conn {
			s.conns = append(s.conns[:i], s.conns[i+1:]...)
			break
		}
	}
	_ = conn.Close()
}

func (s *Server) handleChannel(nc ssh.NewChannel) {
	switch nc.ChannelType() {
	case "session":
		s.handleSession(nc)
	case "direct-tcpip":
		s.handleDirectTCPIP(nc)
	default:
		_ = nc.Reject(ssh.UnknownChannelType, "unsupported channel type")
	}
}

func (s *Server) handleSession(nc ssh.NewChannel) {
	ch, reqs, err := nc.Accept()
	if err != nil {
		return
	}
	defer func() { _ = ch.Close() }()

	for req := range reqs {
		switch req.Type {
		case "pty-req", "env", "window-change":
			_ = req.Reply(true, nil)
		case "exec":
			var cmd struct{ Command string }
			if err = ssh.Unmarshal(req.Payload, &cmd); err != nil {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			go func() {
				status := runCommand(ch, cmd.Command)
				exit(ch, status)
			}()
		case "shell":
			_ = req.Reply(true, nil)
			handler := s.opts.ShellHandler
			if handler == nil {
				handler = s.echoShell
			}
			go func() {
				handler(ch)
				exit(ch, 0)
			}()
		case "subsystem":
			var sub struct{ Name string }
			if err = ssh.Unmarshal(req.Payload, &sub); err != nil || sub.Name != "sftp" {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			go serveSFTP(ch)
		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

func exit(ch ssh.Channel, status uint32) {
	_ = ch.CloseWrite()
	_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
	_ = ch.Close()
}

func serveSFTP(ch ssh.Channel) {
	server, err := sftp.NewServer(ch)
	if err != nil {
		_ = ch.Close()
		return
	}
	defer func() { _ = server.Close() }()
	_ = server.Serve()
}

// runCommand implements the exec commands: echo, stderr, cat and exit
func runCommand(ch ssh.Channel, command string) uint32 {
	name, arg, _ := strings.Cut(command, " ")
	switch name {
	case "echo":
		_, _ = io.WriteString(ch, arg+"\n")
		return 0
	case "stderr":
		_, _ = io.WriteString(ch.Stderr(), arg+"\n")
		return 0
	case "cat":
		_, _ = io.Copy(ch, ch)
		return 0
	case "exit":
		n, _ := strconv.Atoi(arg)
		return uint32(n)
	}
	_, _ = fmt.Fprintf(ch.Stderr(), "%s: command not found\n", name)
	return 127
}

// echoShell echoes each line back the way a terminal would, then runs it
// as an exec command. "exit" ends the shell.
func (s *Server) echoShell(ch ssh.Channel) {
	if s.opts.Prompt != "" {
		_, _ = io.WriteString(ch, s.opts.Prompt)
	}
	var line []byte
	buf := make([]byte, 1024)
	for {
		n, err := ch.Read(buf)
		for _, b := range buf[:n] {
			if b != '\r' && b != '\n' {
				line = append(line, b)
				continue
			}
			if len(line) == 0 {
				continue
			}
			cmd := string(line)
			line = line[:0]
			_, _ = io.WriteString(ch, cmd+"\n")
			if cmd == "exit" {
				return
			}
			runCommand(ch, cmd)
			if s.opts.Prompt != "" {
				_, _ = io.WriteString(ch, s.opts.Prompt)
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *Server) handleDirectTCPIP(nc ssh.NewChannel) {
	var target struct {
		Host       string
		Port       uint32
		OriginHost string
		OriginPort uint32
	}
	if err := ssh.Unmarshal(nc.ExtraData(), &target); err != nil {
		_ = nc.Reject(ssh.ConnectionFailed, "malformed direct-tcpip request")
		return
	}
	conn, err := net.Dial("tcp", net.JoinHostPort(target.Host, strconv.Itoa(int(target.Port))))
	if err != nil {
		_ = nc.Reject(ssh.ConnectionFailed, err.Error())
		return
	}
	ch, reqs, err := nc.Accept()
	if err != nil {
		_ = conn.Close()
		return
	}
	go ssh.DiscardRequests(reqs)

	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(ch, conn)
		_ = ch.CloseWrite()
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(conn, ch)
		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.CloseWrite()
		}
		done <- struct{}{}
	}()
	<-done
	<-done
	_ = ch.Close()
	_ = conn.Close()
}
