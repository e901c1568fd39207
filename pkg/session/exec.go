package session

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strconv"

	"evssh/pkg/conf"
	"evssh/pkg/sconn"
	"evssh/pkg/slog"
	"evssh/pkg/types"

	"golang.org/x/crypto/ssh"
)

// ExecResult is the outcome of a command run with Exec
type ExecResult struct {
	Stdout     []byte
	Stderr     []byte
	ExitStatus int
	// Signal is set when the command was killed
	Signal string
}

// Exec runs command on a new session channel and collects its output. A
// non zero exit status is reported in the result, not as an error.
func (s *Session) Exec(ctx context.Context, command string) (*ExecResult, error) {
	ch, err := s.OpenChannel(ctx, conf.SSHChannelSession, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = ch.Close() }()

	s.logger.DebugWith("Executing command", slog.F("channel", ch.ID), slog.F("command", command))
	if err = ch.Start(ctx, command); err != nil {
		return nil, err
	}

	res := &ExecResult{}
	err = ch.Wait(ctx)
	var exitErr *ExitError
	switch {
	case errors.As(err, &exitErr):
		res.ExitStatus = exitErr.Status
		res.Signal = exitErr.Signal
	case err != nil:
		return nil, err
	}
	// The channel is closed, the buffers hold everything that was sent
	var stdout, stderr bytes.Buffer
	_, _ = io.Copy(&stdout, ch)
	_, _ = io.Copy(&stderr, ch.Stderr())
	res.Stdout = stdout.Bytes()
	res.Stderr = stderr.Bytes()
	return res, nil
}

// Subsystem opens a session channel running the named subsystem
func (s *Session) Subsystem(ctx context.Context, name string) (*Channel, error) {
	ch, err := s.OpenChannel(ctx, conf.SSHChannelSession, nil)
	if err != nil {
		return nil, err
	}
	if err = ch.RequestSubsystem(ctx, name); err != nil {
		_ = ch.Close()
		return nil, err
	}
	return ch, nil
}

// PtyOptions describe the terminal requested for a shell
type PtyOptions struct {
	Term string
	Cols int
	Rows int
	Env  map[string]string
}

// WithDefaults fills in the terminal type and size left empty
func (o PtyOptions) WithDefaults() PtyOptions {
	if o.Term == "" {
		o.Term = conf.DefaultTerminal
	}
	if o.Cols <= 0 {
		o.Cols = conf.DefaultTerminalWidth
	}
	if o.Rows <= 0 {
		o.Rows = conf.DefaultTerminalHeight
	}
	return o
}

// Shell opens a session channel with a pseudo terminal and starts the
// login shell on it
func (s *Session) Shell(ctx context.Context, pty PtyOptions) (*Channel, error) {
	ch, err := s.OpenChannel(ctx, conf.SSHChannelSession, nil)
	if err != nil {
		return nil, err
	}
	if err = ch.StartShell(ctx, pty); err != nil {
		_ = ch.Close()
		return nil, err
	}
	return ch, nil
}

// StartShell sends the environment, allocates the pseudo terminal and
// starts the login shell on ch
func (ch *Channel) StartShell(ctx context.Context, pty PtyOptions) error {
	pty = pty.WithDefaults()
	for k, v := range pty.Env {
		// Servers commonly refuse env, it is not worth failing for
		if err := ch.Setenv(ctx, k, v); err != nil {
			ch.logger.DebugWith("Env rejected", slog.F("name", k), slog.F("err", err))
		}
	}
	if err := ch.RequestPty(ctx, pty.Term, pty.Cols, pty.Rows); err != nil {
		return err
	}
	return ch.Shell(ctx)
}

// DialTCP asks the server to connect to addr and returns the forwarded
// stream as a net.Conn
func (s *Session) DialTCP(ctx context.Context, addr string) (net.Conn, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, err
	}
	ch, err := s.OpenChannel(ctx, conf.SSHChannelDirectTCPIP, ssh.Marshal(&types.TcpIpChannelMsg{
		DstHost: host,
		DstPort: uint32(port),
		SrcHost: "127.0.0.1",
		SrcPort: 0,
	}))
	if err != nil {
		return nil, err
	}
	remote := &net.TCPAddr{IP: net.ParseIP(host), Port: int(port)}
	return sconn.StreamToNetConn(ch, nil, remote), nil
}
