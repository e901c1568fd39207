package session

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"evssh/pkg/conf"
	"evssh/pkg/slog"
	"evssh/pkg/sshtest"
	"evssh/pkg/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func testConfig(srv *sshtest.Server) *transport.Config {
	logger := slog.NewLogger("test")
	logger.WithError()
	return &transport.Config{
		Host:     srv.Host,
		Port:     srv.Port,
		User:     "test",
		Password: "secret",
		Paranoid: conf.ParanoidNever,
		Timeout:  5 * time.Second,
		Logger:   logger,
	}
}

func startSession(t *testing.T, srv *sshtest.Server, opts ...Option) *Session {
	t.Helper()
	s, err := Start(testContext(t), testConfig(srv), opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})
	return s
}

func TestExec(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.Options{})
	s := startSession(t, srv)
	ctx := testContext(t)

	assert.Equal(t, transport.StateConnected, s.Conn().State())

	res, err := s.Exec(ctx, "echo hello")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(res.Stdout))
	assert.Empty(t, res.Stderr)
	assert.Equal(t, 0, res.ExitStatus)

	res, err = s.Exec(ctx, "stderr oops")
	require.NoError(t, err)
	assert.Equal(t, "oops\n", string(res.Stderr))

	res, err = s.Exec(ctx, "exit 3")
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitStatus)

	res, err = s.Exec(ctx, "nosuchcommand")
	require.NoError(t, err)
	assert.Equal(t, 127, res.ExitStatus)
	assert.Contains(t, string(res.Stderr), "command not found")
}

func TestChannelIDsAreNeverReused(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.Options{})
	s := startSession(t, srv)
	ctx := testContext(t)

	first, err := s.OpenChannel(ctx, conf.SSHChannelSession, nil)
	require.NoError(t, err)
	second, err := s.OpenChannel(ctx, conf.SSHChannelSession, nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), first.ID)
	assert.Equal(t, uint32(1), second.ID)

	require.NoError(t, first.Close())
	require.NoError(t, first.Wait(ctx))
	assert.Equal(t, ChannelClosed, first.State())

	third, err := s.OpenChannel(ctx, conf.SSHChannelSession, nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), third.ID)

	open, err := s.Channels(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 2)
}

func TestChannelStreamsLargePayload(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.Options{})
	s := startSession(t, srv)
	ctx := testContext(t)

	ch, err := s.OpenChannel(ctx, conf.SSHChannelSession, nil)
	require.NoError(t, err)
	require.NoError(t, ch.Start(ctx, "cat"))

	// Several max packets worth, so writes are split and windows adjusted
	payload := bytes.Repeat([]byte("0123456789abcdef"), 20*1024)
	got := make(chan []byte, 1)
	go func() {
		b, _ := io.ReadAll(ch)
		got <- b
	}()

	n, err := ch.Write(payload)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	require.NoError(t, ch.CloseWrite())

	select {
	case b := <-got:
		assert.Equal(t, payload, b)
	case <-ctx.Done():
		t.Fatalf("Timed out reading echoed data")
	}
	require.NoError(t, ch.Wait(ctx))
	status, ok := ch.ExitStatus()
	assert.True(t, ok)
	assert.Equal(t, 0, status)

	_, err = ch.Write([]byte("late"))
	assert.Error(t, err)
}

func TestChannelEvents(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.Options{})
	s := startSession(t, srv)
	ctx := testContext(t)

	ch, err := s.OpenChannel(ctx, conf.SSHChannelSession, nil)
	require.NoError(t, err)

	var data bytes.Buffer
	var requests []string
	eof := make(chan struct{})
	closed := make(chan struct{})
	err = ch.Loop().Call(ctx, func() {
		ch.On(EventData, func(args ...interface{}) interface{} {
			data.Write(args[0].([]byte))
			return nil
		})
		ch.On(EventRequest, func(args ...interface{}) interface{} {
			requests = append(requests, args[0].(string))
			return nil
		})
		ch.OnNext(EventEOF, func(...interface{}) interface{} {
			close(eof)
			return nil
		})
		ch.On(EventClose, func(...interface{}) interface{} {
			close(closed)
			return nil
		})
	})
	require.NoError(t, err)
	require.NoError(t, ch.Start(ctx, "echo events"))

	select {
	case <-closed:
	case <-ctx.Done():
		t.Fatalf("Channel never closed")
	}
	select {
	case <-eof:
	default:
		t.Fatalf("EOF event was not fired before close")
	}
	// handlers ran on the loop, read their results there too
	require.NoError(t, ch.Loop().Call(ctx, func() {
		assert.Equal(t, "events\n", data.String())
		assert.Equal(t, []string{conf.SSHRequestExitStatus}, requests)
	}))
}

func TestShellWithPty(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.Options{})
	s := startSession(t, srv)
	ctx := testContext(t)

	ch, err := s.Shell(ctx, PtyOptions{Env: map[string]string{"LANG": "C"}})
	require.NoError(t, err)
	require.NoError(t, ch.WindowChange(ctx, 120, 40))

	_, err = ch.Write([]byte("echo hi\r\nexit\r\n"))
	require.NoError(t, err)
	out, err := io.ReadAll(ch)
	require.NoError(t, err)
	assert.Equal(t, "echo hi\nhi\nexit\n", string(out))
	require.NoError(t, ch.Wait(ctx))
}

func TestSubsystem(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.Options{})
	s := startSession(t, srv)
	ctx := testContext(t)

	ch, err := s.Subsystem(ctx, conf.SSHSubsystemSFTP)
	require.NoError(t, err)
	assert.True(t, ch.Active())
	require.NoError(t, ch.Close())

	_, err = s.Subsystem(ctx, "nosuchsubsystem")
	assert.ErrorIs(t, err, ErrRequestFailed)
}

func echoListener(t *testing.T) net.Listener {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	go func() {
		for {
			c, aErr := l.Accept()
			if aErr != nil {
				return
			}
			go func() {
				defer func() { _ = c.Close() }()
				_, _ = io.Copy(c, c)
			}()
		}
	}()
	return l
}

func TestDialTCP(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.Options{})
	s := startSession(t, srv)
	ctx := testContext(t)
	l := echoListener(t)

	c, err := s.DialTCP(ctx, l.Addr().String())
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	_, err = c.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(c, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))
	assert.Equal(t, l.Addr().(*net.TCPAddr).Port, c.RemoteAddr().(*net.TCPAddr).Port)
}

func TestDialTCPRefused(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.Options{})
	s := startSession(t, srv)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	_ = l.Close()

	_, err = s.DialTCP(testContext(t), addr)
	var openErr *OpenChannelError
	require.True(t, errors.As(err, &openErr), "got %v", err)
	assert.Equal(t, OpenConnectFailed, openErr.Reason)

	// the session survives a refused channel
	res, err := s.Exec(testContext(t), "echo still here")
	require.NoError(t, err)
	assert.Equal(t, "still here\n", string(res.Stdout))
}

func TestGlobalRequest(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.Options{})
	s := startSession(t, srv)
	ctx := testContext(t)

	ok, _, err := s.SendGlobalRequest(ctx, "no-such-request@evssh", true, nil)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, _, err = s.SendGlobalRequest(ctx, "no-reply@evssh", false, nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestServerGlobalRequestAnsweredWithFailure(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.Options{ProbeKeepalive: true})
	startSession(t, srv)

	select {
	case ok := <-srv.Keepalives():
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatalf("Keepalive probe was never answered")
	}
}

func TestKeepalive(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.Options{})
	s := startSession(t, srv, WithKeepalive(time.Millisecond))

	assert.Equal(t, conf.MinKeepAlive, s.keepaliveInterval)
	// answered probes keep the connection up
	res, err := s.Exec(testContext(t), "echo alive")
	require.NoError(t, err)
	assert.Equal(t, "alive\n", string(res.Stdout))
}

func TestCloseClosesChannels(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.Options{})
	s := startSession(t, srv)
	ctx := testContext(t)

	ch, err := s.Shell(ctx, PtyOptions{})
	require.NoError(t, err)

	require.NoError(t, s.Close(ctx))
	select {
	case <-ch.Done():
	default:
		t.Fatalf("Channel still open after session close")
	}
	assert.False(t, ch.Detached())
	assert.True(t, s.Conn().Closed())
	assert.True(t, s.pump.Stopped())

	// closing twice is harmless
	require.NoError(t, s.Close(ctx))
}

func TestConnectionLossDetachesChannels(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.Options{})
	s := startSession(t, srv)
	ctx := testContext(t)

	ch, err := s.Shell(ctx, PtyOptions{})
	require.NoError(t, err)

	srv.DisconnectAll()
	select {
	case <-ch.Done():
	case <-ctx.Done():
		t.Fatalf("Channel not released after connection loss")
	}
	assert.True(t, ch.Detached())
	_, err = ch.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrNotAssociated)
	assert.ErrorIs(t, ch.Close(), ErrNotAssociated)

	_, err = s.OpenChannel(ctx, conf.SSHChannelSession, nil)
	assert.Error(t, err)
	assert.NoError(t, s.Close(ctx))
}

func TestLoop(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.Options{})
	s := startSession(t, srv)

	ticks := 0
	err := s.Loop(testContext(t), func() bool {
		ticks++
		return ticks < 5
	})
	require.NoError(t, err)
	assert.Equal(t, 5, ticks)
	assert.True(t, s.Process())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = s.Loop(ctx, func() bool { return true })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestProperties(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.Options{})
	cfg := testConfig(srv)
	cfg.Properties = map[string]interface{}{"role": "web", "tier": 1}

	s, err := Start(testContext(t), cfg, WithProperties(map[string]interface{}{"tier": 2}))
	require.NoError(t, err)
	defer func() { _ = s.Close(testContext(t)) }()

	assert.Equal(t, "web", s.Properties()["role"])
	assert.Equal(t, 2, s.Properties()["tier"])
}

func TestNewRequiresAuthentication(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.Options{})
	conn, err := transport.Connect(testContext(t), testConfig(srv))
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	_, err = New(testContext(t), conn)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AUTHENTICATING")
}
