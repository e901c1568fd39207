package shell

import (
	"context"
	"errors"
	"regexp"
	"sync"
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

func testLogger() *slog.Logger {
	logger := slog.NewLogger("test")
	logger.WithError()
	return logger
}

func testConfig(srv *sshtest.Server) *transport.Config {
	return &transport.Config{
		Host:     srv.Host,
		Port:     srv.Port,
		User:     "test",
		Password: "secret",
		Paranoid: conf.ParanoidNever,
		Timeout:  5 * time.Second,
		Logger:   testLogger(),
	}
}

func startShell(t *testing.T, srv *sshtest.Server, opts Options) *Shell {
	t.Helper()
	opts.Logger = testLogger()
	sh, err := New(testContext(t), testConfig(srv), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sh.Close() })
	return sh
}

func TestWaitForLeavesRemainderBuffered(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.Options{})
	sh := startShell(t, srv, Options{})
	ctx := testContext(t)

	require.NoError(t, sh.SendLine(ctx, "echo hi"))
	out, err := sh.WaitFor(ctx, regexp.MustCompile(`(?m)^hi$`))
	require.NoError(t, err)
	assert.Equal(t, "echo hi\nhi", out)

	assert.Eventually(t, func() bool {
		buf, bErr := sh.Buffered(ctx)
		return bErr == nil && buf == "\n"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWaitForTimeout(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.Options{Prompt: "prompt>"})
	sh := startShell(t, srv, Options{})
	ctx := testContext(t)

	_, err := sh.WaitFor(ctx, "prompt>")
	require.NoError(t, err)

	require.NoError(t, sh.SendLine(ctx, "echo x"))
	_, err = sh.WaitFor(ctx, "\nx\n")
	require.NoError(t, err)

	_, err = sh.WaitFor(ctx, "never", WithTimeout(300*time.Millisecond))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout))

	var tErr *TimeoutError
	require.True(t, errors.As(err, &tErr))
	assert.Equal(t, "prompt>", tErr.Received)
	assert.Equal(t, `"never"`, tErr.Pattern)
	assert.Equal(t, 300*time.Millisecond, tErr.Timeout)
	assert.Contains(t, err.Error(), "inactivity timeout")

	// a timeout keeps the buffer
	out, err := sh.WaitFor(ctx, "prompt>")
	require.NoError(t, err)
	assert.Equal(t, "prompt>", out)
}

func TestWaitForMatchesBufferedOutput(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.Options{Prompt: "$ "})
	sh := startShell(t, srv, Options{})
	ctx := testContext(t)

	assert.Eventually(t, func() bool {
		buf, _ := sh.Buffered(ctx)
		return buf == "$ "
	}, 5*time.Second, 10*time.Millisecond)

	// nothing else arrives, the buffer alone has to satisfy the wait
	out, err := sh.WaitFor(ctx, "$ ", WithTimeout(time.Second))
	require.NoError(t, err)
	assert.Equal(t, "$ ", out)
}

func TestWaitInProgress(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.Options{})
	sh := startShell(t, srv, Options{})
	ctx := testContext(t)

	errc := make(chan error, 1)
	go func() {
		_, err := sh.WaitFor(ctx, "never", WithTimeout(2*time.Second))
		errc <- err
	}()

	assert.Eventually(t, func() bool {
		var waiting bool
		_ = sh.iact.loop.Call(ctx, func() { waiting = sh.iact.current != nil })
		return waiting
	}, 2*time.Second, 10*time.Millisecond)

	_, err := sh.WaitFor(ctx, "other", WithTimeout(100*time.Millisecond))
	assert.ErrorIs(t, err, ErrWaitInProgress)

	assert.ErrorIs(t, <-errc, ErrTimeout)
}

func TestWaitForCancelled(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.Options{})
	sh := startShell(t, srv, Options{})

	ctx, cancel := context.WithTimeout(testContext(t), 200*time.Millisecond)
	defer cancel()
	_, err := sh.WaitFor(ctx, "never", WithTimeout(5*time.Second))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// the cancelled wait no longer blocks new ones
	ctx = testContext(t)
	require.NoError(t, sh.SendLine(ctx, "echo again"))
	_, err = sh.WaitFor(ctx, "again\n")
	assert.NoError(t, err)
}

func TestInvalidPattern(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.Options{})
	sh := startShell(t, srv, Options{})

	_, err := sh.WaitFor(testContext(t), 42)
	assert.ErrorIs(t, err, ErrInvalidPattern)
}

func TestExpect(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.Options{})
	sh := startShell(t, srv, Options{})
	ctx := testContext(t)

	out, err := sh.Expect(ctx, "\ntwo\n", "echo two")
	require.NoError(t, err)
	assert.Equal(t, "echo two\ntwo\n", out)

	done := make(chan string, 1)
	sh.ExpectAsync(ctx, regexp.MustCompile(`\nthr(e+)\n`), "echo three", func(out string, err error) {
		assert.NoError(t, err)
		done <- out
	})
	select {
	case out = <-done:
		assert.Equal(t, "echo three\nthree\n", out)
	case <-ctx.Done():
		t.Fatalf("ExpectAsync did not complete")
	}
}

func TestSplit(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.Options{})
	sh := startShell(t, srv, Options{})
	ctx := testContext(t)

	var (
		mu     sync.Mutex
		events []string
	)
	record := func(name string) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, name)
	}
	sh.On(EventSplit, func(...interface{}) interface{} { record("split"); return nil })
	sh.On(EventChildless, func(...interface{}) interface{} { record("childless"); return nil })
	sh.On(EventClosed, func(...interface{}) interface{} { record("closed"); return nil })

	const n = 3
	for i := 0; i < n; i++ {
		child, err := sh.Split(ctx)
		require.NoError(t, err)
		assert.Same(t, sh, child.Parent())
		assert.Same(t, sh.Session(), child.Session())
		child.On(EventClosed, func(...interface{}) interface{} { record("child closed"); return nil })

		_, err = child.SendAndWait(ctx, "echo child", "child\n")
		require.NoError(t, err)
	}
	assert.Len(t, sh.Children(), n)
	assert.Equal(t, 1, srv.Connections())

	require.NoError(t, sh.Close())
	assert.Equal(t, []string{
		"split", "split", "split",
		"child closed", "child closed", "child closed", "childless",
		"closed",
	}, events)
	assert.Empty(t, sh.Children())
}

func TestSplitFunc(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.Options{})
	sh := startShell(t, srv, Options{})
	ctx := testContext(t)

	childless := make(chan struct{}, 1)
	sh.On(EventChildless, func(...interface{}) interface{} {
		childless <- struct{}{}
		return nil
	})

	var child *Shell
	err := sh.SplitFunc(ctx, func(c *Shell) error {
		child = c
		_, err := c.SendAndWait(ctx, "echo inside", "inside\n")
		return err
	})
	require.NoError(t, err)
	assert.True(t, child.Closed())
	assert.False(t, sh.Closed())
	<-childless

	_, err = child.WaitFor(ctx, "x")
	assert.ErrorIs(t, err, ErrClosedChannel)
}

func TestClosedShell(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.Options{})
	sh := startShell(t, srv, Options{})
	ctx := testContext(t)

	require.NoError(t, sh.Close())
	assert.True(t, sh.Closed())
	assert.ErrorIs(t, sh.SendLine(ctx, "echo x"), ErrClosedChannel)
	_, err := sh.WaitFor(ctx, "x")
	assert.ErrorIs(t, err, ErrClosedChannel)
	_, err = sh.Split(ctx)
	assert.ErrorIs(t, err, ErrClosedChannel)
	assert.NoError(t, sh.Close())
}

func TestRemoteExit(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.Options{})
	sh := startShell(t, srv, Options{})
	ctx := testContext(t)

	require.NoError(t, sh.SendLine(ctx, "exit"))
	_, err := sh.WaitFor(ctx, "never")
	assert.ErrorIs(t, err, ErrClosedChannel)
	assert.True(t, sh.Connected())
}

func TestDisconnected(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.Options{})
	sh := startShell(t, srv, Options{})
	ctx := testContext(t)

	srv.DisconnectAll()
	assert.Eventually(t, func() bool { return !sh.Connected() }, 5*time.Second, 10*time.Millisecond)

	assert.ErrorIs(t, sh.SendLine(ctx, "echo x"), ErrDisconnected)
	_, err := sh.WaitFor(ctx, "x")
	assert.ErrorIs(t, err, ErrDisconnected)
}

func TestReconnect(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.Options{})
	sh := startShell(t, srv, Options{Reconnect: true, ReconnectTimeout: 5 * time.Second})
	ctx := testContext(t)

	srv.DisconnectAll()
	assert.Eventually(t, func() bool { return !sh.Connected() }, 5*time.Second, 10*time.Millisecond)

	out, err := sh.SendAndWait(ctx, "echo back", "\nback\n")
	require.NoError(t, err)
	assert.Equal(t, "echo back\nback\n", out)
	assert.True(t, sh.Connected())
}

func TestReconnectGivesUpOnAuthentication(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.Options{})
	sh := startShell(t, srv, Options{Reconnect: true, ReconnectTimeout: 5 * time.Second})
	ctx := testContext(t)

	sh.config.Password = "wrong"
	srv.DisconnectAll()
	assert.Eventually(t, func() bool { return !sh.Connected() }, 5*time.Second, 10*time.Millisecond)

	start := time.Now()
	err := sh.SendLine(ctx, "echo x")
	assert.ErrorIs(t, err, ErrDisconnected)
	assert.ErrorIs(t, err, transport.ErrAuthenticationFailed)
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestCloseDuringReconnect(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.Options{})
	sh := startShell(t, srv, Options{Reconnect: true, ReconnectTimeout: time.Minute})
	ctx := testContext(t)

	srv.Close()
	assert.Eventually(t, func() bool { return !sh.Connected() }, 5*time.Second, 10*time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- sh.SendLine(ctx, "echo x") }()
	require.Eventually(t, func() bool { return len(sh.reconnecting) == 1 }, 5*time.Second, 10*time.Millisecond)

	accessors := make(chan struct{})
	go func() {
		_ = sh.Closed()
		_ = sh.Children()
		_ = sh.Connected()
		close(accessors)
	}()
	select {
	case <-accessors:
	case <-time.After(time.Second):
		t.Fatal("accessors blocked while reconnecting")
	}

	closed := make(chan error, 1)
	go func() { closed <- sh.Close() }()
	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked while reconnecting")
	}

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosedChannel)
	case <-time.After(5 * time.Second):
		t.Fatal("reconnect kept running after Close")
	}
	assert.True(t, sh.Closed())
}

func TestOptionsValidate(t *testing.T) {
	o := Options{Timeout: -1, ReconnectTimeout: -1}
	err := o.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout")
	assert.Contains(t, err.Error(), "reconnect timeout")

	o = Options{}
	assert.NoError(t, o.Validate())

	_, err = New(context.Background(), &transport.Config{Host: "localhost"}, Options{Timeout: -time.Second})
	assert.Error(t, err)
}
