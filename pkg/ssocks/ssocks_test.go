package ssocks

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"evssh/pkg/conf"
	"evssh/pkg/sconn"
	"evssh/pkg/session"
	"evssh/pkg/slog"
	"evssh/pkg/sshtest"
	"evssh/pkg/transport"

	"golang.org/x/net/proxy"
)

func echoListener(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			c, aErr := ln.Accept()
			if aErr != nil {
				return
			}
			go func() {
				defer func() { _ = c.Close() }()
				_, _ = io.Copy(c, c)
			}()
		}
	}()
	return ln
}

func startProxy(t *testing.T, d Dialer, remoteDNS bool) *Proxy {
	t.Helper()
	logger := slog.NewLogger("TestSSocks")
	logger.WithError()
	p, err := New(d, "127.0.0.1:0", remoteDNS, logger)
	if err != nil {
		t.Fatalf("Failed to create proxy: %v", err)
	}
	go func() { _ = p.Serve() }()
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func roundTrip(t *testing.T, p *Proxy, target string) {
	t.Helper()
	dialer, err := proxy.SOCKS5("tcp", p.Addr().String(), nil, proxy.Direct)
	if err != nil {
		t.Fatalf("Failed to create SOCKS5 dialer: %v", err)
	}
	conn, err := dialer.Dial("tcp", target)
	if err != nil {
		t.Fatalf("Failed to dial %s through proxy: %v", target, err)
	}
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	if _, err = conn.Write([]byte("ping")); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}
	buf := make([]byte, 4)
	if _, err = io.ReadFull(conn, buf); err != nil {
		t.Fatalf("Failed to read: %v", err)
	}
	if string(buf) != "ping" {
		t.Errorf("Expected 'ping', got '%s'", buf)
	}
}

func TestProxyThroughSession(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.Options{})
	logger := slog.NewLogger("TestSSocks")
	logger.WithError()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := session.Start(ctx, &transport.Config{
		Host:     srv.Host,
		Port:     srv.Port,
		User:     "test",
		Password: "secret",
		Paranoid: conf.ParanoidNever,
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("Failed to start session: %v", err)
	}
	defer func() { _ = s.Close(context.Background()) }()

	ln := echoListener(t)
	port := strconv.Itoa(ln.Addr().(*net.TCPAddr).Port)

	t.Run("IP destination", func(t *testing.T) {
		p := startProxy(t, s, false)
		if p.Port() == 0 {
			t.Fatal("Expected a listening port")
		}
		roundTrip(t, p, "127.0.0.1:"+port)
	})

	t.Run("Remote name resolution", func(t *testing.T) {
		p := startProxy(t, s, true)
		roundTrip(t, p, "localhost:"+port)
	})
}

type recordingDialer struct {
	addrs chan string
}

func (d *recordingDialer) DialTCP(_ context.Context, addr string) (net.Conn, error) {
	d.addrs <- addr
	return nil, errors.New("connection refused")
}

func TestRemoteResolverKeepsName(t *testing.T) {
	d := &recordingDialer{addrs: make(chan string, 1)}
	p := startProxy(t, d, true)

	dialer, err := proxy.SOCKS5("tcp", p.Addr().String(), nil, proxy.Direct)
	if err != nil {
		t.Fatalf("Failed to create SOCKS5 dialer: %v", err)
	}
	if _, err = dialer.Dial("tcp", "internal.example:8080"); err == nil {
		t.Fatal("Expected the refused dial to fail")
	}
	select {
	case addr := <-d.addrs:
		if addr != "internal.example:8080" {
			t.Errorf("Expected the name to reach the dialer, got %s", addr)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Dialer was not called")
	}
}

// pipeDialer answers every dial with an in-memory echo stream that has no
// real addresses, like a direct-tcpip channel to a host name
type pipeDialer struct{}

type pipeStream struct {
	net.Conn
}

func (pipeStream) CloseWrite() error {
	return nil
}

func (pipeDialer) DialTCP(context.Context, string) (net.Conn, error) {
	local, remote := net.Pipe()
	go func() {
		defer func() { _ = remote.Close() }()
		_, _ = io.Copy(remote, remote)
	}()
	return sconn.StreamToNetConn(pipeStream{local}, nil, nil), nil
}

func TestProxyRepliesForStreamsWithoutAddresses(t *testing.T) {
	p := startProxy(t, pipeDialer{}, true)
	roundTrip(t, p, "internal.example:8080")
}

func TestCloseStopsServe(t *testing.T) {
	logger := slog.NewLogger("TestSSocks")
	p, err := New(&recordingDialer{addrs: make(chan string, 1)}, "127.0.0.1:0", false, logger)
	if err != nil {
		t.Fatalf("Failed to create proxy: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- p.Serve() }()

	if err = p.Close(); err != nil {
		t.Fatalf("Unexpected error on Close: %v", err)
	}
	select {
	case err = <-done:
		if err != nil {
			t.Errorf("Expected Serve to return nil after Close, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after Close")
	}
	if err = p.Close(); err != nil {
		t.Errorf("Expected a second Close to be a no-op, got %v", err)
	}
}
