// Package ssocks serves a local SOCKS5 proxy whose connections are
// forwarded through direct-tcpip channels of a session.
package ssocks

import (
	"context"
	"fmt"
	"net"
	"sync"

	"evssh/pkg/session"
	"evssh/pkg/slog"

	"github.com/armon/go-socks5"
)

// Dialer opens forwarded connections, *session.Session implements it
type Dialer interface {
	DialTCP(ctx context.Context, addr string) (net.Conn, error)
}

var _ Dialer = (*session.Session)(nil)

type fqdnKey struct{}

// remoteResolver defers name resolution to the server side. The name
// travels to Dial in the context.
type remoteResolver struct{}

func (remoteResolver) Resolve(ctx context.Context, name string) (context.Context, net.IP, error) {
	return context.WithValue(ctx, fqdnKey{}, name), net.IPv4zero, nil
}

// Proxy is a SOCKS5 server bound to a local listener
type Proxy struct {
	dialer   Dialer
	logger   *slog.Logger
	server   *socks5.Server
	listener net.Listener
	port     int

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
}

// New creates a proxy listening on addr, "127.0.0.1:0" picks a free port.
// Names are resolved by the server when remoteDNS is set.
func New(dialer Dialer, addr string, remoteDNS bool, logger *slog.Logger) (*Proxy, error) {
	p := &Proxy{
		dialer: dialer,
		logger: logger.Named("socks"),
		conns:  make(map[net.Conn]struct{}),
	}
	cfg := &socks5.Config{
		Dial:   p.dial,
		Logger: p.logger.StdLogger(),
	}
	if remoteDNS {
		cfg.Resolver = remoteResolver{}
	}
	server, err := socks5.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create SOCKS5 server: %w", err)
	}
	p.server = server

	listener, lErr := net.Listen("tcp", addr)
	if lErr != nil {
		return nil, fmt.Errorf("failed to create listener: %w", lErr)
	}
	p.listener = listener
	p.port = listener.Addr().(*net.TCPAddr).Port
	return p, nil
}

func (p *Proxy) dial(ctx context.Context, _, addr string) (net.Conn, error) {
	if name, ok := ctx.Value(fqdnKey{}).(string); ok {
		_, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		addr = net.JoinHostPort(name, port)
	}
	p.logger.DebugWith("Forwarding", slog.F("addr", addr))
	return p.dialer.DialTCP(ctx, addr)
}

// Port returns the port the proxy is listening on
func (p *Proxy) Port() int {
	return p.port
}

func (p *Proxy) Addr() net.Addr {
	return p.listener.Addr()
}

// Serve accepts SOCKS5 clients until Close is called
func (p *Proxy) Serve() error {
	p.logger.InfoWith("SOCKS proxy listening", slog.F("port", p.port))
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			p.mu.Lock()
			closed := p.closed
			p.mu.Unlock()
			if closed {
				return nil
			}
			return err
		}
		if !p.track(conn) {
			_ = conn.Close()
			return nil
		}
		go func(c net.Conn) {
			defer p.untrack(c)
			p.logger.DebugWith("Serving SOCKS5 connection", slog.F("remote", c.RemoteAddr()))
			if sErr := p.server.ServeConn(c); sErr != nil {
				p.logger.DebugWith("SOCKS5 connection error", slog.F("err", sErr))
			}
		}(conn)
	}
}

func (p *Proxy) track(c net.Conn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.conns[c] = struct{}{}
	return true
}

func (p *Proxy) untrack(c net.Conn) {
	_ = c.Close()
	p.mu.Lock()
	delete(p.conns, c)
	p.mu.Unlock()
}

// Close stops the listener and drops the clients being served
func (p *Proxy) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	conns := p.conns
	p.conns = nil
	p.mu.Unlock()

	err := p.listener.Close()
	for c := range conns {
		_ = c.Close()
	}
	p.logger.InfoWith("SOCKS proxy stopped")
	return err
}
