package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"evssh/pkg/callbacks"
	"evssh/pkg/conf"
	"evssh/pkg/reactor"
	"evssh/pkg/slog"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"
)

const readBufferSize = 32 * 1024

// Connection is one SSH transport link. Its state is owned by its reactor
// loop. Exported methods without a loop note are for task goroutines and
// must not be called from the loop itself.
type Connection struct {
	ID string

	config   *Config
	logger   *slog.Logger
	loop     *reactor.Loop
	ownLoop  bool
	events   *callbacks.Registry
	state    *stateTracker
	verifier HostKeyVerifier

	netConn    net.Conn
	out        *outbox
	version    *VersionNegotiator
	stream     *PacketStream
	algorithms *Algorithms

	// queue holds packets below the channel range for NextMessage
	queue []*Packet
	// deferred holds connection protocol packets that arrived while a key
	// exchange did not allow them
	deferred []*Packet
	// held holds outgoing payloads waiting for our NEWKEYS
	held [][]byte

	connectTimer *reactor.Timer
	negoTimer    *reactor.Timer
	algoTimer    *reactor.Timer

	handshake *reactor.Future[struct{}]
	unbound   bool
	done      chan struct{}

	mu            sync.Mutex
	err           error
	serverVersion string
	sessionID     []byte
	hostKey       ssh.PublicKey
	remote        net.Addr
}

func newConnection(cfg *Config) (*Connection, error) {
	cfg = cfg.withDefaults()
	verifier, err := NewHostKeyVerifier(cfg.Paranoid, cfg.HostKeyVerifier, cfg.KnownHosts, cfg.Logger.Named("hostkey"))
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	c := &Connection{
		ID:        id,
		config:    cfg,
		logger:    cfg.Logger.With(slog.F("conn", id[:8]), slog.F("addr", cfg.Address())),
		state:     newStateTracker(),
		verifier:  verifier,
		handshake: reactor.NewFuture[struct{}](),
		done:      make(chan struct{}),
	}
	if cfg.Loop != nil {
		c.loop = cfg.Loop
	} else {
		c.loop = reactor.New(c.logger.Named("reactor")).Start()
		c.ownLoop = true
	}
	c.events = callbacks.New(c)

	c.stream = NewPacketStream(c.writeRaw)
	c.stream.RekeyBytes = cfg.RekeyBytes
	c.stream.RekeyPackets = cfg.RekeyPackets
	c.version = NewVersionNegotiator(cfg.ClientVersion, c.writeRaw, c.events)
	c.events.On(EventVersionNegotiated, func(args ...interface{}) interface{} {
		line, _ := args[0].(string)
		c.versionNegotiated(line)
		return nil
	})
	return c, nil
}

// Connect opens the transport and runs version and algorithm negotiation.
// The returned connection is AUTHENTICATING.
func Connect(ctx context.Context, cfg *Config) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c, err := newConnection(cfg)
	if err != nil {
		return nil, err
	}
	if err = c.start(ctx); err != nil {
		return nil, &HostError{Host: c.config.Address(), Err: err}
	}
	return c, nil
}

// Dial connects and authenticates with the configured methods
func Dial(ctx context.Context, cfg *Config) (*Connection, error) {
	c, err := Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	auth := NewAuthSession(c, c.config.AuthMethods, c.config.Signers)
	ok, err := auth.Authenticate(ctx, conf.SSHServiceConnection, c.config.User, c.config.Password)
	if err == nil && !ok {
		err = fmt.Errorf("%w: tried %v", ErrAuthenticationFailed, auth.Tried())
	}
	if err != nil {
		_ = c.loop.Call(context.Background(), func() { c.fail(err) })
		c.waitReleased()
		return nil, &HostError{Host: c.config.Address(), Err: err}
	}
	return c, nil
}

func (c *Connection) start(ctx context.Context) error {
	err := c.loop.Call(ctx, func() {
		c.logger.DebugWith("Connecting", slog.F("timeout", c.config.Timeout))
		c.connectTimer = c.loop.AfterFunc(c.config.Timeout, func() {
			c.fail(ErrConnectionTimeout)
		})
	})
	if err != nil {
		return err
	}

	go func() {
		dialCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
		defer cancel()
		nc, dErr := c.dialTransport(dialCtx)
		posted := c.loop.Post(func() {
			if dErr != nil {
				if errors.Is(dErr, context.DeadlineExceeded) {
					c.fail(ErrConnectionTimeout)
				} else {
					c.fail(fmt.Errorf("%w: %v", ErrConnectionFailed, dErr))
				}
				return
			}
			c.bind(nc)
		})
		if !posted && nc != nil {
			_ = nc.Close()
		}
	}()

	if _, err = c.handshake.Await(ctx); err != nil {
		if ctx.Err() != nil {
			_ = c.Close()
		}
		return err
	}
	return nil
}

// bind attaches the socket and starts version negotiation
func (c *Connection) bind(nc net.Conn) {
	if c.state.current().Terminal() {
		_ = nc.Close()
		return
	}
	c.netConn = nc
	c.mu.Lock()
	c.remote = nc.RemoteAddr()
	c.mu.Unlock()
	c.connectTimer.Stop()
	c.out = newOutbox(nc, c.config.Timeout, func(err error) {
		c.loop.Post(func() { c.lost(err) })
	})
	c.transition(StateVersionNegotiating, "socket connected")
	c.negoTimer = c.loop.AfterFunc(c.config.NegoTimeout, func() {
		c.fail(fmt.Errorf("%w: waiting for server version", ErrNegotiationTimeout))
	})
	go c.readLoop(nc)
}

func (c *Connection) readLoop(nc net.Conn) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := nc.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			if !c.loop.Post(func() { c.receive(chunk) }) {
				return
			}
		}
		if err != nil {
			c.loop.Post(func() { c.lost(err) })
			return
		}
	}
}

func (c *Connection) writeRaw(b []byte) {
	if c.out != nil {
		c.out.write(b)
	}
}

func (c *Connection) receive(chunk []byte) {
	if c.state.current().Terminal() {
		return
	}
	if !c.version.Done() {
		rest, done, err := c.version.Feed(chunk)
		if err != nil {
			c.fail(err)
			return
		}
		if !done {
			return
		}
		chunk = rest
	}
	c.stream.Append(chunk)
	c.drain()
}

func (c *Connection) drain() {
	for !c.state.current().Terminal() {
		p, err := c.stream.PollNextPacket()
		if err != nil {
			c.fail(err)
			return
		}
		if p == nil {
			return
		}
		c.dispatch(p)
	}
}

func (c *Connection) versionNegotiated(line string) {
	c.mu.Lock()
	c.serverVersion = line
	c.mu.Unlock()
	c.negoTimer.Stop()
	c.logger.DebugWith("Server version", slog.F("version", line))
	c.transition(StateAlgoNegotiating, "version exchanged")

	c.algorithms = newAlgorithms(c.config.Algorithms, c.stream, c.config.ClientVersion, line, c.logger.Named("kex"))
	c.algorithms.send = c.stream.SendPacket
	c.algorithms.verify = c.verifyHostKey
	c.algorithms.writeKeysChanged = c.flushHeld
	c.algoTimer = c.loop.AfterFunc(c.config.NegoTimeout, func() {
		c.fail(fmt.Errorf("%w: key exchange did not complete", ErrNegotiationTimeout))
	})
}

func (c *Connection) verifyHostKey(key ssh.PublicKey) error {
	host, port := c.config.knownHostsName()
	var remote net.Addr
	if c.netConn != nil {
		remote = c.netConn.RemoteAddr()
	}
	return c.verifier.Verify(HostKeyInfo{Host: host, Port: port, Remote: remote, Key: key})
}

func (c *Connection) dispatch(p *Packet) {
	if c.logger.IsDebug() {
		c.logger.Debugf("Received %s", p)
	}
	switch p.Type {
	case MsgDisconnect:
		dErr := disconnectFromPacket(p)
		c.logger.WarnWith("Disconnected by peer", slog.F("reason", dErr.Reason), slog.F("description", dErr.Description))
		c.fail(dErr)
	case MsgIgnore:
		c.logger.Debugf("IGNORE packet received")
	case MsgUnimplemented:
		var msg unimplementedMsg
		_ = p.Decode(&msg)
		c.logger.Warnf("Server reported packet %d as unimplemented", msg.SeqNum)
	case MsgDebug:
		var msg debugMsg
		if err := p.Decode(&msg); err != nil {
			c.logger.Debugf("Malformed DEBUG packet: %v", err)
			return
		}
		if msg.AlwaysDisplay {
			c.logger.Fatalf("Server debug: %s", msg.Message)
		} else {
			c.logger.Debugf("Server debug: %s", msg.Message)
		}
	case MsgKexInit:
		if err := c.algorithms.AcceptKexInit(p); err != nil {
			c.fail(err)
		}
	default:
		if p.Type.IsKex() {
			completed, err := c.algorithms.HandlePacket(p)
			if err != nil {
				c.fail(err)
				return
			}
			if completed {
				c.kexCompleted()
			}
			return
		}
		c.deliver(p)
	}
}

func (c *Connection) deliver(p *Packet) {
	if p.Type < MsgGlobalRequest && c.state.current() == StateConnected {
		// Nothing reads the queue once the session owns the connection
		c.logger.Warnf("Dropping %s received after authentication", p.Type)
		return
	}
	if p.Type < MsgChannelOpen {
		c.queue = append(c.queue, p)
	}
	if !c.allow(p) {
		if p.Type >= MsgGlobalRequest {
			c.deferred = append(c.deferred, p)
		}
		return
	}
	c.firePacket(p)
}

func (c *Connection) firePacket(p *Packet) {
	c.events.Fire(EventPacket, p)
	if p.Type >= MsgGlobalRequest && !c.unbound {
		c.events.Fire(EventSessionPacket, p)
	}
}

func (c *Connection) allow(p *Packet) bool {
	return c.algorithms == nil || c.algorithms.Allow(p)
}

func (c *Connection) kexCompleted() {
	c.mu.Lock()
	c.sessionID = c.algorithms.SessionID()
	c.hostKey = c.algorithms.HostKey()
	c.mu.Unlock()

	deferred := c.deferred
	c.deferred = nil
	for _, p := range deferred {
		if c.unbound {
			return
		}
		c.firePacket(p)
	}
	// Queued packets may have become allowed
	if len(c.queue) > 0 {
		c.events.Fire(EventPacket)
	}
	c.loop.NextTick(c.algoInit)
}

func (c *Connection) algoInit() {
	if c.state.current().Terminal() {
		return
	}
	if c.state.current() == StateAlgoNegotiating {
		c.algoTimer.Stop()
		c.transition(StateAuthenticating, "keys exchanged")
		c.handshake.Resolve(struct{}{})
	}
	c.events.Fire(EventAlgoInit)
}

// flushHeld sends what was queued while our KEXINIT was outstanding
func (c *Connection) flushHeld() {
	held := c.held
	c.held = nil
	for _, payload := range held {
		if err := c.stream.SendPacket(payload); err != nil {
			c.fail(err)
			return
		}
	}
}

// Transmit encodes and sends msg. Must be called on the loop.
func (c *Connection) Transmit(msg interface{}) error {
	return c.transmitPayload(Marshal(msg))
}

func (c *Connection) transmitPayload(payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrProtocol)
	}
	if c.state.current().Terminal() {
		return ErrConnectionClosed
	}
	if c.algorithms != nil && c.algorithms.HoldsOutgoing(MsgType(payload[0])) {
		c.held = append(c.held, payload)
		return nil
	}
	return c.stream.SendPacket(payload)
}

// Send encodes msg and sends it from the loop
func (c *Connection) Send(ctx context.Context, msg interface{}) error {
	return c.SendPayload(ctx, Marshal(msg))
}

// SendPayload sends an encoded message, type byte included
func (c *Connection) SendPayload(ctx context.Context, payload []byte) error {
	var err error
	if cErr := c.loop.Call(ctx, func() { err = c.transmitPayload(payload) }); cErr != nil {
		return c.callError(cErr)
	}
	return err
}

func (c *Connection) callError(err error) error {
	if errors.Is(err, reactor.ErrStopped) {
		if cErr := c.Err(); cErr != nil {
			return cErr
		}
		return ErrConnectionClosed
	}
	return err
}

func (c *Connection) popAllowed() *Packet {
	for i, p := range c.queue {
		if c.allow(p) {
			c.queue = append(c.queue[:i:i], c.queue[i+1:]...)
			return p
		}
	}
	return nil
}

// NextMessage returns the oldest queued packet the current kex phase
// allows, waiting for one when there is none
func (c *Connection) NextMessage(ctx context.Context) (*Packet, error) {
	fut := reactor.NewFuture[*Packet]()
	var handles []*callbacks.Handle
	err := c.loop.Call(ctx, func() {
		if p := c.popAllowed(); p != nil {
			fut.Resolve(p)
			return
		}
		if c.state.current().Terminal() {
			fut.Reject(c.closedError())
			return
		}
		handles = append(handles,
			c.events.On(EventPacket, func(...interface{}) interface{} {
				if !fut.Pending() {
					return nil
				}
				if p := c.popAllowed(); p != nil {
					fut.Resolve(p)
					cancelAll(handles)
				}
				return nil
			}),
			c.events.OnNext(EventClosed, func(...interface{}) interface{} {
				fut.Reject(c.closedError())
				return nil
			}),
		)
	})
	if err != nil {
		return nil, c.callError(err)
	}

	p, err := fut.Await(ctx)
	if err != nil && ctx.Err() != nil {
		c.loop.Post(func() {
			cancelAll(handles)
			if !fut.Reject(ctx.Err()) {
				// Resolved concurrently, keep the packet for the next caller
				if late, lateErr := fut.Result(); lateErr == nil && late != nil {
					c.queue = append([]*Packet{late}, c.queue...)
				}
			}
		})
	}
	return p, err
}

func cancelAll(handles []*callbacks.Handle) {
	for _, h := range handles {
		_ = h.Cancel()
	}
}

// Rekey starts a key exchange and waits for it to complete. It returns
// immediately when an exchange is already pending.
func (c *Connection) Rekey(ctx context.Context) error {
	fut := reactor.NewFuture[struct{}]()
	var handles []*callbacks.Handle
	err := c.loop.Call(ctx, func() {
		if c.state.current().Terminal() || c.algorithms == nil {
			fut.Reject(c.closedError())
			return
		}
		if c.algorithms.Pending() {
			fut.Resolve(struct{}{})
			return
		}
		if err := c.algorithms.Rekey(); err != nil {
			fut.Reject(err)
			c.fail(err)
			return
		}
		handles = append(handles,
			c.events.OnNext(EventAlgoInit, func(...interface{}) interface{} {
				fut.Resolve(struct{}{})
				return nil
			}),
			c.events.OnNext(EventClosed, func(...interface{}) interface{} {
				fut.Reject(c.closedError())
				return nil
			}),
		)
	})
	if err != nil {
		return c.callError(err)
	}
	_, err = fut.Await(ctx)
	if err != nil && ctx.Err() != nil {
		c.loop.Post(func() { cancelAll(handles) })
	}
	return err
}

// RekeyAsNeeded runs Rekey when the traffic limits were reached
func (c *Connection) RekeyAsNeeded(ctx context.Context) error {
	var needed bool
	if err := c.loop.Call(ctx, func() {
		c.stream.IfNeedsRekey(func() { needed = true })
	}); err != nil {
		return c.callError(err)
	}
	if !needed {
		return nil
	}
	return c.Rekey(ctx)
}

// CheckRekey starts a key exchange without waiting when the traffic limits
// were reached. Must be called on the loop.
func (c *Connection) CheckRekey() {
	if c.algorithms == nil || c.algorithms.Pending() {
		return
	}
	c.stream.IfNeedsRekey(func() {
		c.logger.Debugf("Traffic limit reached, starting key exchange")
		if err := c.algorithms.Rekey(); err != nil {
			c.fail(err)
		}
	})
}

// Unqueue removes p from the message queue once a consumer handled it.
// Must be called on the loop.
func (c *Connection) Unqueue(p *Packet) {
	for i, q := range c.queue {
		if q == p {
			c.queue = append(c.queue[:i:i], c.queue[i+1:]...)
			return
		}
	}
}

// Established moves an authenticated connection to CONNECTED and fires
// EventConnected with session. Must be called on the loop.
func (c *Connection) Established(session interface{}) error {
	if c.state.current() != StateAuthenticating || !c.stream.Hinted(hintAuthenticated) {
		return fmt.Errorf("cannot open a session on a %s connection", c.state.current())
	}
	c.transition(StateConnected, "session started")
	c.events.Fire(EventConnected, session)
	// Global requests that arrived before the session existed
	for _, p := range append([]*Packet(nil), c.queue...) {
		if p.Type >= MsgGlobalRequest && !c.unbound {
			c.events.Fire(EventSessionPacket, p)
		}
	}
	return nil
}

// Abort fails the connection with err. Must be called on the loop.
func (c *Connection) Abort(err error) {
	c.fail(err)
}

func (c *Connection) hint(ctx context.Context, name string) error {
	return c.callError(c.loop.Call(ctx, func() { c.stream.Hint(name) }))
}

func (c *Connection) transition(next ConnState, reason string) {
	prev := c.state.current()
	if c.state.advance(next, reason) {
		c.logger.DebugWith("State changed", slog.F("from", prev), slog.F("to", next), slog.F("reason", reason))
	}
}

// fail moves the connection to FAILED and releases it
func (c *Connection) fail(err error) {
	prev := c.state.current()
	if prev.Terminal() {
		return
	}
	c.setErr(err)
	if reason, ok := disconnectReason(err); ok {
		c.sendDisconnect(reason, err.Error())
	}
	c.transition(StateFailed, err.Error())
	c.logger.ErrorWith("Connection failed", slog.F("state", prev), slog.F("err", err))
	c.handshake.Reject(err)
	c.events.Fire(EventError, err)
	c.unbind()
}

// shutdown moves the connection to CLOSED and releases it
func (c *Connection) shutdown(err error) {
	if c.state.current().Terminal() {
		return
	}
	c.setErr(err)
	c.transition(StateClosed, err.Error())
	c.handshake.Reject(err)
	c.unbind()
}

// lost handles the socket going away
func (c *Connection) lost(err error) {
	st := c.state.current()
	if st.Terminal() {
		return
	}
	reason := err.Error()
	if errors.Is(err, io.EOF) {
		reason = "closed by remote host"
	}
	switch st {
	case StateConnecting, StateVersionNegotiating:
		c.fail(fmt.Errorf("%w: %s", ErrConnectionFailed, reason))
	case StateAlgoNegotiating, StateAuthenticating:
		c.fail(fmt.Errorf("%w: %s", ErrConnectionTerminated, reason))
	default:
		c.logger.InfoWith("Connection closed", slog.F("reason", reason))
		c.shutdown(fmt.Errorf("%w: %s", ErrConnectionClosed, reason))
	}
}

// disconnectReason maps local failures the peer should be told about
func disconnectReason(err error) (uint32, bool) {
	switch {
	case errors.Is(err, ErrProtocol):
		return DisconnectProtocolError, true
	case errors.Is(err, ErrHostKeyMismatch), errors.Is(err, ErrHostKeyRejected):
		return DisconnectHostKeyNotVerifiable, true
	case errors.Is(err, ErrAuthenticationFailed):
		return DisconnectNoMoreAuthMethodsAvailable, true
	}
	return 0, false
}

func (c *Connection) sendDisconnect(reason uint32, description string) {
	if c.out == nil || c.stream == nil {
		return
	}
	_ = c.stream.SendPacket(Marshal(&DisconnectMsg{Reason: reason, Message: description}))
}

// unbind releases everything the connection owns, exactly once
func (c *Connection) unbind() {
	if c.unbound {
		return
	}
	c.unbound = true

	c.events.Fire(EventClosed, c.Err())
	c.connectTimer.Stop()
	c.negoTimer.Stop()
	c.algoTimer.Stop()
	c.algorithms = nil
	c.stream.Close()
	if c.out != nil {
		c.out.close()
	}
	c.events.Clear()
	c.queue = nil
	c.deferred = nil
	c.held = nil
	close(c.done)
	c.logger.DebugWith("Connection released", slog.F("state", c.state.current()))
	if c.ownLoop {
		c.loop.Stop()
	}
}

// Close sends DISCONNECT and releases the connection. Closing a closed
// connection is a no-op.
func (c *Connection) Close() error {
	var out *outbox
	err := c.loop.Call(context.Background(), func() {
		if c.state.current().Terminal() {
			return
		}
		out = c.out
		c.sendDisconnect(DisconnectByApplication, "disconnected by user")
		c.shutdown(ErrConnectionClosed)
	})
	if err != nil && !errors.Is(err, reactor.ErrStopped) {
		return err
	}
	if out != nil {
		select {
		case <-out.done:
		case <-time.After(time.Second):
		}
	}
	return nil
}

func (c *Connection) waitReleased() {
	select {
	case <-c.done:
	case <-time.After(time.Second):
	}
}

func (c *Connection) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

func (c *Connection) closedError() error {
	if err := c.Err(); err != nil && !errors.Is(err, ErrConnectionClosed) {
		return err
	}
	return ErrConnectionClosed
}

// Err returns why the connection failed or closed, nil while it is open
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Done is closed once the connection has been released
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Closed reports whether the connection reached CLOSED or FAILED
func (c *Connection) Closed() bool {
	return c.state.current().Terminal()
}

func (c *Connection) State() ConnState {
	return c.state.current()
}

// Transitions returns the most recent state changes, oldest first
func (c *Connection) Transitions() []StateTransition {
	return c.state.transitions()
}

// On registers fn for a connection event. Handlers run on the loop.
func (c *Connection) On(event string, fn callbacks.Handler) *callbacks.Handle {
	return c.events.On(event, fn)
}

// OnNext registers fn for the next occurrence of event only
func (c *Connection) OnNext(event string, fn callbacks.Handler) *callbacks.Handle {
	return c.events.OnNext(event, fn)
}

func (c *Connection) Loop() *reactor.Loop {
	return c.loop
}

func (c *Connection) Logger() *slog.Logger {
	return c.logger
}

// Host returns the configured host
func (c *Connection) Host() string {
	return c.config.Host
}

func (c *Connection) User() string {
	return c.config.User
}

// Properties is the bag configured for the session
func (c *Connection) Properties() map[string]interface{} {
	return c.config.Properties
}

// Config returns a copy of the effective configuration
func (c *Connection) Config() Config {
	return *c.config
}

func (c *Connection) ServerVersion() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverVersion
}

// SessionID is the exchange hash of the first key exchange
func (c *Connection) SessionID() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// HostKey is the key the server authenticated with
func (c *Connection) HostKey() ssh.PublicKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hostKey
}

func (c *Connection) RemoteAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}
