// Package session implements the SSH connection protocol on top of an
// authenticated transport: channels, channel requests and global requests.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"evssh/pkg/callbacks"
	"evssh/pkg/conf"
	"evssh/pkg/reactor"
	"evssh/pkg/slog"
	"evssh/pkg/transport"
)

// GlobalReply is the answer to a global request
type GlobalReply struct {
	OK   bool
	Data []byte
}

type packetHandler func(p *transport.Packet) error

// Session multiplexes channels over one connection. Its state is owned by
// the connection's loop.
type Session struct {
	conn       *transport.Connection
	loop       *reactor.Loop
	logger     *slog.Logger
	properties map[string]interface{}

	pumpInterval      time.Duration
	keepaliveInterval time.Duration

	// owned by the loop
	handlers  map[transport.MsgType]packetHandler
	channels  map[uint32]*Channel
	nextID    uint32
	replies   []*reactor.Future[GlobalReply]
	handles   []*callbacks.Handle
	pump      *reactor.Periodic
	keepalive *reactor.Periodic
	lastProbe *reactor.Future[GlobalReply]
	closing   bool
	released  bool
}

type Option func(s *Session)

// WithProperties attaches a property bag to the session
func WithProperties(props map[string]interface{}) Option {
	return func(s *Session) {
		for k, v := range props {
			s.properties[k] = v
		}
	}
}

// WithPumpInterval changes how often channels flush pending output
func WithPumpInterval(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.pumpInterval = d
		}
	}
}

// WithKeepalive sends keepalive@openssh.com every d. The connection is
// failed when a probe is still unanswered at the next tick.
func WithKeepalive(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 && d < conf.MinKeepAlive {
			d = conf.MinKeepAlive
		}
		s.keepaliveInterval = d
	}
}

// New starts a session on an authenticated connection and moves the
// connection to CONNECTED
func New(ctx context.Context, conn *transport.Connection, opts ...Option) (*Session, error) {
	s := &Session{
		conn:         conn,
		loop:         conn.Loop(),
		logger:       conn.Logger().Named("session"),
		properties:   make(map[string]interface{}),
		pumpInterval: conf.PumpInterval,
		channels:     make(map[uint32]*Channel),
	}
	for k, v := range conn.Properties() {
		s.properties[k] = v
	}
	for _, opt := range opts {
		opt(s)
	}
	s.handlers = s.packetHandlers()

	var err error
	cErr := s.loop.Call(ctx, func() {
		s.handles = append(s.handles,
			conn.On(transport.EventSessionPacket, func(args ...interface{}) interface{} {
				if p, ok := args[0].(*transport.Packet); ok {
					s.handle(p)
				}
				return nil
			}),
			conn.On(transport.EventClosed, func(...interface{}) interface{} {
				s.release()
				return nil
			}),
		)
		if err = conn.Established(s); err != nil {
			s.cancelHandles()
			return
		}
		s.pump = s.loop.Every(s.pumpInterval, s.process)
		if s.keepaliveInterval > 0 {
			s.keepalive = s.loop.Every(s.keepaliveInterval, s.probe)
		}
	})
	if cErr != nil {
		if errors.Is(cErr, reactor.ErrStopped) {
			cErr = transport.ErrConnectionClosed
		}
		return nil, cErr
	}
	if err != nil {
		return nil, err
	}
	s.logger.Debugf("Session started")
	return s, nil
}

// Start dials, authenticates and starts a session in one step
func Start(ctx context.Context, cfg *transport.Config, opts ...Option) (*Session, error) {
	conn, err := transport.Dial(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s, err := New(ctx, conn, opts...)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Session) Conn() *transport.Connection {
	return s.conn
}

// Reactor returns the loop the session and its connection run on
func (s *Session) Reactor() *reactor.Loop {
	return s.loop
}

func (s *Session) Logger() *slog.Logger {
	return s.logger
}

// Properties is the bag given at construction, merged over the
// connection's configured properties
func (s *Session) Properties() map[string]interface{} {
	return s.properties
}

// Process gives the session a chance to do work. The loop does all the
// work already, so it only reports that the session is alive.
func (s *Session) Process() bool {
	return true
}

// Loop runs cond on the loop once per tick until it returns false, the
// connection closes or ctx ends
func (s *Session) Loop(ctx context.Context, cond func() bool) error {
	fut := reactor.NewFuture[struct{}]()
	var step func()
	step = func() {
		if !fut.Pending() {
			return
		}
		if s.conn.Closed() {
			fut.Reject(transport.ErrConnectionClosed)
			return
		}
		if !cond() {
			fut.Resolve(struct{}{})
			return
		}
		s.loop.NextTick(step)
	}
	if err := s.loop.Call(ctx, step); err != nil {
		return s.callError(err)
	}
	_, err := awaitFuture(ctx, s.conn.Done(), fut)
	if err != nil && ctx.Err() != nil {
		s.loop.Post(func() { fut.Reject(ctx.Err()) })
	}
	return err
}

// Channels returns the channels that are not closed yet
func (s *Session) Channels(ctx context.Context) ([]*Channel, error) {
	var out []*Channel
	err := s.loop.Call(ctx, func() {
		for _, ch := range s.channels {
			out = append(out, ch)
		}
	})
	return out, s.callError(err)
}

// OpenChannel opens a channel of the given type. extra is the type
// specific data of the open message.
func (s *Session) OpenChannel(ctx context.Context, kind string, extra []byte) (*Channel, error) {
	var ch *Channel
	var err error
	cErr := s.loop.Call(ctx, func() {
		if s.closing || s.released {
			err = ErrSessionClosed
			return
		}
		ch = newChannel(s, s.nextID, kind)
		s.nextID++
		if err = s.conn.Transmit(&transport.ChannelOpenMsg{
			ChanType:         kind,
			PeersID:          ch.ID,
			PeersWindow:      conf.ChannelWindowSize,
			MaxPacketSize:    conf.ChannelMaxPacket,
			TypeSpecificData: extra,
		}); err != nil {
			return
		}
		s.channels[ch.ID] = ch
	})
	if cErr != nil {
		return nil, s.callError(cErr)
	}
	if err != nil {
		return nil, err
	}

	if _, err = awaitFuture(ctx, s.conn.Done(), ch.opened); err != nil {
		if ctx.Err() != nil {
			s.loop.Post(ch.close)
		}
		return nil, err
	}
	return ch, nil
}

// SendGlobalRequest sends a global request. Replies are matched to
// requests in order.
func (s *Session) SendGlobalRequest(ctx context.Context, name string, wantReply bool, payload []byte) (bool, []byte, error) {
	var fut *reactor.Future[GlobalReply]
	if wantReply {
		fut = reactor.NewFuture[GlobalReply]()
	}
	var err error
	cErr := s.loop.Call(ctx, func() {
		if s.released {
			err = ErrSessionClosed
			return
		}
		err = s.sendGlobalRequest(name, fut, payload)
	})
	if cErr != nil {
		return false, nil, s.callError(cErr)
	}
	if err != nil || fut == nil {
		return err == nil, nil, err
	}
	reply, err := awaitFuture(ctx, s.conn.Done(), fut)
	return reply.OK, reply.Data, err
}

func (s *Session) sendGlobalRequest(name string, fut *reactor.Future[GlobalReply], payload []byte) error {
	if err := s.conn.Transmit(&transport.GlobalRequestMsg{Type: name, WantReply: fut != nil, Data: payload}); err != nil {
		return err
	}
	if fut != nil {
		s.replies = append(s.replies, fut)
	}
	return nil
}

// probe sends a keepalive, failing the connection when the previous one
// went unanswered
func (s *Session) probe() {
	if s.lastProbe != nil && s.lastProbe.Pending() {
		s.logger.WarnWith("Keepalive unanswered", slog.F("interval", s.keepaliveInterval))
		s.conn.Abort(fmt.Errorf("%w: keepalive timed out", transport.ErrConnectionTerminated))
		return
	}
	fut := reactor.NewFuture[GlobalReply]()
	if err := s.sendGlobalRequest(conf.SSHRequestKeepAlive, fut, nil); err != nil {
		return
	}
	s.lastProbe = fut
}

// process is the periodic pump: open channels flush output, and a key
// exchange starts when the traffic limits were reached
func (s *Session) process() {
	for _, ch := range s.channels {
		if !ch.Closing() {
			ch.process()
		}
	}
	s.conn.CheckRekey()
}

func (s *Session) forget(id uint32) {
	delete(s.channels, id)
}

// Close closes every channel, waits for the peer to confirm and releases
// the connection. When the connection is already gone the channels are
// detached instead.
func (s *Session) Close(ctx context.Context) error {
	var wait bool
	err := s.loop.Call(ctx, func() {
		if s.closing {
			return
		}
		s.closing = true
		s.stopTimers()
		if s.conn.Closed() {
			s.detachAll()
			return
		}
		for _, ch := range s.channels {
			ch.close()
		}
		// final pass for channels whose output was pending
		for _, ch := range s.channels {
			ch.process()
		}
		wait = len(s.channels) > 0
	})
	if err != nil && !errors.Is(err, reactor.ErrStopped) {
		return err
	}
	if wait {
		wErr := s.Loop(ctx, func() bool { return len(s.channels) > 0 })
		if wErr != nil && !errors.Is(wErr, transport.ErrConnectionClosed) {
			s.logger.Debugf("Channels did not close cleanly: %v", wErr)
		}
	}
	s.logger.Debugf("Session closed")
	return s.conn.Close()
}

func (s *Session) stopTimers() {
	if s.pump != nil {
		s.pump.Stop()
	}
	if s.keepalive != nil {
		s.keepalive.Stop()
	}
}

func (s *Session) detachAll() {
	for _, ch := range s.channels {
		ch.detach()
	}
	for _, fut := range s.replies {
		fut.Reject(transport.ErrConnectionClosed)
	}
	s.replies = nil
}

// release runs when the connection is released
func (s *Session) release() {
	if s.released {
		return
	}
	s.released = true
	s.stopTimers()
	s.detachAll()
	s.cancelHandles()
}

func (s *Session) cancelHandles() {
	for _, h := range s.handles {
		_ = h.Cancel()
	}
	s.handles = nil
}

func (s *Session) callError(err error) error {
	if errors.Is(err, reactor.ErrStopped) {
		if cErr := s.conn.Err(); cErr != nil {
			return cErr
		}
		return transport.ErrConnectionClosed
	}
	return err
}

// awaitFuture waits for fut, giving up when released is closed first
func awaitFuture[T any](ctx context.Context, released <-chan struct{}, fut *reactor.Future[T]) (T, error) {
	select {
	case <-fut.Done():
		return fut.Result()
	case <-released:
		select {
		case <-fut.Done():
			return fut.Result()
		default:
		}
		var zero T
		return zero, transport.ErrConnectionClosed
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
