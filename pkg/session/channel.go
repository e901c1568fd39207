package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"sync/atomic"
	"weak"

	"evssh/pkg/callbacks"
	"evssh/pkg/conf"
	"evssh/pkg/metrics"
	"evssh/pkg/reactor"
	"evssh/pkg/slog"
	"evssh/pkg/transport"
	"evssh/pkg/types"

	"golang.org/x/crypto/ssh"
)

type ChannelState int32

const (
	ChannelOpening ChannelState = iota
	ChannelOpen
	ChannelClosing
	ChannelClosed
)

func (s ChannelState) String() string {
	switch s {
	case ChannelOpening:
		return "opening"
	case ChannelOpen:
		return "open"
	case ChannelClosing:
		return "closing"
	case ChannelClosed:
		return "closed"
	}
	return fmt.Sprintf("ChannelState(%d)", int32(s))
}

// Channel events. Handlers run on the loop.
const (
	// EventData carries a []byte received on the channel
	EventData = "data"
	// EventExtendedData carries the data type code and a []byte
	EventExtendedData = "extended_data"
	EventEOF          = "eof"
	// EventClose fires once, after both sides closed or the session went away
	EventClose = "close"
	// EventRequest carries the request name and its payload
	EventRequest = "request"
)

// extendedDataStderr is the only extended data type code defined
const extendedDataStderr = 1

type outChunk struct {
	data []byte
	done *reactor.Future[struct{}]
}

// Channel is one multiplexed stream of a session. Read, Write and the
// request helpers block the calling task; handlers registered with On run
// on the loop.
type Channel struct {
	ID   uint32
	Type string

	session  weak.Pointer[Session]
	loop     *reactor.Loop
	released <-chan struct{}
	logger   *slog.Logger
	events   *callbacks.Registry

	detached atomic.Bool
	current  atomic.Int32

	// owned by the loop
	remoteID     uint32
	remoteWindow uint32
	maxPacket    uint32
	localWindow  uint32
	output       []*outChunk
	requests     []*reactor.Future[bool]
	confirmed    bool
	abandoned    bool
	wantEOF      bool
	sentEOF      bool
	sentClose    bool
	gotClose     bool

	opened *reactor.Future[struct{}]
	closed *reactor.Future[struct{}]
	stdout *buffer
	stderr *buffer

	mu         sync.Mutex
	exitStatus int
	exited     bool
	exitSignal *types.ExitSignal
}

func newChannel(s *Session, id uint32, kind string) *Channel {
	ch := &Channel{
		ID:          id,
		Type:        kind,
		session:     weak.Make(s),
		loop:        s.loop,
		released:    s.conn.Done(),
		logger:      s.logger.With(slog.F("channel", id), slog.F("type", kind)),
		localWindow: conf.ChannelWindowSize,
		opened:      reactor.NewFuture[struct{}](),
		closed:      reactor.NewFuture[struct{}](),
		stdout:      newBuffer(),
		stderr:      newBuffer(),
	}
	ch.events = callbacks.New(ch)
	return ch
}

func (ch *Channel) owner() (*Session, error) {
	if ch.detached.Load() {
		return nil, ErrNotAssociated
	}
	s := ch.session.Value()
	if s == nil {
		return nil, ErrNotAssociated
	}
	return s, nil
}

// call runs fn on the loop with the owning session
func (ch *Channel) call(ctx context.Context, fn func(s *Session) error) error {
	if _, err := ch.owner(); err != nil {
		return err
	}
	var err error
	cErr := ch.loop.Call(ctx, func() {
		s, oErr := ch.owner()
		if oErr != nil {
			err = oErr
			return
		}
		err = fn(s)
	})
	if cErr != nil {
		if errors.Is(cErr, reactor.ErrStopped) {
			return ErrNotAssociated
		}
		return cErr
	}
	return err
}

func (ch *Channel) transmit(msg interface{}) error {
	s, err := ch.owner()
	if err != nil {
		return err
	}
	return s.conn.Transmit(msg)
}

func (ch *Channel) setState(st ChannelState) {
	ch.current.Store(int32(st))
}

func (ch *Channel) state() ChannelState {
	return ChannelState(ch.current.Load())
}

// State may be called from any goroutine
func (ch *Channel) State() ChannelState {
	return ch.state()
}

// Active reports whether the channel is open and not closing
func (ch *Channel) Active() bool {
	return ch.state() == ChannelOpen
}

// Closing reports whether a close was requested or completed
func (ch *Channel) Closing() bool {
	return ch.state() >= ChannelClosing
}

// Detached reports whether the session was released under the channel
func (ch *Channel) Detached() bool {
	return ch.detached.Load()
}

func (ch *Channel) Loop() *reactor.Loop {
	return ch.loop
}

// On registers fn for a channel event
func (ch *Channel) On(event string, fn callbacks.Handler) *callbacks.Handle {
	return ch.events.On(event, fn)
}

func (ch *Channel) OnNext(event string, fn callbacks.Handler) *callbacks.Handle {
	return ch.events.OnNext(event, fn)
}

// DiscardReads stops buffering received data for Read. Data is then only
// delivered through EventData and EventExtendedData.
func (ch *Channel) DiscardReads() {
	ch.stdout.setDiscard()
	ch.stderr.setDiscard()
}

// Read reads data the peer sent on the channel
func (ch *Channel) Read(p []byte) (int, error) {
	return ch.stdout.Read(p)
}

// Stderr reads the extended data stream
func (ch *Channel) Stderr() io.Reader {
	return ch.stderr
}

func (ch *Channel) Write(p []byte) (int, error) {
	return ch.SendData(context.Background(), p)
}

// SendData queues p and waits until it was handed to the transport, which
// may take a while when the peer's window is exhausted
func (ch *Channel) SendData(ctx context.Context, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	chunk := &outChunk{
		data: append([]byte(nil), p...),
		done: reactor.NewFuture[struct{}](),
	}
	err := ch.call(ctx, func(*Session) error {
		if ch.state() != ChannelOpen || ch.wantEOF {
			return ErrChannelClosed
		}
		ch.output = append(ch.output, chunk)
		ch.process()
		return nil
	})
	if err != nil {
		return 0, err
	}
	if _, err = awaitFuture(ctx, ch.released, chunk.done); err != nil {
		return 0, err
	}
	return len(p), nil
}

// CloseWrite sends EOF once the queued output is flushed
func (ch *Channel) CloseWrite() error {
	return ch.call(context.Background(), func(*Session) error {
		if ch.state() != ChannelOpen {
			return ErrChannelClosed
		}
		ch.wantEOF = true
		ch.process()
		return nil
	})
}

// Close requests the channel to close without waiting for the peer. Use
// Wait to block until it did.
func (ch *Channel) Close() error {
	return ch.call(context.Background(), func(*Session) error {
		ch.close()
		return nil
	})
}

// Wait blocks until the channel is closed. It returns an *ExitError when
// the peer reported a failing exit status or a signal.
func (ch *Channel) Wait(ctx context.Context) error {
	if _, err := awaitFuture(ctx, ch.released, ch.closed); err != nil {
		return err
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.exitSignal != nil {
		return &ExitError{Status: -1, Signal: ch.exitSignal.Signal, Message: ch.exitSignal.Message}
	}
	if ch.exited && ch.exitStatus != 0 {
		return &ExitError{Status: ch.exitStatus}
	}
	return nil
}

// Done is closed once the channel is closed
func (ch *Channel) Done() <-chan struct{} {
	return ch.closed.Done()
}

// ExitStatus returns the status reported with exit-status, if any
func (ch *Channel) ExitStatus() (int, bool) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.exitStatus, ch.exited
}

// SendRequest sends a channel request. Without wantReply it returns true
// as soon as the request is queued.
func (ch *Channel) SendRequest(ctx context.Context, name string, wantReply bool, payload []byte) (bool, error) {
	var fut *reactor.Future[bool]
	if wantReply {
		fut = reactor.NewFuture[bool]()
	}
	err := ch.call(ctx, func(*Session) error {
		if ch.state() != ChannelOpen {
			return ErrChannelClosed
		}
		if err := ch.transmit(&transport.ChannelRequestMsg{
			PeersID:             ch.remoteID,
			Request:             name,
			WantReply:           wantReply,
			RequestSpecificData: payload,
		}); err != nil {
			return err
		}
		if fut != nil {
			ch.requests = append(ch.requests, fut)
		}
		return nil
	})
	if err != nil || fut == nil {
		return err == nil, err
	}
	return awaitFuture(ctx, ch.released, fut)
}

func (ch *Channel) request(ctx context.Context, name string, payload interface{}) error {
	var data []byte
	if payload != nil {
		data = ssh.Marshal(payload)
	}
	ok, err := ch.SendRequest(ctx, name, true, data)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrRequestFailed, name)
	}
	return nil
}

// RequestPty asks for a pseudo terminal of the given size
func (ch *Channel) RequestPty(ctx context.Context, term string, cols, rows int) error {
	return ch.request(ctx, conf.SSHRequestPTY, &types.PtyRequest{
		TermEnvVar:     term,
		TermWidthCols:  uint32(cols),
		TermHeightRows: uint32(rows),
		// TTY_OP_END only
		TerminalModes: "\x00",
	})
}

// Shell starts the user's login shell
func (ch *Channel) Shell(ctx context.Context) error {
	return ch.request(ctx, conf.SSHRequestShell, nil)
}

// Start runs command on the channel
func (ch *Channel) Start(ctx context.Context, command string) error {
	return ch.request(ctx, conf.SSHRequestExec, &types.ExecRequest{Command: command})
}

// RequestSubsystem starts a named subsystem such as sftp
func (ch *Channel) RequestSubsystem(ctx context.Context, name string) error {
	return ch.request(ctx, conf.SSHRequestSubsystem, &types.SubsystemRequest{Name: name})
}

func (ch *Channel) Setenv(ctx context.Context, name, value string) error {
	return ch.request(ctx, conf.SSHRequestEnv, &types.EnvRequest{Name: name, Value: value})
}

// WindowChange reports a new terminal size; no reply is expected
func (ch *Channel) WindowChange(ctx context.Context, cols, rows int) error {
	_, err := ch.SendRequest(ctx, conf.SSHRequestWindowChange, false, ssh.Marshal(&types.WindowChangeRequest{
		WidthColumns: uint32(cols),
		HeightRows:   uint32(rows),
	}))
	return err
}

// Loop side

func (ch *Channel) handleConfirm(msg *transport.ChannelOpenConfirmMsg) error {
	if ch.state() != ChannelOpening {
		return fmt.Errorf("%w: channel %d confirmed twice", transport.ErrProtocol, ch.ID)
	}
	if msg.MaxPacketSize == 0 || msg.MaxPacketSize > 1<<31 {
		return fmt.Errorf("%w: invalid max packet %d", transport.ErrProtocol, msg.MaxPacketSize)
	}
	ch.remoteID = msg.MyID
	ch.remoteWindow = msg.MyWindow
	ch.maxPacket = msg.MaxPacketSize
	ch.confirmed = true
	ch.setState(ChannelOpen)
	metrics.OpenChannels.Inc()
	ch.logger.DebugWith("Channel open", slog.F("remote_id", ch.remoteID), slog.F("window", ch.remoteWindow))

	if ch.abandoned {
		ch.close()
		return nil
	}
	ch.opened.Resolve(struct{}{})
	return nil
}

func (ch *Channel) handleOpenFailure(msg *transport.ChannelOpenFailureMsg) {
	err := &OpenChannelError{Reason: msg.Reason, Message: msg.Message}
	ch.logger.DebugWith("Channel open rejected", slog.F("err", err))
	ch.finalize(err)
}

func (ch *Channel) handleWindowAdjust(n uint32) error {
	if uint64(ch.remoteWindow)+uint64(n) > math.MaxUint32 {
		return fmt.Errorf("%w: window overflow on channel %d", transport.ErrProtocol, ch.ID)
	}
	ch.remoteWindow += n
	ch.process()
	return nil
}

func (ch *Channel) consume(n int) error {
	if n > int(ch.localWindow) {
		return fmt.Errorf("%w: channel %d received %d bytes with a window of %d", transport.ErrProtocol, ch.ID, n, ch.localWindow)
	}
	ch.localWindow -= uint32(n)
	if ch.localWindow <= conf.ChannelWindowSize/2 && !ch.sentClose {
		add := conf.ChannelWindowSize - ch.localWindow
		if err := ch.transmit(&transport.WindowAdjustMsg{PeersID: ch.remoteID, AdditionalBytes: add}); err != nil {
			return err
		}
		ch.localWindow += add
	}
	return nil
}

func (ch *Channel) handleData(data []byte) error {
	if err := ch.consume(len(data)); err != nil {
		return err
	}
	ch.stdout.write(data)
	ch.events.Fire(EventData, data)
	return nil
}

func (ch *Channel) handleExtendedData(code uint32, data []byte) error {
	if err := ch.consume(len(data)); err != nil {
		return err
	}
	if code == extendedDataStderr {
		ch.stderr.write(data)
	}
	ch.events.Fire(EventExtendedData, code, data)
	return nil
}

func (ch *Channel) handleEOF() {
	ch.stdout.close(nil)
	ch.stderr.close(nil)
	ch.events.Fire(EventEOF)
}

func (ch *Channel) handleRequest(msg *transport.ChannelRequestMsg) error {
	switch msg.Request {
	case conf.SSHRequestExitStatus:
		var st types.ExitStatus
		if err := ssh.Unmarshal(msg.RequestSpecificData, &st); err == nil {
			ch.mu.Lock()
			ch.exitStatus = int(st.Status)
			ch.exited = true
			ch.mu.Unlock()
		}
	case conf.SSHRequestExitSignal:
		var sig types.ExitSignal
		if err := ssh.Unmarshal(msg.RequestSpecificData, &sig); err == nil {
			ch.mu.Lock()
			ch.exitSignal = &sig
			ch.mu.Unlock()
		}
	default:
		ch.logger.DebugWith("Channel request", slog.F("request", msg.Request), slog.F("want_reply", msg.WantReply))
	}
	ch.events.Fire(EventRequest, msg.Request, msg.RequestSpecificData)
	if msg.WantReply && !ch.sentClose {
		return ch.transmit(&transport.ChannelRequestFailureMsg{PeersID: ch.remoteID})
	}
	return nil
}

func (ch *Channel) handleReply(ok bool) error {
	if len(ch.requests) == 0 {
		return fmt.Errorf("%w: unexpected request reply on channel %d", transport.ErrProtocol, ch.ID)
	}
	fut := ch.requests[0]
	ch.requests = ch.requests[1:]
	fut.Resolve(ok)
	return nil
}

func (ch *Channel) handleClose() {
	ch.gotClose = true
	ch.dropOutput()
	if !ch.sentClose {
		if err := ch.transmit(&transport.ChannelCloseMsg{PeersID: ch.remoteID}); err != nil {
			ch.logger.Debugf("Failed to acknowledge close: %v", err)
		}
		ch.sentClose = true
	}
	ch.finalize(nil)
}

// process flushes queued output within the peer's window, then sends a
// requested EOF or CLOSE
func (ch *Channel) process() {
	st := ch.state()
	if st != ChannelOpen && st != ChannelClosing {
		return
	}
	for len(ch.output) > 0 && ch.remoteWindow > 0 && !ch.sentClose {
		chunk := ch.output[0]
		n := min(len(chunk.data), int(ch.remoteWindow), int(ch.maxPacket))
		if err := ch.transmit(&transport.ChannelDataMsg{PeersID: ch.remoteID, Data: chunk.data[:n]}); err != nil {
			ch.logger.Debugf("Failed to send channel data: %v", err)
			return
		}
		ch.remoteWindow -= uint32(n)
		chunk.data = chunk.data[n:]
		if len(chunk.data) == 0 {
			chunk.done.Resolve(struct{}{})
			ch.output = ch.output[1:]
		}
	}
	if len(ch.output) > 0 || ch.sentClose {
		return
	}
	if ch.wantEOF && !ch.sentEOF {
		if err := ch.transmit(&transport.ChannelEOFMsg{PeersID: ch.remoteID}); err != nil {
			return
		}
		ch.sentEOF = true
	}
	if st == ChannelClosing {
		if err := ch.transmit(&transport.ChannelCloseMsg{PeersID: ch.remoteID}); err != nil {
			return
		}
		ch.sentClose = true
		if ch.gotClose {
			ch.finalize(nil)
		}
	}
}

// close marks the channel closing; CLOSE goes out once output is flushed
func (ch *Channel) close() {
	switch ch.state() {
	case ChannelOpening:
		ch.abandoned = true
		ch.opened.Reject(ErrChannelClosed)
	case ChannelOpen:
		ch.setState(ChannelClosing)
		ch.process()
	}
}

func (ch *Channel) dropOutput() {
	for _, chunk := range ch.output {
		chunk.done.Reject(ErrChannelClosed)
	}
	ch.output = nil
}

// finalize releases the channel. err is what pending operations fail with.
func (ch *Channel) finalize(err error) {
	if ch.state() == ChannelClosed {
		return
	}
	ch.setState(ChannelClosed)
	if err == nil {
		err = ErrChannelClosed
	}
	if s := ch.session.Value(); s != nil {
		s.forget(ch.ID)
	}
	if ch.confirmed {
		metrics.OpenChannels.Dec()
	}
	ch.dropOutput()
	for _, fut := range ch.requests {
		fut.Reject(err)
	}
	ch.requests = nil
	ch.opened.Reject(err)
	ch.stdout.close(nil)
	ch.stderr.close(nil)
	ch.logger.Debugf("Channel closed")
	ch.events.Fire(EventClose)
	ch.events.Clear()
	ch.closed.Resolve(struct{}{})
}

// detach cuts the channel from a session that is going away
func (ch *Channel) detach() {
	ch.detached.Store(true)
	ch.finalize(ErrNotAssociated)
}
