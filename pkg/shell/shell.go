// Package shell drives remote login shells with expect style waits. Shells
// can be split into siblings sharing one connection, and can reconnect on
// their own when the connection drops.
package shell

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"evssh/pkg/callbacks"
	"evssh/pkg/conf"
	"evssh/pkg/session"
	"evssh/pkg/slog"
	"evssh/pkg/transport"

	"github.com/cenkalti/backoff/v4"
)

// Shell events. Handlers run on the goroutine that caused the event.
const (
	// EventSplit carries the new child *Shell
	EventSplit = "split"
	// EventChildless fires when the last child of a shell closed
	EventChildless = "childless"
	// EventClosed fires once when the shell closes
	EventClosed = "closed"
)

const defaultReconnectTimeout = 30 * time.Second

type Options struct {
	// Timeout is the default inactivity timeout of waits
	Timeout time.Duration
	// LineTerminator is appended by SendLine and SendAndWait
	LineTerminator string
	Pty            session.PtyOptions
	// Reconnect re-opens the connection and the shell when an operation
	// finds the connection gone
	Reconnect        bool
	ReconnectTimeout time.Duration
	// SessionOptions are used for connections the shell opens itself
	SessionOptions []session.Option
	Logger         *slog.Logger
}

// Validate reports every invalid option at once
func (o *Options) Validate() error {
	var errs []error
	if o.Timeout < 0 {
		errs = append(errs, fmt.Errorf("timeout %s is negative", o.Timeout))
	}
	if o.ReconnectTimeout < 0 {
		errs = append(errs, fmt.Errorf("reconnect timeout %s is negative", o.ReconnectTimeout))
	}
	if o.Pty.Cols < 0 || o.Pty.Rows < 0 {
		errs = append(errs, fmt.Errorf("pty size %dx%d is invalid", o.Pty.Cols, o.Pty.Rows))
	}
	return errors.Join(errs...)
}

func (o Options) withDefaults() Options {
	if o.Timeout == 0 {
		o.Timeout = conf.ShellTimeout
	}
	if o.LineTerminator == "" {
		o.LineTerminator = conf.ShellLineTerminator
	}
	if o.ReconnectTimeout == 0 {
		o.ReconnectTimeout = defaultReconnectTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.NewLogger("shell")
	}
	return o
}

// Shell is an interactive login shell on its own PTY channel
type Shell struct {
	Host string
	User string

	config *transport.Config
	opts   Options
	logger *slog.Logger
	events *callbacks.Registry
	parent *Shell

	// reconnecting admits one reconnect at a time; closing is cancelled by
	// Close to abort it
	reconnecting chan struct{}
	closing      context.Context
	stopClosing  context.CancelFunc

	mu          sync.Mutex
	session     *session.Session
	ownsSession bool
	iact        *Interactive
	children    []*Shell
	closed      bool
}

// New connects to the configured host and starts a shell
func New(ctx context.Context, cfg *transport.Config, opts Options) (*Shell, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	sh := newShell(cfg, opts, nil)
	s, iact, err := sh.connect(ctx)
	if err != nil {
		return nil, err
	}
	sh.session, sh.ownsSession, sh.iact = s, true, iact
	return sh, nil
}

// Attach starts a shell on an existing session. The session stays owned
// by the caller.
func Attach(ctx context.Context, s *session.Session, opts Options) (*Shell, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	cfg := s.Conn().Config()
	sh := newShell(&cfg, opts, nil)
	iact, err := sh.open(ctx, s)
	if err != nil {
		return nil, err
	}
	sh.session, sh.iact = s, iact
	return sh, nil
}

func newShell(cfg *transport.Config, opts Options, parent *Shell) *Shell {
	sh := &Shell{
		Host:         cfg.Host,
		User:         cfg.User,
		config:       cfg,
		opts:         opts,
		logger:       opts.Logger.With(slog.F("host", cfg.Host)),
		parent:       parent,
		reconnecting: make(chan struct{}, 1),
	}
	sh.closing, sh.stopClosing = context.WithCancel(context.Background())
	sh.events = callbacks.New(sh)
	return sh
}

// connect opens a session of the shell's own and starts the shell on it
func (sh *Shell) connect(ctx context.Context) (*session.Session, *Interactive, error) {
	s, err := session.Start(ctx, sh.config, sh.opts.SessionOptions...)
	if err != nil {
		return nil, nil, err
	}
	iact, err := sh.open(ctx, s)
	if err != nil {
		sh.closeSession(s)
		return nil, nil, err
	}
	return s, iact, nil
}

// open starts the PTY channel and the shell on s
func (sh *Shell) open(ctx context.Context, s *session.Session) (*Interactive, error) {
	ch, err := s.OpenChannel(ctx, conf.SSHChannelSession, nil)
	if err != nil {
		return nil, err
	}
	iact, err := NewInteractive(ctx, ch, sh.Host, sh.logger)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}
	iact.LineTerminator = sh.opts.LineTerminator
	iact.Timeout = sh.opts.Timeout

	if err = ch.StartShell(ctx, sh.opts.Pty); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to create shell: %w", err)
	}
	sh.logger.DebugWith("Shell open", slog.F("channel", ch.ID))
	return iact, nil
}

func (sh *Shell) closeSession(s *session.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), sh.opts.Timeout)
	defer cancel()
	_ = s.Close(ctx)
}

// Connected reports whether the shell's connection is up
func (sh *Shell) Connected() bool {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.session != nil && !sh.session.Conn().Closed()
}

func (sh *Shell) Closed() bool {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.closed
}

func (sh *Shell) Session() *session.Session {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.session
}

// Parent is nil for a shell that was not split off another
func (sh *Shell) Parent() *Shell {
	return sh.parent
}

// Children returns the open shells split off this one
func (sh *Shell) Children() []*Shell {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return append([]*Shell(nil), sh.children...)
}

// On registers fn for a shell event
func (sh *Shell) On(event string, fn callbacks.Handler) *callbacks.Handle {
	return sh.events.On(event, fn)
}

// current returns the live channel, or nil without an error when the
// connection is gone
func (sh *Shell) current() (*Interactive, error) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.closed {
		return nil, ErrClosedChannel
	}
	if sh.session == nil || sh.session.Conn().Closed() {
		return nil, nil
	}
	if sh.iact.Channel().State() == session.ChannelClosed {
		return nil, ErrClosedChannel
	}
	return sh.iact, nil
}

// interactive returns a usable channel, reconnecting when allowed. The
// reconnect runs without holding mu so Close and the accessors stay
// responsive.
func (sh *Shell) interactive(ctx context.Context) (*Interactive, error) {
	if iact, err := sh.current(); iact != nil || err != nil {
		return iact, err
	}
	if !sh.opts.Reconnect {
		return nil, ErrDisconnected
	}

	select {
	case sh.reconnecting <- struct{}{}:
	case <-sh.closing.Done():
		return nil, ErrClosedChannel
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-sh.reconnecting }()

	// Another operation may have reconnected while this one waited
	if iact, err := sh.current(); iact != nil || err != nil {
		return iact, err
	}
	return sh.reconnect(ctx)
}

func (sh *Shell) reconnect(ctx context.Context) (*Interactive, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer context.AfterFunc(sh.closing, cancel)()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxElapsedTime = sh.opts.ReconnectTimeout

	var iact *Interactive
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		sh.logger.InfoWith("Reconnecting", slog.F("attempt", attempt))
		s, next, err := sh.connect(ctx)
		if err != nil {
			if errors.Is(err, transport.ErrAuthenticationFailed) ||
				errors.Is(err, transport.ErrHostKeyMismatch) ||
				errors.Is(err, transport.ErrInvalidConfig) {
				return backoff.Permanent(err)
			}
			return err
		}

		sh.mu.Lock()
		if sh.closed {
			sh.mu.Unlock()
			sh.closeSession(s)
			return backoff.Permanent(ErrClosedChannel)
		}
		// A child reconnecting no longer shares its parent's session
		sh.session, sh.ownsSession, sh.iact = s, true, next
		sh.mu.Unlock()
		iact = next
		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		if sh.Closed() {
			return nil, ErrClosedChannel
		}
		return nil, fmt.Errorf("%w: reconnect failed: %w", ErrDisconnected, err)
	}
	return iact, nil
}

// Send writes data to the shell as is
func (sh *Shell) Send(ctx context.Context, data string) error {
	i, err := sh.interactive(ctx)
	if err != nil {
		return err
	}
	return i.Send(ctx, data)
}

// SendLine writes data followed by the line terminator
func (sh *Shell) SendLine(ctx context.Context, data string) error {
	i, err := sh.interactive(ctx)
	if err != nil {
		return err
	}
	return i.SendLine(ctx, data)
}

// WaitFor waits for pattern in the shell output, see Interactive.WaitFor
func (sh *Shell) WaitFor(ctx context.Context, pattern interface{}, opts ...WaitOption) (string, error) {
	i, err := sh.interactive(ctx)
	if err != nil {
		return "", err
	}
	return i.WaitFor(ctx, pattern, opts...)
}

func (sh *Shell) SendAndWait(ctx context.Context, data string, pattern interface{}, opts ...WaitOption) (string, error) {
	i, err := sh.interactive(ctx)
	if err != nil {
		return "", err
	}
	return i.SendAndWait(ctx, data, pattern, opts...)
}

// Expect waits for pattern, sending send first when it is not empty
func (sh *Shell) Expect(ctx context.Context, pattern interface{}, send string, opts ...WaitOption) (string, error) {
	i, err := sh.interactive(ctx)
	if err != nil {
		return "", err
	}
	return i.Expect(ctx, pattern, send, opts...)
}

// ExpectAsync runs Expect as a separate task and reports to done
func (sh *Shell) ExpectAsync(ctx context.Context, pattern interface{}, send string, done func(string, error), opts ...WaitOption) {
	go func() {
		done(sh.Expect(ctx, pattern, send, opts...))
	}()
}

// Buffered returns output not consumed by a wait yet
func (sh *Shell) Buffered(ctx context.Context) (string, error) {
	i, err := sh.interactive(ctx)
	if err != nil {
		return "", err
	}
	return i.Buffered(ctx)
}

// Split opens a sibling shell on the same connection
func (sh *Shell) Split(ctx context.Context) (*Shell, error) {
	sh.mu.Lock()
	if sh.closed {
		sh.mu.Unlock()
		return nil, ErrClosedChannel
	}
	s := sh.session
	sh.mu.Unlock()
	if s == nil || s.Conn().Closed() {
		return nil, ErrDisconnected
	}

	child := newShell(sh.config, sh.opts, sh)
	iact, err := child.open(ctx, s)
	if err != nil {
		return nil, err
	}
	child.session, child.iact = s, iact

	sh.mu.Lock()
	sh.children = append(sh.children, child)
	sh.mu.Unlock()
	sh.logger.DebugWith("Split shell", slog.F("children", len(sh.Children())))
	sh.events.Fire(EventSplit, child)
	return child, nil
}

// SplitFunc splits, runs fn with the child and closes the child afterwards
func (sh *Shell) SplitFunc(ctx context.Context, fn func(child *Shell) error) error {
	child, err := sh.Split(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = child.Close() }()
	return fn(child)
}

func (sh *Shell) removeChild(child *Shell) {
	sh.mu.Lock()
	removed := false
	for i, c := range sh.children {
		if c == child {
			sh.children = append(sh.children[:i:i], sh.children[i+1:]...)
			removed = true
			break
		}
	}
	empty := len(sh.children) == 0
	sh.mu.Unlock()
	if removed && empty {
		sh.logger.Debugf("Last child closed")
		sh.events.Fire(EventChildless)
	}
}

// Close closes the children first, then the shell's channel, and the
// connection when the shell opened it
func (sh *Shell) Close() error {
	sh.mu.Lock()
	if sh.closed {
		sh.mu.Unlock()
		return nil
	}
	sh.closed = true
	children := append([]*Shell(nil), sh.children...)
	iact := sh.iact
	s, owned := sh.session, sh.ownsSession
	sh.mu.Unlock()
	sh.stopClosing()

	for _, c := range children {
		_ = c.Close()
	}
	if iact != nil && iact.Channel().Active() {
		sh.logger.Debugf("Closing shell")
		_ = iact.Channel().Close()
	}
	if s != nil && owned {
		sh.closeSession(s)
	}
	sh.events.Fire(EventClosed)
	if sh.parent != nil {
		sh.parent.removeChild(sh)
	}
	return nil
}
