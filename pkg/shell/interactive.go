package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"evssh/pkg/callbacks"
	"evssh/pkg/conf"
	"evssh/pkg/metrics"
	"evssh/pkg/reactor"
	"evssh/pkg/session"
	"evssh/pkg/slog"

	pkgerrors "github.com/pkg/errors"
)

// Interactive events. Handlers run on the loop.
const (
	// EventData carries each []byte appended to the buffer
	EventData = "data"
)

const eventChannelClosed = "channel_closed"

type matcher func(buf []byte) (end int, ok bool)

func newMatcher(pattern interface{}) (matcher, string, error) {
	switch p := pattern.(type) {
	case string:
		needle := []byte(p)
		return func(buf []byte) (int, bool) {
			i := bytes.Index(buf, needle)
			if i < 0 {
				return 0, false
			}
			return i + len(needle), true
		}, strconv.Quote(p), nil
	case *regexp.Regexp:
		if p == nil {
			break
		}
		return func(buf []byte) (int, bool) {
			loc := p.FindIndex(buf)
			if loc == nil {
				return 0, false
			}
			return loc[1], true
		}, "/" + p.String() + "/", nil
	}
	return nil, "", fmt.Errorf("%w, got %T", ErrInvalidPattern, pattern)
}

type waitOptions struct {
	timeout time.Duration
}

type WaitOption func(o *waitOptions)

// WithTimeout overrides the inactivity timeout of one wait
func WithTimeout(d time.Duration) WaitOption {
	return func(o *waitOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

type wait struct {
	fut         *reactor.Future[string]
	match       matcher
	description string
	timeout     time.Duration
	timer       *reactor.Timer
	handles     []*callbacks.Handle
	started     time.Time
}

// Interactive adds expect style helpers to a channel. Output is collected
// in a buffer; a wait consumes the buffer up to and including its match.
type Interactive struct {
	ch     *session.Channel
	loop   *reactor.Loop
	host   string
	logger *slog.Logger
	events *callbacks.Registry

	// LineTerminator is appended by SendLine
	LineTerminator string
	Timeout        time.Duration

	// owned by the loop
	buffer  []byte
	current *wait
	closed  bool
}

// NewInteractive attaches to ch. Attach before starting the command or
// shell so no output is missed.
func NewInteractive(ctx context.Context, ch *session.Channel, host string, logger *slog.Logger) (*Interactive, error) {
	i := &Interactive{
		ch:             ch,
		loop:           ch.Loop(),
		host:           host,
		logger:         logger,
		LineTerminator: conf.InteractiveLineTerminator,
		Timeout:        conf.ShellTimeout,
	}
	i.events = callbacks.New(i)
	ch.DiscardReads()
	err := i.loop.Call(ctx, func() {
		if ch.State() == session.ChannelClosed {
			i.closed = true
			return
		}
		ch.On(session.EventData, func(args ...interface{}) interface{} {
			data, _ := args[0].([]byte)
			i.buffer = append(i.buffer, data...)
			i.events.Fire(EventData, data)
			return nil
		})
		ch.On(session.EventClose, func(...interface{}) interface{} {
			i.closed = true
			i.events.Fire(eventChannelClosed)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return i, nil
}

// Channel returns the wrapped channel
func (i *Interactive) Channel() *session.Channel {
	return i.ch
}

// On registers fn for an interactive event
func (i *Interactive) On(event string, fn callbacks.Handler) *callbacks.Handle {
	return i.events.On(event, fn)
}

func (i *Interactive) closedError() error {
	if i.ch.Detached() {
		return ErrDisconnected
	}
	return ErrClosedChannel
}

func (i *Interactive) mapError(err error) error {
	switch {
	case errors.Is(err, session.ErrNotAssociated):
		return ErrDisconnected
	case errors.Is(err, session.ErrChannelClosed):
		return ErrClosedChannel
	}
	return err
}

// Send writes data as is
func (i *Interactive) Send(ctx context.Context, data string) error {
	_, err := i.ch.SendData(ctx, []byte(data))
	return i.mapError(err)
}

// SendLine writes data followed by the line terminator
func (i *Interactive) SendLine(ctx context.Context, data string) error {
	return i.Send(ctx, data+i.LineTerminator)
}

// WaitFor blocks until the buffer matches pattern, a string or a
// *regexp.Regexp, and returns the buffer up to the end of the leftmost
// match. What follows the match stays buffered for the next wait. The
// timeout restarts whenever non matching output arrives.
func (i *Interactive) WaitFor(ctx context.Context, pattern interface{}, opts ...WaitOption) (string, error) {
	match, description, err := newMatcher(pattern)
	if err != nil {
		return "", err
	}
	o := waitOptions{timeout: i.Timeout}
	for _, opt := range opts {
		opt(&o)
	}

	w := &wait{
		fut:         reactor.NewFuture[string](),
		match:       match,
		description: description,
		timeout:     o.timeout,
		started:     time.Now(),
	}
	var startErr error
	cErr := i.loop.Call(ctx, func() { startErr = i.start(w) })
	if cErr != nil {
		if errors.Is(cErr, reactor.ErrStopped) {
			cErr = ErrDisconnected
		}
		return "", pkgerrors.WithStack(cErr)
	}
	if startErr != nil {
		return "", pkgerrors.WithStack(startErr)
	}

	res, err := w.fut.Await(ctx)
	if err != nil && ctx.Err() != nil {
		_ = i.loop.Call(context.Background(), func() { i.finish(w, "", ctx.Err()) })
		// a match that won the race already consumed the buffer
		res, err = w.fut.Result()
		if w.fut.Pending() {
			err = ctx.Err()
		}
	}
	if err != nil {
		return "", pkgerrors.WithStack(err)
	}
	return res, nil
}

func (i *Interactive) start(w *wait) error {
	if i.closed {
		return i.closedError()
	}
	if i.current != nil {
		return ErrWaitInProgress
	}
	i.current = w
	i.logger.DebugWith("Waiting", slog.F("pattern", w.description), slog.F("timeout", w.timeout))
	w.handles = append(w.handles,
		i.events.On(EventData, func(...interface{}) interface{} {
			i.attempt(w)
			return nil
		}),
		i.events.On(eventChannelClosed, func(...interface{}) interface{} {
			i.finish(w, "", i.closedError())
			return nil
		}),
	)
	w.timer = i.loop.AfterFunc(w.timeout, func() { i.expire(w) })
	// output that arrived before the wait started
	i.loop.NextTick(func() {
		if len(i.buffer) > 0 {
			i.attempt(w)
		}
	})
	return nil
}

func (i *Interactive) attempt(w *wait) {
	if !w.fut.Pending() {
		return
	}
	w.timer.Stop()
	end, ok := w.match(i.buffer)
	if !ok {
		w.timer = i.loop.AfterFunc(w.timeout, func() { i.expire(w) })
		return
	}
	matched := string(i.buffer[:end])
	i.buffer = append([]byte(nil), i.buffer[end:]...)
	i.logger.DebugWith("Matched", slog.F("pattern", w.description), slog.F("remaining", len(i.buffer)))
	i.finish(w, matched, nil)
}

func (i *Interactive) expire(w *wait) {
	if !w.fut.Pending() {
		return
	}
	i.finish(w, "", &TimeoutError{
		Host:     i.host,
		Timeout:  w.timeout,
		Pattern:  w.description,
		Received: string(i.buffer),
		Waited:   time.Since(w.started),
	})
}

// finish resolves w exactly once and releases what it registered
func (i *Interactive) finish(w *wait, res string, err error) {
	for _, h := range w.handles {
		_ = h.Cancel()
	}
	w.timer.Stop()
	if i.current == w {
		i.current = nil
	}
	if err != nil {
		if w.fut.Reject(err) {
			metrics.WaitsTotal.WithLabelValues(waitResult(err)).Inc()
		}
		return
	}
	if w.fut.Resolve(res) {
		metrics.WaitsTotal.WithLabelValues("matched").Inc()
	}
}

func waitResult(err error) string {
	switch {
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrClosedChannel), errors.Is(err, ErrDisconnected):
		return "closed"
	}
	return "cancelled"
}

// SendAndWait sends data followed by the line terminator, then waits for
// pattern
func (i *Interactive) SendAndWait(ctx context.Context, data string, pattern interface{}, opts ...WaitOption) (string, error) {
	if err := i.SendLine(ctx, data); err != nil {
		return "", pkgerrors.WithStack(err)
	}
	return i.WaitFor(ctx, pattern, opts...)
}

// Expect waits for pattern, sending send first when it is not empty
func (i *Interactive) Expect(ctx context.Context, pattern interface{}, send string, opts ...WaitOption) (string, error) {
	if send != "" {
		return i.SendAndWait(ctx, send, pattern, opts...)
	}
	return i.WaitFor(ctx, pattern, opts...)
}

// ExpectAsync runs Expect as a task and hands the outcome to done
func (i *Interactive) ExpectAsync(ctx context.Context, pattern interface{}, send string, done func(string, error), opts ...WaitOption) {
	i.loop.Go(func() {
		done(i.Expect(ctx, pattern, send, opts...))
	})
}

// Buffered returns the output not consumed by a wait yet
func (i *Interactive) Buffered(ctx context.Context) (string, error) {
	var out string
	err := i.loop.Call(ctx, func() { out = string(i.buffer) })
	return out, err
}
