package transport

import (
	"net"
	"sync"
	"time"
)

// outbox writes framed packets to the socket from its own goroutine so
// the reactor never blocks on a slow peer
type outbox struct {
	conn    net.Conn
	timeout time.Duration
	onError func(error)

	mu      sync.Mutex
	pending [][]byte
	closing bool
	failed  bool

	signal chan struct{}
	done   chan struct{}
}

func newOutbox(conn net.Conn, timeout time.Duration, onError func(error)) *outbox {
	o := &outbox{
		conn:    conn,
		timeout: timeout,
		onError: onError,
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go o.run()
	return o
}

func (o *outbox) write(b []byte) {
	o.mu.Lock()
	if o.closing || o.failed {
		o.mu.Unlock()
		return
	}
	o.pending = append(o.pending, b)
	o.mu.Unlock()
	o.wake()
}

func (o *outbox) wake() {
	select {
	case o.signal <- struct{}{}:
	default:
	}
}

// close flushes what is queued, then closes the socket
func (o *outbox) close() {
	o.mu.Lock()
	o.closing = true
	o.mu.Unlock()
	o.wake()
}

func (o *outbox) run() {
	defer close(o.done)
	defer func() { _ = o.conn.Close() }()

	for range o.signal {
		o.mu.Lock()
		batch := o.pending
		o.pending = nil
		closing := o.closing
		o.mu.Unlock()

		for _, b := range batch {
			if o.timeout > 0 {
				_ = o.conn.SetWriteDeadline(time.Now().Add(o.timeout))
			}
			if _, err := o.conn.Write(b); err != nil {
				o.mu.Lock()
				o.failed = true
				o.pending = nil
				o.mu.Unlock()
				if !closing {
					o.onError(err)
				}
				return
			}
		}
		if closing {
			return
		}
	}
}
