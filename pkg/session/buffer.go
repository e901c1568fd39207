package session

import (
	"io"
	"sync"
)

// buffer is the blocking read side of a channel stream. The loop writes to
// it and task goroutines read from it.
type buffer struct {
	mu      sync.Mutex
	cond    *sync.Cond
	data    []byte
	err     error
	discard bool
}

func newBuffer() *buffer {
	b := &buffer{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *buffer) write(p []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil || b.discard {
		return
	}
	b.data = append(b.data, p...)
	b.cond.Broadcast()
}

// close ends the stream; readers get err once the data is drained
func (b *buffer) close(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return
	}
	if err == nil {
		err = io.EOF
	}
	b.err = err
	b.cond.Broadcast()
}

// setDiscard stops keeping data for readers
func (b *buffer) setDiscard() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.discard = true
	b.data = nil
}

func (b *buffer) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.data) == 0 && b.err == nil {
		b.cond.Wait()
	}
	if len(b.data) > 0 {
		n := copy(p, b.data)
		b.data = b.data[n:]
		return n, nil
	}
	return 0, b.err
}

func (b *buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}
