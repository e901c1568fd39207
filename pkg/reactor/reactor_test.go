package reactor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"evssh/pkg/slog"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLoop(t *testing.T) *Loop {
	t.Helper()
	l := New(slog.NewLogger("reactor")).Start()
	t.Cleanup(l.Stop)
	return l
}

func TestPostRunsInOrder(t *testing.T) {
	l := newTestLoop(t)
	var got []int
	for i := 0; i < 5; i++ {
		i := i
		l.Post(func() { got = append(got, i) })
	}
	require.NoError(t, l.Call(context.Background(), func() {}))
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestNextTickRunsAfterCurrentTick(t *testing.T) {
	l := newTestLoop(t)
	var order []string
	done := make(chan struct{})
	l.Post(func() {
		l.NextTick(func() {
			order = append(order, "next")
			close(done)
		})
		order = append(order, "current")
	})
	<-done
	assert.Equal(t, []string{"current", "next"}, order)
}

func TestTimerStopBeforeFire(t *testing.T) {
	l := newTestLoop(t)
	var fired atomic.Bool
	var tm *Timer
	require.NoError(t, l.Call(context.Background(), func() {
		tm = l.AfterFunc(20*time.Millisecond, func() { fired.Store(true) })
	}))
	assert.True(t, tm.Stop())
	assert.False(t, tm.Stop(), "second stop must be a no-op")
	time.Sleep(60 * time.Millisecond)
	assert.False(t, fired.Load())
}

func TestTimerStoppedInSameTickIsInert(t *testing.T) {
	l := newTestLoop(t)
	var fired atomic.Int32
	tm := l.AfterFunc(time.Millisecond, func() { fired.Add(1) })
	// Let the runtime timer queue its callback, then cancel it from a
	// callback that runs in the same tick
	block := make(chan struct{})
	l.Post(func() {
		<-block
		tm.Stop()
	})
	time.Sleep(10 * time.Millisecond)
	close(block)
	require.NoError(t, l.Call(context.Background(), func() {}))
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
}

func TestPeriodicStopsOnce(t *testing.T) {
	l := newTestLoop(t)
	var n atomic.Int32
	p := l.Every(5*time.Millisecond, func() { n.Add(1) })
	time.Sleep(40 * time.Millisecond)
	p.Stop()
	p.Stop()
	after := n.Load()
	assert.Greater(t, after, int32(0))
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, n.Load())
}

func TestFutureResolvesOnce(t *testing.T) {
	f := NewFuture[string]()
	assert.True(t, f.Pending())
	assert.True(t, f.Resolve("first"))
	assert.False(t, f.Resolve("second"))
	assert.False(t, f.Reject(errors.New("late")))

	v, err := f.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "first", v)
}

func TestFutureAwaitContext(t *testing.T) {
	f := NewFuture[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := f.Await(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, f.Pending())
}

func TestCallAfterStop(t *testing.T) {
	l := New(slog.NewLogger("reactor")).Start()
	l.Stop()
	<-l.Done()
	assert.ErrorIs(t, l.Call(context.Background(), func() {}), ErrStopped)
	assert.False(t, l.Post(func() {}))
}

func TestPanicInCallbackKeepsLoopAlive(t *testing.T) {
	l := newTestLoop(t)
	l.Post(func() { panic("boom") })
	ran := false
	require.NoError(t, l.Call(context.Background(), func() { ran = true }))
	assert.True(t, ran)
}
