package reactor

import (
	"sync"
	"time"
)

// Timer runs a callback on the loop once its duration elapses. Stopping it,
// or stopping the loop, makes the callback inert even if the runtime timer
// already fired and the callback is queued.
type Timer struct {
	loop *Loop
	t    *time.Timer

	mu      sync.Mutex
	stopped bool
	fired   bool
}

// AfterFunc schedules fn to run on the loop after d
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	tm := &Timer{loop: l}
	tm.t = time.AfterFunc(d, func() {
		l.Post(func() {
			if tm.markFired() {
				fn()
			}
		})
	})
	return tm
}

func (tm *Timer) markFired() bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.stopped || tm.fired {
		return false
	}
	tm.fired = true
	return true
}

// Stop cancels the timer. It reports whether the callback was prevented
// from running; stopping twice or after firing is a no-op.
func (tm *Timer) Stop() bool {
	if tm == nil {
		return false
	}
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.stopped || tm.fired {
		return false
	}
	tm.stopped = true
	tm.t.Stop()
	return true
}

// Fired reports whether the callback ran
func (tm *Timer) Fired() bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.fired
}

// Periodic runs a callback on the loop at a fixed interval until stopped
type Periodic struct {
	ticker *time.Ticker
	quit   chan struct{}
	once   sync.Once

	mu      sync.Mutex
	stopped bool
	queued  bool
}

// Every schedules fn on the loop every d. A tick is skipped while the
// previous one is still queued.
func (l *Loop) Every(d time.Duration, fn func()) *Periodic {
	p := &Periodic{
		ticker: time.NewTicker(d),
		quit:   make(chan struct{}),
	}
	go func() {
		for {
			select {
			case <-p.ticker.C:
				if !p.claim() {
					continue
				}
				if !l.Post(func() {
					if p.release() {
						fn()
					}
				}) {
					p.Stop()
					return
				}
			case <-p.quit:
				return
			case <-l.Stopping():
				p.Stop()
				return
			}
		}
	}()
	return p
}

func (p *Periodic) claim() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped || p.queued {
		return false
	}
	p.queued = true
	return true
}

func (p *Periodic) release() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queued = false
	return !p.stopped
}

// Stop cancels the periodic callback. Only the first call has an effect.
func (p *Periodic) Stop() {
	p.once.Do(func() {
		p.mu.Lock()
		p.stopped = true
		p.mu.Unlock()
		p.ticker.Stop()
		close(p.quit)
	})
}

// Stopped reports whether Stop was called
func (p *Periodic) Stopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}
