package clock

import (
	"sync"
	"time"
)

// Fake is a manually advanced Clock. Timers and tickers fire only from Advance,
// in deadline order, with the fake time set to each deadline as it fires.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	nextID  uint64
	waiters map[uint64]*waiter
}

type waiter struct {
	id     uint64
	when   time.Time
	period time.Duration
	fn     func()
	ch     chan time.Time
}

// NewFake returns a Fake clock starting at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start, waiters: make(map[uint64]*waiter)}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) AfterFunc(d time.Duration, fn func()) *Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := f.addLocked(d, 0)
	w.fn = fn
	return &Timer{stopFunc: func() bool { return f.remove(w.id) }}
}

func (f *Fake) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	w := f.addLocked(d, d)
	w.ch = make(chan time.Time, 1)
	return &Ticker{C: w.ch, stopFunc: func() { f.remove(w.id) }}
}

// Advance moves the clock forward by d, firing every timer and ticker whose
// deadline falls within the window. AfterFunc callbacks run synchronously on the
// calling goroutine without the clock's lock held.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	for {
		w := f.earliestLocked(target)
		if w == nil {
			break
		}
		f.now = w.when
		if w.period > 0 {
			w.when = w.when.Add(w.period)
		} else {
			delete(f.waiters, w.id)
		}
		now := f.now
		f.mu.Unlock()
		if w.fn != nil {
			w.fn()
		} else {
			select {
			case w.ch <- now:
			default:
			}
		}
		f.mu.Lock()
	}
	f.now = target
	f.mu.Unlock()
}

// Waiters returns the number of pending timers and tickers.
func (f *Fake) Waiters() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.waiters)
}

func (f *Fake) addLocked(d, period time.Duration) *waiter {
	f.nextID++
	w := &waiter{id: f.nextID, when: f.now.Add(d), period: period}
	f.waiters[w.id] = w
	return w
}

func (f *Fake) remove(id uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.waiters[id]
	delete(f.waiters, id)
	return ok
}

func (f *Fake) earliestLocked(limit time.Time) *waiter {
	var best *waiter
	for _, w := range f.waiters {
		if w.when.After(limit) {
			continue
		}
		if best == nil || w.when.Before(best.when) || (w.when.Equal(best.when) && w.id < best.id) {
			best = w
		}
	}
	return best
}
