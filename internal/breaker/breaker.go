package breaker

import (
	"sync"
	"time"
)

type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

const (
	DefaultThreshold    = 5
	DefaultResetTimeout = 5 * time.Minute
)

type circuit struct {
	failures    int
	state       State
	lastFailure time.Time
	trialAt     time.Time
}

// Breaker tracks consecutive failures per destination. A destination with no
// recorded failure has no entry at all.
type Breaker struct {
	mu           sync.Mutex
	m            map[string]*circuit
	threshold    int
	resetTimeout time.Duration
	now          func() time.Time
	onChange     func(dest string, from, to State)
}

type Option func(*Breaker)

func WithThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.threshold = n
		}
	}
}

func WithResetTimeout(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.resetTimeout = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

// WithOnChange registers a hook invoked (outside the lock) on every state transition.
func WithOnChange(fn func(dest string, from, to State)) Option {
	return func(b *Breaker) { b.onChange = fn }
}

func New(opts ...Option) *Breaker {
	b := &Breaker{
		m:            make(map[string]*circuit),
		threshold:    DefaultThreshold,
		resetTimeout: DefaultResetTimeout,
		now:          time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// IsAvailable reports whether a call to dest may be attempted. Once the open
// window has elapsed exactly one caller gets true (the half-open trial); the
// caller must record the outcome.
func (b *Breaker) IsAvailable(dest string) bool {
	b.mu.Lock()
	c, ok := b.m[dest]
	if !ok {
		b.mu.Unlock()
		return true
	}
	now := b.now()
	switch c.state {
	case Open:
		if now.Sub(c.lastFailure) < b.resetTimeout {
			b.mu.Unlock()
			return false
		}
		c.state = HalfOpen
		c.trialAt = now
		b.mu.Unlock()
		b.changed(dest, Open, HalfOpen)
		return true
	case HalfOpen:
		// a trial that never reported back is re-granted after another window
		if now.Sub(c.trialAt) < b.resetTimeout {
			b.mu.Unlock()
			return false
		}
		c.trialAt = now
		b.mu.Unlock()
		return true
	default:
		b.mu.Unlock()
		return true
	}
}

// RecordSuccess fully resets dest.
func (b *Breaker) RecordSuccess(dest string) {
	b.mu.Lock()
	c, ok := b.m[dest]
	if !ok {
		b.mu.Unlock()
		return
	}
	from := c.state
	delete(b.m, dest)
	b.mu.Unlock()
	if from != Closed {
		b.changed(dest, from, Closed)
	}
}

func (b *Breaker) RecordFailure(dest string) {
	b.mu.Lock()
	c, ok := b.m[dest]
	if !ok {
		c = &circuit{state: Closed}
		b.m[dest] = c
	}
	from := c.state
	c.failures++
	c.lastFailure = b.now()
	if c.failures >= b.threshold {
		c.state = Open
	}
	to := c.state
	b.mu.Unlock()
	if from != to {
		b.changed(dest, from, to)
	}
}

func (b *Breaker) State(dest string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.m[dest]; ok {
		return c.state
	}
	return Closed
}

type Entry struct {
	Destination string    `json:"destination"`
	State       State     `json:"state"`
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"lastFailure"`
}

func (b *Breaker) Snapshot() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Entry, 0, len(b.m))
	for dest, c := range b.m {
		out = append(out, Entry{Destination: dest, State: c.state, Failures: c.failures, LastFailure: c.lastFailure})
	}
	return out
}

func (b *Breaker) changed(dest string, from, to State) {
	if b.onChange != nil {
		b.onChange(dest, from, to)
	}
}
