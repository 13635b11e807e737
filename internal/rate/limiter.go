package rate

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter decides whether a request identified by key may proceed. When it
// may not, the returned duration says how long until it would.
type Limiter interface {
	Allow(key string) (bool, time.Duration)
}

type entry struct {
	l        *rate.Limiter
	lastSeen time.Time
}

// Pool keeps one token bucket per key and forgets keys that have been idle
// longer than the idle TTL.
type Pool struct {
	rps   rate.Limit
	burst int
	idle  time.Duration
	now   func() time.Time

	mu sync.Mutex
	m  map[string]*entry
}

type Option func(*Pool)

func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

func WithIdleTTL(d time.Duration) Option {
	return func(p *Pool) { p.idle = d }
}

// NewPool allows rps requests per second per key with bursts of burst.
// A non-positive rps disables limiting.
func NewPool(rps float64, burst int, opts ...Option) *Pool {
	p := &Pool{
		rps:   rate.Limit(rps),
		burst: burst,
		idle:  10 * time.Minute,
		now:   time.Now,
		m:     make(map[string]*entry),
	}
	if rps <= 0 {
		p.rps = rate.Inf
	}
	if p.burst <= 0 {
		p.burst = 1
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pool) Allow(key string) (bool, time.Duration) {
	now := p.now()
	l := p.get(key, now)

	r := l.ReserveN(now, 1)
	if !r.OK() {
		return false, time.Second
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return false, d
	}
	return true, 0
}

func (p *Pool) get(key string, now time.Time) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.m[key]; ok {
		e.lastSeen = now
		return e.l
	}
	l := rate.NewLimiter(p.rps, p.burst)
	p.m[key] = &entry{l: l, lastSeen: now}
	return l
}

// Sweep drops limiters idle for longer than the idle TTL and returns how
// many were removed.
func (p *Pool) Sweep() int {
	cutoff := p.now().Add(-p.idle)
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for k, e := range p.m {
		if e.lastSeen.Before(cutoff) {
			delete(p.m, k)
			n++
		}
	}
	return n
}

// Len is the number of tracked keys.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}
