// Package circuitbreaker stops calling an upstream API that keeps failing.
//
// The breaker has three states:
//
//	Closed ──(failure rate ≥ threshold)──► Open ──(OpenDuration elapsed)──► HalfOpen
//	  ▲                                                                        │
//	  └──────────────(all probes succeed)──────────────────────────────────────┘
//	                  (any probe fails) ─────────────────────────────────► Open
//
// The failure rate is computed over a sliding window of recent outcomes.
// MinRequests keeps a single early failure from tripping the breaker.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/oriys/heroquote/internal/logging"
)

// ErrOpen is returned by Do while the breaker rejects calls.
var ErrOpen = errors.New("circuit breaker is open")

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // calls pass through
	StateOpen                  // calls are rejected
	StateHalfOpen              // limited probe calls are allowed
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds the breaker thresholds. A zero FailurePct disables the breaker.
type Config struct {
	FailurePct     float64       // failure percentage that trips the breaker (0-100)
	MinRequests    int           // outcomes required in the window before tripping; default 5
	WindowDuration time.Duration // sliding window; default 1m
	OpenDuration   time.Duration // time spent open before probing; default 30s
	HalfOpenProbes int           // probes allowed in half-open; default 1
}

// Enabled reports whether cfg describes an active breaker.
func (c Config) Enabled() bool { return c.FailurePct > 0 }

// Breaker guards one upstream.
type Breaker struct {
	mu             sync.Mutex
	name           string
	cfg            Config
	state          State
	successes      []time.Time
	failures       []time.Time
	openedAt       time.Time
	halfOpenProbes int
	halfOpenOK     int
	now            func() time.Time
}

// New creates a breaker for the named upstream.
func New(name string, cfg Config) *Breaker {
	if cfg.MinRequests <= 0 {
		cfg.MinRequests = 5
	}
	if cfg.WindowDuration <= 0 {
		cfg.WindowDuration = time.Minute
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = 30 * time.Second
	}
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = 1
	}
	return &Breaker{name: name, cfg: cfg, now: time.Now}
}

// Do runs fn when the breaker allows it and records the outcome. failed
// decides which errors count against the upstream; nil treats every error
// as a failure.
func (b *Breaker) Do(fn func() error, failed func(error) bool) error {
	if !b.Allow() {
		return ErrOpen
	}
	err := fn()
	if err != nil && (failed == nil || failed(err)) {
		b.RecordFailure()
	} else {
		b.RecordSuccess()
	}
	return err
}

// Allow reports whether a call may go through.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.OpenDuration {
			return false
		}
		b.setState(StateHalfOpen)
		b.halfOpenProbes = 1
		b.halfOpenOK = 0
		return true
	case StateHalfOpen:
		if b.halfOpenProbes < b.cfg.HalfOpenProbes {
			b.halfOpenProbes++
			return true
		}
		return false
	}
	return true
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.state {
	case StateClosed:
		b.successes = append(b.successes, now)
		b.trimWindow(now)
	case StateHalfOpen:
		b.halfOpenOK++
		if b.halfOpenOK >= b.cfg.HalfOpenProbes {
			b.setState(StateClosed)
			b.successes = b.successes[:0]
			b.failures = b.failures[:0]
		}
	}
}

func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.state {
	case StateClosed:
		b.failures = append(b.failures, now)
		b.trimWindow(now)
		b.checkThreshold(now)
	case StateHalfOpen:
		b.setState(StateOpen)
		b.openedAt = now
	}
}

// State returns the current state, moving Open to HalfOpen when due.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.OpenDuration {
		b.setState(StateHalfOpen)
		b.halfOpenProbes = 0
		b.halfOpenOK = 0
	}
	return b.state
}

// setState must be called under lock.
func (b *Breaker) setState(s State) {
	if b.state == s {
		return
	}
	logging.Op().Info("circuit breaker state changed", "upstream", b.name, "from", b.state.String(), "to", s.String())
	b.state = s
}

// maxWindowEntries caps each window slice.
const maxWindowEntries = 1000

// trimWindow must be called under lock.
func (b *Breaker) trimWindow(now time.Time) {
	cutoff := now.Add(-b.cfg.WindowDuration)
	b.successes = trimBefore(b.successes, cutoff)
	b.failures = trimBefore(b.failures, cutoff)

	if len(b.successes) > maxWindowEntries {
		b.successes = b.successes[len(b.successes)-maxWindowEntries:]
	}
	if len(b.failures) > maxWindowEntries {
		b.failures = b.failures[len(b.failures)-maxWindowEntries:]
	}
}

// checkThreshold must be called under lock.
func (b *Breaker) checkThreshold(now time.Time) {
	total := len(b.successes) + len(b.failures)
	if total < b.cfg.MinRequests {
		return
	}
	if float64(len(b.failures))/float64(total)*100 >= b.cfg.FailurePct {
		b.setState(StateOpen)
		b.openedAt = now
	}
}

func trimBefore(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(times) && times[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return times
	}
	copy(times, times[i:])
	return times[:len(times)-i]
}
