package resilience

import (
	"fmt"
	"sync"
	"time"
)

// ServiceUnavailableError is returned when a circuit is open.
type ServiceUnavailableError struct {
	Key     string
	RetryAt time.Time
}

func (e *ServiceUnavailableError) Error() string {
	return fmt.Sprintf("%s unavailable: circuit open until %s", e.Key, e.RetryAt.Format(time.RFC3339))
}

type breakerPhase int

const (
	phaseClosed breakerPhase = iota
	phaseOpen
	phaseHalfOpen
)

type breakerState struct {
	phase         breakerPhase
	failures      int
	openedAt      time.Time
	probeInFlight bool
}

// Breaker is a per-key circuit breaker. After Threshold consecutive
// failures a key trips open for Cooldown; the first call after the cooldown
// runs as a single half-open probe.
type Breaker struct {
	Threshold int
	Cooldown  time.Duration

	mu     sync.Mutex
	states map[string]*breakerState
	now    func() time.Time
}

// NewBreaker creates a breaker with the given trip threshold and cooldown.
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		Threshold: threshold,
		Cooldown:  cooldown,
		states:    make(map[string]*breakerState),
		now:       time.Now,
	}
}

// Allow reports whether a call for the key may proceed. During the open
// phase it fails fast with ServiceUnavailableError; after the cooldown it
// admits exactly one probe.
func (b *Breaker) Allow(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.state(key)
	switch s.phase {
	case phaseClosed:
		return nil
	case phaseOpen:
		if b.now().Sub(s.openedAt) >= b.Cooldown {
			s.phase = phaseHalfOpen
			s.probeInFlight = true
			return nil
		}
		return &ServiceUnavailableError{Key: key, RetryAt: s.openedAt.Add(b.Cooldown)}
	default: // half-open
		if s.probeInFlight {
			return &ServiceUnavailableError{Key: key, RetryAt: s.openedAt.Add(b.Cooldown)}
		}
		s.probeInFlight = true
		return nil
	}
}

// Record reports a call result for the key. A success closes the circuit;
// a failure increments the streak and trips it at the threshold. A failed
// half-open probe re-opens immediately.
func (b *Breaker) Record(key string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.state(key)
	if err == nil {
		s.phase = phaseClosed
		s.failures = 0
		s.probeInFlight = false
		return
	}

	if s.phase == phaseHalfOpen {
		s.phase = phaseOpen
		s.openedAt = b.now()
		s.probeInFlight = false
		return
	}

	s.failures++
	if s.failures >= b.Threshold {
		s.phase = phaseOpen
		s.openedAt = b.now()
	}
}

func (b *Breaker) state(key string) *breakerState {
	s, ok := b.states[key]
	if !ok {
		s = &breakerState{}
		b.states[key] = s
	}
	return s
}
