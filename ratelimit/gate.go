// Package ratelimit implements RateGate (spec.md §4.2): one instance per
// (provider, model) key, combining a sliding one-minute admission window,
// a consecutive-failure cooldown, and a three-state circuit breaker.
//
// Modeled as an explicit state machine rather than exception-driven control
// flow, per design notes §9; grounded on
// performance_optimizations/advanced_rate_limiter.py's CircuitBreaker /
// AdvancedRateLimiter from the original source, re-expressed the way the
// teacher expresses shared mutable state protected by a single mutex
// (cache/cache.go).
package ratelimit

import (
	"math"
	"strings"
	"sync"
	"time"

	"github.com/captionscale/transcribe-api/job"
)

// Config mirrors performance_optimizations/advanced_rate_limiter.py's
// RateLimitConfig, restricted to the fields spec.md §4.2 names.
type Config struct {
	RPM              int
	SafetyFactor     float64
	FailureThreshold int
	SuccessThreshold int
	BaseBackoff      time.Duration
	MaxBackoff       time.Duration
	RecoverySeconds  int
}

// DefaultConfig returns the per-model defaults table from §4.2.
func DefaultConfig(modelClass string) Config {
	switch modelClass {
	case "turbo":
		return Config{RPM: 400, SafetyFactor: 0.8, FailureThreshold: 3, SuccessThreshold: 3, BaseBackoff: time.Second, MaxBackoff: 300 * time.Second, RecoverySeconds: 60}
	case "standard":
		return Config{RPM: 300, SafetyFactor: 0.8, FailureThreshold: 3, SuccessThreshold: 3, BaseBackoff: time.Second, MaxBackoff: 300 * time.Second, RecoverySeconds: 45}
	case "distilled":
		return Config{RPM: 100, SafetyFactor: 0.7, FailureThreshold: 2, SuccessThreshold: 3, BaseBackoff: time.Second, MaxBackoff: 300 * time.Second, RecoverySeconds: 30}
	default:
		return Config{RPM: 300, SafetyFactor: 0.8, FailureThreshold: 3, SuccessThreshold: 3, BaseBackoff: time.Second, MaxBackoff: 300 * time.Second, RecoverySeconds: 45}
	}
}

// effectiveRPM is the admission ceiling: floor(rpm * safety_factor).
func (c Config) effectiveRPM() int {
	return int(math.Floor(float64(c.RPM) * c.SafetyFactor))
}

// Lease is the opaque right to issue one request, returned by Acquire.
type Lease struct {
	acquiredAt time.Time
}

// Gate is one RateGate instance, keyed externally by (provider, model).
type Gate struct {
	cfg Config

	mu               sync.Mutex
	window           []time.Time
	consecutiveFails int
	cooldownUntil    time.Time

	circuit          job.CircuitPhase
	circuitFailures  int
	circuitSuccesses int
	nextAttemptTime  time.Time

	now func() time.Time
}

// NewGate constructs a Gate with the given config. now defaults to
// time.Now but may be overridden in tests.
func NewGate(cfg Config) *Gate {
	return &Gate{
		cfg:     cfg,
		circuit: job.CircuitClosed,
		now:     time.Now,
	}
}

// EffectiveRPM exposes the precomputed admission ceiling for metrics/logs.
func (g *Gate) EffectiveRPM() int {
	return g.cfg.effectiveRPM()
}

// Acquire waits, through sleep, until a request may be admitted: until the
// sliding window has room and any cooldown has elapsed. An open circuit
// whose recovery time has passed moves to half-open here and admits the
// request. While the circuit is open it does not wait: it returns ok=false
// at once and admits nothing.
func (g *Gate) Acquire(sleep func(time.Duration)) (Lease, bool) {
	for {
		wait, circuitOpen := g.nextWait()
		if circuitOpen {
			return Lease{}, false
		}
		if wait <= 0 {
			break
		}
		sleep(wait)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	g.window = append(g.window, now)
	return Lease{acquiredAt: now}, true
}

// nextWait returns how long the caller must sleep before retrying
// admission, and whether the circuit is open (in which case the caller
// should not retry at all until RecordFailure/RecordSuccess changes state).
func (g *Gate) nextWait() (time.Duration, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.pruneWindowLocked(now)
	g.maybeHalfOpenLocked(now)

	if g.circuit == job.CircuitOpen {
		return 0, true
	}

	if now.Before(g.cooldownUntil) {
		return g.cooldownUntil.Sub(now), false
	}

	limit := g.cfg.effectiveRPM()
	if limit > 0 && len(g.window) >= limit {
		oldest := g.window[0]
		return oldest.Add(time.Minute).Sub(now), false
	}

	return 0, false
}

func (g *Gate) pruneWindowLocked(now time.Time) {
	cutoff := now.Add(-time.Minute)
	i := 0
	for i < len(g.window) && g.window[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		g.window = g.window[i:]
	}
}

func (g *Gate) maybeHalfOpenLocked(now time.Time) {
	if g.circuit == job.CircuitOpen && !now.Before(g.nextAttemptTime) {
		g.circuit = job.CircuitHalfOpen
		g.circuitSuccesses = 0
	}
}

// RecordSuccess is idempotent per call: a consecutive-failure counter reset,
// a circuit-breaker success tally, and (in half-open) a possible close.
func (g *Gate) RecordSuccess(elapsed time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.consecutiveFails = 0
	g.cooldownUntil = time.Time{}

	switch g.circuit {
	case job.CircuitHalfOpen:
		g.circuitSuccesses++
		if g.circuitSuccesses >= g.cfg.SuccessThreshold {
			g.circuit = job.CircuitClosed
			g.circuitFailures = 0
		}
	case job.CircuitClosed:
		if g.circuitFailures > 0 {
			g.circuitFailures--
		}
	}
}

// RecordFailure arms the consecutive-failure cooldown and feeds the circuit
// breaker. err's message is inspected for the service-class substrings from
// §4.2 ("Service Unavailable" / "rate limit") to open the circuit earlier.
func (g *Gate) RecordFailure(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.consecutiveFails++
	if g.consecutiveFails >= 3 {
		backoff := time.Duration(float64(g.cfg.BaseBackoff) * math.Pow(2, float64(g.consecutiveFails-3)))
		if backoff > g.cfg.MaxBackoff {
			backoff = g.cfg.MaxBackoff
		}
		g.cooldownUntil = now.Add(backoff)
	}

	g.circuitFailures++
	serviceClass := isServiceClassError(err)

	switch g.circuit {
	case job.CircuitHalfOpen:
		g.circuit = job.CircuitOpen
		g.nextAttemptTime = now.Add(time.Duration(g.cfg.RecoverySeconds) * time.Second)
	case job.CircuitClosed:
		if g.circuitFailures >= g.cfg.FailureThreshold || (serviceClass && g.circuitFailures >= 2) {
			g.circuit = job.CircuitOpen
			g.nextAttemptTime = now.Add(time.Duration(g.cfg.RecoverySeconds) * time.Second)
		}
	}
}

func isServiceClassError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "503") ||
		strings.Contains(msg, "service unavailable") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "429")
}

// State returns a snapshot for metrics/diagnostics.
func (g *Gate) State() job.CircuitPhase {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.circuit
}

// AdmittedInWindow returns the number of leases admitted in the trailing
// minute, used by property test P5.
func (g *Gate) AdmittedInWindow() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pruneWindowLocked(g.now())
	return len(g.window)
}

// Reset is the operator escape hatch mirroring reset_circuit_breaker() in
// the original source: manually force the circuit closed. Not reachable
// from any public surface; for on-call use only.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.circuit = job.CircuitClosed
	g.circuitFailures = 0
	g.circuitSuccesses = 0
	g.consecutiveFails = 0
	g.cooldownUntil = time.Time{}
}
