// Package gateway manages the pool of feed mirror instances: round-robin
// rotation, per-instance token-bucket rate limiting, and exponential backoff
// after consecutive failures.
package gateway

import (
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"
)

// ErrNoInstance is returned by Acquire when every instance is rate-limited or
// backing off.
var ErrNoInstance = errors.New("no instance available (rate limit or backoff)")

// maxBackoff caps the exponential penalty.
const maxBackoff = 600 * time.Second

// Instance holds per-mirror runtime state. All fields are guarded by the
// owning Pool's mutex.
type Instance struct {
	BaseURL string

	tokens            float64
	lastRefill        time.Time
	backoffUntil      time.Time
	consecutiveErrors int
	lastRTT           time.Duration
	hasRTT            bool
	lastError         string
}

// Health is one instance's entry in the pool snapshot.
type Health struct {
	BaseURL           string   `json:"base_url"`
	Tokens            float64  `json:"tokens"`
	BackoffRemaining  float64  `json:"backoff_remaining"`
	ConsecutiveErrors int      `json:"consecutive_errors"`
	LastRTT           *float64 `json:"last_rtt"`
	LastError         string   `json:"last_error"`
}

// Pool rotates requests over an ordered list of instances. One mutex covers
// the rotation cursor, bucket refill clock and backoff state, which are all
// coupled.
type Pool struct {
	mu        sync.Mutex
	instances []*Instance
	cursor    int

	capacity    float64
	backoffBase time.Duration

	now func() time.Time
}

// NewPool builds a pool over the given base URLs. maxPerMinute is both the
// bucket capacity and the steady-state refill rate per minute. Buckets start
// full.
func NewPool(baseURLs []string, maxPerMinute, backoffBaseSeconds int) (*Pool, error) {
	if len(baseURLs) == 0 {
		return nil, fmt.Errorf("gateway: at least one instance is required")
	}
	if backoffBaseSeconds < 1 {
		backoffBaseSeconds = 1
	}
	p := &Pool{
		capacity:    float64(maxPerMinute),
		backoffBase: time.Duration(backoffBaseSeconds) * time.Second,
		now:         time.Now,
	}
	start := p.now()
	for _, u := range baseURLs {
		p.instances = append(p.instances, &Instance{
			BaseURL:    u,
			tokens:     p.capacity,
			lastRefill: start,
		})
	}
	return p, nil
}

// SetClock replaces the pool's time source. Test hook.
func (p *Pool) SetClock(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
	for _, inst := range p.instances {
		inst.lastRefill = now()
	}
}

// refill tops up an instance's bucket for the time elapsed since the last
// refill. Monotone: tokens never decrease here.
func (p *Pool) refill(inst *Instance, now time.Time) {
	elapsed := now.Sub(inst.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	inst.tokens = math.Min(p.capacity, inst.tokens+(p.capacity/60.0)*elapsed)
	inst.lastRefill = now
}

// Acquire visits up to len(instances) candidates starting at the rotation
// cursor and returns the first one that is neither backing off nor out of
// tokens, deducting one token. The cursor advances on every visit.
func (p *Pool) Acquire() (*Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := 0; i < len(p.instances); i++ {
		inst := p.instances[p.cursor]
		p.cursor = (p.cursor + 1) % len(p.instances)

		now := p.now()
		p.refill(inst, now)
		if now.Before(inst.backoffUntil) {
			continue
		}
		if inst.tokens < 1 {
			continue
		}
		inst.tokens--
		return inst, nil
	}
	return nil, ErrNoInstance
}

// ReleaseSuccess clears the instance's failure state and records the observed
// round-trip time.
func (p *Pool) ReleaseSuccess(inst *Instance, rtt time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	inst.consecutiveErrors = 0
	inst.backoffUntil = time.Time{}
	inst.lastError = ""
	inst.lastRTT = rtt
	inst.hasRTT = true
}

// ReleaseFailure bumps the consecutive-error counter and puts the instance
// into exponential backoff. statusCode 0 means a transport-level failure.
func (p *Pool) ReleaseFailure(inst *Instance, statusCode int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	inst.consecutiveErrors++
	penalty := p.penalty(inst.consecutiveErrors)
	inst.backoffUntil = p.now().Add(penalty)
	if statusCode > 0 {
		inst.lastError = fmt.Sprintf("HTTP %d", statusCode)
	} else {
		inst.lastError = "request error"
	}
	log.Printf("[gateway] instance %s backing off %s after %s (errors=%d)",
		inst.BaseURL, penalty, inst.lastError, inst.consecutiveErrors)
}

// penalty computes min(600s, base * 2^(errors-1)).
func (p *Pool) penalty(errors int) time.Duration {
	if errors < 1 {
		errors = 1
	}
	// Cap the exponent well before Duration overflow.
	if errors > 31 {
		return maxBackoff
	}
	d := p.backoffBase << (errors - 1)
	if d > maxBackoff || d <= 0 {
		return maxBackoff
	}
	return d
}

// Snapshot reports every instance's health for /api/health.
func (p *Pool) Snapshot() []Health {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	out := make([]Health, 0, len(p.instances))
	for _, inst := range p.instances {
		h := Health{
			BaseURL:           inst.BaseURL,
			Tokens:            math.Round(inst.tokens*100) / 100,
			ConsecutiveErrors: inst.consecutiveErrors,
			LastError:         inst.lastError,
		}
		if remaining := inst.backoffUntil.Sub(now).Seconds(); remaining > 0 {
			h.BackoffRemaining = remaining
		}
		if inst.hasRTT {
			rtt := inst.lastRTT.Seconds()
			h.LastRTT = &rtt
		}
		out = append(out, h)
	}
	return out
}
