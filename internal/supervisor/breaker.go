// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package supervisor

import (
	"time"
)

// BreakerConfig tunes crash-loop containment.
type BreakerConfig struct {
	// Threshold is the number of failures within Window that opens the circuit.
	Threshold int `yaml:"threshold"`

	// Window is the sliding window failures are counted in.
	Window time.Duration `yaml:"window"`

	// BaseCooldown is the first open period; each reopen doubles it.
	BaseCooldown time.Duration `yaml:"base_cooldown"`

	// MaxCooldown caps the open period.
	MaxCooldown time.Duration `yaml:"max_cooldown"`

	// Jitter adds up to this fraction of the cooldown at random.
	Jitter float64 `yaml:"jitter"`
}

// DefaultBreakerConfig returns the default breaker tuning.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Threshold:    3,
		Window:       60 * time.Second,
		BaseCooldown: time.Second,
		MaxCooldown:  30 * time.Second,
		Jitter:       0.2,
	}
}

func (c *BreakerConfig) setDefaults() {
	d := DefaultBreakerConfig()
	if c.Threshold <= 0 {
		c.Threshold = d.Threshold
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.BaseCooldown <= 0 {
		c.BaseCooldown = d.BaseCooldown
	}
	if c.MaxCooldown <= 0 {
		c.MaxCooldown = d.MaxCooldown
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
}

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// breaker counts failures in a sliding window. It is not safe for
// concurrent use; the owning record's mutex guards it.
type breaker struct {
	cfg  BreakerConfig
	rand func() float64

	state     breakerState
	failures  []time.Time
	openUntil time.Time
	opens     int
}

func newBreaker(cfg BreakerConfig, rand func() float64) *breaker {
	return &breaker{cfg: cfg, rand: rand}
}

// allow reports whether a start may be attempted. After the cooldown the
// first caller gets the single half-open trial.
func (b *breaker) allow(now time.Time) (bool, time.Duration) {
	switch b.state {
	case breakerOpen:
		if now.Before(b.openUntil) {
			return false, b.openUntil.Sub(now)
		}
		b.state = breakerHalfOpen
		return true, 0
	case breakerHalfOpen:
		// The trial is still being decided.
		return false, b.cfg.BaseCooldown
	default:
		return true, 0
	}
}

// failure records a failure and reports whether it opened the circuit.
func (b *breaker) failure(now time.Time) (bool, time.Duration) {
	switch b.state {
	case breakerOpen:
		return false, 0
	case breakerHalfOpen:
		return true, b.open(now)
	}

	cutoff := now.Add(-b.cfg.Window)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failures = append(kept, now)

	if len(b.failures) >= b.cfg.Threshold {
		return true, b.open(now)
	}
	return false, 0
}

func (b *breaker) open(now time.Time) time.Duration {
	b.opens++
	b.state = breakerOpen
	b.failures = nil
	cooldown := b.cooldown()
	b.openUntil = now.Add(cooldown)
	return cooldown
}

// cooldown is min(base * 2^(opens-1), max) plus jitter.
func (b *breaker) cooldown() time.Duration {
	d := b.cfg.BaseCooldown
	for i := 1; i < b.opens && d < b.cfg.MaxCooldown; i++ {
		d *= 2
	}
	if d > b.cfg.MaxCooldown {
		d = b.cfg.MaxCooldown
	}
	if b.cfg.Jitter > 0 && b.rand != nil {
		d += time.Duration(float64(d) * b.cfg.Jitter * b.rand())
	}
	return d
}

// abortTrial ends a half-open trial that was stopped before it could
// succeed or fail. The circuit returns to open with the cooldown already
// elapsed, so the next start is a fresh trial.
func (b *breaker) abortTrial(now time.Time) bool {
	if b.state != breakerHalfOpen {
		return false
	}
	b.state = breakerOpen
	b.openUntil = now
	return true
}

func (b *breaker) success() {
	b.state = breakerClosed
	b.failures = nil
	b.opens = 0
	b.openUntil = time.Time{}
}

// closed reports whether the breaker is not tracking an open circuit or trial.
func (b *breaker) closed() bool {
	return b.state == breakerClosed
}

// isOpen reports whether starts are currently suspended.
func (b *breaker) isOpen(now time.Time) bool {
	return b.state == breakerOpen && now.Before(b.openUntil)
}

func (b *breaker) failureCount() int {
	return len(b.failures)
}
