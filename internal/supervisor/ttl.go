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

// AdaptiveTTLConfig derives idle timeouts from observed usage. A server
// that is called often, or that is slow to start, is kept alive longer.
type AdaptiveTTLConfig struct {
	Enabled bool `yaml:"enabled"`

	// Min is the TTL of an unused server.
	Min time.Duration `yaml:"min"`

	// Max is the TTL of a busy server.
	Max time.Duration `yaml:"max"`

	// Window is how far back calls are counted.
	Window time.Duration `yaml:"window"`

	// BusyCallsPerMinute is the call rate at which Max applies.
	BusyCallsPerMinute float64 `yaml:"busy_calls_per_minute"`

	// ColdStartThreshold marks a start as slow.
	ColdStartThreshold time.Duration `yaml:"cold_start_threshold"`

	// ColdStartPenaltyMax caps the extra TTL granted to slow starters.
	ColdStartPenaltyMax time.Duration `yaml:"cold_start_penalty_max"`
}

// DefaultAdaptiveTTLConfig returns the default tuning. Adaptive TTL is off.
func DefaultAdaptiveTTLConfig() AdaptiveTTLConfig {
	return AdaptiveTTLConfig{
		Min:                 30 * time.Second,
		Max:                 300 * time.Second,
		Window:              5 * time.Minute,
		BusyCallsPerMinute:  10,
		ColdStartThreshold:  5 * time.Second,
		ColdStartPenaltyMax: 60 * time.Second,
	}
}

func (c *AdaptiveTTLConfig) setDefaults() {
	d := DefaultAdaptiveTTLConfig()
	if c.Min <= 0 {
		c.Min = d.Min
	}
	if c.Max < c.Min {
		c.Max = max(d.Max, c.Min)
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.BusyCallsPerMinute <= 0 {
		c.BusyCallsPerMinute = d.BusyCallsPerMinute
	}
	if c.ColdStartThreshold <= 0 {
		c.ColdStartThreshold = d.ColdStartThreshold
	}
	if c.ColdStartPenaltyMax <= 0 {
		c.ColdStartPenaltyMax = d.ColdStartPenaltyMax
	}
}

// ttl interpolates between Min and Max by call rate and adds a penalty
// for slow cold starts.
func (c AdaptiveTTLConfig) ttl(calls int, startDuration time.Duration) time.Duration {
	rate := float64(calls) / c.Window.Minutes()
	frac := min(rate/c.BusyCallsPerMinute, 1)
	ttl := c.Min + time.Duration(float64(c.Max-c.Min)*frac)

	if startDuration > c.ColdStartThreshold {
		ttl += min(startDuration*10, c.ColdStartPenaltyMax)
	}
	return ttl
}

// pruneCalls drops call timestamps older than the window.
func pruneCalls(calls []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	i := 0
	for i < len(calls) && !calls[i].After(cutoff) {
		i++
	}
	return calls[i:]
}
