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

	"github.com/tombee/toolgate/internal/adapter"
	"github.com/tombee/toolgate/internal/registry"
)

// Status is a point-in-time view of one server.
type Status struct {
	Name             string        `json:"name"`
	Kind             registry.Kind `json:"kind"`
	Mode             registry.Mode `json:"mode"`
	Enabled          bool          `json:"enabled"`
	State            State         `json:"state"`
	PID              int           `json:"pid,omitempty"`
	StartedAt        *time.Time    `json:"startedAt,omitempty"`
	LastActivity     *time.Time    `json:"lastActivity,omitempty"`
	Failures         int           `json:"failures"`
	CircuitOpenUntil *time.Time    `json:"circuitOpenUntil,omitempty"`
	LastError        string        `json:"lastError,omitempty"`
	InFlight         int           `json:"inFlight"`
	Starts           int           `json:"starts"`
}

// Status returns every registered server in registry order.
func (s *Supervisor) Status() []Status {
	defs := s.registry.List()
	out := make([]Status, 0, len(defs))
	for _, def := range defs {
		out = append(out, s.status(def))
	}
	return out
}

// ServerStatus returns the status of one server.
func (s *Supervisor) ServerStatus(name string) (Status, bool) {
	def, ok := s.registry.Get(name)
	if !ok {
		return Status{}, false
	}
	return s.status(def), true
}

// State returns name's lifecycle state.
func (s *Supervisor) State(name string) State {
	st, ok := s.ServerStatus(name)
	if !ok {
		return StateStopped
	}
	return st.State
}

func (s *Supervisor) status(def registry.ServerDefinition) Status {
	st := Status{
		Name:    def.Name,
		Kind:    def.Kind(),
		Mode:    def.Mode,
		Enabled: def.Enabled,
		State:   StateStopped,
	}
	rec := s.lookup(def.Name)
	if rec == nil {
		return st
	}

	now := s.cfg.Now()
	rec.mu.Lock()
	defer rec.mu.Unlock()

	st.State = rec.state
	st.Starts = rec.starts
	st.LastError = rec.lastError
	st.Failures = rec.breaker.failureCount()
	if !rec.lastActivity.IsZero() {
		t := rec.lastActivity
		st.LastActivity = &t
	}
	if rec.breaker.isOpen(now) {
		t := rec.breaker.openUntil
		st.CircuitOpenUntil = &t
		st.State = StateCircuitOpen
	} else if !rec.breaker.closed() {
		// Cooldown elapsed; the next start is the half-open trial.
		st.State = StateCircuitOpen
	} else if st.State == StateCircuitOpen {
		st.State = StateCrashed
	}

	if a := rec.adapter; a != nil && a.Alive() {
		st.PID = a.PID()
		st.InFlight = a.InFlight()
		t := rec.startedAt
		st.StartedAt = &t
		if a.State() == adapter.StateReady {
			st.State = StateRunning
		} else {
			st.State = StateStarting
		}
	}
	return st
}
