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

package registry

import (
	"fmt"
	"sync"
)

// Diff describes the effect of Replace.
type Diff struct {
	// Added names servers that did not exist before.
	Added []string
	// Removed names servers that no longer exist.
	Removed []string
	// Changed names servers whose launch settings changed.
	Changed []string
	// Toggled names servers whose mode changed.
	Toggled []string
}

// Empty reports whether the diff carries no changes.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0 && len(d.Toggled) == 0
}

// Registry is the ordered set of configured servers.
type Registry struct {
	mu    sync.RWMutex
	order []string
	defs  map[string]ServerDefinition
}

// New creates a registry from definitions, preserving their order.
func New(defs []ServerDefinition) (*Registry, error) {
	r := &Registry{defs: make(map[string]ServerDefinition)}
	order, byName, err := index(defs)
	if err != nil {
		return nil, err
	}
	r.order = order
	r.defs = byName
	return r, nil
}

func index(defs []ServerDefinition) ([]string, map[string]ServerDefinition, error) {
	order := make([]string, 0, len(defs))
	byName := make(map[string]ServerDefinition, len(defs))
	for _, d := range defs {
		if err := d.Validate(); err != nil {
			return nil, nil, err
		}
		if _, dup := byName[d.Name]; dup {
			return nil, nil, fmt.Errorf("duplicate server name: %s", d.Name)
		}
		order = append(order, d.Name)
		byName[d.Name] = d.clone()
	}
	return order, byName, nil
}

// Get returns a copy of the named definition.
func (r *Registry) Get(name string) (ServerDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[name]
	if !ok {
		return ServerDefinition{}, false
	}
	return d.clone(), true
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.defs[name]
	return ok
}

// List returns copies of all definitions in registry order.
func (r *Registry) List() []ServerDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ServerDefinition, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.defs[name].clone())
	}
	return out
}

// Names returns server names in registry order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Len returns the number of registered servers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Enable sets the enabled flag. It reports whether the flag changed.
func (r *Registry) Enable(name string) (bool, error) {
	return r.setEnabled(name, true)
}

// Disable clears the enabled flag. It reports whether the flag changed.
func (r *Registry) Disable(name string) (bool, error) {
	return r.setEnabled(name, false)
}

func (r *Registry) setEnabled(name string, enabled bool) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.defs[name]
	if !ok {
		return false, fmt.Errorf("server not found: %s", name)
	}
	if d.Enabled == enabled {
		return false, nil
	}
	d.Enabled = enabled
	r.defs[name] = d
	return true, nil
}

// Replace swaps in a new definition list and reports what changed.
// The new order becomes the registry order. Servers that already exist
// keep their current enabled flag; only Enable and Disable change it.
func (r *Registry) Replace(defs []ServerDefinition) (Diff, error) {
	order, byName, err := index(defs)
	if err != nil {
		return Diff{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var diff Diff
	for _, name := range order {
		old, existed := r.defs[name]
		next := byName[name]
		switch {
		case !existed:
			diff.Added = append(diff.Added, name)
			continue
		case !old.SameLaunch(next):
			diff.Changed = append(diff.Changed, name)
		case old.Mode != next.Mode:
			diff.Toggled = append(diff.Toggled, name)
		}
		next.Enabled = old.Enabled
		byName[name] = next
	}
	for _, name := range r.order {
		if _, ok := byName[name]; !ok {
			diff.Removed = append(diff.Removed, name)
		}
	}

	r.order = order
	r.defs = byName
	return diff, nil
}
