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

package capability

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/tombee/toolgate/internal/adapter"
	"github.com/tombee/toolgate/internal/log"
	"github.com/tombee/toolgate/internal/mcp"
	"github.com/tombee/toolgate/internal/registry"
)

// Thresholds split detection confidence into routing decisions.
type Thresholds struct {
	Direct  float64 `yaml:"direct"`
	Confirm float64 `yaml:"confirm"`
	Clarify float64 `yaml:"clarify"`
}

// DefaultThresholds returns 0.9 / 0.7 / 0.5.
func DefaultThresholds() Thresholds {
	return Thresholds{Direct: 0.9, Confirm: 0.7, Clarify: 0.5}
}

// Validate checks that the thresholds are ordered and within [0, 1].
func (t Thresholds) Validate() error {
	if t.Clarify < 0 || t.Direct > 1 {
		return fmt.Errorf("thresholds must be within [0, 1]")
	}
	if t.Clarify > t.Confirm || t.Confirm > t.Direct {
		return fmt.Errorf("thresholds must satisfy clarify <= confirm <= direct")
	}
	return nil
}

// Decision is what the router did with a request.
type Decision string

const (
	// DecisionRoute routes without asking.
	DecisionRoute Decision = "route"
	// DecisionConfirm routes but the caller should confirm with the user.
	DecisionConfirm Decision = "confirm"
	// DecisionClarify selects nothing and asks a question instead.
	DecisionClarify Decision = "clarify"
	// DecisionFallback routes to the default capability.
	DecisionFallback Decision = "fallback"
)

// Implementation is one server able to serve a capability.
type Implementation struct {
	Server   string `yaml:"server" json:"server"`
	Tool     string `yaml:"tool,omitempty" json:"tool,omitempty"`
	Priority int    `yaml:"priority" json:"priority"`

	// Intents restricts the implementation to these intent tags.
	Intents []string `yaml:"intents,omitempty" json:"intents,omitempty"`

	// Features must all be present in the request.
	Features []string `yaml:"features,omitempty" json:"features,omitempty"`

	// Scope must equal the request scope when set.
	Scope string `yaml:"scope,omitempty" json:"scope,omitempty"`

	// When is a boolean expression over intent, capability, confidence,
	// text, features and scope.
	When string `yaml:"when,omitempty" json:"when,omitempty"`
}

// Env is the variable set available to When expressions.
type Env struct {
	Intent     string   `expr:"intent"`
	Capability string   `expr:"capability"`
	Confidence float64  `expr:"confidence"`
	Text       string   `expr:"text"`
	Features   []string `expr:"features"`
	Scope      string   `expr:"scope"`
}

// CompileWhen compiles a When expression against Env.
func CompileWhen(when string) (*vm.Program, error) {
	program, err := expr.Compile(when, expr.Env(Env{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile when %q: %w", when, err)
	}
	return program, nil
}

// Request is a free-text intent plus the caller's context.
type Request struct {
	Text     string   `json:"intent"`
	Features []string `json:"features,omitempty"`
	Scope    string   `json:"scope,omitempty"`
}

// Candidate is an implementation eligible for a request.
type Candidate struct {
	Server   string        `json:"server"`
	Tool     string        `json:"tool,omitempty"`
	Priority int           `json:"priority"`
	Mode     registry.Mode `json:"mode"`
	Enabled  bool          `json:"enabled"`
}

// Result describes a routing decision.
type Result struct {
	Decision   Decision    `json:"decision"`
	Intent     Intent      `json:"intent"`
	Capability Capability  `json:"capability"`
	Selected   *Candidate  `json:"selected,omitempty"`
	Candidates []Candidate `json:"candidates,omitempty"`
	Tried      []string    `json:"tried,omitempty"`

	// Question and Alternatives are set for DecisionClarify.
	Question     string   `json:"question,omitempty"`
	Alternatives []Intent `json:"alternatives,omitempty"`
}

// Supervisor starts backend servers on demand.
type Supervisor interface {
	Registry() *registry.Registry
	EnsureRunning(ctx context.Context, name string) (*adapter.Adapter, error)
}

// Config configures a Router.
type Config struct {
	Thresholds Thresholds

	// DefaultCapability is used below the clarify threshold (default plan).
	DefaultCapability Capability

	// Capabilities lists the implementations of each capability.
	Capabilities map[Capability][]Implementation

	// Rules overrides the built-in rule table when non-nil.
	Rules []Rule

	Logger *slog.Logger
}

func (c *Config) setDefaults() {
	if c.Thresholds == (Thresholds{}) {
		c.Thresholds = DefaultThresholds()
	}
	if c.DefaultCapability == "" {
		c.DefaultCapability = Plan
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

type impl struct {
	Implementation
	index int
	when  *vm.Program
}

// Router classifies intents and selects implementations.
type Router struct {
	sup      Supervisor
	detector *Detector
	cfg      Config
	impls    map[Capability][]impl
	logger   *slog.Logger
}

// New builds a router. It fails on an unknown capability or a When
// expression that does not compile.
func New(sup Supervisor, cfg Config) (*Router, error) {
	cfg.setDefaults()
	if err := cfg.Thresholds.Validate(); err != nil {
		return nil, err
	}
	if _, err := ParseCapability(string(cfg.DefaultCapability)); err != nil {
		return nil, fmt.Errorf("default capability: %w", err)
	}

	impls := make(map[Capability][]impl, len(cfg.Capabilities))
	for c, list := range cfg.Capabilities {
		if _, err := ParseCapability(string(c)); err != nil {
			return nil, err
		}
		for i, in := range list {
			if in.Server == "" {
				return nil, fmt.Errorf("capability %s: implementation %d has no server", c, i)
			}
			entry := impl{Implementation: in, index: i}
			if in.When != "" {
				program, err := CompileWhen(in.When)
				if err != nil {
					return nil, fmt.Errorf("capability %s, server %s: %w", c, in.Server, err)
				}
				entry.when = program
			}
			impls[c] = append(impls[c], entry)
		}
	}

	return &Router{
		sup:      sup,
		detector: NewDetector(cfg.Rules, cfg.DefaultCapability),
		cfg:      cfg,
		impls:    impls,
		logger:   log.WithComponent(cfg.Logger, "capability"),
	}, nil
}

// Detector returns the router's intent detector.
func (r *Router) Detector() *Detector { return r.detector }

// Plan classifies the request and orders the eligible implementations
// without starting anything. Selected is the first candidate.
func (r *Router) Plan(req Request) Result {
	intent := r.detector.Detect(req.Text)
	res := Result{Intent: intent, Capability: intent.Capability}

	t := r.cfg.Thresholds
	switch {
	case intent.Confidence >= t.Direct:
		res.Decision = DecisionRoute
	case intent.Confidence >= t.Confirm:
		res.Decision = DecisionConfirm
	case intent.Confidence >= t.Clarify:
		res.Decision = DecisionClarify
		res.Alternatives = r.alternatives(req.Text)
		res.Question = question(intent, res.Alternatives)
		decisions.WithLabelValues(string(res.Decision), string(res.Capability)).Inc()
		return res
	default:
		res.Decision = DecisionFallback
		res.Capability = r.cfg.DefaultCapability
	}

	res.Candidates = r.candidates(res.Capability, intent, req)
	if len(res.Candidates) > 0 {
		c := res.Candidates[0]
		res.Selected = &c
	}
	decisions.WithLabelValues(string(res.Decision), string(res.Capability)).Inc()
	return res
}

// Route plans the request and starts the first candidate that comes up,
// trying the next one when a start fails. A clarify decision is returned
// as is. When every candidate fails the error is NoImplementation.
func (r *Router) Route(ctx context.Context, req Request) (Result, error) {
	res := r.Plan(req)
	if res.Decision == DecisionClarify {
		return res, nil
	}
	res.Selected = nil

	var last error
	for _, c := range res.Candidates {
		if _, err := r.sup.EnsureRunning(ctx, c.Server); err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			r.logger.Warn("implementation failed to start, trying next",
				slog.String("capability", string(res.Capability)),
				slog.String("server", c.Server),
				slog.Any("error", err))
			startFailures.WithLabelValues(c.Server).Inc()
			res.Tried = append(res.Tried, c.Server)
			last = err
			continue
		}
		selected := c
		res.Selected = &selected
		r.logger.Debug("routed intent",
			slog.String("intent", res.Intent.Intent),
			slog.String("capability", string(res.Capability)),
			slog.String("server", c.Server),
			slog.Float64("confidence", res.Intent.Confidence))
		return res, nil
	}

	err := mcp.ErrNoImplementation(string(res.Capability), res.Tried)
	if last != nil {
		err = err.WithCause(last)
	}
	return res, err
}

// candidates filters a capability's implementations by their conditions and
// orders them by priority, preferring hot servers on ties. When nothing
// matches, the implementation named by the intent's hint is used.
func (r *Router) candidates(c Capability, intent Intent, req Request) []Candidate {
	reg := r.sup.Registry()
	env := Env{
		Intent:     intent.Intent,
		Capability: string(c),
		Confidence: intent.Confidence,
		Text:       req.Text,
		Features:   req.Features,
		Scope:      req.Scope,
	}

	var matched, hinted []impl
	for _, in := range r.impls[c] {
		if !reg.Has(in.Server) {
			continue
		}
		if r.matches(in, env) {
			matched = append(matched, in)
		} else if intent.Hint != "" && in.Server == intent.Hint {
			hinted = append(hinted, in)
		}
	}
	if len(matched) == 0 {
		matched = hinted
	}

	out := make([]Candidate, 0, len(matched))
	order := make([]int, 0, len(matched))
	for _, in := range matched {
		def, ok := reg.Get(in.Server)
		if !ok {
			continue
		}
		order = append(order, in.index)
		out = append(out, Candidate{
			Server:   in.Server,
			Tool:     in.Tool,
			Priority: in.Priority,
			Mode:     def.Mode,
			Enabled:  def.Enabled,
		})
	}
	sort.Sort(byPreference{out, order})
	return out
}

// byPreference orders candidates by priority, then hot before cold, then
// declaration order.
type byPreference struct {
	c     []Candidate
	order []int
}

func (b byPreference) Len() int { return len(b.c) }

func (b byPreference) Swap(i, j int) {
	b.c[i], b.c[j] = b.c[j], b.c[i]
	b.order[i], b.order[j] = b.order[j], b.order[i]
}

func (b byPreference) Less(i, j int) bool {
	if b.c[i].Priority != b.c[j].Priority {
		return b.c[i].Priority < b.c[j].Priority
	}
	hi, hj := b.c[i].Mode == registry.ModeHot, b.c[j].Mode == registry.ModeHot
	if hi != hj {
		return hi
	}
	return b.order[i] < b.order[j]
}

func (r *Router) matches(in impl, env Env) bool {
	if len(in.Intents) > 0 && !slices.Contains(in.Intents, env.Intent) {
		return false
	}
	for _, f := range in.Features {
		if !slices.Contains(env.Features, f) {
			return false
		}
	}
	if in.Scope != "" && in.Scope != env.Scope {
		return false
	}
	if in.when == nil {
		return true
	}
	out, err := expr.Run(in.when, env)
	if err != nil {
		r.logger.Debug("when expression failed",
			slog.String("server", in.Server),
			slog.String("when", in.When),
			slog.Any("error", err))
		return false
	}
	ok, _ := out.(bool)
	return ok
}

func (r *Router) alternatives(text string) []Intent {
	all := r.detector.DetectAll(text)
	if len(all) > 3 {
		all = all[:3]
	}
	return all
}

func question(intent Intent, alternatives []Intent) string {
	if len(alternatives) > 1 {
		return fmt.Sprintf("Do you want to %s (%s) or %s (%s)?",
			humanize(alternatives[0].Intent), alternatives[0].Capability,
			humanize(alternatives[1].Intent), alternatives[1].Capability)
	}
	return fmt.Sprintf("Do you want to %s (%s)? Please add more detail.", humanize(intent.Intent), intent.Capability)
}

func humanize(intent string) string {
	out := []rune(intent)
	for i, r := range out {
		if r == '_' {
			out[i] = ' '
		}
	}
	return string(out)
}
