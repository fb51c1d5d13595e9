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

// Package capability maps free-text intents to one of a fixed set of abstract
// capabilities and picks the backend server that should serve them.
package capability

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Capability is an abstract action several backend servers may implement.
type Capability string

const (
	Search    Capability = "search"
	Summarize Capability = "summarize"
	Retrieve  Capability = "retrieve"
	Plan      Capability = "plan"
	Edit      Capability = "edit"
	Execute   Capability = "execute"
	Record    Capability = "record"
)

// All lists every capability in declaration order.
var All = []Capability{Search, Summarize, Retrieve, Plan, Edit, Execute, Record}

// UnknownIntent is reported when no rule matches.
const UnknownIntent = "unknown"

// fallbackConfidence is the confidence assigned to unmatched text.
const fallbackConfidence = 0.3

// ParseCapability validates a capability name.
func ParseCapability(s string) (Capability, error) {
	c := Capability(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range All {
		if c == known {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown capability %q", s)
}

// Rule maps a text pattern to an intent.
type Rule struct {
	Pattern    *regexp.Regexp
	Intent     string
	Capability Capability

	// Hint names the server that usually implements this intent.
	Hint string

	// Confidence is the base score before the match-length bonus.
	Confidence float64
}

func rule(pattern, intent string, c Capability, hint string, confidence float64) Rule {
	return Rule{
		Pattern:    regexp.MustCompile(`(?i)` + pattern),
		Intent:     intent,
		Capability: c,
		Hint:       hint,
		Confidence: confidence,
	}
}

// DefaultRules returns the built-in English rule table.
func DefaultRules() []Rule {
	return []Rule{
		rule(`\b(search|find|look up|google|lookup)\b.*\b(web|online|internet)\b`, "web_search", Search, "tavily", 0.95),
		rule(`\b(latest|current|recent)\b`, "web_search", Search, "tavily", 0.85),
		rule(`\b(how (do|to|can) (i|we|you) use|documentation|docs|api reference)\b`, "library_docs", Search, "context7", 0.92),
		rule(`\bbest practices?\b`, "library_docs", Search, "context7", 0.88),
		rule(`\bhttps?://\S+`, "fetch_url", Search, "fetch", 0.95),

		rule(`\b(security|vulnerability|owasp)\b.*\b(check|audit|review|scan)\b`, "security_analysis", Summarize, "sequential-thinking", 0.93),
		rule(`\b(explain|what does|how does this work)\b`, "code_explanation", Summarize, "", 0.88),
		rule(`\b(analy[sz]e|assess|evaluate)\b`, "analysis", Summarize, "sequential-thinking", 0.85),
		rule(`\b(compare|difference)\b`, "comparison", Summarize, "sequential-thinking", 0.87),
		rule(`\b(summari[sz]e|summary)\b`, "summarization", Summarize, "", 0.90),

		rule(`\b(what did we|previous session|last time)\b`, "recall_knowledge", Retrieve, "mindbase", 0.92),
		rule(`\b(recall|remember when)\b`, "recall_knowledge", Retrieve, "mindbase", 0.88),
		rule(`\bwhat was\b`, "recall_knowledge", Retrieve, "mindbase", 0.82),

		rule(`\b(plan|roadmap)\b`, "task_planning", Plan, "airis-agent", 0.90),
		rule(`\b(break down|decompose)\b`, "task_decomposition", Plan, "airis-agent", 0.88),
		rule(`\b(how should (i|we)|implementation strategy)\b`, "implementation_planning", Plan, "airis-agent", 0.87),
		rule(`\b(design|architect)\b`, "design_planning", Plan, "airis-agent", 0.85),
		rule(`\b(pdca|confidence check)\b`, "pdca_cycle", Plan, "airis-agent", 0.95),

		rule(`\b(refactor|restructure)\b`, "code_refactoring", Edit, "serena", 0.92),
		rule(`\brename\b.*\b(across|project)\b`, "semantic_rename", Edit, "serena", 0.93),
		rule(`\b(fix|correct)\b`, "code_fix", Edit, "", 0.80),
		rule(`\b(implement|add|create)\b.*\b(feature|function)\b`, "implementation", Edit, "", 0.82),
		rule(`\b(update|modify|change)\b`, "code_modification", Edit, "", 0.75),

		rule(`\b(run|execute)\b`, "run_command", Execute, "", 0.88),
		rule(`\b(build|compile)\b`, "build_execute", Execute, "", 0.90),
		rule(`\btest\b`, "test_execute", Execute, "", 0.88),
		rule(`\bdeploy\b`, "deploy_execute", Execute, "", 0.85),
		rule(`\binstall\b`, "install_execute", Execute, "", 0.87),

		rule(`\b(remember|save|store)\b.*\b(this|that|pattern)\b`, "store_knowledge", Record, "mindbase", 0.92),
		rule(`\b(note|record)\b`, "note_taking", Record, "mindbase", 0.85),
		rule(`\blearn\b.*\b(from|this)\b`, "learning_capture", Record, "mindbase", 0.88),
	}
}

// Intent is the result of classifying a piece of text.
type Intent struct {
	Intent     string     `json:"intent"`
	Capability Capability `json:"capability"`
	Confidence float64    `json:"confidence"`
	Hint       string     `json:"hint,omitempty"`
	Match      string     `json:"match,omitempty"`
}

// Detector classifies text against an ordered rule table.
type Detector struct {
	rules    []Rule
	fallback Capability
}

// NewDetector creates a detector. A nil rule table selects DefaultRules and
// an empty fallback selects Plan.
func NewDetector(rules []Rule, fallback Capability) *Detector {
	if rules == nil {
		rules = DefaultRules()
	}
	if fallback == "" {
		fallback = Plan
	}
	return &Detector{rules: rules, fallback: fallback}
}

// Detect returns the highest-confidence intent for text. Earlier rules win
// ties. Unmatched text yields UnknownIntent with the fallback capability.
func (d *Detector) Detect(text string) Intent {
	all := d.DetectAll(text)
	if len(all) == 0 {
		return Intent{Intent: UnknownIntent, Capability: d.fallback, Confidence: fallbackConfidence}
	}
	return all[0]
}

// DetectAll returns every matching rule by descending confidence.
func (d *Detector) DetectAll(text string) []Intent {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	length := len([]rune(text))

	var out []Intent
	for _, r := range d.rules {
		m := r.Pattern.FindString(text)
		if m == "" {
			continue
		}
		out = append(out, Intent{
			Intent:     r.Intent,
			Capability: r.Capability,
			Confidence: score(r.Confidence, len([]rune(m)), length),
			Hint:       r.Hint,
			Match:      m,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	return out
}

// score adds up to 0.1 for the share of text the match covers.
func score(base float64, matched, total int) float64 {
	c := base + float64(matched)/float64(total)*0.1
	return min(c, 1)
}
