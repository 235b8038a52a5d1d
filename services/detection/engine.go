// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package detection

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/AleutianAI/AleutianGuard/services/detection/rules"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// Catalog File Types
// =============================================================================

// CatalogFile mirrors the embedded detection_rules.yaml document.
type CatalogFile struct {
	Categories []Category        `yaml:"categories"`
	Prescreen  []PrescreenSet    `yaml:"prescreen"`
	Emotions   []EmotionCategory `yaml:"emotions"`
}

// Category is one ordered rule set (pii, prompt_injection, safety,
// policy_violation). Rules are tried in declared order and the category stops
// at its first hit.
type Category struct {
	Kind  FindingKind `yaml:"kind"`
	Rules []Rule      `yaml:"rules"`
}

// Rule is one declarative detection rule. Adding a new detection means adding
// a table row in detection_rules.yaml, not writing code.
type Rule struct {
	Id          string   `yaml:"id"`
	Description string   `yaml:"description"`
	Regex       string   `yaml:"regex"`
	Severity    Severity `yaml:"severity"`
	Confidence  int      `yaml:"confidence"`
	Message     string   `yaml:"message"`

	// Emotion optionally overrides the lexicon-based emotion classification
	// when this rule matches. Only meaningful on safety and policy rules.
	Emotion Emotion `yaml:"emotion"`

	compiled *regexp.Regexp
}

// PrescreenSet is one indicator set used by the semantic layer's local
// pre-screen. Matches here never become findings.
type PrescreenSet struct {
	Id    string `yaml:"id"`
	Regex string `yaml:"regex"`

	compiled *regexp.Regexp
}

// EmotionCategory is one weighted entry of the emotion lexicon.
type EmotionCategory struct {
	Name       Emotion            `yaml:"name"`
	Indicators []EmotionIndicator `yaml:"indicators"`
}

// EmotionIndicator is a single weighted pattern within an emotion category.
type EmotionIndicator struct {
	Regex  string `yaml:"regex"`
	Weight int    `yaml:"weight"`

	compiled *regexp.Regexp
}

// UnmarshalYAML validates severity values at load time so a malformed catalog
// fails fast at startup instead of silently scoring wrong.
func (s *Severity) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	incoming := Severity(raw)
	if !incoming.Valid() {
		return fmt.Errorf("invalid value for Severity: %q", incoming)
	}
	*s = incoming
	return nil
}

// =============================================================================
// Rule Engine
// =============================================================================

// Engine evaluates the compiled rule catalog against text.
//
// # Description
//
// Engine is a pure function over (text, catalog): no state, no network, no
// randomness. It is safe for concurrent use and must stay fast enough to gate
// every user message synchronously (sub-millisecond for the full catalog).
type Engine struct {
	categories []Category
	prescreen  []PrescreenSet
	emotions   []EmotionCategory
}

// NewEngine loads the embedded catalog, compiles every pattern, and returns a
// ready engine.
//
// Returns an error if the embedded YAML is malformed or contains an invalid
// regex; both are treated as programming errors at the call site.
func NewEngine() (*Engine, error) {
	var file CatalogFile
	if err := yaml.Unmarshal(rules.DetectionRules, &file); err != nil {
		return nil, fmt.Errorf("failed to unmarshal the embedded rule catalog: %w", err)
	}
	if err := file.compile(); err != nil {
		return nil, fmt.Errorf("failed to compile a rule pattern: %w", err)
	}
	return &Engine{
		categories: file.Categories,
		prescreen:  file.Prescreen,
		emotions:   file.Emotions,
	}, nil
}

func (f *CatalogFile) compile() error {
	for i := range f.Categories {
		for j := range f.Categories[i].Rules {
			rule := &f.Categories[i].Rules[j]
			re, err := regexp.Compile(rule.Regex)
			if err != nil {
				return fmt.Errorf("rule %s/%s: %w", f.Categories[i].Kind, rule.Id, err)
			}
			rule.compiled = re
		}
	}
	for i := range f.Prescreen {
		re, err := regexp.Compile(f.Prescreen[i].Regex)
		if err != nil {
			return fmt.Errorf("prescreen %s: %w", f.Prescreen[i].Id, err)
		}
		f.Prescreen[i].compiled = re
	}
	for i := range f.Emotions {
		for j := range f.Emotions[i].Indicators {
			ind := &f.Emotions[i].Indicators[j]
			re, err := regexp.Compile(ind.Regex)
			if err != nil {
				return fmt.Errorf("emotion %s: %w", f.Emotions[i].Name, err)
			}
			ind.compiled = re
		}
	}
	return nil
}

// Evaluate runs every category against text in declared order.
//
// # Description
//
// Within a category, rules are tried in declared order and the category stops
// at its first hit, so a text matching three overlapping PII patterns yields
// exactly one PII finding. Matched text is masked and truncated before being
// attached to the finding.
//
// # Inputs
//
//   - text: Raw user text. Never stored verbatim in any finding.
//
// # Outputs
//
//   - []Finding: Zero or one finding per category, in category order.
//     Deterministic: same input always yields the same findings in the same
//     order.
func (e *Engine) Evaluate(text string) []Finding {
	var findings []Finding
	for _, cat := range e.categories {
		if f, ok := e.evaluateCategory(text, cat); ok {
			findings = append(findings, f)
		}
	}
	return findings
}

// EvaluateKind runs a single category and returns its first hit, if any.
func (e *Engine) EvaluateKind(text string, kind FindingKind) (Finding, bool) {
	for _, cat := range e.categories {
		if cat.Kind != kind {
			continue
		}
		return e.evaluateCategory(text, cat)
	}
	return Finding{}, false
}

func (e *Engine) evaluateCategory(text string, cat Category) (Finding, bool) {
	for _, rule := range cat.Rules {
		match := rule.compiled.FindString(text)
		if match == "" {
			continue
		}
		return Finding{
			Kind:           cat.Kind,
			SubKind:        rule.Id,
			Severity:       rule.Severity,
			HumanMessage:   rule.Message,
			MatchedExcerpt: maskExcerpt(match),
			Confidence:     rule.Confidence,
			Layer:          LayerDeterministic,
		}, true
	}
	return Finding{}, false
}

// ruleEmotion returns the emotion override attached to the first matching
// safety or policy rule, if any.
func (e *Engine) ruleEmotion(findings []Finding) (Emotion, bool) {
	for _, f := range findings {
		if f.Kind != KindSafety && f.Kind != KindPolicyViolation {
			continue
		}
		for _, cat := range e.categories {
			if cat.Kind != f.Kind {
				continue
			}
			for _, rule := range cat.Rules {
				if rule.Id == f.SubKind && rule.Emotion != "" {
					return rule.Emotion, true
				}
			}
		}
	}
	return "", false
}

// PrescreenMatches returns the ids of every indicator set that matches text.
//
// Used by the semantic layer to decide whether the external audit is worth
// its cost. The returned ids are informational reasons, not findings.
func (e *Engine) PrescreenMatches(text string) []string {
	var matched []string
	for _, set := range e.prescreen {
		if set.compiled.MatchString(text) {
			matched = append(matched, set.Id)
		}
	}
	return matched
}

// =============================================================================
// Excerpt Masking
// =============================================================================

// maxExcerptLen caps how much of a match survives into a finding.
const maxExcerptLen = 24

// maskExcerpt truncates a match and masks everything past the first two
// runes. The raw matched token never appears in a finding payload, so logs
// and review surfaces cannot re-expose the PII that triggered the rule.
func maskExcerpt(match string) string {
	runes := []rune(match)
	if len(runes) > maxExcerptLen {
		runes = runes[:maxExcerptLen]
	}
	masked := make([]rune, len(runes))
	for i, r := range runes {
		if i < 2 || r == ' ' {
			masked[i] = r
			continue
		}
		masked[i] = '*'
	}
	out := string(masked)
	if strings.TrimSpace(out) == "" {
		return "**"
	}
	return out
}
