// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package redact scrubs sensitive data from formatted argument values
// before they leave the process.
package redact

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/mbeema/intercept/pkg/config"
)

// Masked replaces the whole value of a sensitive argument.
const Masked = "[REDACTED]"

// Rule defines a single redaction pattern.
type Rule struct {
	Name        string
	Pattern     *regexp.Regexp
	Replacement string
}

// Redactor applies a set of redaction rules to input strings.
type Redactor struct {
	rules   []Rule
	enabled bool
}

// New creates a Redactor with built-in rules. If enabled is false, Redact() is a no-op.
func New(enabled bool, extraRules []Rule) *Redactor {
	r := &Redactor{enabled: enabled}
	if !enabled {
		return r
	}
	r.rules = append(builtinRules(), extraRules...)
	return r
}

// FromConfig compiles the configured rules on top of the built-in ones.
func FromConfig(cfg config.RedactionConfig) (*Redactor, error) {
	var extra []Rule
	for _, rc := range cfg.Rules {
		re, err := regexp.Compile(rc.Pattern)
		if err != nil {
			return nil, fmt.Errorf("redaction rule %q: %w", rc.Name, err)
		}
		repl := rc.Replacement
		if repl == "" {
			repl = Masked
		}
		extra = append(extra, Rule{Name: rc.Name, Pattern: re, Replacement: repl})
	}
	return New(cfg.Enabled, extra), nil
}

// Enabled reports whether redaction is active.
func (r *Redactor) Enabled() bool { return r.enabled }

// Redact applies all rules to the input string and returns the redacted result.
func (r *Redactor) Redact(input string) string {
	if !r.enabled || len(r.rules) == 0 {
		return input
	}
	result := input
	for _, rule := range r.rules {
		result = rule.Pattern.ReplaceAllString(result, rule.Replacement)
	}
	return result
}

// RedactArgument redacts a formatted argument. Arguments whose names
// look like credentials are masked entirely; others go through the
// rules.
func (r *Redactor) RedactArgument(name, value string) string {
	if !r.enabled {
		return value
	}
	if SensitiveName(name) {
		return Masked
	}
	return r.Redact(value)
}

// RedactMap applies redaction to selected map values.
func (r *Redactor) RedactMap(attrs map[string]string, keys ...string) {
	if !r.enabled {
		return
	}
	for _, k := range keys {
		if v, ok := attrs[k]; ok {
			attrs[k] = r.Redact(v)
		}
	}
}

var sensitiveWords = []string{"password", "passwd", "pwd", "secret", "token", "apikey", "api_key", "credential", "private"}

// SensitiveName reports whether an argument name suggests a credential,
// e.g. lpszPassword or pbSecret.
func SensitiveName(name string) bool {
	lower := strings.ToLower(name)
	for _, w := range sensitiveWords {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

func builtinRules() []Rule {
	return []Rule{
		{
			Name:        "credit_card",
			Pattern:     regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`),
			Replacement: "[REDACTED_CC]",
		},
		{
			Name:        "ssn",
			Pattern:     regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
			Replacement: "[REDACTED_SSN]",
		},
		{
			Name:        "authorization_header",
			Pattern:     regexp.MustCompile(`(?i)(authorization\s*[:=]\s*)\S+(\s+\S+)?`),
			Replacement: "${1}[REDACTED]",
		},
		{
			Name:        "password_param",
			Pattern:     regexp.MustCompile(`(?i)(password|passwd|pwd|secret|token|api_key|apikey)\s*[=:]\s*['"]?[^\s&,;'"]+`),
			Replacement: "${1}=[REDACTED]",
		},
	}
}
