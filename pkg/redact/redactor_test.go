// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package redact

import (
	"testing"

	"github.com/mbeema/intercept/pkg/config"
)

func TestRedactCreditCard(t *testing.T) {
	r := New(true, nil)
	tests := []struct {
		input    string
		expected string
	}{
		{"card: 4111111111111111", "card: [REDACTED_CC]"},
		{"card: 4111-1111-1111-1111", "card: [REDACTED_CC]"},
		{"card: 5500 0000 0000 0004", "card: [REDACTED_CC]"},
		{"no card here", "no card here"},
	}
	for _, tt := range tests {
		got := r.Redact(tt.input)
		if got != tt.expected {
			t.Errorf("Redact(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestRedactSSN(t *testing.T) {
	r := New(true, nil)
	input := "ssn: 123-45-6789"
	got := r.Redact(input)
	if got != "ssn: [REDACTED_SSN]" {
		t.Errorf("Redact(%q) = %q", input, got)
	}
}

func TestRedactAuthorizationHeader(t *testing.T) {
	r := New(true, nil)
	tests := []struct {
		input string
		want  string
	}{
		{"Authorization: Bearer abc123", "Authorization: [REDACTED]"},
		{"authorization: token xyz", "authorization: [REDACTED]"},
	}
	for _, tt := range tests {
		got := r.Redact(tt.input)
		if got != tt.want {
			t.Errorf("Redact(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestRedactPassword(t *testing.T) {
	r := New(true, nil)
	tests := []struct {
		input string
		want  string
	}{
		{"password=secret123", "password=[REDACTED]"},
		{"api_key=abc-def-123", "api_key=[REDACTED]"},
	}
	for _, tt := range tests {
		got := r.Redact(tt.input)
		if got != tt.want {
			t.Errorf("Redact(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestRedactDisabled(t *testing.T) {
	r := New(false, nil)
	input := "card: 4111111111111111"
	got := r.Redact(input)
	if got != input {
		t.Errorf("disabled Redact should return input unchanged, got %q", got)
	}
}

func TestRedactMap(t *testing.T) {
	r := New(true, nil)
	attrs := map[string]string{
		"intercept.arg.lpCommandLine": `"login.exe password=hunter2"`,
		"intercept.arg.nSize":         "256",
	}
	r.RedactMap(attrs, "intercept.arg.lpCommandLine", "intercept.arg.missing")
	if attrs["intercept.arg.lpCommandLine"] != `"login.exe password=[REDACTED]"` {
		t.Errorf("lpCommandLine = %q", attrs["intercept.arg.lpCommandLine"])
	}
	if attrs["intercept.arg.nSize"] != "256" {
		t.Error("nSize should be unchanged")
	}
	if _, ok := attrs["intercept.arg.missing"]; ok {
		t.Error("missing key should not be created")
	}
}

func TestRedactArgument(t *testing.T) {
	r := New(true, nil)
	tests := []struct {
		name, value, want string
	}{
		{"lpszPassword", `"hunter2"`, Masked},
		{"pbSecretKey", "0x00a01000 -> [de ad]", Masked},
		{"hToken", "0x00000124", Masked},
		{"lpFileName", `"C:\\notes.txt"`, `"C:\\notes.txt"`},
		{"lpBuffer", `"ssn 123-45-6789"`, `"ssn [REDACTED_SSN]"`},
	}
	for _, tt := range tests {
		if got := r.RedactArgument(tt.name, tt.value); got != tt.want {
			t.Errorf("RedactArgument(%q, %q) = %q, want %q", tt.name, tt.value, got, tt.want)
		}
	}

	off := New(false, nil)
	if got := off.RedactArgument("lpszPassword", "x"); got != "x" {
		t.Errorf("disabled redactor masked %q", got)
	}
}

func TestFromConfig(t *testing.T) {
	r, err := FromConfig(config.RedactionConfig{
		Enabled: true,
		Rules: []config.RedactionRule{
			{Name: "account", Pattern: `ACCT-\d+`, Replacement: "ACCT-?"},
			{Name: "hostname", Pattern: `corp\.example\.com`},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := r.Redact("ACCT-991 on corp.example.com"); got != "ACCT-? on [REDACTED]" {
		t.Errorf("Redact = %q", got)
	}

	if _, err := FromConfig(config.RedactionConfig{Enabled: true, Rules: []config.RedactionRule{{Name: "bad", Pattern: "("}}}); err == nil {
		t.Error("expected error for invalid pattern")
	}
}
