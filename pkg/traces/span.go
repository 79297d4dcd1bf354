// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package traces

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// StatusCode represents the span status.
type StatusCode int

const (
	StatusUnset StatusCode = iota
	StatusOK
	StatusError
)

// Span is one intercepted call, from its enter callback to its leave
// callback.
type Span struct {
	TraceID      string
	SpanID       string
	ParentSpanID string
	Name         string
	StartTime    time.Time
	EndTime      time.Time
	Duration     time.Duration
	Status       StatusCode
	StatusMsg    string

	// Service info
	ServiceName string
	PID         uint32
	TID         uint32

	// Call info
	Module     string
	Function   string
	ReturnAddr uint32
	Skipped    bool

	// Attributes (OTEL standard plus intercept.* keys)
	Attributes map[string]string

	// Events (for errors, etc.)
	Events []SpanEvent
}

// SpanEvent is a timestamped event within a span.
type SpanEvent struct {
	Name       string
	Timestamp  time.Time
	Attributes map[string]string
}

// NewSpan creates a new root span with generated IDs.
func NewSpan(name string) *Span {
	return &Span{
		TraceID:    GenerateTraceID(),
		SpanID:     GenerateSpanID(),
		Name:       name,
		StartTime:  time.Now(),
		Attributes: make(map[string]string),
	}
}

// NewChild starts a span in the same trace as s.
func (s *Span) NewChild(name string) *Span {
	child := NewSpan(name)
	child.TraceID = s.TraceID
	child.ParentSpanID = s.SpanID
	child.ServiceName = s.ServiceName
	child.PID = s.PID
	child.TID = s.TID
	return child
}

// End marks the span as complete.
func (s *Span) End() {
	s.EndTime = time.Now()
	s.Duration = s.EndTime.Sub(s.StartTime)
}

// SetAttribute sets a span attribute.
func (s *Span) SetAttribute(key, value string) {
	if s.Attributes == nil {
		s.Attributes = make(map[string]string)
	}
	s.Attributes[key] = value
}

// SetError marks the span as errored with a message.
func (s *Span) SetError(msg string) {
	s.Status = StatusError
	s.StatusMsg = msg
	s.Events = append(s.Events, SpanEvent{
		Name:      "exception",
		Timestamp: time.Now(),
		Attributes: map[string]string{
			"exception.message": msg,
		},
	})
}

// GenerateTraceID generates a random 32-character hex trace ID.
func GenerateTraceID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// GenerateSpanID generates a random 16-character hex span ID.
func GenerateSpanID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}
