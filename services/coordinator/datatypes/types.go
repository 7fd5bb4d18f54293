// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes holds the values exchanged between producers, the
// resource supervisor, the report coordinator and the HTTP layer.
package datatypes

import (
	"fmt"
	"math"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// =============================================================================
// Admission State
// =============================================================================

// AdmissionState is the three-level admission-control semaphore.
type AdmissionState string

const (
	// StateGreen admits heavy work.
	StateGreen AdmissionState = "GREEN"

	// StateYellow admits only light work.
	StateYellow AdmissionState = "YELLOW"

	// StateRed admits nothing new. Forced while the override signal is active.
	StateRed AdmissionState = "RED"
)

// ResourceSnapshot is a point-in-time measurement of local resources.
//
// Snapshots are created fresh on every poll and never mutated.
type ResourceSnapshot struct {
	CPUPercent           float64        `json:"cpu_percent"`
	RAMPercent           float64        `json:"ram_percent"`
	RAMAvailableMB       float64        `json:"ram_available_mb"`
	State                AdmissionState `json:"state"`
	SignalOverrideActive bool           `json:"signal_override_active"`
	Timestamp            time.Time      `json:"timestamp"`
}

// =============================================================================
// Lab Reports
// =============================================================================

// LabReport is a prioritized finding submitted by a producer.
//
// # Validation
//
//   - SourceName: required
//   - Priority: 1-10
//   - Confidence: 0.0-1.0
type LabReport struct {
	ID         string         `json:"id,omitempty"`
	SourceName string         `json:"source_name" validate:"required"`
	Timestamp  time.Time      `json:"timestamp"`
	Findings   map[string]any `json:"findings"`
	Priority   int            `json:"priority" validate:"gte=1,lte=10"`
	Confidence float64        `json:"confidence" validate:"gte=0,lte=1"`
}

// Validate checks field ranges using the struct tags.
func (r *LabReport) Validate() error {
	if math.IsNaN(r.Confidence) {
		return fmt.Errorf("confidence must be a number")
	}
	return validate.Struct(r)
}

// EnsureDefaults stamps the report with the current time if unset.
func (r *LabReport) EnsureDefaults() {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	if r.Findings == nil {
		r.Findings = map[string]any{}
	}
}

// Outranks reports whether r sorts before other in a synthesis: higher
// priority first, then higher confidence.
func (r LabReport) Outranks(other LabReport) bool {
	if r.Priority != other.Priority {
		return r.Priority > other.Priority
	}
	return r.Confidence > other.Confidence
}

// Digest is the ranked synthesis handed to the downstream strategic layer.
type Digest struct {
	Reports     []LabReport `json:"reports"`
	Regime      string      `json:"regime"`
	BufferSize  int         `json:"buffer_size"`
	GeneratedAt time.Time   `json:"generated_at"`
}

// =============================================================================
// Events
// =============================================================================

// Event is the envelope published on backend channels.
type Event struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Event types published by the coordinator.
const (
	EventOverrideSignal = "override_signal"
	EventRegimeChange   = "regime_change"
	EventResourceState  = "resource_state"
)

// NewEvent builds an Event stamped with the current time.
func NewEvent(eventType string, data map[string]any) Event {
	return Event{Type: eventType, Data: data, Timestamp: time.Now().UTC()}
}
