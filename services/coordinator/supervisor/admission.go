// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package supervisor

import (
	"fmt"

	"github.com/AleutianAI/labcoord/services/coordinator/datatypes"
)

// Thresholds are the RAM percentages at which admission degrades.
type Thresholds struct {
	// Yellow is the RAM percentage at which heavy work stops being admitted.
	Yellow float64

	// Red is the RAM percentage at which all new work is refused.
	Red float64
}

// DefaultThresholds returns Yellow=75, Red=90.
func DefaultThresholds() Thresholds {
	return Thresholds{Yellow: 75, Red: 90}
}

// Validate requires 0 < Yellow < Red <= 100.
func (t Thresholds) Validate() error {
	if t.Yellow <= 0 || t.Red > 100 || t.Yellow >= t.Red {
		return fmt.Errorf("invalid thresholds: need 0 < yellow (%.1f) < red (%.1f) <= 100", t.Yellow, t.Red)
	}
	return nil
}

// ComputeState maps a RAM sample to an admission state.
//
// Description:
//
//	RED when the override is active or ram >= red, YELLOW when
//	yellow <= ram < red, GREEN otherwise. Pure: no hysteresis, no state.
func ComputeState(ramPercent float64, t Thresholds, override bool) datatypes.AdmissionState {
	switch {
	case override || ramPercent >= t.Red:
		return datatypes.StateRed
	case ramPercent >= t.Yellow:
		return datatypes.StateYellow
	default:
		return datatypes.StateGreen
	}
}
