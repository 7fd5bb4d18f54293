// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateResourceName(t *testing.T) {
	tests := []struct {
		name     string
		resource string
		wantErr  bool
	}{
		// Valid names
		{"simple", "gpu", false},
		{"with index", "gpu-0", false},
		{"dotted", "model.weights", false},
		{"scoped", "host1:gpu_0", false},
		{"max length", strings.Repeat("a", 128), false},

		// Invalid names
		{"empty", "", true},
		{"too long", strings.Repeat("a", 129), true},
		{"space", "gpu 0", true},
		{"glob", "gpu*", true},
		{"newline", "gpu\nFLUSHALL", true},
		{"leading colon", ":gpu", true},
		{"unicode", "gpü", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateResourceName(tt.resource)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateRegime(t *testing.T) {
	assert.NoError(t, ValidateRegime("RISK_ON"))
	assert.NoError(t, ValidateRegime("high-vol"))
	assert.Error(t, ValidateRegime(""))
	assert.Error(t, ValidateRegime("RISK ON"))
	assert.Error(t, ValidateRegime(`x"} |> drop()`))
	assert.Error(t, ValidateRegime(strings.Repeat("R", 65)))
}

func TestSanitizeRegime(t *testing.T) {
	got, err := SanitizeRegime("  risk_off ")
	require.NoError(t, err)
	assert.Equal(t, "RISK_OFF", got)

	_, err = SanitizeRegime("   ")
	assert.Error(t, err)
}
