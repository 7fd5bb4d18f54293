// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation checks identifiers received from API callers before
// they become backend keys or Influx tags.
//
// Names end up inside namespaced keys ("<ns>:lock:<name>"), so the allowed
// alphabet excludes whitespace, control characters and glob metacharacters.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// resourceNamePattern matches lock resource names.
// Allows: letters, digits, dot, underscore, colon, hyphen
// Max length: 128 characters
var resourceNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:\-]{0,127}$`)

// regimePattern matches regime labels such as RISK_ON or HIGH-VOL.
var regimePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_\-]{0,63}$`)

// ValidateResourceName validates a lock resource name.
//
// Example:
//
//	if err := validation.ValidateResourceName(c.Param("name")); err != nil {
//	    c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
//	    return
//	}
func ValidateResourceName(name string) error {
	if name == "" {
		return fmt.Errorf("resource name cannot be empty")
	}
	if !resourceNamePattern.MatchString(name) {
		return fmt.Errorf("invalid resource name: %q (1-128 chars of letters, digits, '.', '_', ':', '-')", name)
	}
	return nil
}

// ValidateRegime validates a regime label.
func ValidateRegime(regime string) error {
	if regime == "" {
		return fmt.Errorf("regime cannot be empty")
	}
	if !regimePattern.MatchString(regime) {
		return fmt.Errorf("invalid regime: %q (1-64 chars of letters, digits, '_', '-')", regime)
	}
	return nil
}

// SanitizeRegime trims and upper-cases a regime label, then validates it.
func SanitizeRegime(regime string) (string, error) {
	normalized := strings.ToUpper(strings.TrimSpace(regime))
	if err := ValidateRegime(normalized); err != nil {
		return "", err
	}
	return normalized, nil
}
