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
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// Sample is one raw reading of host utilisation.
type Sample struct {
	CPUPercent     float64
	RAMPercent     float64
	RAMAvailableMB float64
}

// Sampler reads host utilisation.
type Sampler interface {
	Sample(ctx context.Context) (Sample, error)
}

// HostSampler reads CPU and memory from the operating system.
//
// CPU is measured over CPUWindow; a zero window compares against the
// previous call, which makes the very first reading 0.
type HostSampler struct {
	CPUWindow time.Duration
}

// NewHostSampler returns a sampler with a 100ms CPU window.
func NewHostSampler() *HostSampler {
	return &HostSampler{CPUWindow: 100 * time.Millisecond}
}

// Sample implements Sampler.
func (h *HostSampler) Sample(ctx context.Context) (Sample, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Sample{}, fmt.Errorf("read memory stats: %w", err)
	}
	percents, err := cpu.PercentWithContext(ctx, h.CPUWindow, false)
	if err != nil {
		return Sample{}, fmt.Errorf("read cpu stats: %w", err)
	}
	var cpuPct float64
	if len(percents) > 0 {
		cpuPct = percents[0]
	}
	return Sample{
		CPUPercent:     clampPercent(cpuPct),
		RAMPercent:     clampPercent(vm.UsedPercent),
		RAMAvailableMB: float64(vm.Available) / (1024 * 1024),
	}, nil
}

// SamplerFunc adapts a function to Sampler.
type SamplerFunc func(ctx context.Context) (Sample, error)

// Sample implements Sampler.
func (f SamplerFunc) Sample(ctx context.Context) (Sample, error) { return f(ctx) }

func clampPercent(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}
