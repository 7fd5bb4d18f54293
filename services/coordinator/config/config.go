// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the coordinator configuration.
//
// Values come from three layers, later layers winning:
//
//  1. Default()
//  2. An optional YAML file
//  3. Environment variables (LABCOORD_* and the conventional REDIS_*)
//
// The result is validated with struct tags plus cross-field checks. There
// is no package-level instance; the composition root loads a Config and
// passes the pieces it needs to each component.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Config is the complete coordinator configuration.
type Config struct {
	Service    ServiceConfig    `yaml:"service"`
	Backend    BackendConfig    `yaml:"backend"`
	Fallback   FallbackConfig   `yaml:"fallback"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Reports    ReportsConfig    `yaml:"reports"`
	Influx     InfluxConfig     `yaml:"influx"`
}

// ServiceConfig covers process-level settings.
type ServiceConfig struct {
	Name            string  `yaml:"name" validate:"required"`
	HTTPAddr        string  `yaml:"http_addr" validate:"required"`
	LogLevel        string  `yaml:"log_level" validate:"oneof=debug info warn warning error"`
	LogDir          string  `yaml:"log_dir"`
	LogJSON         bool    `yaml:"log_json"`
	TracingEndpoint string  `yaml:"tracing_endpoint"`
	RateLimit       float64 `yaml:"rate_limit" validate:"gte=0"`
	RateBurst       int     `yaml:"rate_burst" validate:"gte=0"`

	// OperatorToken and ReaderToken enable bearer-token auth on /v1 when
	// either is set. Operators may write; readers may only GET.
	OperatorToken string `yaml:"operator_token"`
	ReaderToken   string `yaml:"reader_token" validate:"omitempty,nefield=OperatorToken"`
}

// BackendConfig describes the distributed backend. With Enabled=false the
// coordinator runs detached.
type BackendConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Host           string        `yaml:"host" validate:"required_if=Enabled true"`
	Port           int           `yaml:"port" validate:"gte=1,lte=65535"`
	Password       string        `yaml:"password"`
	DB             int           `yaml:"db" validate:"gte=0"`
	Namespace      string        `yaml:"namespace" validate:"required"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" validate:"gt=0"`
	ReadTimeout    time.Duration `yaml:"read_timeout" validate:"gt=0"`
	PoolSize       int           `yaml:"pool_size" validate:"gte=1"`
}

// FallbackConfig selects the durable local store.
type FallbackConfig struct {
	Engine     string        `yaml:"engine" validate:"oneof=sqlite badger"`
	Path       string        `yaml:"path" validate:"required"`
	MaxTaskAge time.Duration `yaml:"max_task_age" validate:"gt=0"`
}

// SupervisorConfig holds the admission thresholds and loop cadence.
type SupervisorConfig struct {
	RAMYellow       float64       `yaml:"ram_yellow" validate:"gt=0,lt=100"`
	RAMRed          float64       `yaml:"ram_red" validate:"gt=0,lte=100"`
	PollInterval    time.Duration `yaml:"poll_interval" validate:"gt=0"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" validate:"gt=0"`
	ReconcileBatch  int           `yaml:"reconcile_batch" validate:"gte=1"`
	SnapshotTTL     time.Duration `yaml:"snapshot_ttl" validate:"gt=0"`
}

// ReportsConfig sizes the report buffer.
type ReportsConfig struct {
	Capacity   int           `yaml:"capacity" validate:"gte=1"`
	FetchBatch int           `yaml:"fetch_batch" validate:"gte=1"`
	RegimeTTL  time.Duration `yaml:"regime_ttl" validate:"gt=0"`
}

// InfluxConfig enables the snapshot history sink when URL is set.
type InfluxConfig struct {
	URL    string `yaml:"url" validate:"omitempty,url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org" validate:"required_with=URL"`
	Bucket string `yaml:"bucket" validate:"required_with=URL"`
}

// Default returns a configuration for a single host with a local Redis.
func Default() Config {
	return Config{
		Service: ServiceConfig{
			Name:      "labcoord",
			HTTPAddr:  ":8090",
			LogLevel:  "info",
			RateLimit: 50,
			RateBurst: 100,
		},
		Backend: BackendConfig{
			Enabled:        true,
			Host:           "localhost",
			Port:           6379,
			Namespace:      "labcoord",
			ConnectTimeout: 2 * time.Second,
			ReadTimeout:    2 * time.Second,
			PoolSize:       10,
		},
		Fallback: FallbackConfig{
			Engine:     "sqlite",
			Path:       "data/fallback.db",
			MaxTaskAge: 24 * time.Hour,
		},
		Supervisor: SupervisorConfig{
			RAMYellow:       75,
			RAMRed:          90,
			PollInterval:    5 * time.Second,
			CleanupInterval: time.Hour,
			ReconcileBatch:  50,
			SnapshotTTL:     30 * time.Second,
		},
		Reports: ReportsConfig{
			Capacity:   100,
			FetchBatch: 50,
			RegimeTTL:  24 * time.Hour,
		},
	}
}

// Validate checks struct tags and cross-field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("invalid config: %s failed %q", verrs[0].Namespace(), verrs[0].Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Supervisor.RAMYellow >= c.Supervisor.RAMRed {
		return fmt.Errorf("invalid config: supervisor.ram_yellow (%.1f) must be below supervisor.ram_red (%.1f)",
			c.Supervisor.RAMYellow, c.Supervisor.RAMRed)
	}
	return nil
}
