// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// LookupFunc reads one environment variable.
type LookupFunc func(key string) (string, bool)

// Load builds the configuration from defaults, the YAML file at path (if
// path is non-empty and the file exists) and the process environment.
func Load(path string) (Config, error) {
	return LoadWithEnv(path, os.LookupEnv)
}

// LoadWithEnv is Load with an injectable environment.
func LoadWithEnv(path string, lookup LookupFunc) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			// Defaults plus environment.
		case err != nil:
			return Config{}, fmt.Errorf("failed to read the config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("failed to parse the config file %s: %w", path, err)
			}
		}
	}

	if err := applyEnv(&cfg, lookup); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// WriteDefault writes Default() as YAML to path, creating parent
// directories. It refuses to overwrite an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file %s already exists", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(defaultDocument())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// defaultDocument renders durations as strings so the file round-trips.
func defaultDocument() map[string]any {
	d := Default()
	return map[string]any{
		"service": map[string]any{
			"name":             d.Service.Name,
			"http_addr":        d.Service.HTTPAddr,
			"log_level":        d.Service.LogLevel,
			"log_dir":          d.Service.LogDir,
			"log_json":         d.Service.LogJSON,
			"tracing_endpoint": d.Service.TracingEndpoint,
			"rate_limit":       d.Service.RateLimit,
			"rate_burst":       d.Service.RateBurst,
		},
		"backend": map[string]any{
			"enabled":         d.Backend.Enabled,
			"host":            d.Backend.Host,
			"port":            d.Backend.Port,
			"db":              d.Backend.DB,
			"namespace":       d.Backend.Namespace,
			"connect_timeout": d.Backend.ConnectTimeout.String(),
			"read_timeout":    d.Backend.ReadTimeout.String(),
			"pool_size":       d.Backend.PoolSize,
		},
		"fallback": map[string]any{
			"engine":       d.Fallback.Engine,
			"path":         d.Fallback.Path,
			"max_task_age": d.Fallback.MaxTaskAge.String(),
		},
		"supervisor": map[string]any{
			"ram_yellow":       d.Supervisor.RAMYellow,
			"ram_red":          d.Supervisor.RAMRed,
			"poll_interval":    d.Supervisor.PollInterval.String(),
			"cleanup_interval": d.Supervisor.CleanupInterval.String(),
			"reconcile_batch":  d.Supervisor.ReconcileBatch,
			"snapshot_ttl":     d.Supervisor.SnapshotTTL.String(),
		},
		"reports": map[string]any{
			"capacity":    d.Reports.Capacity,
			"fetch_batch": d.Reports.FetchBatch,
			"regime_ttl":  d.Reports.RegimeTTL.String(),
		},
	}
}

// envReader accumulates parse failures so one bad variable does not hide
// the next.
type envReader struct {
	lookup LookupFunc
	errs   []error
}

func (r *envReader) str(key string, dst *string) {
	if v, ok := r.lookup(key); ok && v != "" {
		*dst = v
	}
}

func (r *envReader) integer(key string, dst *int) {
	v, ok := r.lookup(key)
	if !ok || v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %q is not an integer", key, v))
		return
	}
	*dst = n
}

func (r *envReader) float(key string, dst *float64) {
	v, ok := r.lookup(key)
	if !ok || v == "" {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %q is not a number", key, v))
		return
	}
	*dst = f
}

func (r *envReader) boolean(key string, dst *bool) {
	v, ok := r.lookup(key)
	if !ok || v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %q is not a boolean", key, v))
		return
	}
	*dst = b
}

// duration accepts Go duration strings ("1500ms") or bare seconds ("2.5").
func (r *envReader) duration(key string, dst *time.Duration) {
	v, ok := r.lookup(key)
	if !ok || v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
		return
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		*dst = time.Duration(secs * float64(time.Second))
		return
	}
	r.errs = append(r.errs, fmt.Errorf("%s: %q is not a duration", key, v))
}

func applyEnv(cfg *Config, lookup LookupFunc) error {
	r := &envReader{lookup: lookup}

	r.str("LABCOORD_SERVICE_NAME", &cfg.Service.Name)
	r.str("LABCOORD_HTTP_ADDR", &cfg.Service.HTTPAddr)
	r.str("LABCOORD_LOG_LEVEL", &cfg.Service.LogLevel)
	r.str("LABCOORD_LOG_DIR", &cfg.Service.LogDir)
	r.boolean("LABCOORD_LOG_JSON", &cfg.Service.LogJSON)
	r.str("LABCOORD_TRACING_ENDPOINT", &cfg.Service.TracingEndpoint)
	r.float("LABCOORD_RATE_LIMIT", &cfg.Service.RateLimit)
	r.integer("LABCOORD_RATE_BURST", &cfg.Service.RateBurst)
	r.str("LABCOORD_OPERATOR_TOKEN", &cfg.Service.OperatorToken)
	r.str("LABCOORD_READER_TOKEN", &cfg.Service.ReaderToken)

	r.boolean("LABCOORD_BACKEND_ENABLED", &cfg.Backend.Enabled)
	r.str("REDIS_HOST", &cfg.Backend.Host)
	r.integer("REDIS_PORT", &cfg.Backend.Port)
	r.str("REDIS_PASSWORD", &cfg.Backend.Password)
	r.integer("REDIS_DB", &cfg.Backend.DB)
	r.str("LABCOORD_NAMESPACE", &cfg.Backend.Namespace)
	r.duration("LABCOORD_CONNECT_TIMEOUT", &cfg.Backend.ConnectTimeout)
	r.duration("LABCOORD_READ_TIMEOUT", &cfg.Backend.ReadTimeout)
	r.integer("LABCOORD_POOL_SIZE", &cfg.Backend.PoolSize)

	r.str("LABCOORD_FALLBACK_ENGINE", &cfg.Fallback.Engine)
	r.str("LABCOORD_FALLBACK_PATH", &cfg.Fallback.Path)
	r.duration("LABCOORD_MAX_TASK_AGE", &cfg.Fallback.MaxTaskAge)

	r.float("LABCOORD_RAM_YELLOW", &cfg.Supervisor.RAMYellow)
	r.float("LABCOORD_RAM_RED", &cfg.Supervisor.RAMRed)
	r.duration("LABCOORD_POLL_INTERVAL", &cfg.Supervisor.PollInterval)
	r.duration("LABCOORD_CLEANUP_INTERVAL", &cfg.Supervisor.CleanupInterval)
	r.integer("LABCOORD_RECONCILE_BATCH", &cfg.Supervisor.ReconcileBatch)

	r.integer("LABCOORD_REPORT_CAPACITY", &cfg.Reports.Capacity)

	r.str("LABCOORD_INFLUX_URL", &cfg.Influx.URL)
	r.str("LABCOORD_INFLUX_TOKEN", &cfg.Influx.Token)
	r.str("LABCOORD_INFLUX_ORG", &cfg.Influx.Org)
	r.str("LABCOORD_INFLUX_BUCKET", &cfg.Influx.Bucket)

	if len(r.errs) > 0 {
		return fmt.Errorf("invalid environment: %w", errors.Join(r.errs...))
	}
	return nil
}
