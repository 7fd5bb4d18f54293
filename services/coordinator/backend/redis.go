// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/labcoord/services/coordinator/observability"
)

// =============================================================================
// Configuration
// =============================================================================

// Config configures a RedisClient.
type Config struct {
	// Host and Port of the Redis server. Default: localhost:6379.
	Host string
	Port int

	// Password is optional.
	Password string

	// DB is the Redis database index.
	DB int

	// Namespace prefixes every key. Default: "labcoord".
	Namespace string

	// DialTimeout bounds connection establishment. Default: 2s.
	DialTimeout time.Duration

	// ReadTimeout bounds non-blocking reads. Default: 2s.
	ReadTimeout time.Duration

	// WriteTimeout bounds writes. Default: 2s.
	WriteTimeout time.Duration

	// PoolSize is the maximum number of pooled connections. Default: 10.
	PoolSize int

	// StaleAfter is how long a successful connectivity check is trusted
	// before IsConnected pings again. Default: 5s.
	StaleAfter time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Metrics is optional.
	Metrics *observability.Metrics
}

// DefaultConfig returns a Config for a local Redis.
func DefaultConfig() Config {
	return Config{
		Host:         "localhost",
		Port:         6379,
		Namespace:    DefaultNamespace,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     10,
		StaleAfter:   5 * time.Second,
	}
}

// Addr returns host:port.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Host == "" {
		c.Host = d.Host
	}
	if c.Port == 0 {
		c.Port = d.Port
	}
	if c.Namespace == "" {
		c.Namespace = d.Namespace
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.PoolSize <= 0 {
		c.PoolSize = d.PoolSize
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = d.StaleAfter
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// =============================================================================
// RedisClient
// =============================================================================

// RedisClient implements Backend on top of go-redis.
//
// The client never retries on its own: go-redis retries are disabled and a
// failed command is reported to the caller as a sentinel. Retry policy
// belongs to the reconciliation scheduler.
//
// Thread Safety: Safe for concurrent use.
type RedisClient struct {
	config Config
	keys   Keyspace
	logger *slog.Logger
	tracer trace.Tracer

	mu  sync.RWMutex
	rdb *redis.Client

	connected atomic.Bool
	lastCheck atomic.Int64 // unix nanos of the last successful round-trip
	closed    atomic.Bool
}

var _ Backend = (*RedisClient)(nil)

// NewRedisClient creates a client. It does not touch the network; call
// Connect or let the first operation dial lazily.
func NewRedisClient(config Config) *RedisClient {
	config.applyDefaults()
	c := &RedisClient{
		config: config,
		keys:   Keyspace{Namespace: config.Namespace},
		logger: config.Logger.With(slog.String("component", "backend"), slog.String("addr", config.Addr())),
		tracer: otel.Tracer("labcoord/backend"),
	}
	c.rdb = c.newRedis()
	return c
}

func (c *RedisClient) newRedis() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         c.config.Addr(),
		Password:     c.config.Password,
		DB:           c.config.DB,
		DialTimeout:  c.config.DialTimeout,
		ReadTimeout:  c.config.ReadTimeout,
		WriteTimeout: c.config.WriteTimeout,
		PoolSize:     c.config.PoolSize,
		MaxRetries:   -1,
	})
}

// Keys exposes the keyspace, mostly for tests and diagnostics.
func (c *RedisClient) Keys() Keyspace { return c.keys }

// Mode always returns ModeAttached.
func (c *RedisClient) Mode() Mode { return ModeAttached }

func (c *RedisClient) client() *redis.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rdb
}

// -----------------------------------------------------------------------------
// Connectivity
// -----------------------------------------------------------------------------

// Connect pings the server and records the result.
func (c *RedisClient) Connect(ctx context.Context) bool {
	ok := c.HealthCheck(ctx)
	if ok {
		c.logger.Info("backend connected")
	} else {
		c.logger.Warn("backend unreachable at connect")
	}
	return ok
}

// IsConnected returns the cached connectivity state.
//
// Description:
//
//	A positive result younger than StaleAfter is trusted as-is. Anything
//	else triggers a HealthCheck, which also re-establishes the connection
//	pool when the ping fails.
func (c *RedisClient) IsConnected(ctx context.Context) bool {
	if c.closed.Load() {
		return false
	}
	if c.connected.Load() {
		last := time.Unix(0, c.lastCheck.Load())
		if time.Since(last) < c.config.StaleAfter {
			return true
		}
	}
	return c.HealthCheck(ctx)
}

// HealthCheck pings the server. On failure it replaces the connection pool
// and pings once more, so a restarted server is picked up immediately.
// Replacing the pool closes the old one, which ends every active Subscribe
// on it; subscribers see the loop return and must subscribe again.
func (c *RedisClient) HealthCheck(ctx context.Context) bool {
	if c.closed.Load() {
		return false
	}
	ctx, span := c.tracer.Start(ctx, "backend.health_check")
	defer span.End()

	err := c.client().Ping(ctx).Err()
	if err != nil {
		c.logger.Debug("ping failed, re-establishing connection", slog.String("error", err.Error()))
		c.reconnect()
		err = c.client().Ping(ctx).Err()
	}
	c.observe(span, "ping", err)
	return err == nil
}

func (c *RedisClient) reconnect() {
	c.mu.Lock()
	old := c.rdb
	c.rdb = c.newRedis()
	c.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
}

// observe records the outcome of one round-trip and updates the cached
// connectivity state. redis.Nil is a miss, not a transport failure.
func (c *RedisClient) observe(span trace.Span, op string, err error) {
	switch {
	case err == nil:
		c.markUp()
		c.config.Metrics.BackendOp(op, observability.ResultOK)
		span.SetStatus(codes.Ok, "")
	case errors.Is(err, redis.Nil):
		c.markUp()
		c.config.Metrics.BackendOp(op, observability.ResultMiss)
		span.SetStatus(codes.Ok, "miss")
	default:
		wasUp := c.connected.Swap(false)
		c.config.Metrics.BackendOp(op, observability.ResultError)
		span.RecordError(err)
		span.SetStatus(codes.Error, op+" failed")
		if wasUp {
			c.logger.Warn("backend operation failed, marking unavailable",
				slog.String("op", op), slog.String("error", err.Error()))
		} else {
			c.logger.Debug("backend operation failed",
				slog.String("op", op), slog.String("error", err.Error()))
		}
	}
}

func (c *RedisClient) markUp() {
	c.lastCheck.Store(time.Now().UnixNano())
	if !c.connected.Swap(true) {
		c.logger.Info("backend available")
	}
}

func (c *RedisClient) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, "backend."+op, trace.WithAttributes(attrs...))
}

// -----------------------------------------------------------------------------
// Queues
// -----------------------------------------------------------------------------

// PushItem appends item to the tail of queue.
func (c *RedisClient) PushItem(ctx context.Context, queue string, item any) (bool, error) {
	if err := requireName("queue", queue); err != nil {
		return false, err
	}
	data, err := json.Marshal(item)
	if err != nil {
		return false, invalidArg("item is not JSON-encodable: %v", err)
	}
	return c.rpush(ctx, "push_item", c.keys.Queue(queue), data), nil
}

func (c *RedisClient) rpush(ctx context.Context, op, key string, data []byte) bool {
	if c.closed.Load() {
		return false
	}
	ctx, span := c.start(ctx, op, attribute.String("key", key))
	defer span.End()

	err := c.client().RPush(ctx, key, data).Err()
	c.observe(span, op, err)
	return err == nil
}

// PopItem removes the head of queue, blocking up to timeout.
//
// The wire protocol has whole-second granularity for blocking pops; go-redis
// rounds positive sub-second timeouts up to one second.
func (c *RedisClient) PopItem(ctx context.Context, queue string, timeout time.Duration) (json.RawMessage, error) {
	if err := requireName("queue", queue); err != nil {
		return nil, err
	}
	if err := requireTimeout(timeout); err != nil {
		return nil, err
	}
	return c.blpop(ctx, "pop_item", c.keys.Queue(queue), timeout), nil
}

func (c *RedisClient) blpop(ctx context.Context, op, key string, timeout time.Duration) json.RawMessage {
	if c.closed.Load() {
		return nil
	}
	ctx, span := c.start(ctx, op, attribute.String("key", key), attribute.Int64("timeout_ms", timeout.Milliseconds()))
	defer span.End()

	res, err := c.client().BLPop(ctx, timeout, key).Result()
	c.observe(span, op, err)
	if err != nil || len(res) != 2 {
		return nil
	}
	return json.RawMessage(res[1])
}

// TryPopItem removes the head of queue without blocking.
func (c *RedisClient) TryPopItem(ctx context.Context, queue string) (json.RawMessage, error) {
	if err := requireName("queue", queue); err != nil {
		return nil, err
	}
	if c.closed.Load() {
		return nil, nil
	}
	key := c.keys.Queue(queue)
	ctx, span := c.start(ctx, "try_pop_item", attribute.String("key", key))
	defer span.End()

	res, err := c.client().LPop(ctx, key).Result()
	c.observe(span, "try_pop_item", err)
	if err != nil {
		return nil, nil
	}
	return json.RawMessage(res), nil
}

// QueueLength returns LLEN of queue. The boolean is false when the backend
// could not be reached.
func (c *RedisClient) QueueLength(ctx context.Context, queue string) (int64, bool) {
	if c.closed.Load() || requireName("queue", queue) != nil {
		return 0, false
	}
	key := c.keys.Queue(queue)
	ctx, span := c.start(ctx, "queue_length", attribute.String("key", key))
	defer span.End()

	n, err := c.client().LLen(ctx, key).Result()
	c.observe(span, "queue_length", err)
	return n, err == nil
}

// PushAnalysisTask wraps payload and appends it to the analysis queue.
func (c *RedisClient) PushAnalysisTask(ctx context.Context, taskType string, payload map[string]any) (bool, error) {
	if err := requireName("task type", taskType); err != nil {
		return false, err
	}
	if payload == nil {
		payload = map[string]any{}
	}
	envelope := AnalysisTask{
		Type:      taskType,
		Data:      payload,
		Timestamp: float64(time.Now().UnixNano()) / float64(time.Second),
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return false, invalidArg("payload is not JSON-encodable: %v", err)
	}
	return c.rpush(ctx, "push_analysis_task", c.keys.Queue(QueueAnalysis), data), nil
}

// PopAnalysisTask removes the oldest task from the analysis queue.
//
// A corrupt envelope is logged and dropped; the call then returns nil.
func (c *RedisClient) PopAnalysisTask(ctx context.Context, timeout time.Duration) (*AnalysisTask, error) {
	if err := requireTimeout(timeout); err != nil {
		return nil, err
	}
	raw := c.blpop(ctx, "pop_analysis_task", c.keys.Queue(QueueAnalysis), timeout)
	if raw == nil {
		return nil, nil
	}
	var task AnalysisTask
	if err := json.Unmarshal(raw, &task); err != nil {
		c.logger.Error("dropping corrupt analysis task",
			slog.String("error", err.Error()), slog.Int("bytes", len(raw)))
		return nil, nil
	}
	return &task, nil
}

// -----------------------------------------------------------------------------
// Cache
// -----------------------------------------------------------------------------

// CacheState stores value under key with a TTL.
func (c *RedisClient) CacheState(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	if err := requireName("state key", key); err != nil {
		return false, err
	}
	if err := requireTTL(ttl); err != nil {
		return false, err
	}
	data, err := json.Marshal(value)
	if err != nil {
		return false, invalidArg("value is not JSON-encodable: %v", err)
	}
	if c.closed.Load() {
		return false, nil
	}
	full := c.keys.State(key)
	ctx, span := c.start(ctx, "cache_state", attribute.String("key", full))
	defer span.End()

	err = c.client().Set(ctx, full, data, ttl).Err()
	c.observe(span, "cache_state", err)
	return err == nil, nil
}

// GetState returns the cached value for key, or nil when absent, expired
// or unreachable.
func (c *RedisClient) GetState(ctx context.Context, key string) (json.RawMessage, error) {
	if err := requireName("state key", key); err != nil {
		return nil, err
	}
	if c.closed.Load() {
		return nil, nil
	}
	full := c.keys.State(key)
	ctx, span := c.start(ctx, "get_state", attribute.String("key", full))
	defer span.End()

	res, err := c.client().Get(ctx, full).Bytes()
	c.observe(span, "get_state", err)
	if err != nil {
		return nil, nil
	}
	return json.RawMessage(res), nil
}

// -----------------------------------------------------------------------------
// Pub/Sub
// -----------------------------------------------------------------------------

// Publish broadcasts event on channel. Fire-and-forget.
func (c *RedisClient) Publish(ctx context.Context, channel string, event any) (bool, error) {
	if err := requireName("channel", channel); err != nil {
		return false, err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return false, invalidArg("event is not JSON-encodable: %v", err)
	}
	if c.closed.Load() {
		return false, nil
	}
	full := c.keys.Channel(channel)
	ctx, span := c.start(ctx, "publish", attribute.String("channel", full))
	defer span.End()

	err = c.client().Publish(ctx, full, data).Err()
	c.observe(span, "publish", err)
	return err == nil, nil
}

// Subscribe receives messages on channel until ctx ends.
//
// Description:
//
//	Blocks for the lifetime of the subscription. Handler errors and panics
//	are logged and the loop continues. go-redis transparently resubscribes
//	after transient connection loss; if the subscription cannot be made at
//	all, or the client tears it down, Subscribe returns ErrUnavailable and
//	the owner decides when to try again.
//
// Outputs:
//
//	error - nil when ctx ended, ErrInvalidArgument, or ErrUnavailable.
func (c *RedisClient) Subscribe(ctx context.Context, channel string, handler Handler) error {
	if err := requireName("channel", channel); err != nil {
		return err
	}
	if handler == nil {
		return invalidArg("handler must not be nil")
	}
	if c.closed.Load() {
		return ErrUnavailable
	}
	full := c.keys.Channel(channel)
	pubsub := c.client().Subscribe(ctx, full)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		c.observe(trace.SpanFromContext(ctx), "subscribe", err)
		return fmt.Errorf("%w: subscribe %s: %v", ErrUnavailable, full, err)
	}
	c.markUp()
	c.logger.Info("subscribed", slog.String("channel", full))

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("subscription stopped", slog.String("channel", full))
			return nil
		case msg, ok := <-messages:
			if !ok {
				return fmt.Errorf("%w: subscription to %s closed", ErrUnavailable, full)
			}
			c.dispatch(ctx, full, handler, json.RawMessage(msg.Payload))
		}
	}
}

func (c *RedisClient) dispatch(ctx context.Context, channel string, handler Handler, payload json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("subscriber callback panicked",
				slog.String("channel", channel),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
	}()
	if err := handler(ctx, payload); err != nil {
		c.logger.Error("subscriber callback failed",
			slog.String("channel", channel), slog.String("error", err.Error()))
	}
}

// -----------------------------------------------------------------------------
// Locks
// -----------------------------------------------------------------------------

// AcquireLock claims resource with SET NX and an expiry.
//
// Fails closed: any transport error yields false.
func (c *RedisClient) AcquireLock(ctx context.Context, resource string, ttl time.Duration) (bool, error) {
	if err := requireName("resource", resource); err != nil {
		return false, err
	}
	if err := requireTTL(ttl); err != nil {
		return false, err
	}
	if c.closed.Load() {
		return false, nil
	}
	key := c.keys.Lock(resource)
	ctx, span := c.start(ctx, "acquire_lock", attribute.String("key", key))
	defer span.End()

	acquired, err := c.client().SetNX(ctx, key, LockValue, ttl).Result()
	c.observe(span, "acquire_lock", err)
	if err != nil {
		return false, nil
	}
	return acquired, nil
}

// ReleaseLock deletes the lock key. Releasing an unheld lock is a no-op.
func (c *RedisClient) ReleaseLock(ctx context.Context, resource string) error {
	if err := requireName("resource", resource); err != nil {
		return err
	}
	if c.closed.Load() {
		return nil
	}
	key := c.keys.Lock(resource)
	ctx, span := c.start(ctx, "release_lock", attribute.String("key", key))
	defer span.End()

	err := c.client().Del(ctx, key).Err()
	c.observe(span, "release_lock", err)
	return nil
}

// Close releases the connection pool. Further operations return sentinels.
func (c *RedisClient) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.connected.Store(false)
	c.logger.Info("closing backend client")
	return c.client().Close()
}
