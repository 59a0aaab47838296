// Package redis provides a Redis-backed sequence counter with the same
// contract as the MongoDB generator: per-entity values start at 1 and every
// caller observes a distinct value.
package redis

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"goa.design/mongohelpr/config"
	"goa.design/mongohelpr/sequence"
	"goa.design/mongohelpr/telemetry"
)

type (
	// Options configures a Counter.
	Options struct {
		// Client is the Redis connection. Required.
		Client goredis.Cmdable
		// Prefix namespaces counter keys. Defaults to config.DefaultRedisPrefix.
		Prefix  string
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
	}

	// Counter issues sequence values with INCR.
	Counter struct {
		client  goredis.Cmdable
		prefix  string
		logger  telemetry.Logger
		metrics telemetry.Metrics
	}
)

var _ sequence.Nexter = (*Counter)(nil)

// New returns a Counter.
func New(opts Options) (*Counter, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = config.DefaultRedisPrefix
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Counter{client: opts.Client, prefix: prefix, logger: logger, metrics: metrics}, nil
}

// Next increments the counter of entity and returns the new value.
func (c *Counter) Next(ctx context.Context, entity string) (int64, error) {
	if entity == "" {
		return 0, errors.New("entity name is required")
	}
	key := c.Key(entity)
	n, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis incr %q: %w", key, err)
	}
	if n < 1 {
		return 0, fmt.Errorf("%w: key %q holds %d", sequence.ErrUnexpectedResult, key, n)
	}
	c.metrics.IncCounter("mongohelpr.sequence.issued", 1, "backend", "redis")
	c.logger.Debug(ctx, "issued sequence", "entity", entity, "sequence", n)
	return n, nil
}

// Key returns the Redis key holding the counter of entity.
func (c *Counter) Key(entity string) string {
	return c.prefix + ":" + entity
}
