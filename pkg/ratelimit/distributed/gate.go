package distributed

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	rterrors "github.com/vnykmshr/rethreader/pkg/common/errors"
	"github.com/vnykmshr/rethreader/pkg/common/validation"
	"github.com/vnykmshr/rethreader/pkg/metrics"
)

const (
	// DefaultRedisTimeout bounds each Redis round trip.
	DefaultRedisTimeout = 100 * time.Millisecond

	// DefaultKeyTTL is how long bucket state survives without traffic.
	DefaultKeyTTL = time.Hour
)

// Local is the limiter consulted when Redis cannot be reached.
// *rate.Limiter from golang.org/x/time/rate satisfies it.
type Local interface {
	Allow() bool
}

// Config holds gate configuration.
type Config struct {
	// Redis holds the shared bucket. Required.
	Redis redis.UniversalClient

	// Key prefixes every Redis key of this bucket. Required.
	Key string

	// Rate is the refill rate in tokens per second.
	Rate float64

	// Burst is the bucket capacity.
	Burst int

	// InstanceID identifies this process in the instance set.
	// Defaults to a random UUID.
	InstanceID string

	// RedisTimeout bounds Allow. Defaults to DefaultRedisTimeout.
	RedisTimeout time.Duration

	// KeyTTL expires idle bucket state. Defaults to DefaultKeyTTL.
	KeyTTL time.Duration

	// Fallback decides while Redis is unavailable. With no fallback the
	// gate denies unless FailOpen is set.
	Fallback Local
	FailOpen bool

	Logger  *zap.Logger
	Metrics metrics.Config
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Redis == nil {
		return validation.ValidateNotNil("distributed", "redis", nil)
	}
	if err := validation.ValidateNotEmpty("distributed", "key", c.Key); err != nil {
		return err
	}
	if err := validation.ValidatePositiveFloat("distributed", "rate", c.Rate); err != nil {
		return err
	}
	if err := validation.ValidatePositive("distributed", "burst", c.Burst); err != nil {
		return err
	}
	if err := validation.ValidateNonNegativeDuration("distributed", "redis_timeout", c.RedisTimeout); err != nil {
		return err
	}
	return validation.ValidateNonNegativeDuration("distributed", "key_ttl", c.KeyTTL)
}

// Stats counts the decisions made by one gate instance.
type Stats struct {
	Requests  int64
	Allowed   int64
	Denied    int64
	Fallbacks int64
}

// Gate is a token bucket shared by every process pointing at the same Redis
// key. It satisfies the engine's Limiter interface, so several engines in
// different processes can share one start rate.
type Gate struct {
	cfg    Config
	keys   keys
	logger *zap.Logger
	script *redis.Script

	metricsMu sync.RWMutex
	registry  *metrics.Registry
	metricsOn bool

	closed    atomic.Bool
	requests  atomic.Int64
	allowed   atomic.Int64
	denied    atomic.Int64
	fallbacks atomic.Int64
}

// New creates a gate and registers the instance in Redis. A Redis failure
// here is not fatal; the gate falls back until Redis answers.
func New(cfg Config) (*Gate, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if cfg.RedisTimeout == 0 {
		cfg.RedisTimeout = DefaultRedisTimeout
	}
	if cfg.KeyTTL == 0 {
		cfg.KeyTTL = DefaultKeyTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	g := &Gate{
		cfg:    cfg,
		keys:   keysFor(cfg.Key),
		logger: logger.Named("distributed").With(zap.String("key", cfg.Key), zap.String("instance", cfg.InstanceID)),
		script: redis.NewScript(luaTake),
	}
	if cfg.Metrics.Enabled {
		g.registry = metrics.NewRegistryFromConfig(cfg.Metrics)
		g.metricsOn = true
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.RedisTimeout)
	defer cancel()
	if err := g.register(ctx); err != nil {
		g.logger.Warn("could not register instance", zap.Error(err))
	}
	return g, nil
}

func (g *Gate) register(ctx context.Context) error {
	pipe := g.cfg.Redis.Pipeline()
	pipe.SAdd(ctx, g.keys.instances, g.cfg.InstanceID)
	pipe.Expire(ctx, g.keys.instances, g.cfg.KeyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return rterrors.NewOperationError("distributed", "register", err)
	}
	return nil
}

// Allow takes one token, bounded by RedisTimeout.
func (g *Gate) Allow() bool {
	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.RedisTimeout)
	defer cancel()
	return g.AllowN(ctx, 1)
}

// AllowN takes n tokens if they are all available. When Redis fails the
// decision comes from Fallback or FailOpen. A closed gate denies.
func (g *Gate) AllowN(ctx context.Context, n int) bool {
	if n <= 0 {
		return true
	}
	if g.closed.Load() {
		return false
	}
	g.requests.Add(1)

	ok, _, err := g.take(ctx, n)
	if err != nil {
		g.fallbacks.Add(1)
		g.logger.Debug("redis unavailable, falling back", zap.Error(err))
		ok = g.fallback(n)
	}

	g.record(ok)
	return ok
}

func (g *Gate) fallback(n int) bool {
	if g.cfg.Fallback == nil {
		return g.cfg.FailOpen
	}
	for range n {
		if !g.cfg.Fallback.Allow() {
			return false
		}
	}
	return true
}

// take runs the bucket script and returns the decision and the tokens left.
func (g *Gate) take(ctx context.Context, n int) (bool, float64, error) {
	if g.closed.Load() {
		return false, 0, rterrors.NewOperationError("distributed", "take", rterrors.ErrClosed)
	}
	res, err := g.script.Run(ctx, g.cfg.Redis,
		[]string{g.keys.bucket},
		n, nowSeconds(), g.cfg.Rate, g.cfg.Burst, g.cfg.KeyTTL.Milliseconds(),
	).Slice()
	if err != nil {
		return false, 0, rterrors.NewOperationError("distributed", "take", err)
	}
	return parseTake(res)
}

func parseTake(res []any) (bool, float64, error) {
	if len(res) != 2 {
		return false, 0, fmt.Errorf("unexpected script reply %v", res)
	}
	allowed, ok := res[0].(int64)
	if !ok {
		return false, 0, fmt.Errorf("unexpected decision %T", res[0])
	}
	raw, ok := res[1].(string)
	if !ok {
		return false, 0, fmt.Errorf("unexpected token count %T", res[1])
	}
	tokens, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return false, 0, fmt.Errorf("parse token count: %w", err)
	}
	return allowed == 1, tokens, nil
}

// Tokens returns the tokens currently in the shared bucket without taking any.
func (g *Gate) Tokens(ctx context.Context) (float64, error) {
	_, tokens, err := g.take(ctx, 0)
	return tokens, err
}

// Instances returns the ids of gates registered on this key.
func (g *Gate) Instances(ctx context.Context) ([]string, error) {
	ids, err := g.cfg.Redis.SMembers(ctx, g.keys.instances).Result()
	if err != nil {
		return nil, rterrors.NewOperationError("distributed", "instances", err)
	}
	return ids, nil
}

// Reset refills the shared bucket.
func (g *Gate) Reset(ctx context.Context) error {
	if err := g.cfg.Redis.Del(ctx, g.keys.bucket).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return rterrors.NewOperationError("distributed", "reset", err)
	}
	return nil
}

// Stats returns the decisions made by this instance.
func (g *Gate) Stats() Stats {
	return Stats{
		Requests:  g.requests.Load(),
		Allowed:   g.allowed.Load(),
		Denied:    g.denied.Load(),
		Fallbacks: g.fallbacks.Load(),
	}
}

// Close removes the instance from the instance set and makes the gate deny
// from then on. The Redis client is left open. Closing twice returns ErrClosed.
func (g *Gate) Close() error {
	if !g.closed.CompareAndSwap(false, true) {
		return rterrors.NewOperationError("distributed", "close", rterrors.ErrClosed)
	}
	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.RedisTimeout)
	defer cancel()
	if err := g.cfg.Redis.SRem(ctx, g.keys.instances, g.cfg.InstanceID).Err(); err != nil {
		return rterrors.NewOperationError("distributed", "close", err)
	}
	return nil
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
