package distributed

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/vnykmshr/rethreader/internal/testutil"
	rterrors "github.com/vnykmshr/rethreader/pkg/common/errors"
	"github.com/vnykmshr/rethreader/pkg/metrics"
)

// unreachable returns a client for a port nothing listens on.
func unreachable(t *testing.T) *redis.Client {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{
		Addr:          "127.0.0.1:1",
		Protocol:      2,
		DialTimeout:   20 * time.Millisecond,
		MaxRetries:    -1,
		DialerRetries: 1,
	})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

// liveRedis connects to REDIS_ADDR or skips the test.
func liveRedis(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr, Protocol: 2})
	t.Cleanup(func() { _ = rdb.Close() })

	ctx, cancel := testutil.WithTimeout(t)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("redis at %s unavailable: %v", addr, err)
	}
	return rdb
}

func testKey() string { return "rethreader-test:" + uuid.NewString() }

func TestConfigValidation(t *testing.T) {
	rdb := unreachable(t)
	valid := Config{Redis: rdb, Key: "k", Rate: 1, Burst: 1}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"nil redis", func(c *Config) { c.Redis = nil }},
		{"empty key", func(c *Config) { c.Key = "" }},
		{"zero rate", func(c *Config) { c.Rate = 0 }},
		{"zero burst", func(c *Config) { c.Burst = 0 }},
		{"negative timeout", func(c *Config) { c.RedisTimeout = -time.Second }},
		{"negative ttl", func(c *Config) { c.KeyTTL = -time.Second }},
	}

	testutil.AssertNoError(t, valid.Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			_, err := New(cfg)
			testutil.AssertEqual(t, rterrors.IsValidationError(err), true)
			testutil.AssertEqual(t, errors.Is(err, rterrors.ErrInvalidConfiguration), true)
		})
	}
}

func TestParseTake(t *testing.T) {
	ok, tokens, err := parseTake([]any{int64(1), "2.5"})
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, ok, true)
	testutil.AssertEqual(t, tokens, 2.5)

	ok, _, err = parseTake([]any{int64(0), "0"})
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, ok, false)

	for _, bad := range [][]any{nil, {int64(1)}, {"1", "2"}, {int64(1), int64(2)}, {int64(1), "x"}} {
		_, _, err := parseTake(bad)
		testutil.AssertError(t, err)
	}
}

func TestUnavailableRedisDeniesByDefault(t *testing.T) {
	g, err := New(Config{Redis: unreachable(t), Key: testKey(), Rate: 10, Burst: 10, RedisTimeout: 50 * time.Millisecond})
	testutil.AssertNoError(t, err)

	testutil.AssertEqual(t, g.Allow(), false)
	testutil.AssertEqual(t, g.Stats(), Stats{Requests: 1, Denied: 1, Fallbacks: 1})

	_, err = g.Tokens(context.Background())
	testutil.AssertError(t, err)
	testutil.AssertError(t, g.Close())
}

func TestUnavailableRedisFailOpen(t *testing.T) {
	g, err := New(Config{Redis: unreachable(t), Key: testKey(), Rate: 10, Burst: 10, FailOpen: true, RedisTimeout: 50 * time.Millisecond})
	testutil.AssertNoError(t, err)

	testutil.AssertEqual(t, g.Allow(), true)
	testutil.AssertEqual(t, g.Stats().Allowed, int64(1))
}

func TestUnavailableRedisUsesFallback(t *testing.T) {
	local := rate.NewLimiter(rate.Every(time.Hour), 2)
	g, err := New(Config{Redis: unreachable(t), Key: testKey(), Rate: 10, Burst: 10, Fallback: local, RedisTimeout: 50 * time.Millisecond})
	testutil.AssertNoError(t, err)

	testutil.AssertEqual(t, g.Allow(), true)
	testutil.AssertEqual(t, g.Allow(), true)
	testutil.AssertEqual(t, g.Allow(), false)
	testutil.AssertEqual(t, g.Stats(), Stats{Requests: 3, Allowed: 2, Denied: 1, Fallbacks: 3})
}

func TestAllowNonPositive(t *testing.T) {
	g, err := New(Config{Redis: unreachable(t), Key: testKey(), Rate: 1, Burst: 1, RedisTimeout: 50 * time.Millisecond})
	testutil.AssertNoError(t, err)

	testutil.AssertEqual(t, g.AllowN(context.Background(), 0), true)
	testutil.AssertEqual(t, g.Stats().Requests, int64(0))
}

func TestClosedGateDenies(t *testing.T) {
	g, err := New(Config{Redis: unreachable(t), Key: testKey(), Rate: 1, Burst: 1, FailOpen: true, RedisTimeout: 50 * time.Millisecond})
	testutil.AssertNoError(t, err)

	_ = g.Close()
	testutil.AssertEqual(t, g.Allow(), false)
	testutil.AssertEqual(t, g.Stats().Requests, int64(0))

	_, err = g.Tokens(context.Background())
	testutil.AssertEqual(t, errors.Is(err, rterrors.ErrClosed), true)
	testutil.AssertEqual(t, errors.Is(g.Close(), rterrors.ErrClosed), true)
}

func TestMetricsRecordDecisions(t *testing.T) {
	key := testKey()
	g, err := New(Config{
		Redis:        unreachable(t),
		Key:          key,
		Rate:         1,
		Burst:        1,
		FailOpen:     true,
		RedisTimeout: 50 * time.Millisecond,
		Metrics:      metrics.Config{Enabled: true, Registry: prometheus.NewRegistry()},
	})
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, g.MetricsEnabled(), true)

	g.Allow()
	reg := g.registry
	testutil.AssertEqual(t, promtestutil.ToFloat64(reg.RateLimitRequests.WithLabelValues(limiterType, key)), float64(1))
	testutil.AssertEqual(t, promtestutil.ToFloat64(reg.RateLimitAllowed.WithLabelValues(limiterType, key)), float64(1))

	g.DisableMetrics()
	g.Allow()
	testutil.AssertEqual(t, promtestutil.ToFloat64(reg.RateLimitRequests.WithLabelValues(limiterType, key)), float64(1))
}

func TestSharedBucket(t *testing.T) {
	rdb := liveRedis(t)
	key := testKey()
	t.Cleanup(func() { rdb.Del(context.Background(), key+":bucket", key+":instances") })

	cfg := Config{Redis: rdb, Key: key, Rate: 0.001, Burst: 5}
	a, err := New(cfg)
	testutil.AssertNoError(t, err)
	b, err := New(cfg)
	testutil.AssertNoError(t, err)

	ctx, cancel := testutil.WithTimeout(t)
	defer cancel()

	ids, err := a.Instances(ctx)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, len(ids), 2)

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for _, g := range []*Gate{a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 5 {
				if g.AllowN(ctx, 1) {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	testutil.AssertEqual(t, allowed, 5)

	tokens, err := a.Tokens(ctx)
	testutil.AssertNoError(t, err)
	if tokens >= 1 {
		t.Fatalf("tokens = %v, want bucket drained", tokens)
	}

	testutil.AssertNoError(t, a.Reset(ctx))
	testutil.AssertEqual(t, b.AllowN(ctx, 5), true)
	testutil.AssertEqual(t, b.AllowN(ctx, 1), false)

	testutil.AssertNoError(t, a.Close())
	ids, err = b.Instances(ctx)
	testutil.AssertNoError(t, err)
	testutil.AssertSliceEqual(t, ids, []string{b.cfg.InstanceID})
	testutil.AssertNoError(t, b.Close())
}

func TestBucketRefills(t *testing.T) {
	rdb := liveRedis(t)
	key := testKey()
	t.Cleanup(func() { rdb.Del(context.Background(), key+":bucket", key+":instances") })

	g, err := New(Config{Redis: rdb, Key: key, Rate: 50, Burst: 1})
	testutil.AssertNoError(t, err)
	defer func() { _ = g.Close() }()

	testutil.AssertEqual(t, g.Allow(), true)
	testutil.AssertEqual(t, g.Allow(), false)
	testutil.Eventually(t, g.Allow, time.Second, 10*time.Millisecond)
	testutil.AssertEqual(t, g.Stats().Fallbacks, int64(0))
}
