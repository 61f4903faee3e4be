// Package distributed provides a token bucket shared across processes
// through Redis.
//
// A Gate keeps its bucket in a Redis hash and updates it with a single Lua
// script, so every process pointing at the same key draws from the same
// tokens. Gate satisfies the engine's Limiter interface, which makes it a
// cluster-wide cap on how fast tasks are promoted to workers:
//
//	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//
//	gate, err := distributed.New(distributed.Config{
//		Redis: rdb,
//		Key:   "crawler",
//		Rate:  20, // tasks per second across all processes
//		Burst: 40,
//	})
//	if err != nil {
//		return err
//	}
//	defer gate.Close()
//
//	cfg := rethreader.DefaultConfig()
//	cfg.Target = fetch
//	cfg.Limiter = gate
//	engine, err := rethreader.NewWithConfig(cfg)
//
// # Redis Failures
//
// Allow is bounded by RedisTimeout. When Redis does not answer in time the
// decision comes from Fallback, typically a golang.org/x/time/rate limiter
// sized for one process. Without a fallback the gate denies, or allows
// when FailOpen is set. Stats().Fallbacks counts these decisions.
//
// # Keys
//
// For a Config.Key of "crawler" the gate uses:
//
//	crawler:bucket     hash with the token count and last refill time
//	crawler:instances  set of registered instance ids
//
// Both expire after KeyTTL without traffic.
package distributed
