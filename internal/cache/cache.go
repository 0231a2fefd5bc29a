// Package cache wraps Redis for the three ambient concerns the orchestrator
// needs: a generic rate cache (satisfying exchange.RateCache), distributed
// per-agent locks/throttles, and the active/standby heartbeat coordination
// the teacher implemented in internal/autopilot/instance_control.go. Graceful
// degradation (operate unhealthy but don't crash) is ported from the
// teacher's internal/cache/cache_service.go circuit breaker.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Config mirrors the teacher's config.RedisConfig shape.
type Config struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
	PoolSize int
}

// Service provides Redis-backed caching, locks and throttles with graceful
// degradation when Redis is unreachable.
type Service struct {
	client *redis.Client
	logger zerolog.Logger

	mu           sync.RWMutex
	healthy      bool
	failureCount int
	lastCheck    time.Time

	maxFailures   int
	checkInterval time.Duration
}

// NewService dials Redis and returns a Service, in degraded mode if the
// initial ping fails rather than erroring out — callers without Redis still
// get a usable (always-miss) cache.
func NewService(cfg Config, logger zerolog.Logger) *Service {
	logger = logger.With().Str("component", "cache").Logger()
	if !cfg.Enabled {
		return &Service{logger: logger, maxFailures: 3, checkInterval: 30 * time.Second}
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	s := &Service{
		client:        client,
		logger:        logger,
		maxFailures:   3,
		checkInterval: 30 * time.Second,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn().Err(err).Msg("redis unreachable at startup, running degraded")
		return s
	}
	s.healthy = true
	s.lastCheck = time.Now()
	logger.Info().Str("addr", cfg.Address).Msg("redis connected")
	return s
}

func (s *Service) recordFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failureCount++
	if s.failureCount >= s.maxFailures && s.healthy {
		s.logger.Warn().Int("failures", s.failureCount).Msg("redis circuit breaker open")
		s.healthy = false
	}
}

func (s *Service) recordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.healthy {
		s.logger.Info().Msg("redis circuit breaker closed")
	}
	s.healthy = true
	s.failureCount = 0
	s.lastCheck = time.Now()
}

// IsHealthy reports whether Redis is currently reachable.
func (s *Service) IsHealthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.healthy
}

func (s *Service) unavailable() bool {
	return s.client == nil
}

// Get satisfies exchange.RateCache. A disabled or unhealthy cache reports a
// clean miss rather than an error so callers fall through to the live source.
func (s *Service) Get(ctx context.Context, key string) (string, bool, error) {
	if s.unavailable() {
		return "", false, nil
	}
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		s.recordSuccess()
		return "", false, nil
	}
	if err != nil {
		s.recordFailure()
		return "", false, nil
	}
	s.recordSuccess()
	return val, true, nil
}

// Set satisfies exchange.RateCache.
func (s *Service) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if s.unavailable() {
		return nil
	}
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		s.recordFailure()
		return err
	}
	s.recordSuccess()
	return nil
}

// AgentLockKey is the distributed mutex guarding one agent's cycle.
func AgentLockKey(agentID int64) string {
	return fmt.Sprintf("agent_cycle_lock:%d", agentID)
}

// AgentLockTTL bounds how long a stuck cycle holds its lock before another
// scheduler tick can reclaim it.
const AgentLockTTL = 120 * time.Second

// TryLock attempts a non-blocking SetNX lock, returning false (not an error)
// if the lock is already held by another caller. When Redis is unavailable
// it fails open (always acquires) like ShouldFetch and LeaderElection: a
// single-instance deployment with Redis disabled has no concurrent opener to
// guard against, so refusing to ever acquire would just stop trading.
func (s *Service) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if s.unavailable() {
		return true, nil
	}
	ok, err := s.client.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		s.recordFailure()
		return false, nil
	}
	s.recordSuccess()
	return ok, nil
}

// Unlock releases a lock taken with TryLock. Best-effort: an unreleased lock
// still expires via TTL.
func (s *Service) Unlock(ctx context.Context, key string) {
	if s.unavailable() {
		return
	}
	if err := s.client.Del(ctx, key).Err(); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("lock release failed, will expire via ttl")
	}
}

// agentThrottleTTL is the per-timeframe minimum interval between an agent's
// analysis refreshes, grounded on spec.md §4.H's fetch cadence table.
var agentThrottleTTL = map[string]time.Duration{
	"1m":  55 * time.Second,
	"5m":  55 * time.Second,
	"15m": 240 * time.Second,
	"1h":  240 * time.Second,
	"4h":  840 * time.Second,
	"1d":  3540 * time.Second,
}

// AgentThrottleKey namespaces a per-agent, per-timeframe fetch throttle.
func AgentThrottleKey(agentID int64, timeframe string) string {
	return fmt.Sprintf("agent_fetch:%d:%s", agentID, timeframe)
}

// PipelineThrottleKey namespaces the pipeline-wide fetch throttle shared by
// every agent watching the same (symbol, timeframe) pair.
func PipelineThrottleKey(symbol, timeframe string) string {
	return fmt.Sprintf("pipeline_fetch:%s:%s", symbol, timeframe)
}

// ThrottleTTL returns the configured cooldown for a timeframe, defaulting to
// the 1m cadence for unrecognized timeframes.
func ThrottleTTL(timeframe string) time.Duration {
	if ttl, ok := agentThrottleTTL[timeframe]; ok {
		return ttl
	}
	return agentThrottleTTL["1m"]
}

// ShouldFetch reports whether the throttle window for key has elapsed, and
// if so atomically starts a new window. Redis unavailability fails open
// (always allow) rather than starving the pipeline.
func (s *Service) ShouldFetch(ctx context.Context, key string, ttl time.Duration) bool {
	if s.unavailable() {
		return true
	}
	ok, err := s.client.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		s.recordFailure()
		return true
	}
	s.recordSuccess()
	return ok
}

const heartbeatKey = "broker:pipeline:heartbeat"

// HeartbeatTTL bounds how stale a heartbeat may be before catch-up backdating
// treats the previous run as missed (DESIGN.md's resolution of spec.md's
// Open Question on scheduler catch-up behavior).
const HeartbeatTTL = 10 * time.Minute

// SetHeartbeat records that the pipeline scheduler completed a sweep at now.
func (s *Service) SetHeartbeat(ctx context.Context, now time.Time) {
	if s.unavailable() {
		return
	}
	_ = s.client.Set(ctx, heartbeatKey, now.UTC().Format(time.RFC3339), HeartbeatTTL).Err()
}

// LastHeartbeat returns the last recorded sweep time, if any and unexpired.
func (s *Service) LastHeartbeat(ctx context.Context) (time.Time, bool) {
	if s.unavailable() {
		return time.Time{}, false
	}
	raw, err := s.client.Get(ctx, heartbeatKey).Result()
	if err != nil {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
