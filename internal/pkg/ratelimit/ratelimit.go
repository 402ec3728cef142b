// Package ratelimit 提供基于 Redis 的令牌桶限流，用于约束对外部库存数据源的调用频率。
//
// 令牌桶状态保存在 Redis 中，多个进程共享同一个限额。
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"time"

	"stockwatch/internal/pkg/metrics"

	"github.com/redis/go-redis/v9"
)

// ErrRateLimitTimeout 在 ctx 结束前未能获得令牌。
var ErrRateLimitTimeout = errors.New("rate limit wait timeout")

// DefaultKey 是外部数据源调用共享的令牌桶键。
const DefaultKey = "stockwatch:ratelimit:provider"

// tokenBucketLua 原子地补充并消费令牌。
//
// 返回 {allowed, wait_ms}。
const tokenBucketLua = `
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local state = redis.call("HMGET", key, "tokens", "updated_ms")
local tokens = tonumber(state[1]) or burst
local updated = tonumber(state[2]) or now

local elapsed = now - updated
if elapsed < 0 then
  elapsed = 0
end
tokens = math.min(burst, tokens + elapsed * rate / 1000.0)

local wait_ms = 0
local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
else
  wait_ms = math.ceil((1 - tokens) * 1000.0 / rate)
end

redis.call("HSET", key, "tokens", tokens, "updated_ms", now)
redis.call("PEXPIRE", key, math.ceil(burst / rate * 2000.0))
return {allowed, wait_ms}
`

// Limiter 是 Redis 令牌桶限流器。rate 或 burst 不大于 0 时不限流。
type Limiter struct {
	rdb    *redis.Client
	key    string
	rate   float64
	burst  float64
	logger *slog.Logger
	script *redis.Script
	jitter time.Duration
}

// NewLimiter 创建一个新的限流器。
//
// 参数:
//   - rdb: Redis 客户端
//   - logger: 日志记录器（可为 nil）
//   - key: 令牌桶键，为空时使用 DefaultKey
//   - rate: 每秒补充的令牌数
//   - burst: 桶容量
//
// 返回值:
//   - *Limiter: 限流器实例
func NewLimiter(rdb *redis.Client, logger *slog.Logger, key string, rate float64, burst float64) *Limiter {
	if key == "" {
		key = DefaultKey
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		rdb:    rdb,
		key:    key,
		rate:   rate,
		burst:  burst,
		logger: logger,
		script: redis.NewScript(tokenBucketLua),
		jitter: 10 * time.Millisecond,
	}
}

// Enabled 判断限流是否生效。
func (l *Limiter) Enabled() bool {
	return l != nil && l.rdb != nil && l.rate > 0 && l.burst > 0
}

// Wait 阻塞直到获得一个令牌或 ctx 结束。
//
// ctx 结束时返回 ErrRateLimitTimeout；Redis 出错时直接返回错误。
func (l *Limiter) Wait(ctx context.Context) error {
	if !l.Enabled() {
		return nil
	}

	start := time.Now()
	defer func() {
		metrics.RateLimitWaitDuration.Observe(time.Since(start).Seconds())
	}()

	for {
		allowed, waitMs, err := l.take(ctx)
		if err != nil {
			if ctx.Err() != nil {
				metrics.RateLimitTimeoutTotal.Inc()
				return ErrRateLimitTimeout
			}
			return err
		}
		if allowed {
			return nil
		}

		wait := time.Duration(waitMs) * time.Millisecond
		if wait <= 0 {
			wait = 50 * time.Millisecond
		}
		if l.jitter > 0 {
			wait += time.Duration(rand.Int63n(int64(l.jitter)))
		}
		l.logger.Debug("rate limited, waiting", slog.String("key", l.key), slog.Duration("wait", wait))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			metrics.RateLimitTimeoutTotal.Inc()
			return ErrRateLimitTimeout
		case <-timer.C:
		}
	}
}

func (l *Limiter) take(ctx context.Context) (bool, int64, error) {
	res, err := l.script.Run(ctx, l.rdb, []string{l.key}, l.rate, l.burst, time.Now().UnixMilli()).Result()
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit eval: %w", err)
	}

	values, ok := res.([]interface{})
	if !ok || len(values) < 2 {
		return false, 0, fmt.Errorf("ratelimit invalid result: %v", res)
	}
	return toInt64(values[0]) == 1, toInt64(values[1]), nil
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		if parsed, err := strconv.ParseInt(t, 10, 64); err == nil {
			return parsed
		}
	}
	return 0
}
