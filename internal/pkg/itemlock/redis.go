package itemlock

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "stockwatch:lock:item:"

// releaseLua 只删除仍由自己持有的锁。
const releaseLua = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// Redis 是跨进程的单品锁，基于 SET NX + TTL。
//
// Redis 不可用时放行（fail-open），由进程内锁兜底，并记录告警日志。
type Redis struct {
	rdb            *redis.Client
	logger         *slog.Logger
	ttl            time.Duration
	releaseTimeout time.Duration
	script         *redis.Script
}

// NewRedis 创建 Redis 单品锁。ttl 应大于单次检查的最长耗时。
func NewRedis(rdb *redis.Client, logger *slog.Logger, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{
		rdb:            rdb,
		logger:         logger,
		ttl:            ttl,
		releaseTimeout: 2 * time.Second,
		script:         redis.NewScript(releaseLua),
	}
}

// TryAcquire 实现 Locker。
func (r *Redis) TryAcquire(ctx context.Context, itemID uint) (func(), bool) {
	if r == nil || r.rdb == nil {
		return func() {}, true
	}
	key := lockKey(itemID)
	token := uuid.NewString()

	ok, err := r.rdb.SetNX(ctx, key, token, r.ttl).Result()
	if err != nil {
		r.logger.Warn("redis item lock unavailable, falling back to local lock",
			slog.Uint64("item_id", uint64(itemID)),
			slog.String("error", err.Error()))
		return func() {}, true
	}
	if !ok {
		return nil, false
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), r.releaseTimeout)
			defer cancel()
			if err := r.script.Run(releaseCtx, r.rdb, []string{key}, token).Err(); err != nil {
				r.logger.Warn("release redis item lock failed",
					slog.Uint64("item_id", uint64(itemID)),
					slog.String("error", err.Error()))
			}
		})
	}, true
}

func lockKey(itemID uint) string {
	return keyPrefix + strconv.FormatUint(uint64(itemID), 10)
}
