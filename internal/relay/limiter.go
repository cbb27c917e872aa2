package relay

import (
	"context"
	"time"

	"callbridge/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// Limiter caps concurrent relay sessions, possibly across processes.
type Limiter interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

const (
	defaultLimiterKey = "callbridge:relay:sessions"
	// Slots held by a crashed process expire with the counter.
	defaultLimiterTTL = 2 * time.Hour
)

// RedisLimiter shares one session counter between every process pointed at
// the same Redis.
type RedisLimiter struct {
	rdb   redis.Scripter
	key   string
	limit int
	ttl   time.Duration
}

func NewRedisLimiter(rdb redis.Scripter, limit int) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, key: defaultLimiterKey, limit: limit, ttl: defaultLimiterTTL}
}

func (l *RedisLimiter) Acquire(ctx context.Context) (bool, error) {
	return utils.AcquireSlot(ctx, l.rdb, l.key, l.limit, l.ttl)
}

func (l *RedisLimiter) Release(ctx context.Context) error {
	return utils.ReleaseSlot(ctx, l.rdb, l.key)
}
