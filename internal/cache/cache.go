package cache

import (
	"context"
	"strconv"
	"time"

	"github.com/kiranshivaraju/genqueue/pkg/models"
	"github.com/redis/go-redis/v9"
)

// Cache is the caching interface. All cache operations go through here.
// Implementations must be safe for concurrent use.
type Cache interface {
	Ping(ctx context.Context) error
	SetJobStatus(ctx context.Context, jobID string, status models.Status, ttl time.Duration) error
	GetJobStatus(ctx context.Context, jobID string) (models.Status, bool, error)
	// InvalidateJobs drops cached statuses; called after every transition.
	InvalidateJobs(ctx context.Context, jobIDs ...string) error
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
}

// RedisCache implements the Cache interface using go-redis/v9.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new RedisCache from a Redis URL.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) SetJobStatus(ctx context.Context, jobID string, status models.Status, ttl time.Duration) error {
	return c.client.Set(ctx, JobStatusKey(jobID), int(status), ttl).Err()
}

func (c *RedisCache) GetJobStatus(ctx context.Context, jobID string) (models.Status, bool, error) {
	val, err := c.client.Get(ctx, JobStatusKey(jobID)).Result()
	if err == redis.Nil {
		return models.StatusNone, false, nil
	}
	if err != nil {
		return models.StatusNone, false, err
	}
	code, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return models.StatusNone, false, nil
	}
	status, err := models.ParseStatus(code)
	if err != nil {
		// Unknown value; treat as a miss so the store is consulted.
		return models.StatusNone, false, nil
	}
	return status, true, nil
}

func (c *RedisCache) InvalidateJobs(ctx context.Context, jobIDs ...string) error {
	if len(jobIDs) == 0 {
		return nil
	}
	keys := make([]string, len(jobIDs))
	for i, id := range jobIDs {
		keys[i] = JobStatusKey(id)
	}
	return c.client.Del(ctx, keys...).Err()
}

func (c *RedisCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// Noop is a Cache that stores nothing. Used where Redis is optional.
type Noop struct{}

func (Noop) Ping(context.Context) error { return nil }

func (Noop) SetJobStatus(context.Context, string, models.Status, time.Duration) error { return nil }

func (Noop) GetJobStatus(context.Context, string) (models.Status, bool, error) {
	return models.StatusNone, false, nil
}

func (Noop) InvalidateJobs(context.Context, ...string) error { return nil }

func (Noop) IncrWithExpiry(context.Context, string, time.Duration) (int64, error) { return 0, nil }
