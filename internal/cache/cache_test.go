package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/genqueue/internal/cache"
	"github.com/kiranshivaraju/genqueue/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis spins up a Redis container and returns a connected RedisCache.
func setupRedis(t *testing.T) *cache.RedisCache {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	rc, err := cache.NewRedisCache("redis://" + host + ":" + port.Port())
	require.NoError(t, err)
	t.Cleanup(func() { rc.Close() })

	return rc
}

func TestNewRedisCache_InvalidURL(t *testing.T) {
	_, err := cache.NewRedisCache("not a url")
	assert.Error(t, err)
}

func TestPing(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	assert.NoError(t, rc.Ping(context.Background()))
}

// --- Job Status ---

func TestSetGetJobStatus(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()
	jobID := uuid.NewString()

	require.NoError(t, rc.SetJobStatus(ctx, jobID, models.StatusAssigned, 10*time.Second))

	status, found, err := rc.GetJobStatus(ctx, jobID)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, models.StatusAssigned, status)
}

func TestGetJobStatus_NotFound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)

	status, found, err := rc.GetJobStatus(context.Background(), uuid.NewString())
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, models.StatusNone, status)
}

func TestJobStatus_TTLExpiry(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()

	require.NoError(t, rc.SetJobStatus(ctx, "expiring", models.StatusQueued, time.Second))
	time.Sleep(1500 * time.Millisecond)

	_, found, err := rc.GetJobStatus(ctx, "expiring")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestInvalidateJobs(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()

	require.NoError(t, rc.SetJobStatus(ctx, "a", models.StatusDone, time.Minute))
	require.NoError(t, rc.SetJobStatus(ctx, "b", models.StatusFailed, time.Minute))

	require.NoError(t, rc.InvalidateJobs(ctx, "a", "b", "never-cached"))
	require.NoError(t, rc.InvalidateJobs(ctx))

	for _, id := range []string{"a", "b"} {
		_, found, err := rc.GetJobStatus(ctx, id)
		require.NoError(t, err)
		assert.False(t, found, id)
	}
}

// --- IncrWithExpiry ---

func TestIncrWithExpiry(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()
	key := cache.RateLimitKey("submit", uuid.NewString()[:8])

	for want := int64(1); want <= 3; want++ {
		val, err := rc.IncrWithExpiry(ctx, key, 10*time.Second)
		require.NoError(t, err)
		assert.Equal(t, want, val)
	}
}

func TestIncrWithExpiry_Expires(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()
	key := cache.RateLimitKey("submit", uuid.NewString()[:8])

	_, err := rc.IncrWithExpiry(ctx, key, 1*time.Second)
	require.NoError(t, err)

	time.Sleep(1500 * time.Millisecond)

	// After expiry, should start from 1 again
	val, err := rc.IncrWithExpiry(ctx, key, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), val)
}

// --- Noop ---

func TestNoop(t *testing.T) {
	var c cache.Cache = cache.Noop{}
	ctx := context.Background()

	require.NoError(t, c.SetJobStatus(ctx, "a", models.StatusDone, time.Minute))
	_, found, err := c.GetJobStatus(ctx, "a")
	require.NoError(t, err)
	assert.False(t, found)
	assert.NoError(t, c.InvalidateJobs(ctx, "a"))
	assert.NoError(t, c.Ping(ctx))
}

// --- Cache Key Builders ---

func TestJobStatusKey(t *testing.T) {
	assert.Equal(t, "genqueue:job:A", cache.JobStatusKey("A"))
}

func TestRateLimitKey(t *testing.T) {
	assert.Equal(t, "genqueue:ratelimit:submit:10.0.0.1", cache.RateLimitKey("submit", "10.0.0.1"))
}

func TestKeyBuilders_NonColliding(t *testing.T) {
	keys := map[string]bool{
		cache.JobStatusKey("x"):          true,
		cache.RateLimitKey("submit", "x"): true,
	}
	assert.Len(t, keys, 2, "all keys should be unique")
}
