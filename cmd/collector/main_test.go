package main

import (
	"context"
	"testing"

	"github.com/kiranshivaraju/genqueue/internal/cache"
	"github.com/kiranshivaraju/genqueue/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenCache_NoopWithoutURL(t *testing.T) {
	ca, closeFn, err := openCache(context.Background(), config.RedisConfig{})
	require.NoError(t, err)
	defer closeFn()

	assert.Equal(t, cache.Noop{}, ca)
}

func TestOpenCache_InvalidURL(t *testing.T) {
	_, _, err := openCache(context.Background(), config.RedisConfig{URL: "://bad"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create redis cache")
}

func TestRun_FailsOnInvalidConfig(t *testing.T) {
	t.Setenv("STORE_BACKEND", "postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/genqueue")
	t.Setenv("GC_INTERVAL", "0s")

	err := run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config")
	assert.Contains(t, err.Error(), "GC_INTERVAL")
}

func TestRun_RefusesMemoryStore(t *testing.T) {
	t.Setenv("STORE_BACKEND", "memory")

	err := run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STORE_BACKEND=memory")
}
