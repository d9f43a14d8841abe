package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigOptions(t *testing.T) {
	opts := Config{Addr: "cache:6379", DB: 2, PoolSize: 8, OpTimeout: 2 * time.Second}.options()
	assert.Equal(t, "cache:6379", opts.Addr)
	assert.Equal(t, 2, opts.DB)
	assert.Equal(t, 8, opts.PoolSize)
	assert.Equal(t, 2*time.Second, opts.ReadTimeout)
	assert.Equal(t, 2*time.Second, opts.WriteTimeout)

	opts = Config{Addr: "cache:6379"}.options()
	assert.Zero(t, opts.ReadTimeout)
}

func TestConnectRequiresAddress(t *testing.T) {
	_, err := Connect(context.Background(), Config{}, nil)
	require.ErrorIs(t, err, errNoAddr)
}

func TestConnectFailsWhenUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := Connect(ctx, Config{Addr: "127.0.0.1:1", OpTimeout: 200 * time.Millisecond}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis ping")
}
