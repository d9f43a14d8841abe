package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Config describes the Redis instance backing the job queue, OTP codes and
// the payment status fan-out.
type Config struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
	// OpTimeout bounds each read and write; OTP checks sit on the request path.
	OpTimeout time.Duration
}

func (c Config) options() *redis.Options {
	opts := &redis.Options{
		Addr:     c.Addr,
		Password: c.Password,
		DB:       c.DB,
		PoolSize: c.PoolSize,
	}
	if c.OpTimeout > 0 {
		opts.ReadTimeout = c.OpTimeout
		opts.WriteTimeout = c.OpTimeout
	}
	return opts
}

// Client is the shared go-redis handle plus a liveness check for /health.
type Client struct {
	*redis.Client
	logger *zap.Logger
}

var errNoAddr = errors.New("redis address is empty")

// Connect dials Redis and fails unless it answers PING within five seconds.
func Connect(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Addr == "" {
		return nil, errNoAddr
	}
	c := &Client{Client: redis.NewClient(cfg.options()), logger: logger}
	if err := c.Healthy(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	logger.Info("redis ready", zap.String("addr", cfg.Addr), zap.Int("db", cfg.DB))
	return c, nil
}

// Healthy pings Redis with a short deadline.
func (c *Client) Healthy(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}
