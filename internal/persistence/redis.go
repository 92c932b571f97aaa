package persistence

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/spec-kit/backoffice-engine/internal/config"
)

var errRedisNotConfigured = errors.New("redis client not configured")

// Redis holds the client used to coordinate engine processes. Every key it
// writes lives under a shared prefix so several deployments can share one server.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis builds the client. An unreachable server is logged, not fatal:
// run locks then degrade to the in-process guard.
func NewRedis(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("unable to reach redis", zap.String("addr", cfg.Addr), zap.Error(err))
	} else {
		logger.Info("connected to redis", zap.String("addr", cfg.Addr), zap.String("key_prefix", cfg.KeyPrefix))
	}

	return &Redis{client: client, prefix: cfg.KeyPrefix}
}

func (r *Redis) key(parts ...string) string {
	return r.prefix + strings.Join(parts, ":")
}

func (r *Redis) usable() error {
	if r == nil || r.client == nil {
		return errRedisNotConfigured
	}
	return nil
}

// Close closes the client.
func (r *Redis) Close() {
	if r.usable() == nil {
		_ = r.client.Close()
	}
}

// Ping verifies Redis connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.usable(); err != nil {
		return err
	}
	return r.client.Ping(ctx).Err()
}
