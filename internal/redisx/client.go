/**
 * @description
 * Connection management and stream primitives for the signal pipeline's Redis
 * backbone (spec §4.1). Every worker shares one *redis.Client built here.
 *
 * @dependencies
 * - github.com/redis/go-redis/v9
 */

package redisx

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quantsig/perp-pipeline/internal/config"
	"github.com/quantsig/perp-pipeline/internal/logger"
)

// Connect parses cfg.Redis.URL and pings the server before returning the client.
func Connect(cfg *config.Config) (*redis.Client, error) {
	opt, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	logger.Info("connected to redis at %s", opt.Addr)
	return client, nil
}
