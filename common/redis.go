package common

import (
	"context"
	"strings"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
	"github.com/go-redis/redis/v8"

	"github.com/chenyme/grok2api/common/config"
	"github.com/chenyme/grok2api/common/logger"
)

// NewRedisClient builds a client for connString and verifies it with a ping.
//
// A redis:// or rediss:// URL yields a single-node client. When
// REDIS_MASTER_NAME is set the connection string is treated as a
// comma-separated sentinel address list instead.
func NewRedisClient(ctx context.Context, connString string) (redis.UniversalClient, error) {
	connString = strings.TrimSpace(connString)
	if connString == "" {
		return nil, errors.New("redis connection string is empty")
	}

	var rdb redis.UniversalClient
	if config.RedisMasterName == "" {
		opt, err := ParseRedisOption(connString)
		if err != nil {
			return nil, err
		}
		logger.Logger.Info("redis storage enabled", zap.String("addr", opt.Addr), zap.Int("db", opt.DB))
		rdb = redis.NewClient(opt)
	} else {
		logger.Logger.Info("redis sentinel mode enabled", zap.String("master", config.RedisMasterName))
		rdb = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:      strings.Split(connString, ","),
			Password:   config.RedisPassword,
			MasterName: config.RedisMasterName,
		})
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrap(err, "redis ping test failed")
	}

	return rdb, nil
}

// ParseRedisOption parses a redis URL, accepting a bare host:port as well.
func ParseRedisOption(connString string) (*redis.Options, error) {
	if !strings.Contains(connString, "://") {
		connString = "redis://" + connString
	}
	opt, err := redis.ParseURL(connString)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse redis connection string")
	}
	return opt, nil
}
