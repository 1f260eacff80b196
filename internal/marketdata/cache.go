package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Alias1177/backtester/internal/model"
)

const keyPrefix = "backtester:history:"

// Cache is a read-through Redis cache in front of another provider. Redis
// failures degrade to a direct fetch; they never fail a request.
type Cache struct {
	client redis.Cmdable
	next   Provider
	ttl    time.Duration
	logger zerolog.Logger
}

// NewCache wraps next. A ttl of 0 keeps entries until Redis evicts them.
func NewCache(client redis.Cmdable, next Provider, ttl time.Duration) *Cache {
	return &Cache{
		client: client,
		next:   next,
		ttl:    ttl,
		logger: log.With().Str("component", "history_cache").Logger(),
	}
}

// NewRedisClient connects to addr and pings it.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return rdb, nil
}

// CacheKey is the Redis key for req.
func CacheKey(req Request) string {
	return keyPrefix + req.Key()
}

// History implements Provider.
func (c *Cache) History(ctx context.Context, req Request) (model.Series, error) {
	if err := req.Validate(); err != nil {
		return model.Series{}, err
	}
	key := CacheKey(req)

	raw, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var cached model.Series
		if err := json.Unmarshal(raw, &cached); err == nil {
			if s, err := model.NewSeries(cached.Symbol, cached.Interval, cached.Bars); err == nil {
				c.logger.Debug().Str("key", key).Int("bars", s.Len()).Msg("Cache hit")
				return s, nil
			}
		}
		c.logger.Warn().Str("key", key).Msg("Discarding unreadable cache entry")
	case errors.Is(err, redis.Nil):
		c.logger.Debug().Str("key", key).Msg("Cache miss")
	default:
		c.logger.Warn().Err(err).Str("key", key).Msg("Redis get failed, fetching directly")
	}

	s, err := c.next.History(ctx, req)
	if err != nil {
		return model.Series{}, err
	}

	payload, err := json.Marshal(s)
	if err != nil {
		return model.Series{}, fmt.Errorf("encode history: %w", err)
	}
	if err := c.client.Set(ctx, key, payload, c.ttl).Err(); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("Redis set failed")
	}
	return s, nil
}
