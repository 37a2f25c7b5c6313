package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cairnfi/termledger/internal/domain"
)

const defaultSeriesTTL = 5 * time.Minute

// SeriesCache implements domain.SeriesCache using Redis hashes with
// JSON-serialized series metadata.
//
// Key schema:
//
//	series:{id} - hash with field "data" containing JSON
type SeriesCache struct {
	rdb *redis.Client
}

// NewSeriesCache creates a SeriesCache backed by the given Client.
func NewSeriesCache(c *Client) *SeriesCache {
	return &SeriesCache{rdb: c.Underlying()}
}

func seriesKey(id int64) string {
	return "series:" + strconv.FormatInt(id, 10)
}

// SetSeries stores a series record with the given TTL (a default 5-minute
// TTL when ttl <= 0).
func (sc *SeriesCache) SetSeries(ctx context.Context, s domain.Series, ttl time.Duration) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("redis: marshal series %d: %w", s.ID(), err)
	}
	if ttl <= 0 {
		ttl = defaultSeriesTTL
	}
	key := seriesKey(s.ID())
	pipe := sc.rdb.TxPipeline()
	pipe.HSet(ctx, key, "data", data)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set series %d: %w", s.ID(), err)
	}
	return nil
}

// GetSeries retrieves a series record by ID, returning domain.ErrNotFound
// when the key does not exist.
func (sc *SeriesCache) GetSeries(ctx context.Context, id int64) (domain.Series, error) {
	data, err := sc.rdb.HGet(ctx, seriesKey(id), "data").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Series{}, domain.ErrNotFound
		}
		return domain.Series{}, fmt.Errorf("redis: get series %d: %w", id, err)
	}
	var s domain.Series
	if err := json.Unmarshal(data, &s); err != nil {
		return domain.Series{}, fmt.Errorf("redis: unmarshal series %d: %w", id, err)
	}
	return s, nil
}

// Compile-time interface check.
var _ domain.SeriesCache = (*SeriesCache)(nil)
