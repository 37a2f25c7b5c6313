package redis

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cairnfi/termledger/internal/domain"
)

// PriceCache implements domain.PriceCache using Redis hashes. Each
// collateral's latest quote is stored at "spot:{code}" with fields "spot",
// "ratio" (wad integers as decimal strings, so precision survives the round
// trip) and "ts" (Unix nanoseconds).
type PriceCache struct {
	rdb *redis.Client
}

// NewPriceCache creates a PriceCache backed by the given Client.
func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{rdb: c.Underlying()}
}

func spotKey(collateral string) string {
	return "spot:" + collateral
}

// SetSpot stores the latest spot price and required ratio for a collateral.
func (pc *PriceCache) SetSpot(ctx context.Context, collateral string, spot, ratio *big.Int, ts time.Time) error {
	if spot == nil {
		return fmt.Errorf("redis: set spot %s: nil spot", collateral)
	}
	fields := map[string]interface{}{
		"spot": spot.String(),
		"ts":   strconv.FormatInt(ts.UnixNano(), 10),
	}
	if ratio != nil {
		fields["ratio"] = ratio.String()
	}
	if err := pc.rdb.HSet(ctx, spotKey(collateral), fields).Err(); err != nil {
		return fmt.Errorf("redis: set spot %s: %w", collateral, err)
	}
	return nil
}

// GetSpot retrieves the latest quote for a collateral. It returns
// domain.ErrNotFound when no quote has been stored.
func (pc *PriceCache) GetSpot(ctx context.Context, collateral string) (*big.Int, *big.Int, time.Time, error) {
	vals, err := pc.rdb.HGetAll(ctx, spotKey(collateral)).Result()
	if err != nil {
		return nil, nil, time.Time{}, fmt.Errorf("redis: get spot %s: %w", collateral, err)
	}
	if len(vals) == 0 {
		return nil, nil, time.Time{}, domain.ErrNotFound
	}

	spot, err := parseWadField(vals, "spot", collateral)
	if err != nil {
		return nil, nil, time.Time{}, err
	}
	var ratio *big.Int
	if _, ok := vals["ratio"]; ok {
		ratio, err = parseWadField(vals, "ratio", collateral)
		if err != nil {
			return nil, nil, time.Time{}, err
		}
	}

	tsStr, ok := vals["ts"]
	if !ok {
		return nil, nil, time.Time{}, domain.ErrNotFound
	}
	tsNano, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return nil, nil, time.Time{}, fmt.Errorf("redis: parse ts %s: %w", collateral, err)
	}

	return spot, ratio, time.Unix(0, tsNano), nil
}

func parseWadField(vals map[string]string, field, collateral string) (*big.Int, error) {
	raw, ok := vals[field]
	if !ok {
		return nil, domain.ErrNotFound
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("redis: parse %s %s: malformed integer", field, collateral)
	}
	return v, nil
}

// Compile-time interface check.
var _ domain.PriceCache = (*PriceCache)(nil)
