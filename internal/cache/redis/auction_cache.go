package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/cairnfi/termledger/internal/domain"
)

// AuctionBoard implements domain.AuctionBoard using a sorted set ordered by
// auction start time plus a hash of JSON snapshots.
//
// Key schema:
//
//	auctions:index      - sorted set of user addresses (score = started_at)
//	auctions:data       - hash mapping user address -> JSON snapshot
type AuctionBoard struct {
	rdb *redis.Client
}

// NewAuctionBoard creates an AuctionBoard backed by the given Client.
func NewAuctionBoard(c *Client) *AuctionBoard {
	return &AuctionBoard{rdb: c.Underlying()}
}

const (
	auctionIndexKey = "auctions:index"
	auctionDataKey  = "auctions:data"
)

// PutAuction upserts one auction snapshot.
func (ab *AuctionBoard) PutAuction(ctx context.Context, a domain.Auction) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("redis: marshal auction %s: %w", a.User.Hex(), err)
	}
	member := a.User.Hex()
	pipe := ab.rdb.TxPipeline()
	pipe.ZAdd(ctx, auctionIndexKey, redis.Z{
		Score:  float64(a.StartedAt.UnixNano()),
		Member: member,
	})
	pipe.HSet(ctx, auctionDataKey, member, data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: put auction %s: %w", member, err)
	}
	return nil
}

// RemoveAuction drops one auction from the board.
func (ab *AuctionBoard) RemoveAuction(ctx context.Context, user string) error {
	pipe := ab.rdb.TxPipeline()
	pipe.ZRem(ctx, auctionIndexKey, user)
	pipe.HDel(ctx, auctionDataKey, user)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: remove auction %s: %w", user, err)
	}
	return nil
}

// ListAuctions returns up to limit auctions, oldest first. Index entries
// whose snapshot is missing are skipped.
func (ab *AuctionBoard) ListAuctions(ctx context.Context, limit int) ([]domain.Auction, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	members, err := ab.rdb.ZRange(ctx, auctionIndexKey, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list auctions: %w", err)
	}
	if len(members) == 0 {
		return []domain.Auction{}, nil
	}

	raws, err := ab.rdb.HMGet(ctx, auctionDataKey, members...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list auctions: %w", err)
	}
	out := make([]domain.Auction, 0, len(raws))
	for i, raw := range raws {
		s, ok := raw.(string)
		if !ok {
			continue
		}
		var a domain.Auction
		if err := json.Unmarshal([]byte(s), &a); err != nil {
			return nil, fmt.Errorf("redis: unmarshal auction %s: %w", members[i], err)
		}
		out = append(out, a)
	}
	return out, nil
}

// Compile-time interface check.
var _ domain.AuctionBoard = (*AuctionBoard)(nil)
