package domain

import (
	"context"
	"math/big"
	"time"
)

// PriceCache provides fast access to the latest oracle quotes. Amounts are
// wad-scaled big integers to keep the rounding-sensitive engine math exact.
type PriceCache interface {
	SetSpot(ctx context.Context, collateral string, spot, ratio *big.Int, ts time.Time) error
	GetSpot(ctx context.Context, collateral string) (spot, ratio *big.Int, ts time.Time, err error)
}

// Accumulator kinds stored in the AccumulatorCache.
const (
	AccumulatorRate    = "rate"
	AccumulatorSavings = "savings"
)

// AccumulatorCache stores the latest rate and savings accumulator readings.
type AccumulatorCache interface {
	SetAccumulator(ctx context.Context, kind, collateral string, value *big.Int, ts time.Time) error
	GetAccumulator(ctx context.Context, kind, collateral string) (*big.Int, time.Time, error)
}

// SeriesCache holds series metadata with a short TTL so read-heavy API
// traffic does not hit the store.
type SeriesCache interface {
	SetSeries(ctx context.Context, s Series, ttl time.Duration) error
	GetSeries(ctx context.Context, id int64) (Series, error)
}

// AuctionBoard maintains the live-auction listing, ordered by start time.
type AuctionBoard interface {
	PutAuction(ctx context.Context, a Auction) error
	RemoveAuction(ctx context.Context, user string) error
	ListAuctions(ctx context.Context, limit int) ([]Auction, error)
}

// RateLimiter provides distributed rate limiting for the API surface.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking, used to fence the single-writer
// engine when more than one instance shares a database.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// Well-known signal bus channels and streams.
const (
	ChannelQuotes = "quotes"
	ChannelEvents = "events"
	StreamAudit   = "audit"
)

// StreamMessage represents a single entry from a durable stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams for engine events.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
