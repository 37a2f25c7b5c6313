package domain

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// VaultStore persists per-(collateral, user) position snapshots.
type VaultStore interface {
	Upsert(ctx context.Context, vault Vault) error
	Get(ctx context.Context, collateral string, user common.Address) (Vault, error)
	ListByUser(ctx context.Context, user common.Address) ([]Vault, error)
	ListByCollateral(ctx context.Context, collateral string, opts ListOpts) ([]Vault, error)
}

// DebtStore persists per-(collateral, series, user) debt snapshots.
type DebtStore interface {
	Upsert(ctx context.Context, rec DebtRecord) error
	Get(ctx context.Context, collateral string, seriesID int64, user common.Address) (DebtRecord, error)
	ListByUser(ctx context.Context, user common.Address) ([]DebtRecord, error)
	SystemDebt(ctx context.Context, collateral string, seriesID int64) (*big.Int, error)
}

// SeriesStore persists the series registry.
type SeriesStore interface {
	Upsert(ctx context.Context, series Series) error
	Get(ctx context.Context, id int64) (Series, error)
	List(ctx context.Context) ([]Series, error)
}

// AuctionStore persists liquidation auctions and claimable collateral
// balances credited by buys and trigger incentives.
type AuctionStore interface {
	Upsert(ctx context.Context, auction Auction) error
	Get(ctx context.Context, user common.Address) (Auction, error)
	Delete(ctx context.Context, user common.Address) error
	ListOpen(ctx context.Context, opts ListOpts) ([]Auction, error)
	ListClosedBefore(ctx context.Context, cutoff time.Time, limit int) ([]Auction, error)
	UpsertClaim(ctx context.Context, holder common.Address, amount *big.Int) error
	GetClaim(ctx context.Context, holder common.Address) (*big.Int, error)
}

// SettlementStore persists the singleton shutdown record.
type SettlementStore interface {
	Put(ctx context.Context, state SettlementState) error
	Get(ctx context.Context) (SettlementState, error)
}

// AuditEntry is a single append-only audit row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log of engine operations.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
