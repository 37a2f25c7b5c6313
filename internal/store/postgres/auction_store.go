package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cairnfi/termledger/internal/domain"
)

// AuctionStore implements domain.AuctionStore using PostgreSQL. Auctions are
// keyed by the liquidated user; claims hold collateral credited to buyers
// and trigger callers.
type AuctionStore struct {
	pool *pgxpool.Pool
}

// NewAuctionStore creates a new AuctionStore backed by the given connection pool.
func NewAuctionStore(pool *pgxpool.Pool) *AuctionStore {
	return &AuctionStore{pool: pool}
}

const auctionSelectCols = `user_addr, started_at, collateral::text, debt::text`

func scanAuctionRow(row pgx.Row) (domain.Auction, error) {
	var a domain.Auction
	var userAddr, collateral, debt string

	if err := row.Scan(&userAddr, &a.StartedAt, &collateral, &debt); err != nil {
		return domain.Auction{}, err
	}
	a.User = common.HexToAddress(userAddr)
	var err error
	if a.Collateral, err = parseNumeric(collateral); err != nil {
		return domain.Auction{}, err
	}
	if a.Debt, err = parseNumeric(debt); err != nil {
		return domain.Auction{}, err
	}
	return a, nil
}

func scanAuctionRows(rows pgx.Rows) ([]domain.Auction, error) {
	var auctions []domain.Auction
	for rows.Next() {
		a, err := scanAuctionRow(rows)
		if err != nil {
			return nil, err
		}
		auctions = append(auctions, a)
	}
	return auctions, rows.Err()
}

// Upsert writes one auction snapshot.
func (s *AuctionStore) Upsert(ctx context.Context, auction domain.Auction) error {
	const query = `
		INSERT INTO auctions (user_addr, started_at, collateral, debt, updated_at)
		VALUES ($1, $2, $3::numeric, $4::numeric, NOW())
		ON CONFLICT (user_addr) DO UPDATE SET
			started_at = EXCLUDED.started_at,
			collateral = EXCLUDED.collateral,
			debt       = EXCLUDED.debt,
			updated_at = NOW()`

	_, err := s.pool.Exec(ctx, query,
		auction.User.Hex(), auction.StartedAt,
		numericArg(auction.Collateral), numericArg(auction.Debt),
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert auction %s: %w", auction.User.Hex(), err)
	}
	return nil
}

// Get returns one auction snapshot, or domain.ErrNotFound.
func (s *AuctionStore) Get(ctx context.Context, user common.Address) (domain.Auction, error) {
	query := `SELECT ` + auctionSelectCols + ` FROM auctions WHERE user_addr = $1`

	a, err := scanAuctionRow(s.pool.QueryRow(ctx, query, user.Hex()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Auction{}, domain.ErrNotFound
		}
		return domain.Auction{}, fmt.Errorf("postgres: get auction %s: %w", user.Hex(), err)
	}
	return a, nil
}

// Delete removes one auction snapshot.
func (s *AuctionStore) Delete(ctx context.Context, user common.Address) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM auctions WHERE user_addr = $1`, user.Hex())
	if err != nil {
		return fmt.Errorf("postgres: delete auction %s: %w", user.Hex(), err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListOpen returns auctions that still carry debt, oldest first.
func (s *AuctionStore) ListOpen(ctx context.Context, opts domain.ListOpts) ([]domain.Auction, error) {
	query := `SELECT ` + auctionSelectCols + ` FROM auctions WHERE debt > 0 ORDER BY started_at`
	args := []any{}
	argIdx := 1

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open auctions: %w", err)
	}
	defer rows.Close()
	auctions, err := scanAuctionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open auctions: %w", err)
	}
	return auctions, nil
}

// ListClosedBefore returns bought-out auctions older than cutoff, for the
// archival job.
func (s *AuctionStore) ListClosedBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Auction, error) {
	query := `SELECT ` + auctionSelectCols + ` FROM auctions
		WHERE debt = 0 AND started_at < $1 ORDER BY started_at`
	args := []any{cutoff}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list closed auctions: %w", err)
	}
	defer rows.Close()
	auctions, err := scanAuctionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: list closed auctions: %w", err)
	}
	return auctions, nil
}

// UpsertClaim replaces one holder's claimable collateral balance.
func (s *AuctionStore) UpsertClaim(ctx context.Context, holder common.Address, amount *big.Int) error {
	const query = `
		INSERT INTO auction_claims (holder, amount, updated_at)
		VALUES ($1, $2::numeric, NOW())
		ON CONFLICT (holder) DO UPDATE SET
			amount     = EXCLUDED.amount,
			updated_at = NOW()`

	if _, err := s.pool.Exec(ctx, query, holder.Hex(), numericArg(amount)); err != nil {
		return fmt.Errorf("postgres: upsert claim %s: %w", holder.Hex(), err)
	}
	return nil
}

// GetClaim returns one holder's claimable balance, zero when absent.
func (s *AuctionStore) GetClaim(ctx context.Context, holder common.Address) (*big.Int, error) {
	var amount string
	err := s.pool.QueryRow(ctx,
		`SELECT amount::text FROM auction_claims WHERE holder = $1`, holder.Hex(),
	).Scan(&amount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return big.NewInt(0), nil
		}
		return nil, fmt.Errorf("postgres: get claim %s: %w", holder.Hex(), err)
	}
	return parseNumeric(amount)
}

// Compile-time interface check.
var _ domain.AuctionStore = (*AuctionStore)(nil)
