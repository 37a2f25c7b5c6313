package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cairnfi/termledger/internal/domain"
)

// DebtStore implements domain.DebtStore using PostgreSQL.
type DebtStore struct {
	pool *pgxpool.Pool
}

// NewDebtStore creates a new DebtStore backed by the given connection pool.
func NewDebtStore(pool *pgxpool.Pool) *DebtStore {
	return &DebtStore{pool: pool}
}

const debtSelectCols = `collateral, series_id, user_addr, debt::text, updated_at`

func scanDebtRow(row pgx.Row) (domain.DebtRecord, error) {
	var rec domain.DebtRecord
	var userAddr, debt string

	if err := row.Scan(&rec.Collateral, &rec.SeriesID, &userAddr, &debt, &rec.UpdatedAt); err != nil {
		return domain.DebtRecord{}, err
	}
	rec.User = common.HexToAddress(userAddr)
	var err error
	if rec.Debt, err = parseNumeric(debt); err != nil {
		return domain.DebtRecord{}, err
	}
	return rec, nil
}

// Upsert writes one debt snapshot keyed by (collateral, series, user).
func (s *DebtStore) Upsert(ctx context.Context, rec domain.DebtRecord) error {
	const query = `
		INSERT INTO debts (collateral, series_id, user_addr, debt, updated_at)
		VALUES ($1, $2, $3, $4::numeric, NOW())
		ON CONFLICT (collateral, series_id, user_addr) DO UPDATE SET
			debt       = EXCLUDED.debt,
			updated_at = NOW()`

	_, err := s.pool.Exec(ctx, query,
		rec.Collateral, rec.SeriesID, rec.User.Hex(), numericArg(rec.Debt),
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert debt %s/%d/%s: %w", rec.Collateral, rec.SeriesID, rec.User.Hex(), err)
	}
	return nil
}

// Get returns one debt snapshot, or domain.ErrNotFound.
func (s *DebtStore) Get(ctx context.Context, collateral string, seriesID int64, user common.Address) (domain.DebtRecord, error) {
	query := `SELECT ` + debtSelectCols + ` FROM debts
		WHERE collateral = $1 AND series_id = $2 AND user_addr = $3`

	rec, err := scanDebtRow(s.pool.QueryRow(ctx, query, collateral, seriesID, user.Hex()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.DebtRecord{}, domain.ErrNotFound
		}
		return domain.DebtRecord{}, fmt.Errorf("postgres: get debt %s/%d/%s: %w", collateral, seriesID, user.Hex(), err)
	}
	return rec, nil
}

// ListByUser returns every non-zero debt snapshot held by one user.
func (s *DebtStore) ListByUser(ctx context.Context, user common.Address) ([]domain.DebtRecord, error) {
	query := `SELECT ` + debtSelectCols + ` FROM debts
		WHERE user_addr = $1 AND debt > 0
		ORDER BY collateral, series_id`

	rows, err := s.pool.Query(ctx, query, user.Hex())
	if err != nil {
		return nil, fmt.Errorf("postgres: list debts for %s: %w", user.Hex(), err)
	}
	defer rows.Close()

	var recs []domain.DebtRecord
	for rows.Next() {
		rec, err := scanDebtRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: list debts for %s: %w", user.Hex(), err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list debts for %s: %w", user.Hex(), err)
	}
	return recs, nil
}

// SystemDebt returns the aggregate debt for one (collateral, series).
func (s *DebtStore) SystemDebt(ctx context.Context, collateral string, seriesID int64) (*big.Int, error) {
	const query = `SELECT COALESCE(SUM(debt), 0)::text FROM debts
		WHERE collateral = $1 AND series_id = $2`

	var total string
	if err := s.pool.QueryRow(ctx, query, collateral, seriesID).Scan(&total); err != nil {
		return nil, fmt.Errorf("postgres: system debt %s/%d: %w", collateral, seriesID, err)
	}
	return parseNumeric(total)
}

// Compile-time interface check.
var _ domain.DebtStore = (*DebtStore)(nil)
