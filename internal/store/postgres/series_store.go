package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cairnfi/termledger/internal/domain"
)

// SeriesStore implements domain.SeriesStore using PostgreSQL. The
// per-collateral maturity growth snapshot is stored as a JSONB map of
// decimal strings.
type SeriesStore struct {
	pool *pgxpool.Pool
}

// NewSeriesStore creates a new SeriesStore backed by the given connection pool.
func NewSeriesStore(pool *pgxpool.Pool) *SeriesStore {
	return &SeriesStore{pool: pool}
}

func marshalGrowth(growth map[string]*big.Int) ([]byte, error) {
	out := make(map[string]string, len(growth))
	for code, v := range growth {
		if v == nil {
			continue
		}
		out[code] = v.String()
	}
	return json.Marshal(out)
}

func unmarshalGrowth(data []byte) (map[string]*big.Int, error) {
	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	out := make(map[string]*big.Int, len(raw))
	for code, s := range raw {
		v, err := parseNumeric(s)
		if err != nil {
			return nil, err
		}
		out[code] = v
	}
	return out, nil
}

func scanSeriesRow(row pgx.Row) (domain.Series, error) {
	var s domain.Series
	var growthJSON []byte
	if err := row.Scan(&s.Maturity, &s.Matured, &growthJSON); err != nil {
		return domain.Series{}, err
	}
	var err error
	if s.MaturityGrowth, err = unmarshalGrowth(growthJSON); err != nil {
		return domain.Series{}, err
	}
	return s, nil
}

// Upsert writes one series record.
func (s *SeriesStore) Upsert(ctx context.Context, series domain.Series) error {
	growthJSON, err := marshalGrowth(series.MaturityGrowth)
	if err != nil {
		return fmt.Errorf("postgres: marshal series %d growth: %w", series.ID(), err)
	}

	const query = `
		INSERT INTO series (id, maturity, matured, maturity_growth, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (id) DO UPDATE SET
			matured         = EXCLUDED.matured,
			maturity_growth = EXCLUDED.maturity_growth,
			updated_at      = NOW()`

	if _, err := s.pool.Exec(ctx, query, series.ID(), series.Maturity, series.Matured, growthJSON); err != nil {
		return fmt.Errorf("postgres: upsert series %d: %w", series.ID(), err)
	}
	return nil
}

// Get returns one series record, or domain.ErrNotFound.
func (s *SeriesStore) Get(ctx context.Context, id int64) (domain.Series, error) {
	const query = `SELECT maturity, matured, maturity_growth FROM series WHERE id = $1`

	series, err := scanSeriesRow(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Series{}, domain.ErrNotFound
		}
		return domain.Series{}, fmt.Errorf("postgres: get series %d: %w", id, err)
	}
	return series, nil
}

// List returns every series, earliest maturity first.
func (s *SeriesStore) List(ctx context.Context) ([]domain.Series, error) {
	const query = `SELECT maturity, matured, maturity_growth FROM series ORDER BY maturity`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list series: %w", err)
	}
	defer rows.Close()

	var out []domain.Series
	for rows.Next() {
		series, err := scanSeriesRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: list series: %w", err)
		}
		out = append(out, series)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list series: %w", err)
	}
	return out, nil
}

// Compile-time interface check.
var _ domain.SeriesStore = (*SeriesStore)(nil)
