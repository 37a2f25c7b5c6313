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

// SettlementStore persists the singleton shutdown record as a single row.
type SettlementStore struct {
	pool *pgxpool.Pool
}

// NewSettlementStore creates a new SettlementStore backed by the given pool.
func NewSettlementStore(pool *pgxpool.Pool) *SettlementStore {
	return &SettlementStore{pool: pool}
}

func marshalPrices(prices map[string]*big.Int) ([]byte, error) {
	out := make(map[string]string, len(prices))
	for code, price := range prices {
		out[code] = numericArg(price)
	}
	return json.Marshal(out)
}

func unmarshalPrices(raw []byte) (map[string]*big.Int, error) {
	var in map[string]string
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, err
	}
	out := make(map[string]*big.Int, len(in))
	for code, price := range in {
		v, err := parseNumeric(price)
		if err != nil {
			return nil, fmt.Errorf("price %s: %w", code, err)
		}
		out[code] = v
	}
	return out, nil
}

// Put replaces the shutdown record. The row id is fixed at 1 so repeated
// writes update in place.
func (s *SettlementStore) Put(ctx context.Context, state domain.SettlementState) error {
	prices, err := marshalPrices(state.Prices)
	if err != nil {
		return fmt.Errorf("postgres: put settlement: %w", err)
	}

	const query = `
		INSERT INTO settlement (id, phase, prices, profit, shutdown_at, updated_at)
		VALUES (1, $1, $2, $3::numeric, $4, NOW())
		ON CONFLICT (id) DO UPDATE SET
			phase       = EXCLUDED.phase,
			prices      = EXCLUDED.prices,
			profit      = EXCLUDED.profit,
			shutdown_at = EXCLUDED.shutdown_at,
			updated_at  = NOW()`

	_, err = s.pool.Exec(ctx, query,
		string(state.Phase), prices, numericArg(state.Profit), state.ShutdownAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: put settlement: %w", err)
	}
	return nil
}

// Get returns the shutdown record, or domain.ErrNotFound when no shutdown
// has ever been recorded.
func (s *SettlementStore) Get(ctx context.Context) (domain.SettlementState, error) {
	const query = `SELECT phase, prices, profit::text, shutdown_at, updated_at FROM settlement WHERE id = 1`

	var state domain.SettlementState
	var phase, profit string
	var prices []byte

	err := s.pool.QueryRow(ctx, query).Scan(&phase, &prices, &profit, &state.ShutdownAt, &state.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.SettlementState{}, domain.ErrNotFound
		}
		return domain.SettlementState{}, fmt.Errorf("postgres: get settlement: %w", err)
	}
	state.Phase = domain.SettlementPhase(phase)
	if state.Prices, err = unmarshalPrices(prices); err != nil {
		return domain.SettlementState{}, fmt.Errorf("postgres: get settlement: %w", err)
	}
	if state.Profit, err = parseNumeric(profit); err != nil {
		return domain.SettlementState{}, fmt.Errorf("postgres: get settlement: %w", err)
	}
	return state, nil
}

// Compile-time interface check.
var _ domain.SettlementStore = (*SettlementStore)(nil)
