package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cairnfi/termledger/internal/domain"
)

// VaultStore implements domain.VaultStore using PostgreSQL.
type VaultStore struct {
	pool *pgxpool.Pool
}

// NewVaultStore creates a new VaultStore backed by the given connection pool.
func NewVaultStore(pool *pgxpool.Pool) *VaultStore {
	return &VaultStore{pool: pool}
}

const vaultSelectCols = `collateral, user_addr, posted::text, status, updated_at`

func scanVaultRow(row pgx.Row) (domain.Vault, error) {
	var v domain.Vault
	var userAddr, posted, status string

	if err := row.Scan(&v.Collateral, &userAddr, &posted, &status, &v.UpdatedAt); err != nil {
		return domain.Vault{}, err
	}
	v.User = common.HexToAddress(userAddr)
	v.Status = domain.VaultStatus(status)
	var err error
	if v.Posted, err = parseNumeric(posted); err != nil {
		return domain.Vault{}, err
	}
	return v, nil
}

func scanVaultRows(rows pgx.Rows) ([]domain.Vault, error) {
	var vaults []domain.Vault
	for rows.Next() {
		v, err := scanVaultRow(rows)
		if err != nil {
			return nil, err
		}
		vaults = append(vaults, v)
	}
	return vaults, rows.Err()
}

// Upsert writes one vault snapshot keyed by (collateral, user).
func (s *VaultStore) Upsert(ctx context.Context, vault domain.Vault) error {
	const query = `
		INSERT INTO vaults (collateral, user_addr, posted, status, updated_at)
		VALUES ($1, $2, $3::numeric, $4, NOW())
		ON CONFLICT (collateral, user_addr) DO UPDATE SET
			posted     = EXCLUDED.posted,
			status     = EXCLUDED.status,
			updated_at = NOW()`

	_, err := s.pool.Exec(ctx, query,
		vault.Collateral, vault.User.Hex(),
		numericArg(vault.Posted), string(vault.Status),
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert vault %s/%s: %w", vault.Collateral, vault.User.Hex(), err)
	}
	return nil
}

// Get returns one vault snapshot, or domain.ErrNotFound.
func (s *VaultStore) Get(ctx context.Context, collateral string, user common.Address) (domain.Vault, error) {
	query := `SELECT ` + vaultSelectCols + ` FROM vaults WHERE collateral = $1 AND user_addr = $2`

	v, err := scanVaultRow(s.pool.QueryRow(ctx, query, collateral, user.Hex()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Vault{}, domain.ErrNotFound
		}
		return domain.Vault{}, fmt.Errorf("postgres: get vault %s/%s: %w", collateral, user.Hex(), err)
	}
	return v, nil
}

// ListByUser returns every vault snapshot held by one user.
func (s *VaultStore) ListByUser(ctx context.Context, user common.Address) ([]domain.Vault, error) {
	query := `SELECT ` + vaultSelectCols + ` FROM vaults WHERE user_addr = $1 ORDER BY collateral`

	rows, err := s.pool.Query(ctx, query, user.Hex())
	if err != nil {
		return nil, fmt.Errorf("postgres: list vaults for %s: %w", user.Hex(), err)
	}
	defer rows.Close()
	vaults, err := scanVaultRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: list vaults for %s: %w", user.Hex(), err)
	}
	return vaults, nil
}

// ListByCollateral returns vault snapshots in one collateral type, largest
// positions first.
func (s *VaultStore) ListByCollateral(ctx context.Context, collateral string, opts domain.ListOpts) ([]domain.Vault, error) {
	query := `SELECT ` + vaultSelectCols + ` FROM vaults WHERE collateral = $1 ORDER BY posted DESC`
	args := []any{collateral}
	argIdx := 2

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
		return nil, fmt.Errorf("postgres: list vaults %s: %w", collateral, err)
	}
	defer rows.Close()
	vaults, err := scanVaultRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: list vaults %s: %w", collateral, err)
	}
	return vaults, nil
}

// Compile-time interface check.
var _ domain.VaultStore = (*VaultStore)(nil)
