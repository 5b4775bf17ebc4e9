package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	interfaces "github.com/sheikh-saqib/token-ledger/internal/interfaces" // interface AccountStore
	"github.com/sheikh-saqib/token-ledger/internal/models"
	"github.com/sheikh-saqib/token-ledger/internal/storage"
)

// uint64 does not fit BIGINT, so amounts live in NUMERIC(20,0) and travel
// through decimal.Decimal.
const schema = `
CREATE TABLE IF NOT EXISTS mints (
	id         TEXT PRIMARY KEY,
	authority  TEXT NOT NULL,
	decimals   SMALLINT NOT NULL,
	supply     NUMERIC(20,0) NOT NULL,
	version    BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS token_accounts (
	id         TEXT PRIMARY KEY,
	mint_id    TEXT NOT NULL REFERENCES mints(id),
	owner      TEXT NOT NULL,
	balance    NUMERIC(20,0) NOT NULL,
	version    BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS token_accounts_mint_id_idx ON token_accounts (mint_id);
`

const uniqueViolation = "23505"

type PostgresAccountStore struct {
	db *sql.DB
}

func NewPostgresAccountStore(db *sql.DB) *PostgresAccountStore {
	return &PostgresAccountStore{
		db: db,
	}
}

// Open connects with the lib/pq driver and makes sure the schema exists.
func Open(ctx context.Context, dsn string) (*PostgresAccountStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	p := NewPostgresAccountStore(db)
	if err := p.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

func (p *PostgresAccountStore) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (p *PostgresAccountStore) Close() error {
	return p.db.Close()
}

func (p *PostgresAccountStore) GetMint(ctx context.Context, id string) (models.Mint, error) {
	const query = `SELECT id, authority, decimals, supply, version, created_at FROM mints WHERE id = $1`

	var (
		mint   models.Mint
		supply decimal.Decimal
	)
	err := p.db.QueryRowContext(ctx, query, id).Scan(&mint.ID, &mint.Authority, &mint.Decimals, &supply, &mint.Version, &mint.CreatedAt)
	if err == sql.ErrNoRows {
		return models.Mint{}, fmt.Errorf("mint %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return models.Mint{}, err
	}
	if mint.Supply, err = toUint64(supply); err != nil {
		return models.Mint{}, fmt.Errorf("mint %s supply: %w", id, err)
	}
	return mint, nil
}

func (p *PostgresAccountStore) GetAccount(ctx context.Context, id string) (models.Account, error) {
	const query = `SELECT id, mint_id, owner, balance, version, created_at FROM token_accounts WHERE id = $1`

	account, err := scanAccount(p.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return models.Account{}, fmt.Errorf("account %s: %w", id, storage.ErrNotFound)
	}
	return account, err
}

func (p *PostgresAccountStore) ListAccounts(ctx context.Context, mintID string) ([]models.Account, error) {
	const query = `SELECT id, mint_id, owner, balance, version, created_at FROM token_accounts
	WHERE mint_id = $1 ORDER BY id`

	rows, err := p.db.QueryContext(ctx, query, mintID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []models.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return accounts, nil
}

func (p *PostgresAccountStore) Commit(ctx context.Context, changes models.ChangeSet) (err error) {
	if changes.Empty() {
		return nil
	}

	dbTx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() {
		if err != nil {
			dbTx.Rollback()
		}
	}()

	for _, mint := range changes.CreateMints {
		const query = `INSERT INTO mints (id, authority, decimals, supply, version, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`
		_, err = dbTx.ExecContext(ctx, query, mint.ID, mint.Authority, mint.Decimals, fromUint64(mint.Supply), mint.Version, mint.CreatedAt)
		if err != nil {
			return mapInsertErr("mint", mint.ID, err)
		}
	}

	for _, account := range changes.CreateAccounts {
		const query = `INSERT INTO token_accounts (id, mint_id, owner, balance, version, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`
		_, err = dbTx.ExecContext(ctx, query, account.ID, account.MintID, account.Owner, fromUint64(account.Balance), account.Version, account.CreatedAt)
		if err != nil {
			return mapInsertErr("account", account.ID, err)
		}
	}

	for _, mint := range changes.UpdateMints {
		const query = `UPDATE mints SET supply = $1, version = version + 1 WHERE id = $2 AND version = $3`
		if err = p.update(ctx, dbTx, "mints", "mint", mint.ID, query, fromUint64(mint.Supply), mint.ID, mint.Version); err != nil {
			return err
		}
	}

	for _, account := range changes.UpdateAccounts {
		const query = `UPDATE token_accounts SET balance = $1, version = version + 1 WHERE id = $2 AND version = $3`
		if err = p.update(ctx, dbTx, "token_accounts", "account", account.ID, query, fromUint64(account.Balance), account.ID, account.Version); err != nil {
			return err
		}
	}

	return dbTx.Commit()
}

// update runs a version-guarded UPDATE. When no row matches it tells a
// missing record apart from a stale version.
func (p *PostgresAccountStore) update(ctx context.Context, dbTx *sql.Tx, table, kind, id, query string, args ...any) error {
	res, err := dbTx.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var exists int
	err = dbTx.QueryRowContext(ctx, `SELECT 1 FROM `+table+` WHERE id = $1`, id).Scan(&exists)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%s %s: %w", kind, id, storage.ErrNotFound)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%s %s: %w", kind, id, storage.ErrConflict)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (models.Account, error) {
	var (
		account models.Account
		balance decimal.Decimal
	)
	if err := row.Scan(&account.ID, &account.MintID, &account.Owner, &balance, &account.Version, &account.CreatedAt); err != nil {
		return models.Account{}, err
	}
	var err error
	if account.Balance, err = toUint64(balance); err != nil {
		return models.Account{}, fmt.Errorf("account %s balance: %w", account.ID, err)
	}
	return account, nil
}

func mapInsertErr(kind, id string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%s %s: %w", kind, id, storage.ErrExists)
	}
	return err
}

func fromUint64(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0)
}

func toUint64(d decimal.Decimal) (uint64, error) {
	b := d.BigInt()
	if b.Sign() < 0 || !b.IsUint64() {
		return 0, fmt.Errorf("amount %s out of range", d)
	}
	return b.Uint64(), nil
}

var _ interfaces.AccountStore = (*PostgresAccountStore)(nil)
