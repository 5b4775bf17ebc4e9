// Package sqlite provides an AccountStore backed by an embedded SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"

	interfaces "github.com/sheikh-saqib/token-ledger/internal/interfaces"
	"github.com/sheikh-saqib/token-ledger/internal/models"
	"github.com/sheikh-saqib/token-ledger/internal/storage"

	_ "modernc.org/sqlite"
)

const maxBusyTimeoutMs = 5000

// SQLite INTEGER is signed 64-bit, amounts are kept as decimal TEXT.
const schema = `
CREATE TABLE IF NOT EXISTS mints (
	id         TEXT PRIMARY KEY,
	authority  TEXT NOT NULL,
	decimals   INTEGER NOT NULL,
	supply     TEXT NOT NULL,
	version    INTEGER NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS token_accounts (
	id         TEXT PRIMARY KEY,
	mint_id    TEXT NOT NULL REFERENCES mints(id),
	owner      TEXT NOT NULL,
	balance    TEXT NOT NULL,
	version    INTEGER NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS token_accounts_mint_id_idx ON token_accounts (mint_id);
`

// Store manages mints and accounts in a SQLite database file.
type Store struct {
	db *sql.DB
}

// Open creates the database file if needed and applies the schema.
func Open(path string) (*Store, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve db path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s", filepath.Clean(absPath)))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// a single connection serializes writers and keeps the pragmas below in effect
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d", maxBusyTimeoutMs)); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) GetMint(ctx context.Context, id string) (models.Mint, error) {
	const query = `SELECT id, authority, decimals, supply, version, created_at FROM mints WHERE id = ?`

	var (
		mint    models.Mint
		supply  decimal.Decimal
		created int64
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(&mint.ID, &mint.Authority, &mint.Decimals, &supply, &mint.Version, &created)
	if err == sql.ErrNoRows {
		return models.Mint{}, fmt.Errorf("mint %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return models.Mint{}, fmt.Errorf("query mint: %w", err)
	}
	if mint.Supply, err = toUint64(supply); err != nil {
		return models.Mint{}, fmt.Errorf("mint %s supply: %w", id, err)
	}
	mint.CreatedAt = time.Unix(0, created).UTC()
	return mint, nil
}

func (s *Store) GetAccount(ctx context.Context, id string) (models.Account, error) {
	const query = `SELECT id, mint_id, owner, balance, version, created_at FROM token_accounts WHERE id = ?`

	account, err := scanAccount(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return models.Account{}, fmt.Errorf("account %s: %w", id, storage.ErrNotFound)
	}
	return account, err
}

func (s *Store) ListAccounts(ctx context.Context, mintID string) ([]models.Account, error) {
	const query = `SELECT id, mint_id, owner, balance, version, created_at FROM token_accounts
	WHERE mint_id = ? ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, mintID)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
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
	return accounts, rows.Err()
}

func (s *Store) Commit(ctx context.Context, changes models.ChangeSet) (err error) {
	if changes.Empty() {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, mint := range changes.CreateMints {
		if err = ensureAbsent(ctx, tx, "mints", "mint", mint.ID); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO mints (id, authority, decimals, supply, version, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			mint.ID, mint.Authority, mint.Decimals, fromUint64(mint.Supply), int64(mint.Version), mint.CreatedAt.UnixNano())
		if err != nil {
			return fmt.Errorf("insert mint %s: %w", mint.ID, err)
		}
	}

	for _, account := range changes.CreateAccounts {
		if err = ensureAbsent(ctx, tx, "token_accounts", "account", account.ID); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO token_accounts (id, mint_id, owner, balance, version, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			account.ID, account.MintID, account.Owner, fromUint64(account.Balance), int64(account.Version), account.CreatedAt.UnixNano())
		if err != nil {
			return fmt.Errorf("insert account %s: %w", account.ID, err)
		}
	}

	for _, mint := range changes.UpdateMints {
		err = update(ctx, tx, "mints", "mint", mint.ID,
			`UPDATE mints SET supply = ?, version = version + 1 WHERE id = ? AND version = ?`,
			fromUint64(mint.Supply), mint.ID, int64(mint.Version))
		if err != nil {
			return err
		}
	}

	for _, account := range changes.UpdateAccounts {
		err = update(ctx, tx, "token_accounts", "account", account.ID,
			`UPDATE token_accounts SET balance = ?, version = version + 1 WHERE id = ? AND version = ?`,
			fromUint64(account.Balance), account.ID, int64(account.Version))
		if err != nil {
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func ensureAbsent(ctx context.Context, tx *sql.Tx, table, kind, id string) error {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM `+table+` WHERE id = ?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup %s %s: %w", kind, id, err)
	}
	return fmt.Errorf("%s %s: %w", kind, id, storage.ErrExists)
}

func update(ctx context.Context, tx *sql.Tx, table, kind, id, query string, args ...any) error {
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update %s %s: %w", kind, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update %s %s: %w", kind, id, err)
	}
	if n == 1 {
		return nil
	}
	if err := ensureAbsent(ctx, tx, table, kind, id); err == nil {
		return fmt.Errorf("%s %s: %w", kind, id, storage.ErrNotFound)
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
		created int64
	)
	if err := row.Scan(&account.ID, &account.MintID, &account.Owner, &balance, &account.Version, &created); err != nil {
		return models.Account{}, err
	}
	var err error
	if account.Balance, err = toUint64(balance); err != nil {
		return models.Account{}, fmt.Errorf("account %s balance: %w", account.ID, err)
	}
	account.CreatedAt = time.Unix(0, created).UTC()
	return account, nil
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

var _ interfaces.AccountStore = (*Store)(nil)
