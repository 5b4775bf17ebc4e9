// Package bolt stores mints and accounts in a BoltDB file. Records are JSON
// encoded; every Commit is a single bolt read-write transaction.
package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/boltdb/bolt"

	interfaces "github.com/sheikh-saqib/token-ledger/internal/interfaces"
	"github.com/sheikh-saqib/token-ledger/internal/models"
	"github.com/sheikh-saqib/token-ledger/internal/storage"
)

var (
	mintsBucket        = []byte("mints")
	accountsBucket     = []byte("accounts")
	mintAccountsBucket = []byte("mint_accounts") // mint ID -> nested bucket of account IDs
)

// Store is an AccountStore backed by BoltDB.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the database file at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{mintsBucket, accountsBucket, mintAccountsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) GetMint(ctx context.Context, id string) (models.Mint, error) {
	var mint models.Mint
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx.Bucket(mintsBucket), "mint", id, &mint)
	})
	return mint, err
}

func (s *Store) GetAccount(ctx context.Context, id string) (models.Account, error) {
	var account models.Account
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx.Bucket(accountsBucket), "account", id, &account)
	})
	return account, err
}

func (s *Store) ListAccounts(ctx context.Context, mintID string) ([]models.Account, error) {
	var accounts []models.Account
	err := s.db.View(func(tx *bolt.Tx) error {
		index := tx.Bucket(mintAccountsBucket).Bucket([]byte(mintID))
		if index == nil {
			return nil
		}
		all := tx.Bucket(accountsBucket)
		// bolt iterates keys in byte order, so results come back sorted by ID
		return index.ForEach(func(k, _ []byte) error {
			var account models.Account
			if err := get(all, "account", string(k), &account); err != nil {
				return err
			}
			accounts = append(accounts, account)
			return nil
		})
	})
	return accounts, err
}

// Commit returning an error from the Update closure rolls the whole bolt
// transaction back.
func (s *Store) Commit(ctx context.Context, changes models.ChangeSet) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		mints := tx.Bucket(mintsBucket)
		accounts := tx.Bucket(accountsBucket)

		for _, mint := range changes.CreateMints {
			if mints.Get([]byte(mint.ID)) != nil {
				return fmt.Errorf("mint %s: %w", mint.ID, storage.ErrExists)
			}
			if err := put(mints, mint.ID, mint); err != nil {
				return err
			}
		}

		for _, account := range changes.CreateAccounts {
			if accounts.Get([]byte(account.ID)) != nil {
				return fmt.Errorf("account %s: %w", account.ID, storage.ErrExists)
			}
			if err := put(accounts, account.ID, account); err != nil {
				return err
			}
			index, err := tx.Bucket(mintAccountsBucket).CreateBucketIfNotExists([]byte(account.MintID))
			if err != nil {
				return err
			}
			if err := index.Put([]byte(account.ID), []byte{}); err != nil {
				return err
			}
		}

		for _, mint := range changes.UpdateMints {
			var current models.Mint
			if err := get(mints, "mint", mint.ID, &current); err != nil {
				return err
			}
			if current.Version != mint.Version {
				return fmt.Errorf("mint %s: %w", mint.ID, storage.ErrConflict)
			}
			current.Supply = mint.Supply
			current.Version++
			if err := put(mints, mint.ID, current); err != nil {
				return err
			}
		}

		for _, account := range changes.UpdateAccounts {
			var current models.Account
			if err := get(accounts, "account", account.ID, &current); err != nil {
				return err
			}
			if current.Version != account.Version {
				return fmt.Errorf("account %s: %w", account.ID, storage.ErrConflict)
			}
			current.Balance = account.Balance
			current.Version++
			if err := put(accounts, account.ID, current); err != nil {
				return err
			}
		}
		return nil
	})
}

func get(b *bolt.Bucket, kind, id string, v any) error {
	data := b.Get([]byte(id))
	if data == nil {
		return fmt.Errorf("%s %s: %w", kind, id, storage.ErrNotFound)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s %s: %w", kind, id, err)
	}
	return nil
}

func put(b *bolt.Bucket, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(id), data)
}

var _ interfaces.AccountStore = (*Store)(nil)
