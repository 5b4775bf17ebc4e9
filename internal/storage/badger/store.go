// Package badger stores mints and accounts in BadgerDB under prefixed keys:
//
//	mint:<id>                 JSON mint
//	account:<id>              JSON account
//	mint_account:<len><mint><id>  empty, indexes accounts by mint
//
// The mint ID in the index key is preceded by its uvarint length, so one
// mint's prefix never matches the entries of a mint whose ID extends it.
package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	interfaces "github.com/sheikh-saqib/token-ledger/internal/interfaces"
	"github.com/sheikh-saqib/token-ledger/internal/models"
	"github.com/sheikh-saqib/token-ledger/internal/storage"
)

type Store struct {
	db     *badger.DB
	logger zerolog.Logger
}

// Open opens a Badger database in dir. An empty dir keeps everything in
// memory.
func Open(dir string, logger zerolog.Logger) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func mintKey(id string) []byte    { return []byte("mint:" + id) }
func accountKey(id string) []byte { return []byte("account:" + id) }
func indexPrefix(mintID string) []byte {
	key := []byte("mint_account:")
	key = binary.AppendUvarint(key, uint64(len(mintID)))
	return append(key, mintID...)
}

func (s *Store) GetMint(ctx context.Context, id string) (models.Mint, error) {
	var mint models.Mint
	err := s.db.View(func(txn *badger.Txn) error {
		return get(txn, mintKey(id), "mint", id, &mint)
	})
	return mint, err
}

func (s *Store) GetAccount(ctx context.Context, id string) (models.Account, error) {
	var account models.Account
	err := s.db.View(func(txn *badger.Txn) error {
		return get(txn, accountKey(id), "account", id, &account)
	})
	return account, err
}

func (s *Store) ListAccounts(ctx context.Context, mintID string) ([]models.Account, error) {
	var accounts []models.Account
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		iter := txn.NewIterator(opts)
		defer iter.Close()

		prefix := indexPrefix(mintID)
		var ids []string
		for iter.Seek(prefix); iter.ValidForPrefix(prefix); iter.Next() {
			ids = append(ids, string(iter.Item().Key()[len(prefix):]))
		}

		for _, id := range ids {
			var account models.Account
			if err := get(txn, accountKey(id), "account", id, &account); err != nil {
				return err
			}
			accounts = append(accounts, account)
		}
		return nil
	})
	return accounts, err
}

func (s *Store) Commit(ctx context.Context, changes models.ChangeSet) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, mint := range changes.CreateMints {
			if err := create(txn, mintKey(mint.ID), "mint", mint.ID, mint); err != nil {
				return err
			}
		}

		for _, account := range changes.CreateAccounts {
			if err := create(txn, accountKey(account.ID), "account", account.ID, account); err != nil {
				return err
			}
			indexKey := append(indexPrefix(account.MintID), account.ID...)
			if err := txn.Set(indexKey, nil); err != nil {
				return err
			}
		}

		for _, mint := range changes.UpdateMints {
			var current models.Mint
			if err := get(txn, mintKey(mint.ID), "mint", mint.ID, &current); err != nil {
				return err
			}
			if current.Version != mint.Version {
				return fmt.Errorf("mint %s: %w", mint.ID, storage.ErrConflict)
			}
			current.Supply = mint.Supply
			current.Version++
			if err := set(txn, mintKey(mint.ID), current); err != nil {
				return err
			}
		}

		for _, account := range changes.UpdateAccounts {
			var current models.Account
			if err := get(txn, accountKey(account.ID), "account", account.ID, &current); err != nil {
				return err
			}
			if current.Version != account.Version {
				return fmt.Errorf("account %s: %w", account.ID, storage.ErrConflict)
			}
			current.Balance = account.Balance
			current.Version++
			if err := set(txn, accountKey(account.ID), current); err != nil {
				return err
			}
		}
		return nil
	})

	// badger's own optimistic check failed against a concurrent transaction
	if errors.Is(err, badger.ErrConflict) {
		s.logger.Debug().Err(err).Msg("badger transaction conflict")
		return fmt.Errorf("commit: %w", storage.ErrConflict)
	}
	return err
}

func get(txn *badger.Txn, key []byte, kind, id string, v any) error {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%s %s: %w", kind, id, storage.ErrNotFound)
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		if err := json.Unmarshal(val, v); err != nil {
			return fmt.Errorf("decode %s %s: %w", kind, id, err)
		}
		return nil
	})
}

func create(txn *badger.Txn, key []byte, kind, id string, v any) error {
	_, err := txn.Get(key)
	if err == nil {
		return fmt.Errorf("%s %s: %w", kind, id, storage.ErrExists)
	}
	if !errors.Is(err, badger.ErrKeyNotFound) {
		return err
	}
	return set(txn, key, v)
}

func set(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

var _ interfaces.AccountStore = (*Store)(nil)
