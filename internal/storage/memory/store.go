package memory

import (
	"context" // standard Go package for request-scoped context (timeouts, cancellation)
	"fmt"
	"sort"
	"sync" // standard Go package for concurrency primitives like Mutex

	interfaces "github.com/sheikh-saqib/token-ledger/internal/interfaces" // interface AccountStore
	"github.com/sheikh-saqib/token-ledger/internal/models"                // domain models: Mint, Account
	"github.com/sheikh-saqib/token-ledger/internal/storage"
)

// MemoryAccountStore is an in-memory implementation of interfaces.AccountStore.
// It keeps mints and accounts in maps and is safe for concurrent use.
type MemoryAccountStore struct {
	mu       sync.RWMutex              // protects both maps
	mints    map[string]models.Mint    // mint records keyed by mint ID
	accounts map[string]models.Account // account records keyed by account ID
}

// NewMemoryAccountStore creates and returns an empty MemoryAccountStore
func NewMemoryAccountStore() *MemoryAccountStore {
	return &MemoryAccountStore{
		mints:    make(map[string]models.Mint),
		accounts: make(map[string]models.Account),
	}
}

func (m *MemoryAccountStore) GetMint(ctx context.Context, id string) (models.Mint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	mint, ok := m.mints[id]
	if !ok {
		return models.Mint{}, fmt.Errorf("mint %s: %w", id, storage.ErrNotFound)
	}
	return mint, nil // values are copies, callers can't reach internal state
}

func (m *MemoryAccountStore) GetAccount(ctx context.Context, id string) (models.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	account, ok := m.accounts[id]
	if !ok {
		return models.Account{}, fmt.Errorf("account %s: %w", id, storage.ErrNotFound)
	}
	return account, nil
}

// ListAccounts returns every account of the mint ordered by ID.
func (m *MemoryAccountStore) ListAccounts(ctx context.Context, mintID string) ([]models.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []models.Account
	for _, a := range m.accounts {
		if a.MintID == mintID {
			result = append(result, a)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// Commit validates the whole change set before touching either map, so a
// rejected commit leaves the store exactly as it was.
func (m *MemoryAccountStore) Commit(ctx context.Context, changes models.ChangeSet) error {
	m.mu.Lock()         // one writer at a time
	defer m.mu.Unlock() // unlock automatically when function exits (even if error occurs)

	// 1. validate
	newMints := make(map[string]struct{}, len(changes.CreateMints))
	for _, mint := range changes.CreateMints {
		if _, exists := m.mints[mint.ID]; exists {
			return fmt.Errorf("mint %s: %w", mint.ID, storage.ErrExists)
		}
		if _, dup := newMints[mint.ID]; dup {
			return fmt.Errorf("mint %s: %w", mint.ID, storage.ErrExists)
		}
		newMints[mint.ID] = struct{}{}
	}
	newAccounts := make(map[string]struct{}, len(changes.CreateAccounts))
	for _, account := range changes.CreateAccounts {
		if _, exists := m.accounts[account.ID]; exists {
			return fmt.Errorf("account %s: %w", account.ID, storage.ErrExists)
		}
		if _, dup := newAccounts[account.ID]; dup {
			return fmt.Errorf("account %s: %w", account.ID, storage.ErrExists)
		}
		newAccounts[account.ID] = struct{}{}
	}
	for _, mint := range changes.UpdateMints {
		current, ok := m.mints[mint.ID]
		if !ok {
			return fmt.Errorf("mint %s: %w", mint.ID, storage.ErrNotFound)
		}
		if current.Version != mint.Version {
			return fmt.Errorf("mint %s: %w", mint.ID, storage.ErrConflict)
		}
	}
	for _, account := range changes.UpdateAccounts {
		current, ok := m.accounts[account.ID]
		if !ok {
			return fmt.Errorf("account %s: %w", account.ID, storage.ErrNotFound)
		}
		if current.Version != account.Version {
			return fmt.Errorf("account %s: %w", account.ID, storage.ErrConflict)
		}
	}

	// 2. apply
	for _, mint := range changes.CreateMints {
		m.mints[mint.ID] = mint
	}
	for _, account := range changes.CreateAccounts {
		m.accounts[account.ID] = account
	}
	for _, mint := range changes.UpdateMints {
		mint.Version++
		m.mints[mint.ID] = mint
	}
	for _, account := range changes.UpdateAccounts {
		account.Version++
		m.accounts[account.ID] = account
	}
	return nil
}

// Compile-time check: ensure MemoryAccountStore implements AccountStore interface
var _ interfaces.AccountStore = (*MemoryAccountStore)(nil)
