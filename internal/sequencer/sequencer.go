// Package sequencer serializes ledger operations for a host that serves
// concurrent callers. Operations touching overlapping mints or accounts run
// one after another; disjoint operations run in parallel.
package sequencer

import (
	"context"
	"sort"
	"sync"

	"github.com/sheikh-saqib/token-ledger/internal/ledger"
	"github.com/sheikh-saqib/token-ledger/internal/models"
)

// Sequencer wraps a Ledger with per-record locks.
type Sequencer struct {
	ledger *ledger.Ledger
	muMap  map[string]*sync.Mutex // one mutex per mint or account key
	mapMu  sync.Mutex             // protects the muMap itself
}

func New(l *ledger.Ledger) *Sequencer {
	return &Sequencer{
		ledger: l,
		muMap:  make(map[string]*sync.Mutex),
	}
}

func (s *Sequencer) getLock(key string) *sync.Mutex {
	s.mapMu.Lock()
	defer s.mapMu.Unlock()

	if _, exists := s.muMap[key]; !exists {
		s.muMap[key] = &sync.Mutex{}
	}
	return s.muMap[key]
}

// lock acquires the locks for keys in sorted order so two operations never
// wait on each other in opposite order. It returns the matching unlock.
func (s *Sequencer) lock(keys ...string) func() {
	sort.Strings(keys)
	var held []*sync.Mutex
	for i, k := range keys {
		if i > 0 && k == keys[i-1] {
			continue
		}
		mu := s.getLock(k)
		mu.Lock()
		held = append(held, mu)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}

func mintKey(id string) string    { return "mint/" + id }
func accountKey(id string) string { return "account/" + id }

func (s *Sequencer) CreateMint(ctx context.Context, authority string, opts ...ledger.MintOption) (models.Mint, error) {
	// new records are guarded by the store's create check
	return s.ledger.CreateMint(ctx, authority, opts...)
}

func (s *Sequencer) Initialize(ctx context.Context, authority string, opts ...ledger.MintOption) (models.Mint, models.Account, error) {
	return s.ledger.Initialize(ctx, authority, opts...)
}

func (s *Sequencer) OpenAccount(ctx context.Context, mintID, owner string, opts ...ledger.AccountOption) (models.Account, error) {
	return s.ledger.OpenAccount(ctx, mintID, owner, opts...)
}

func (s *Sequencer) MintTo(ctx context.Context, mintID, accountID string, amount uint64, caller string) error {
	unlock := s.lock(mintKey(mintID), accountKey(accountID))
	defer unlock()
	return s.ledger.MintTo(ctx, mintID, accountID, amount, caller)
}

func (s *Sequencer) Transfer(ctx context.Context, mintID, fromID, toID string, amount uint64, caller string) error {
	unlock := s.lock(accountKey(fromID), accountKey(toID))
	defer unlock()
	return s.ledger.Transfer(ctx, mintID, fromID, toID, amount, caller)
}

// Audit holds the mint lock so supply cannot move between reading the mint
// and listing its accounts. Transfers leave the sum unchanged.
func (s *Sequencer) Audit(ctx context.Context, mintID string) error {
	unlock := s.lock(mintKey(mintID))
	defer unlock()
	return s.ledger.Audit(ctx, mintID)
}

func (s *Sequencer) GetMint(ctx context.Context, mintID string) (models.Mint, error) {
	return s.ledger.GetMint(ctx, mintID)
}

func (s *Sequencer) GetAccount(ctx context.Context, accountID string) (models.Account, error) {
	return s.ledger.GetAccount(ctx, accountID)
}

func (s *Sequencer) GetAccounts(ctx context.Context, mintID string) ([]models.Account, error) {
	return s.ledger.GetAccounts(ctx, mintID)
}
