// Package storetest is a conformance suite every AccountStore runs in its
// own tests.
package storetest

import (
	"context"
	"errors"
	"math"
	"reflect"
	"testing"
	"time"

	interfaces "github.com/sheikh-saqib/token-ledger/internal/interfaces"
	"github.com/sheikh-saqib/token-ledger/internal/models"
	"github.com/sheikh-saqib/token-ledger/internal/storage"
)

// Factory returns a fresh, empty store. Cleanup is registered on t.
type Factory func(t *testing.T) interfaces.AccountStore

// Run executes the suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, newStore(t)) })
	t.Run("MissingRecords", func(t *testing.T) { testMissing(t, newStore(t)) })
	t.Run("DuplicateCreate", func(t *testing.T) { testDuplicateCreate(t, newStore(t)) })
	t.Run("VersionedUpdate", func(t *testing.T) { testVersionedUpdate(t, newStore(t)) })
	t.Run("RejectedCommitIsAtomic", func(t *testing.T) { testAtomic(t, newStore(t)) })
	t.Run("ListAccounts", func(t *testing.T) { testList(t, newStore(t)) })
	t.Run("ListAccountsNestedMintIDs", func(t *testing.T) { testListNestedMintIDs(t, newStore(t)) })
	t.Run("FullRangeAmounts", func(t *testing.T) { testFullRange(t, newStore(t)) })
}

// ts is truncated so stores that persist with second precision compare equal.
var ts = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func seed(t *testing.T, s interfaces.AccountStore) (models.Mint, models.Account) {
	t.Helper()
	mint := models.Mint{ID: "mint-1", Authority: "alice", Decimals: 6, CreatedAt: ts}
	account := models.Account{ID: "acct-1", MintID: mint.ID, Owner: "alice", CreatedAt: ts}
	err := s.Commit(context.Background(), models.ChangeSet{
		CreateMints:    []models.Mint{mint},
		CreateAccounts: []models.Account{account},
	})
	if err != nil {
		t.Fatalf("seed commit: %v", err)
	}
	return mint, account
}

func mustMint(t *testing.T, s interfaces.AccountStore, id string) models.Mint {
	t.Helper()
	m, err := s.GetMint(context.Background(), id)
	if err != nil {
		t.Fatalf("GetMint(%s): %v", id, err)
	}
	m.CreatedAt = m.CreatedAt.UTC()
	return m
}

func mustAccount(t *testing.T, s interfaces.AccountStore, id string) models.Account {
	t.Helper()
	a, err := s.GetAccount(context.Background(), id)
	if err != nil {
		t.Fatalf("GetAccount(%s): %v", id, err)
	}
	a.CreatedAt = a.CreatedAt.UTC()
	return a
}

func testCreateAndGet(t *testing.T, s interfaces.AccountStore) {
	mint, account := seed(t, s)

	if got := mustMint(t, s, mint.ID); !reflect.DeepEqual(got, mint) {
		t.Fatalf("mint = %+v, want %+v", got, mint)
	}
	if got := mustAccount(t, s, account.ID); !reflect.DeepEqual(got, account) {
		t.Fatalf("account = %+v, want %+v", got, account)
	}
}

func testMissing(t *testing.T, s interfaces.AccountStore) {
	ctx := context.Background()
	if _, err := s.GetMint(ctx, "nope"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("GetMint missing: got %v, want ErrNotFound", err)
	}
	if _, err := s.GetAccount(ctx, "nope"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("GetAccount missing: got %v, want ErrNotFound", err)
	}
	err := s.Commit(ctx, models.ChangeSet{UpdateAccounts: []models.Account{{ID: "nope"}}})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("update missing account: got %v, want ErrNotFound", err)
	}
}

func testDuplicateCreate(t *testing.T, s interfaces.AccountStore) {
	mint, account := seed(t, s)
	ctx := context.Background()

	err := s.Commit(ctx, models.ChangeSet{CreateMints: []models.Mint{{ID: mint.ID, Authority: "mallory", CreatedAt: ts}}})
	if !errors.Is(err, storage.ErrExists) {
		t.Fatalf("duplicate mint: got %v, want ErrExists", err)
	}
	err = s.Commit(ctx, models.ChangeSet{CreateAccounts: []models.Account{{ID: account.ID, MintID: mint.ID, Owner: "mallory", CreatedAt: ts}}})
	if !errors.Is(err, storage.ErrExists) {
		t.Fatalf("duplicate account: got %v, want ErrExists", err)
	}
	if got := mustMint(t, s, mint.ID); got.Authority != "alice" {
		t.Fatalf("duplicate create overwrote mint authority: %s", got.Authority)
	}
}

func testVersionedUpdate(t *testing.T, s interfaces.AccountStore) {
	mint, account := seed(t, s)
	ctx := context.Background()

	mint.Supply = 100
	account.Balance = 100
	err := s.Commit(ctx, models.ChangeSet{
		UpdateMints:    []models.Mint{mint},
		UpdateAccounts: []models.Account{account},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	gotMint := mustMint(t, s, mint.ID)
	if gotMint.Supply != 100 || gotMint.Version != 1 {
		t.Fatalf("mint after update: supply=%d version=%d", gotMint.Supply, gotMint.Version)
	}
	gotAccount := mustAccount(t, s, account.ID)
	if gotAccount.Balance != 100 || gotAccount.Version != 1 {
		t.Fatalf("account after update: balance=%d version=%d", gotAccount.Balance, gotAccount.Version)
	}

	// a second writer still holding version 0 must lose
	account.Balance = 7
	err = s.Commit(ctx, models.ChangeSet{UpdateAccounts: []models.Account{account}})
	if !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("stale update: got %v, want ErrConflict", err)
	}
	if got := mustAccount(t, s, account.ID); got.Balance != 100 {
		t.Fatalf("stale update applied: balance=%d", got.Balance)
	}
}

func testAtomic(t *testing.T, s interfaces.AccountStore) {
	mint, account := seed(t, s)
	ctx := context.Background()
	beforeMint := mustMint(t, s, mint.ID)
	beforeAccount := mustAccount(t, s, account.ID)

	// valid mint update followed by a stale account update
	mint.Supply = 50
	stale := account
	stale.Version = 42
	stale.Balance = 50
	err := s.Commit(ctx, models.ChangeSet{
		CreateAccounts: []models.Account{{ID: "acct-new", MintID: mint.ID, Owner: "bob", CreatedAt: ts}},
		UpdateMints:    []models.Mint{mint},
		UpdateAccounts: []models.Account{stale},
	})
	if !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("got %v, want ErrConflict", err)
	}

	if got := mustMint(t, s, mint.ID); !reflect.DeepEqual(got, beforeMint) {
		t.Fatalf("mint changed by rejected commit: %+v", got)
	}
	if got := mustAccount(t, s, account.ID); !reflect.DeepEqual(got, beforeAccount) {
		t.Fatalf("account changed by rejected commit: %+v", got)
	}
	if _, err := s.GetAccount(ctx, "acct-new"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("account created by rejected commit: %v", err)
	}
}

func testList(t *testing.T, s interfaces.AccountStore) {
	mint, _ := seed(t, s)
	ctx := context.Background()

	err := s.Commit(ctx, models.ChangeSet{
		CreateMints: []models.Mint{{ID: "mint-2", Authority: "carol", CreatedAt: ts}},
		CreateAccounts: []models.Account{
			{ID: "acct-3", MintID: mint.ID, Owner: "bob", CreatedAt: ts},
			{ID: "acct-2", MintID: mint.ID, Owner: "alice", CreatedAt: ts},
			{ID: "other", MintID: "mint-2", Owner: "carol", CreatedAt: ts},
		},
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	accounts, err := s.ListAccounts(ctx, mint.ID)
	if err != nil {
		t.Fatalf("ListAccounts: %v", err)
	}
	var ids []string
	for _, a := range accounts {
		ids = append(ids, a.ID)
	}
	want := []string{"acct-1", "acct-2", "acct-3"}
	if !reflect.DeepEqual(ids, want) {
		t.Fatalf("ListAccounts ids = %v, want %v", ids, want)
	}

	empty, err := s.ListAccounts(ctx, "unknown")
	if err != nil {
		t.Fatalf("ListAccounts unknown: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("ListAccounts unknown returned %d accounts", len(empty))
	}
}

// Mint "a" must not see accounts of mint "a:b", even when one of those
// accounts' IDs looks like the remainder of a delimited key.
func testListNestedMintIDs(t *testing.T, s interfaces.AccountStore) {
	ctx := context.Background()
	err := s.Commit(ctx, models.ChangeSet{
		CreateMints: []models.Mint{
			{ID: "a", Authority: "alice", CreatedAt: ts},
			{ID: "a:b", Authority: "bob", CreatedAt: ts},
			{ID: "c", Authority: "carol", CreatedAt: ts},
		},
		CreateAccounts: []models.Account{
			{ID: "acc1", MintID: "a", Owner: "alice", CreatedAt: ts},
			{ID: "acc2", MintID: "a:b", Owner: "bob", CreatedAt: ts},
			{ID: "b:acc2", MintID: "c", Owner: "carol", CreatedAt: ts},
		},
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	for mintID, want := range map[string][]string{
		"a":   {"acc1"},
		"a:b": {"acc2"},
		"c":   {"b:acc2"},
	} {
		accounts, err := s.ListAccounts(ctx, mintID)
		if err != nil {
			t.Fatalf("ListAccounts %q: %v", mintID, err)
		}
		var ids []string
		for _, a := range accounts {
			ids = append(ids, a.ID)
		}
		if !reflect.DeepEqual(ids, want) {
			t.Fatalf("ListAccounts %q ids = %v, want %v", mintID, ids, want)
		}
	}
}

func testFullRange(t *testing.T, s interfaces.AccountStore) {
	mint, account := seed(t, s)
	mint.Supply = math.MaxUint64
	account.Balance = math.MaxUint64
	err := s.Commit(context.Background(), models.ChangeSet{
		UpdateMints:    []models.Mint{mint},
		UpdateAccounts: []models.Account{account},
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if got := mustMint(t, s, mint.ID); got.Supply != math.MaxUint64 {
		t.Fatalf("supply = %d, want max uint64", got.Supply)
	}
	if got := mustAccount(t, s, account.ID); got.Balance != math.MaxUint64 {
		t.Fatalf("balance = %d, want max uint64", got.Balance)
	}
}
