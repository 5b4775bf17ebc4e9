package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/sheikh-saqib/token-ledger/internal/models"
	"github.com/sheikh-saqib/token-ledger/internal/models/events"
	"github.com/sheikh-saqib/token-ledger/internal/storage"
	"github.com/sheikh-saqib/token-ledger/internal/storage/memory"
)

type published struct {
	topic string
	event any
}

// recordingPublisher keeps every event it is handed.
type recordingPublisher struct {
	mu     sync.Mutex
	events []published
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, topic string, event any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{topic, event})
	return p.err
}

func (p *recordingPublisher) topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.events {
		out = append(out, e.topic)
	}
	return out
}

func newTestLedger(t *testing.T, opts ...Option) (*Ledger, *memory.MemoryAccountStore) {
	t.Helper()
	store := memory.NewMemoryAccountStore()
	var n int
	base := []Option{
		WithClock(func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }),
		WithIDGenerator(func() string { n++; return fmt.Sprintf("id-%d", n) }),
	}
	return NewLedger(store, append(base, opts...)...), store
}

type snapshot struct {
	mint     models.Mint
	accounts []models.Account
}

func takeSnapshot(t *testing.T, l *Ledger, mintID string) snapshot {
	t.Helper()
	mint, err := l.GetMint(context.Background(), mintID)
	if err != nil {
		t.Fatalf("GetMint: %v", err)
	}
	accounts, err := l.GetAccounts(context.Background(), mintID)
	if err != nil {
		t.Fatalf("GetAccounts: %v", err)
	}
	return snapshot{mint, accounts}
}

func assertUnchanged(t *testing.T, l *Ledger, before snapshot) {
	t.Helper()
	after := takeSnapshot(t, l, before.mint.ID)
	if !reflect.DeepEqual(before, after) {
		t.Fatalf("rejected operation changed state:\nbefore %+v\nafter  %+v", before, after)
	}
}

func assertConserved(t *testing.T, l *Ledger, mintID string) {
	t.Helper()
	if err := l.Audit(context.Background(), mintID); err != nil {
		t.Fatalf("conservation: %v", err)
	}
}

func TestMintAndTransferScenario(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)

	mint, err := l.CreateMint(ctx, "A")
	if err != nil {
		t.Fatalf("CreateMint: %v", err)
	}
	if mint.Supply != 0 || mint.Authority != "A" {
		t.Fatalf("new mint = %+v", mint)
	}
	if accounts, _ := l.GetAccounts(ctx, mint.ID); len(accounts) != 0 {
		t.Fatalf("CreateMint opened %d accounts", len(accounts))
	}

	acc1, err := l.OpenAccount(ctx, mint.ID, "A")
	if err != nil {
		t.Fatalf("OpenAccount acc1: %v", err)
	}
	if acc1.Balance != 0 {
		t.Fatalf("acc1 balance = %d, want 0", acc1.Balance)
	}

	if err := l.MintTo(ctx, mint.ID, acc1.ID, 100, "A"); err != nil {
		t.Fatalf("MintTo: %v", err)
	}
	mint, _ = l.GetMint(ctx, mint.ID)
	if mint.Supply != 100 {
		t.Fatalf("supply = %d, want 100", mint.Supply)
	}
	if b, _ := l.GetBalance(ctx, acc1.ID); b != 100 {
		t.Fatalf("acc1 balance = %d, want 100", b)
	}

	// a second account for the same owner
	acc2, err := l.OpenAccount(ctx, mint.ID, "A")
	if err != nil {
		t.Fatalf("OpenAccount acc2: %v", err)
	}
	if acc2.ID == acc1.ID {
		t.Fatal("accounts of the same owner share an ID")
	}

	if err := l.Transfer(ctx, mint.ID, acc1.ID, acc2.ID, 50, "A"); err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if b, _ := l.GetBalance(ctx, acc1.ID); b != 50 {
		t.Fatalf("acc1 balance = %d, want 50", b)
	}
	if b, _ := l.GetBalance(ctx, acc2.ID); b != 50 {
		t.Fatalf("acc2 balance = %d, want 50", b)
	}
	mint, _ = l.GetMint(ctx, mint.ID)
	if mint.Supply != 100 {
		t.Fatalf("supply after transfer = %d, want 100", mint.Supply)
	}
	assertConserved(t, l, mint.ID)
}

func TestMintToUnauthorized(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	mint, acc1, err := l.Initialize(ctx, "A")
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	before := takeSnapshot(t, l, mint.ID)

	err = l.MintTo(ctx, mint.ID, acc1.ID, 100, "B")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("got %v, want ErrUnauthorized", err)
	}
	assertUnchanged(t, l, before)

	if err := l.MintTo(ctx, mint.ID, acc1.ID, 100, ""); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("empty caller: got %v, want ErrUnauthorized", err)
	}
}

func TestCreateMintAlreadyInitialized(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)

	if _, err := l.CreateMint(ctx, "A", WithMintID("gold"), WithDecimals(2)); err != nil {
		t.Fatalf("CreateMint: %v", err)
	}
	_, err := l.CreateMint(ctx, "B", WithMintID("gold"))
	if !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("got %v, want ErrAlreadyInitialized", err)
	}
	_, _, err = l.Initialize(ctx, "B", WithMintID("gold"))
	if !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("Initialize: got %v, want ErrAlreadyInitialized", err)
	}

	mint, _ := l.GetMint(ctx, "gold")
	if mint.Authority != "A" || mint.Decimals != 2 {
		t.Fatalf("mint overwritten: %+v", mint)
	}
	if accounts, _ := l.GetAccounts(ctx, "gold"); len(accounts) != 0 {
		t.Fatalf("failed Initialize left %d accounts", len(accounts))
	}
}

func TestCreateMintValidation(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)

	if _, err := l.CreateMint(ctx, ""); !errors.Is(err, ErrInvalidPrincipal) {
		t.Fatalf("empty authority: got %v", err)
	}
	if _, err := l.CreateMint(ctx, "A", WithDecimals(19)); !errors.Is(err, ErrInvalidDecimals) {
		t.Fatalf("19 decimals: got %v", err)
	}
}

func TestInitializeOpensAuthorityAccount(t *testing.T) {
	ctx := context.Background()
	pub := &recordingPublisher{}
	l, _ := newTestLedger(t, WithPublisher(pub))

	mint, account, err := l.Initialize(ctx, "A", WithDecimals(6))
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if account.MintID != mint.ID || account.Owner != "A" || account.Balance != 0 {
		t.Fatalf("authority account = %+v", account)
	}
	want := []string{events.TopicMintCreated, events.TopicAccountOpened}
	if got := pub.topics(); !reflect.DeepEqual(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
}

func TestInitializeWithHostAccountID(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)

	mint, account, err := l.Initialize(ctx, "A", WithMintID("gold"), WithAuthorityAccountID("treasury"))
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if account.ID != "treasury" || account.MintID != mint.ID {
		t.Fatalf("authority account = %+v", account)
	}

	// the account ID is taken, the mint ID is not
	_, _, err = l.Initialize(ctx, "A", WithMintID("silver"), WithAuthorityAccountID("treasury"))
	if !errors.Is(err, ErrDuplicateAccount) {
		t.Fatalf("got %v, want ErrDuplicateAccount", err)
	}
	if _, err := l.GetMint(ctx, "silver"); !errors.Is(err, ErrMintNotFound) {
		t.Fatalf("rejected Initialize left mint silver: %v", err)
	}

	// CreateMint opens no account, so the option has nothing to name
	plain, err := l.CreateMint(ctx, "A", WithMintID("bronze"), WithAuthorityAccountID("unused"))
	if err != nil {
		t.Fatalf("CreateMint: %v", err)
	}
	if accounts, _ := l.GetAccounts(ctx, plain.ID); len(accounts) != 0 {
		t.Fatalf("CreateMint opened %d accounts", len(accounts))
	}
}

func TestOpenAccount(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	mint, _ := l.CreateMint(ctx, "A")

	if _, err := l.OpenAccount(ctx, "missing", "A"); !errors.Is(err, ErrMintNotFound) {
		t.Fatalf("unknown mint: got %v", err)
	}
	if _, err := l.OpenAccount(ctx, mint.ID, ""); !errors.Is(err, ErrInvalidPrincipal) {
		t.Fatalf("empty owner: got %v", err)
	}
	if _, err := l.OpenAccount(ctx, mint.ID, "B", WithAccountID("bob-main")); err != nil {
		t.Fatalf("OpenAccount: %v", err)
	}
	_, err := l.OpenAccount(ctx, mint.ID, "B", WithAccountID("bob-main"))
	if !errors.Is(err, ErrDuplicateAccount) {
		t.Fatalf("got %v, want ErrDuplicateAccount", err)
	}
}

func TestMintToAccountMintMismatch(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	gold, _, _ := l.Initialize(ctx, "A", WithMintID("gold"))
	_, silverAcc, _ := l.Initialize(ctx, "A", WithMintID("silver"))
	before := takeSnapshot(t, l, gold.ID)

	err := l.MintTo(ctx, gold.ID, silverAcc.ID, 10, "A")
	if !errors.Is(err, ErrAccountMintMismatch) {
		t.Fatalf("got %v, want ErrAccountMintMismatch", err)
	}
	assertUnchanged(t, l, before)
}

func TestMintToOverflow(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	mint, acc, _ := l.Initialize(ctx, "A")

	if err := l.MintTo(ctx, mint.ID, acc.ID, math.MaxUint64, "A"); err != nil {
		t.Fatalf("MintTo max: %v", err)
	}
	before := takeSnapshot(t, l, mint.ID)

	err := l.MintTo(ctx, mint.ID, acc.ID, 1, "A")
	if !errors.Is(err, ErrOverflow) {
		t.Fatalf("got %v, want ErrOverflow", err)
	}
	assertUnchanged(t, l, before)

	// overflow is on supply even when the destination is a fresh account
	other, _ := l.OpenAccount(ctx, mint.ID, "B")
	if err := l.MintTo(ctx, mint.ID, other.ID, 1, "A"); !errors.Is(err, ErrOverflow) {
		t.Fatalf("fresh account: got %v, want ErrOverflow", err)
	}
	assertConserved(t, l, mint.ID)
}

func TestMintToMissingRecords(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	mint, acc, _ := l.Initialize(ctx, "A")

	if err := l.MintTo(ctx, "missing", acc.ID, 1, "A"); !errors.Is(err, ErrMintNotFound) {
		t.Fatalf("missing mint: got %v", err)
	}
	if err := l.MintTo(ctx, mint.ID, "missing", 1, "A"); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("missing account: got %v", err)
	}
}

func TestTransferInsufficientFunds(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	mint, acc1, _ := l.Initialize(ctx, "A")
	acc2, _ := l.OpenAccount(ctx, mint.ID, "B")
	if err := l.MintTo(ctx, mint.ID, acc1.ID, 30, "A"); err != nil {
		t.Fatalf("MintTo: %v", err)
	}
	before := takeSnapshot(t, l, mint.ID)

	err := l.Transfer(ctx, mint.ID, acc1.ID, acc2.ID, 31, "A")
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("got %v, want ErrInsufficientFunds", err)
	}
	assertUnchanged(t, l, before)

	// the whole balance can move
	if err := l.Transfer(ctx, mint.ID, acc1.ID, acc2.ID, 30, "A"); err != nil {
		t.Fatalf("Transfer all: %v", err)
	}
	if b, _ := l.GetBalance(ctx, acc1.ID); b != 0 {
		t.Fatalf("acc1 balance = %d, want 0", b)
	}
	assertConserved(t, l, mint.ID)
}

func TestTransferUnauthorized(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	mint, acc1, _ := l.Initialize(ctx, "A")
	acc2, _ := l.OpenAccount(ctx, mint.ID, "B")
	_ = l.MintTo(ctx, mint.ID, acc1.ID, 10, "A")
	before := takeSnapshot(t, l, mint.ID)

	// the recipient cannot pull funds
	err := l.Transfer(ctx, mint.ID, acc1.ID, acc2.ID, 5, "B")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("got %v, want ErrUnauthorized", err)
	}
	assertUnchanged(t, l, before)
}

func TestTransferAccountMintMismatch(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	gold, goldAcc, _ := l.Initialize(ctx, "A", WithMintID("gold"))
	_, silverAcc, _ := l.Initialize(ctx, "A", WithMintID("silver"))
	_ = l.MintTo(ctx, gold.ID, goldAcc.ID, 10, "A")
	before := takeSnapshot(t, l, gold.ID)

	if err := l.Transfer(ctx, gold.ID, goldAcc.ID, silverAcc.ID, 5, "A"); !errors.Is(err, ErrAccountMintMismatch) {
		t.Fatalf("to other mint: got %v", err)
	}
	if err := l.Transfer(ctx, "silver", goldAcc.ID, silverAcc.ID, 5, "A"); !errors.Is(err, ErrAccountMintMismatch) {
		t.Fatalf("from other mint: got %v", err)
	}
	assertUnchanged(t, l, before)
}

func TestSelfTransferIsNoop(t *testing.T) {
	ctx := context.Background()
	pub := &recordingPublisher{}
	l, _ := newTestLedger(t, WithPublisher(pub))
	mint, acc, _ := l.Initialize(ctx, "A")
	_ = l.MintTo(ctx, mint.ID, acc.ID, 10, "A")
	before := takeSnapshot(t, l, mint.ID)
	published := len(pub.topics())

	if err := l.Transfer(ctx, mint.ID, acc.ID, acc.ID, 10, "A"); err != nil {
		t.Fatalf("self transfer: %v", err)
	}
	assertUnchanged(t, l, before)
	if len(pub.topics()) != published {
		t.Fatal("self transfer published an event")
	}

	if err := l.Transfer(ctx, mint.ID, acc.ID, acc.ID, 11, "A"); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("self transfer above balance: got %v", err)
	}
}

func TestZeroAmountStillChecksPreconditions(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	mint, acc, _ := l.Initialize(ctx, "A")
	other, _ := l.OpenAccount(ctx, mint.ID, "B")

	if err := l.MintTo(ctx, mint.ID, acc.ID, 0, "B"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("zero mint by non-authority: got %v", err)
	}
	if err := l.MintTo(ctx, mint.ID, acc.ID, 0, "A"); err != nil {
		t.Fatalf("zero mint: %v", err)
	}
	if err := l.Transfer(ctx, mint.ID, acc.ID, other.ID, 0, "A"); err != nil {
		t.Fatalf("zero transfer: %v", err)
	}
	assertConserved(t, l, mint.ID)
}

// failingStore rejects every commit after the first n.
type failingStore struct {
	*memory.MemoryAccountStore
	allow int
}

func (f *failingStore) Commit(ctx context.Context, changes models.ChangeSet) error {
	if f.allow <= 0 {
		return storage.ErrConflict
	}
	f.allow--
	return f.MemoryAccountStore.Commit(ctx, changes)
}

func TestStoreFailureSurfacesWithoutEvents(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{MemoryAccountStore: memory.NewMemoryAccountStore(), allow: 2}
	pub := &recordingPublisher{}
	l := NewLedger(store, WithPublisher(pub))

	mint, _ := l.CreateMint(ctx, "A")
	acc, _ := l.OpenAccount(ctx, mint.ID, "A")

	err := l.MintTo(ctx, mint.ID, acc.ID, 5, "A")
	if !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("got %v, want storage.ErrConflict", err)
	}
	for _, topic := range pub.topics() {
		if topic == events.TopicTokensMinted {
			t.Fatal("event published for a failed commit")
		}
	}
}

func TestPublishFailureDoesNotFailOperation(t *testing.T) {
	ctx := context.Background()
	pub := &recordingPublisher{err: errors.New("broker down")}
	l, _ := newTestLedger(t, WithPublisher(pub))

	mint, acc, err := l.Initialize(ctx, "A")
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := l.MintTo(ctx, mint.ID, acc.ID, 7, "A"); err != nil {
		t.Fatalf("MintTo: %v", err)
	}
	if b, _ := l.GetBalance(ctx, acc.ID); b != 7 {
		t.Fatalf("balance = %d, want 7", b)
	}
}

// cancelOnCommit cancels the caller's context right after a successful
// commit, like a client that disconnects once its write has landed.
type cancelOnCommit struct {
	*memory.MemoryAccountStore
	cancel context.CancelFunc
}

func (c *cancelOnCommit) Commit(ctx context.Context, changes models.ChangeSet) error {
	err := c.MemoryAccountStore.Commit(ctx, changes)
	if err == nil && len(changes.UpdateMints) > 0 {
		c.cancel()
	}
	return err
}

type contextPublisher struct {
	errs []error
}

func (p *contextPublisher) Publish(ctx context.Context, topic string, event any) error {
	p.errs = append(p.errs, ctx.Err())
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("publish context has no deadline")
	}
	return ctx.Err()
}

func TestPublishOutlivesCallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := &cancelOnCommit{MemoryAccountStore: memory.NewMemoryAccountStore(), cancel: cancel}
	pub := &contextPublisher{}
	l := NewLedger(store, WithPublisher(pub))

	mint, acc, err := l.Initialize(ctx, "A")
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := l.MintTo(ctx, mint.ID, acc.ID, 3, "A"); err != nil {
		t.Fatalf("MintTo: %v", err)
	}
	if ctx.Err() == nil {
		t.Fatal("caller context was not cancelled by the commit")
	}
	if len(pub.errs) != 3 {
		t.Fatalf("published %d events, want 3", len(pub.errs))
	}
	for i, err := range pub.errs {
		if err != nil {
			t.Fatalf("event %d published on a cancelled context: %v", i, err)
		}
	}
}

func TestMintedEventCarriesUIAmount(t *testing.T) {
	ctx := context.Background()
	pub := &recordingPublisher{}
	l, _ := newTestLedger(t, WithPublisher(pub))
	mint, acc, _ := l.Initialize(ctx, "A", WithDecimals(2))

	if err := l.MintTo(ctx, mint.ID, acc.ID, 1250, "A"); err != nil {
		t.Fatalf("MintTo: %v", err)
	}
	last := pub.events[len(pub.events)-1]
	minted, ok := last.event.(events.TokensMinted)
	if !ok {
		t.Fatalf("last event is %T", last.event)
	}
	if minted.UIAmount.String() != "12.5" || minted.Supply != 1250 {
		t.Fatalf("minted event = %+v", minted)
	}
}

func TestAuditDetectsCorruption(t *testing.T) {
	ctx := context.Background()
	l, store := newTestLedger(t)
	mint, acc, _ := l.Initialize(ctx, "A")
	_ = l.MintTo(ctx, mint.ID, acc.ID, 10, "A")
	assertConserved(t, l, mint.ID)

	// bypass the ledger and write a balance directly
	acc, _ = store.GetAccount(ctx, acc.ID)
	acc.Balance = 11
	if err := store.Commit(ctx, models.ChangeSet{UpdateAccounts: []models.Account{acc}}); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := l.Audit(ctx, mint.ID); !errors.Is(err, ErrConservationViolated) {
		t.Fatalf("got %v, want ErrConservationViolated", err)
	}
}

// Random operation sequences, valid and invalid, keep supply equal to the
// sum of balances.
func TestRandomOperationsConserveSupply(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	rng := rand.New(rand.NewSource(7))
	owners := []string{"A", "B", "C"}

	mint, first, err := l.Initialize(ctx, "A")
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	accounts := []models.Account{first}
	for i := 0; i < 5; i++ {
		a, err := l.OpenAccount(ctx, mint.ID, owners[rng.Intn(len(owners))])
		if err != nil {
			t.Fatalf("OpenAccount: %v", err)
		}
		accounts = append(accounts, a)
	}

	for i := 0; i < 500; i++ {
		caller := owners[rng.Intn(len(owners))]
		amount := uint64(rng.Intn(200))
		switch rng.Intn(2) {
		case 0:
			to := accounts[rng.Intn(len(accounts))]
			_ = l.MintTo(ctx, mint.ID, to.ID, amount, caller)
		case 1:
			from := accounts[rng.Intn(len(accounts))]
			to := accounts[rng.Intn(len(accounts))]
			_ = l.Transfer(ctx, mint.ID, from.ID, to.ID, amount, caller)
		}
		assertConserved(t, l, mint.ID)
	}
}
