// Package ledger implements the token ledger: mint creation, account
// opening, minting new supply and transferring balances. Every mutating
// operation validates its preconditions, builds a models.ChangeSet and hands
// it to the AccountStore in a single atomic Commit, so a rejected operation
// never leaves partial state behind. The ledger performs no locking; the host
// serializes operations that touch the same records (see package sequencer).
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/bits"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	interfaces "github.com/sheikh-saqib/token-ledger/internal/interfaces"
	"github.com/sheikh-saqib/token-ledger/internal/models"
	"github.com/sheikh-saqib/token-ledger/internal/models/events"
	"github.com/sheikh-saqib/token-ledger/internal/storage"
)

// Ledger holds a reference to the storage layer and the optional event sink.
type Ledger struct {
	store     interfaces.AccountStore  // any storage implementation: memory, postgres, sqlite, bolt, badger
	publisher interfaces.EventPublisher // nil disables events
	logger    zerolog.Logger
	now       func() time.Time
	newID     func() string
}

// Option configures a Ledger.
type Option func(*Ledger)

func WithPublisher(p interfaces.EventPublisher) Option {
	return func(l *Ledger) { l.publisher = p }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithClock replaces time.Now for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithIDGenerator replaces the UUID generator used when the host does not
// supply an identifier.
func WithIDGenerator(newID func() string) Option {
	return func(l *Ledger) { l.newID = newID }
}

// NewLedger creates a Ledger on top of the given store.
func NewLedger(store interfaces.AccountStore, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		logger: zerolog.Nop(),
		now:    time.Now,
		newID:  func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

type mintParams struct {
	mint      models.Mint
	accountID string // authority account, Initialize only
}

// MintOption customizes a mint created by CreateMint or Initialize.
type MintOption func(*mintParams)

// WithMintID uses a host-allocated identifier instead of a generated one.
func WithMintID(id string) MintOption {
	return func(p *mintParams) { p.mint.ID = id }
}

func WithDecimals(decimals uint8) MintOption {
	return func(p *mintParams) { p.mint.Decimals = decimals }
}

// WithAuthorityAccountID sets the ID of the account Initialize opens for the
// authority. CreateMint opens no account and ignores it.
func WithAuthorityAccountID(id string) MintOption {
	return func(p *mintParams) { p.accountID = id }
}

// AccountOption customizes an account created by OpenAccount.
type AccountOption func(*models.Account)

// WithAccountID uses a host-allocated identifier instead of a generated one.
func WithAccountID(id string) AccountOption {
	return func(a *models.Account) { a.ID = id }
}

// CreateMint records a new mint with zero supply bound to authority. No
// account is opened. It fails with ErrAlreadyInitialized if the mint ID is
// already taken.
func (l *Ledger) CreateMint(ctx context.Context, authority string, opts ...MintOption) (models.Mint, error) {
	params, err := l.newMint(authority, opts)
	if err != nil {
		return models.Mint{}, err
	}
	mint := params.mint

	err = l.store.Commit(ctx, models.ChangeSet{CreateMints: []models.Mint{mint}})
	if errors.Is(err, storage.ErrExists) {
		return models.Mint{}, fmt.Errorf("%w: %s", ErrAlreadyInitialized, mint.ID)
	}
	if err != nil {
		return models.Mint{}, fmt.Errorf("create mint %s: %w", mint.ID, err)
	}

	l.logger.Info().Str("mint_id", mint.ID).Str("authority", authority).Msg("mint created")
	l.publish(ctx, events.TopicMintCreated, events.MintCreated{
		MintID:     mint.ID,
		Authority:  mint.Authority,
		Decimals:   mint.Decimals,
		OccurredAt: mint.CreatedAt,
	})
	return mint, nil
}

// Initialize creates a mint together with the authority's first holding
// account. Both records commit together or not at all. A taken account ID
// (see WithAuthorityAccountID) fails with ErrDuplicateAccount.
func (l *Ledger) Initialize(ctx context.Context, authority string, opts ...MintOption) (models.Mint, models.Account, error) {
	params, err := l.newMint(authority, opts)
	if err != nil {
		return models.Mint{}, models.Account{}, err
	}
	mint := params.mint
	account := models.Account{
		ID:        params.accountID,
		MintID:    mint.ID,
		Owner:     authority,
		CreatedAt: mint.CreatedAt,
	}
	if account.ID == "" {
		account.ID = l.newID()
	}

	err = l.store.Commit(ctx, models.ChangeSet{
		CreateMints:    []models.Mint{mint},
		CreateAccounts: []models.Account{account},
	})
	if errors.Is(err, storage.ErrExists) {
		// the mint ID is free, so the collision is on the account
		if _, getErr := l.store.GetMint(ctx, mint.ID); errors.Is(getErr, storage.ErrNotFound) {
			return models.Mint{}, models.Account{}, fmt.Errorf("%w: %s", ErrDuplicateAccount, account.ID)
		}
		return models.Mint{}, models.Account{}, fmt.Errorf("%w: %s", ErrAlreadyInitialized, mint.ID)
	}
	if err != nil {
		return models.Mint{}, models.Account{}, fmt.Errorf("initialize mint %s: %w", mint.ID, err)
	}

	l.logger.Info().Str("mint_id", mint.ID).Str("account_id", account.ID).Str("authority", authority).Msg("mint initialized")
	l.publish(ctx, events.TopicMintCreated, events.MintCreated{
		MintID:     mint.ID,
		Authority:  mint.Authority,
		Decimals:   mint.Decimals,
		OccurredAt: mint.CreatedAt,
	})
	l.publish(ctx, events.TopicAccountOpened, events.AccountOpened{
		MintID:     mint.ID,
		AccountID:  account.ID,
		Owner:      account.Owner,
		OccurredAt: account.CreatedAt,
	})
	return mint, account, nil
}

func (l *Ledger) newMint(authority string, opts []MintOption) (mintParams, error) {
	if authority == "" {
		return mintParams{}, ErrInvalidPrincipal
	}
	params := mintParams{mint: models.Mint{
		Authority: authority,
		CreatedAt: l.now().UTC(),
	}}
	for _, opt := range opts {
		opt(&params)
	}
	if params.mint.ID == "" {
		params.mint.ID = l.newID()
	}
	if params.mint.Decimals > models.MaxDecimals {
		return mintParams{}, fmt.Errorf("%w: %d", ErrInvalidDecimals, params.mint.Decimals)
	}
	return params, nil
}

// OpenAccount creates a zero-balance account of mintID for owner. An owner
// may open several accounts; ErrDuplicateAccount is returned only when the
// account ID is already taken.
func (l *Ledger) OpenAccount(ctx context.Context, mintID, owner string, opts ...AccountOption) (models.Account, error) {
	if owner == "" {
		return models.Account{}, ErrInvalidPrincipal
	}
	mint, err := l.loadMint(ctx, mintID)
	if err != nil {
		return models.Account{}, err
	}

	account := models.Account{
		MintID:    mint.ID,
		Owner:     owner,
		CreatedAt: l.now().UTC(),
	}
	for _, opt := range opts {
		opt(&account)
	}
	if account.ID == "" {
		account.ID = l.newID()
	}

	err = l.store.Commit(ctx, models.ChangeSet{CreateAccounts: []models.Account{account}})
	if errors.Is(err, storage.ErrExists) {
		return models.Account{}, fmt.Errorf("%w: %s", ErrDuplicateAccount, account.ID)
	}
	if err != nil {
		return models.Account{}, fmt.Errorf("open account %s: %w", account.ID, err)
	}

	l.logger.Info().Str("mint_id", mint.ID).Str("account_id", account.ID).Str("owner", owner).Msg("account opened")
	l.publish(ctx, events.TopicAccountOpened, events.AccountOpened{
		MintID:     mint.ID,
		AccountID:  account.ID,
		Owner:      owner,
		OccurredAt: account.CreatedAt,
	})
	return account, nil
}

// MintTo increases the mint's supply and the destination balance by amount.
// Only the mint authority may call it.
func (l *Ledger) MintTo(ctx context.Context, mintID, accountID string, amount uint64, caller string) error {
	mint, err := l.loadMint(ctx, mintID)
	if err != nil {
		return err
	}
	account, err := l.loadAccount(ctx, accountID)
	if err != nil {
		return err
	}

	if err := authorize(caller, mint.Authority); err != nil {
		l.reject("mint_to", mintID, err)
		return err
	}
	if account.MintID != mint.ID {
		err := fmt.Errorf("%w: account %s holds %s, not %s", ErrAccountMintMismatch, account.ID, account.MintID, mint.ID)
		l.reject("mint_to", mintID, err)
		return err
	}
	supply, carry := bits.Add64(mint.Supply, amount, 0)
	if carry != 0 {
		err := fmt.Errorf("%w: supply %d + %d", ErrOverflow, mint.Supply, amount)
		l.reject("mint_to", mintID, err)
		return err
	}
	balance, carry := bits.Add64(account.Balance, amount, 0)
	if carry != 0 {
		err := fmt.Errorf("%w: balance %d + %d", ErrOverflow, account.Balance, amount)
		l.reject("mint_to", mintID, err)
		return err
	}

	mint.Supply = supply
	account.Balance = balance
	err = l.store.Commit(ctx, models.ChangeSet{
		UpdateMints:    []models.Mint{mint},
		UpdateAccounts: []models.Account{account},
	})
	if err != nil {
		return fmt.Errorf("mint to %s: %w", account.ID, err)
	}

	l.logger.Info().
		Str("mint_id", mint.ID).
		Str("account_id", account.ID).
		Uint64("amount", amount).
		Uint64("supply", supply).
		Msg("tokens minted")
	l.publish(ctx, events.TopicTokensMinted, events.TokensMinted{
		MintID:     mint.ID,
		AccountID:  account.ID,
		Amount:     amount,
		UIAmount:   mint.UIAmount(amount),
		Supply:     supply,
		OccurredAt: l.now().UTC(),
	})
	return nil
}

// Transfer moves amount from one account to another of the same mint. The
// caller must own the source account. Supply is unchanged.
func (l *Ledger) Transfer(ctx context.Context, mintID, fromID, toID string, amount uint64, caller string) error {
	mint, err := l.loadMint(ctx, mintID)
	if err != nil {
		return err
	}
	from, err := l.loadAccount(ctx, fromID)
	if err != nil {
		return err
	}
	to, err := l.loadAccount(ctx, toID)
	if err != nil {
		return err
	}

	if err := authorize(caller, from.Owner); err != nil {
		l.reject("transfer", mintID, err)
		return err
	}
	for _, a := range []models.Account{from, to} {
		if a.MintID != mint.ID {
			err := fmt.Errorf("%w: account %s holds %s, not %s", ErrAccountMintMismatch, a.ID, a.MintID, mint.ID)
			l.reject("transfer", mintID, err)
			return err
		}
	}
	if from.Balance < amount {
		err := fmt.Errorf("%w: balance %d, need %d", ErrInsufficientFunds, from.Balance, amount)
		l.reject("transfer", mintID, err)
		return err
	}

	// debit and credit of the same record cancel out
	if from.ID == to.ID {
		l.logger.Debug().Str("mint_id", mint.ID).Str("account_id", from.ID).Msg("self transfer, nothing to write")
		return nil
	}

	credited, carry := bits.Add64(to.Balance, amount, 0)
	if carry != 0 {
		err := fmt.Errorf("%w: balance %d + %d", ErrOverflow, to.Balance, amount)
		l.reject("transfer", mintID, err)
		return err
	}
	from.Balance -= amount
	to.Balance = credited

	err = l.store.Commit(ctx, models.ChangeSet{UpdateAccounts: []models.Account{from, to}})
	if err != nil {
		return fmt.Errorf("transfer %s -> %s: %w", from.ID, to.ID, err)
	}

	l.logger.Info().
		Str("mint_id", mint.ID).
		Str("from", from.ID).
		Str("to", to.ID).
		Uint64("amount", amount).
		Msg("tokens transferred")
	l.publish(ctx, events.TopicTokensTransferred, events.TokensTransferred{
		MintID:      mint.ID,
		FromAccount: from.ID,
		ToAccount:   to.ID,
		Amount:      amount,
		UIAmount:    mint.UIAmount(amount),
		OccurredAt:  l.now().UTC(),
	})
	return nil
}

func (l *Ledger) GetMint(ctx context.Context, mintID string) (models.Mint, error) {
	return l.loadMint(ctx, mintID)
}

func (l *Ledger) GetAccount(ctx context.Context, accountID string) (models.Account, error) {
	return l.loadAccount(ctx, accountID)
}

// GetAccounts lists every account of the mint ordered by ID.
func (l *Ledger) GetAccounts(ctx context.Context, mintID string) ([]models.Account, error) {
	if _, err := l.loadMint(ctx, mintID); err != nil {
		return nil, err
	}
	accounts, err := l.store.ListAccounts(ctx, mintID)
	if err != nil {
		return nil, fmt.Errorf("list accounts of %s: %w", mintID, err)
	}
	return accounts, nil
}

func (l *Ledger) GetBalance(ctx context.Context, accountID string) (uint64, error) {
	account, err := l.loadAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return account.Balance, nil
}

// Audit recomputes the conservation invariant for a mint from storage and
// returns ErrConservationViolated if the balances don't add up to supply.
func (l *Ledger) Audit(ctx context.Context, mintID string) error {
	mint, err := l.loadMint(ctx, mintID)
	if err != nil {
		return err
	}
	accounts, err := l.store.ListAccounts(ctx, mintID)
	if err != nil {
		return fmt.Errorf("list accounts of %s: %w", mintID, err)
	}

	var sum, carry uint64
	for _, a := range accounts {
		sum, carry = bits.Add64(sum, a.Balance, 0)
		if carry != 0 {
			err := fmt.Errorf("%w: balances of %s exceed the uint64 range", ErrConservationViolated, mintID)
			l.logger.Error().Err(err).Str("mint_id", mintID).Msg("audit failed")
			return err
		}
	}
	if sum != mint.Supply {
		err := fmt.Errorf("%w: mint %s supply %d, balances %d", ErrConservationViolated, mintID, mint.Supply, sum)
		l.logger.Error().Err(err).Str("mint_id", mintID).Msg("audit failed")
		return err
	}
	return nil
}

// authorize is the explicit capability check every mutating call makes
// before touching balances.
func authorize(caller, principal string) error {
	if caller == "" || caller != principal {
		return fmt.Errorf("%w: %q", ErrUnauthorized, caller)
	}
	return nil
}

func (l *Ledger) loadMint(ctx context.Context, id string) (models.Mint, error) {
	mint, err := l.store.GetMint(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return models.Mint{}, fmt.Errorf("%w: %s", ErrMintNotFound, id)
	}
	if err != nil {
		return models.Mint{}, fmt.Errorf("load mint %s: %w", id, err)
	}
	return mint, nil
}

func (l *Ledger) loadAccount(ctx context.Context, id string) (models.Account, error) {
	account, err := l.store.GetAccount(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return models.Account{}, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	if err != nil {
		return models.Account{}, fmt.Errorf("load account %s: %w", id, err)
	}
	return account, nil
}

func (l *Ledger) reject(op, mintID string, err error) {
	l.logger.Debug().Err(err).Str("op", op).Str("mint_id", mintID).Msg("operation rejected")
}

// publishTimeout bounds how long a committed operation waits on its event.
const publishTimeout = 5 * time.Second

// publish runs after the commit; a failed publish is logged and the
// operation still succeeds. The event is already owed once the commit
// landed, so the caller's cancellation does not reach the publisher.
func (l *Ledger) publish(ctx context.Context, topic string, event any) {
	if l.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := l.publisher.Publish(ctx, topic, event); err != nil {
		l.logger.Warn().Err(err).Str("topic", topic).Msg("failed to publish event")
	}
}
