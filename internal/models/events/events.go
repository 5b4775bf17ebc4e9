package events

import (
	"time"

	"github.com/shopspring/decimal"
)

// Topics the ledger publishes to after a successful commit.
const (
	TopicMintCreated       = "mint.created"
	TopicAccountOpened     = "account.opened"
	TopicTokensMinted      = "tokens.minted"
	TopicTokensTransferred = "tokens.transferred"
)

// Event is implemented by every ledger event so publishers can key messages
// by mint.
type Event interface {
	Mint() string
}

type MintCreated struct {
	MintID     string    `json:"mint_id"`
	Authority  string    `json:"authority"`
	Decimals   uint8     `json:"decimals"`
	OccurredAt time.Time `json:"occurred_at"`
}

type AccountOpened struct {
	MintID     string    `json:"mint_id"`
	AccountID  string    `json:"account_id"`
	Owner      string    `json:"owner"`
	OccurredAt time.Time `json:"occurred_at"`
}

type TokensMinted struct {
	MintID     string          `json:"mint_id"`
	AccountID  string          `json:"account_id"`
	Amount     uint64          `json:"amount"`
	UIAmount   decimal.Decimal `json:"ui_amount"`
	Supply     uint64          `json:"supply"`
	OccurredAt time.Time       `json:"occurred_at"`
}

type TokensTransferred struct {
	MintID      string          `json:"mint_id"`
	FromAccount string          `json:"from_account"`
	ToAccount   string          `json:"to_account"`
	Amount      uint64          `json:"amount"`
	UIAmount    decimal.Decimal `json:"ui_amount"`
	OccurredAt  time.Time       `json:"occurred_at"`
}

func (e MintCreated) Mint() string       { return e.MintID }
func (e AccountOpened) Mint() string     { return e.MintID }
func (e TokensMinted) Mint() string      { return e.MintID }
func (e TokensTransferred) Mint() string { return e.MintID }
