package models

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// MaxDecimals is the largest display precision a mint may declare.
const MaxDecimals = 18

// Mint identifies a token type, the principal allowed to issue it and its
// total issued supply.
type Mint struct {
	ID        string    `json:"id"`
	Authority string    `json:"authority"` // principal allowed to mint
	Decimals  uint8     `json:"decimals"`
	Supply    uint64    `json:"supply"`  // raw units, never decreases
	Version   uint64    `json:"version"` // bumped by the store on every update
	CreatedAt time.Time `json:"created_at"`
}

// UIAmount renders a raw amount using the mint's display precision,
// e.g. 1500 with 2 decimals is 15.00.
func (m Mint) UIAmount(raw uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(raw), -int32(m.Decimals))
}
