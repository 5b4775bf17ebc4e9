package models

import "time"

// Account holds the balance of one mint for one owner. An owner may hold
// any number of accounts for the same mint.
type Account struct {
	ID        string    `json:"id"`
	MintID    string    `json:"mint_id"`
	Owner     string    `json:"owner"`
	Balance   uint64    `json:"balance"`
	Version   uint64    `json:"version"`
	CreatedAt time.Time `json:"created_at"`
}
