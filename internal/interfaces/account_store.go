package interfaces

import (
	"context"

	"github.com/sheikh-saqib/token-ledger/internal/models"
)

// AccountStore is the host-provided persistence the ledger reads records
// from and commits changes to. Missing records are reported with
// storage.ErrNotFound.
type AccountStore interface {
	GetMint(ctx context.Context, id string) (models.Mint, error)
	GetAccount(ctx context.Context, id string) (models.Account, error)
	ListAccounts(ctx context.Context, mintID string) ([]models.Account, error)

	// Commit applies every record in the change set or none of them.
	// It fails with storage.ErrExists if a created record is already present
	// and with storage.ErrConflict if an updated record's version is stale.
	Commit(ctx context.Context, changes models.ChangeSet) error
}
