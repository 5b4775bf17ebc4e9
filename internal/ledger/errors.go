package ledger

import "errors"

// Every operation fails with the first violated precondition, wrapped with
// context; match with errors.Is. A failed operation writes nothing.
var (
	ErrAlreadyInitialized  = errors.New("mint already initialized")
	ErrDuplicateAccount    = errors.New("account already exists")
	ErrUnauthorized        = errors.New("caller is not authorized")
	ErrAccountMintMismatch = errors.New("account belongs to a different mint")
	ErrOverflow            = errors.New("amount overflows supply or balance")
	ErrInsufficientFunds   = errors.New("insufficient funds")

	ErrMintNotFound         = errors.New("mint not found")
	ErrAccountNotFound      = errors.New("account not found")
	ErrInvalidDecimals      = errors.New("decimals out of range")
	ErrInvalidPrincipal     = errors.New("principal identifier is empty")
	ErrConservationViolated = errors.New("sum of balances does not match supply")
)
