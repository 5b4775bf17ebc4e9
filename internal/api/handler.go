// Package api exposes the token ledger over HTTP. It is the host side of
// the ledger: an authenticating proxy in front of it sets the X-Principal
// header, and this package passes that identity through as the caller of
// every operation.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/sheikh-saqib/token-ledger/internal/ledger"
	"github.com/sheikh-saqib/token-ledger/internal/models"
	"github.com/sheikh-saqib/token-ledger/internal/storage"
)

// PrincipalHeader carries the authenticated caller identity.
const PrincipalHeader = "X-Principal"

// Ledger is the operation surface the API drives, satisfied by
// *sequencer.Sequencer.
type Ledger interface {
	CreateMint(ctx context.Context, authority string, opts ...ledger.MintOption) (models.Mint, error)
	Initialize(ctx context.Context, authority string, opts ...ledger.MintOption) (models.Mint, models.Account, error)
	OpenAccount(ctx context.Context, mintID, owner string, opts ...ledger.AccountOption) (models.Account, error)
	MintTo(ctx context.Context, mintID, accountID string, amount uint64, caller string) error
	Transfer(ctx context.Context, mintID, fromID, toID string, amount uint64, caller string) error
	Audit(ctx context.Context, mintID string) error
	GetMint(ctx context.Context, mintID string) (models.Mint, error)
	GetAccount(ctx context.Context, accountID string) (models.Account, error)
	GetAccounts(ctx context.Context, mintID string) ([]models.Account, error)
}

type API struct {
	ledger Ledger
	logger zerolog.Logger
}

func NewAPI(l Ledger, logger zerolog.Logger) *API {
	return &API{ledger: l, logger: logger}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type mintResponse struct {
	models.Mint
	UISupply decimal.Decimal `json:"ui_supply"`
}

type accountResponse struct {
	models.Account
	UIBalance decimal.Decimal `json:"ui_balance"`
}

func (api *API) writeJSONResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		api.logger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

var errorStatus = []struct {
	err    error
	status int
	code   string
}{
	{ledger.ErrUnauthorized, http.StatusForbidden, "unauthorized"},
	{ledger.ErrMintNotFound, http.StatusNotFound, "mint_not_found"},
	{ledger.ErrAccountNotFound, http.StatusNotFound, "account_not_found"},
	{ledger.ErrAlreadyInitialized, http.StatusConflict, "already_initialized"},
	{ledger.ErrDuplicateAccount, http.StatusConflict, "duplicate_account"},
	{storage.ErrConflict, http.StatusConflict, "conflict"},
	{ledger.ErrAccountMintMismatch, http.StatusBadRequest, "account_mint_mismatch"},
	{ledger.ErrInvalidDecimals, http.StatusBadRequest, "invalid_decimals"},
	{ledger.ErrInvalidPrincipal, http.StatusBadRequest, "invalid_principal"},
	{ledger.ErrInsufficientFunds, http.StatusUnprocessableEntity, "insufficient_funds"},
	{ledger.ErrOverflow, http.StatusUnprocessableEntity, "overflow"},
	{ledger.ErrConservationViolated, http.StatusInternalServerError, "conservation_violated"},
}

func (api *API) writeError(w http.ResponseWriter, err error) {
	for _, e := range errorStatus {
		if errors.Is(err, e.err) {
			api.writeJSONResponse(w, e.status, errorResponse{Error: err.Error(), Code: e.code})
			return
		}
	}
	api.logger.Error().Err(err).Msg("ledger operation failed")
	api.writeJSONResponse(w, http.StatusInternalServerError, errorResponse{Error: "internal error", Code: "internal"})
}

// principal returns the caller identity, writing 401 when it is missing.
func (api *API) principal(w http.ResponseWriter, r *http.Request) (string, bool) {
	p := r.Header.Get(PrincipalHeader)
	if p == "" {
		api.writeJSONResponse(w, http.StatusUnauthorized, errorResponse{Error: PrincipalHeader + " header is required", Code: "unauthenticated"})
		return "", false
	}
	return p, true
}

func (api *API) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	// an empty body means all defaults
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		api.writeJSONResponse(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error(), Code: "bad_request"})
		return false
	}
	return true
}

func (api *API) Health(w http.ResponseWriter, r *http.Request) {
	api.writeJSONResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createMintRequest struct {
	ID       string `json:"id"`
	Decimals uint8  `json:"decimals"`
}

func (req createMintRequest) options() []ledger.MintOption {
	opts := []ledger.MintOption{ledger.WithDecimals(req.Decimals)}
	if req.ID != "" {
		opts = append(opts, ledger.WithMintID(req.ID))
	}
	return opts
}

// CreateMint creates a mint whose authority is the calling principal.
func (api *API) CreateMint(w http.ResponseWriter, r *http.Request) {
	authority, ok := api.principal(w, r)
	if !ok {
		return
	}
	var req createMintRequest
	if !api.decode(w, r, &req) {
		return
	}

	mint, err := api.ledger.CreateMint(r.Context(), authority, req.options()...)
	if err != nil {
		api.writeError(w, err)
		return
	}
	api.writeJSONResponse(w, http.StatusCreated, mintResponse{Mint: mint, UISupply: mint.UIAmount(mint.Supply)})
}

type initMintRequest struct {
	createMintRequest
	AccountID string `json:"account_id"`
}

func (req initMintRequest) options() []ledger.MintOption {
	opts := req.createMintRequest.options()
	if req.AccountID != "" {
		opts = append(opts, ledger.WithAuthorityAccountID(req.AccountID))
	}
	return opts
}

// InitializeMint creates a mint and the authority's first account.
func (api *API) InitializeMint(w http.ResponseWriter, r *http.Request) {
	authority, ok := api.principal(w, r)
	if !ok {
		return
	}
	var req initMintRequest
	if !api.decode(w, r, &req) {
		return
	}

	mint, account, err := api.ledger.Initialize(r.Context(), authority, req.options()...)
	if err != nil {
		api.writeError(w, err)
		return
	}
	api.writeJSONResponse(w, http.StatusCreated, map[string]any{
		"mint":    mintResponse{Mint: mint, UISupply: mint.UIAmount(mint.Supply)},
		"account": accountResponse{Account: account, UIBalance: mint.UIAmount(account.Balance)},
	})
}

func (api *API) GetMint(w http.ResponseWriter, r *http.Request) {
	mint, err := api.ledger.GetMint(r.Context(), mux.Vars(r)["mintID"])
	if err != nil {
		api.writeError(w, err)
		return
	}
	api.writeJSONResponse(w, http.StatusOK, mintResponse{Mint: mint, UISupply: mint.UIAmount(mint.Supply)})
}

func (api *API) ListAccounts(w http.ResponseWriter, r *http.Request) {
	mintID := mux.Vars(r)["mintID"]
	mint, err := api.ledger.GetMint(r.Context(), mintID)
	if err != nil {
		api.writeError(w, err)
		return
	}
	accounts, err := api.ledger.GetAccounts(r.Context(), mintID)
	if err != nil {
		api.writeError(w, err)
		return
	}

	out := make([]accountResponse, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, accountResponse{Account: a, UIBalance: mint.UIAmount(a.Balance)})
	}
	api.writeJSONResponse(w, http.StatusOK, out)
}

func (api *API) Audit(w http.ResponseWriter, r *http.Request) {
	if err := api.ledger.Audit(r.Context(), mux.Vars(r)["mintID"]); err != nil {
		api.writeError(w, err)
		return
	}
	api.writeJSONResponse(w, http.StatusOK, map[string]string{"status": "consistent"})
}

type openAccountRequest struct {
	ID    string `json:"id"`
	Owner string `json:"owner"` // defaults to the caller
}

func (api *API) OpenAccount(w http.ResponseWriter, r *http.Request) {
	caller, ok := api.principal(w, r)
	if !ok {
		return
	}
	var req openAccountRequest
	if !api.decode(w, r, &req) {
		return
	}
	owner := req.Owner
	if owner == "" {
		owner = caller
	}
	var opts []ledger.AccountOption
	if req.ID != "" {
		opts = append(opts, ledger.WithAccountID(req.ID))
	}

	account, err := api.ledger.OpenAccount(r.Context(), mux.Vars(r)["mintID"], owner, opts...)
	if err != nil {
		api.writeError(w, err)
		return
	}
	api.logger.Info().Str("account_id", account.ID).Str("caller", caller).Msg("Account opened")
	api.writeJSONResponse(w, http.StatusCreated, account)
}

type mintToRequest struct {
	Account string `json:"account"`
	Amount  uint64 `json:"amount"`
}

func (api *API) MintTo(w http.ResponseWriter, r *http.Request) {
	caller, ok := api.principal(w, r)
	if !ok {
		return
	}
	var req mintToRequest
	if !api.decode(w, r, &req) {
		return
	}

	mintID := mux.Vars(r)["mintID"]
	if err := api.ledger.MintTo(r.Context(), mintID, req.Account, req.Amount, caller); err != nil {
		api.writeError(w, err)
		return
	}
	api.writeJSONResponse(w, http.StatusOK, map[string]string{"status": "minted"})
}

type transferRequest struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount uint64 `json:"amount"`
}

func (api *API) Transfer(w http.ResponseWriter, r *http.Request) {
	caller, ok := api.principal(w, r)
	if !ok {
		return
	}
	var req transferRequest
	if !api.decode(w, r, &req) {
		return
	}

	mintID := mux.Vars(r)["mintID"]
	if err := api.ledger.Transfer(r.Context(), mintID, req.From, req.To, req.Amount, caller); err != nil {
		api.writeError(w, err)
		return
	}
	api.writeJSONResponse(w, http.StatusOK, map[string]string{"status": "transferred"})
}

func (api *API) GetAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	account, err := api.ledger.GetAccount(ctx, mux.Vars(r)["accountID"])
	if err != nil {
		api.writeError(w, err)
		return
	}
	mint, err := api.ledger.GetMint(ctx, account.MintID)
	if err != nil {
		api.writeError(w, err)
		return
	}
	api.writeJSONResponse(w, http.StatusOK, accountResponse{Account: account, UIBalance: mint.UIAmount(account.Balance)})
}
