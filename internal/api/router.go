package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// NewRouter wires the API routes. events, when non-nil, serves the websocket
// event stream; limiter, when non-nil, throttles every route but /health.
func NewRouter(api *API, events http.Handler, limiter *rate.Limiter) *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/health", api.Health).Methods(http.MethodGet)

	v := router.PathPrefix("/").Subrouter()
	if limiter != nil {
		v.Use(RateLimit(limiter, api.logger))
	}
	v.HandleFunc("/mints", api.CreateMint).Methods(http.MethodPost)
	v.HandleFunc("/mints/init", api.InitializeMint).Methods(http.MethodPost)
	v.HandleFunc("/mints/{mintID}", api.GetMint).Methods(http.MethodGet)
	v.HandleFunc("/mints/{mintID}/accounts", api.ListAccounts).Methods(http.MethodGet)
	v.HandleFunc("/mints/{mintID}/accounts", api.OpenAccount).Methods(http.MethodPost)
	v.HandleFunc("/mints/{mintID}/audit", api.Audit).Methods(http.MethodGet)
	v.HandleFunc("/mints/{mintID}/mint", api.MintTo).Methods(http.MethodPost)
	v.HandleFunc("/mints/{mintID}/transfers", api.Transfer).Methods(http.MethodPost)
	v.HandleFunc("/accounts/{accountID}", api.GetAccount).Methods(http.MethodGet)
	if events != nil {
		v.Handle("/events", events).Methods(http.MethodGet)
	}
	return router
}

// RateLimit rejects requests with 429 once the limiter runs dry.
func RateLimit(limiter *rate.Limiter, logger zerolog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				logger.Warn().Str("path", r.URL.Path).Msg("rate limit exceeded")
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
