package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/pysugar/drivehub/internal/accounts"
	"github.com/pysugar/drivehub/internal/api/middleware"
	"github.com/pysugar/drivehub/internal/auth/token"
	"github.com/pysugar/drivehub/internal/db"
)

// ListAccountsHandler serves GET /api/accounts: the principal's linked
// accounts with their connection state.
func ListAccountsHandler(registry *accounts.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal := middleware.Principal(r.Context())

		summaries, err := registry.List(principal)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"principal": principal,
				"error":     err.Error(),
			}).Error("accounts: list failed")
			http.Error(w, "Failed to list accounts", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"accounts": summaries,
			"count":    len(summaries),
		})
	}
}

// SetConnectedHandler serves POST /api/accounts/{email}/connect and
// /disconnect: toggles whether the account participates in aggregation.
func SetConnectedHandler(registry *accounts.Registry, connected bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal := middleware.Principal(r.Context())
		email := chi.URLParam(r, "email")

		err := registry.SetConnected(email, principal, connected)
		switch {
		case errors.Is(err, db.ErrNotFound):
			http.Error(w, "Account not found", http.StatusNotFound)
			return
		case errors.Is(err, accounts.ErrNotLinked):
			http.Error(w, "Account not linked to you", http.StatusForbidden)
			return
		case err != nil:
			logrus.WithFields(logrus.Fields{
				"principal": principal,
				"email":     email,
				"error":     err.Error(),
			}).Error("accounts: toggle failed")
			http.Error(w, "Failed to update account", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"email":     email,
			"connected": connected,
		})
	}
}

// RefreshAccountHandler serves POST /api/accounts/{email}/refresh: a forced
// credential refresh, bypassing the cache and the expiry margin.
func RefreshAccountHandler(tokenMgr *token.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		email := chi.URLParam(r, "email")

		err := tokenMgr.ForceRefresh(r.Context(), email)
		switch {
		case errors.Is(err, token.ErrAccountNotFound):
			http.Error(w, "Account not found", http.StatusNotFound)
			return
		case errors.Is(err, token.ErrRefreshFailed):
			http.Error(w, "Provider rejected the refresh", http.StatusBadGateway)
			return
		case err != nil:
			http.Error(w, "Refresh failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"status": "refreshed",
			"email":  email,
		})
	}
}
