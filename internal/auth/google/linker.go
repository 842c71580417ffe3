package google

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/pysugar/drivehub/internal/accounts"
	"github.com/pysugar/drivehub/internal/api/middleware"
	"github.com/pysugar/drivehub/internal/cache"
	"github.com/pysugar/drivehub/internal/config"
	"github.com/pysugar/drivehub/internal/db"
	"github.com/pysugar/drivehub/internal/db/models"
)

// Linker runs the OAuth authorization-code flow that attaches a remote
// account to the requesting principal.
type Linker struct {
	oauth           config.OAuthConfig
	store           *db.Accounts
	registry        *accounts.Registry
	userInfo        func(ctx context.Context, accessToken string) (email string, err error)
	states          *cache.TTLMap[string] // state token -> principal
	authURLs        *cache.TTLMap[string] // principal -> consent URL
	refreshLifetime time.Duration
}

// NewLinker wires the linking flow. userInfo resolves an access token to the
// account email (drive.Client.UserInfo in production).
func NewLinker(
	oauthCfg config.OAuthConfig,
	store *db.Accounts,
	registry *accounts.Registry,
	userInfo func(ctx context.Context, accessToken string) (string, error),
	states *cache.TTLMap[string],
	authURLs *cache.TTLMap[string],
	refreshLifetime time.Duration,
) *Linker {
	return &Linker{
		oauth:           oauthCfg,
		store:           store,
		registry:        registry,
		userInfo:        userInfo,
		states:          states,
		authURLs:        authURLs,
		refreshLifetime: refreshLifetime,
	}
}

// HandleLogin redirects the principal to the provider's consent page. The
// generated URL is cached per principal; a repeat click inside the TTL reuses
// it instead of minting a new state.
func (l *Linker) HandleLogin(w http.ResponseWriter, r *http.Request) {
	principal := middleware.Principal(r.Context())
	if principal == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if cached, ok := l.authURLs.Get(principal); ok {
		http.Redirect(w, r, cached, http.StatusFound)
		return
	}

	state := newState()
	l.states.Set(state, principal)

	cfg := OAuthConfig(l.oauth, redirectURL(r))
	consentURL := cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
	l.authURLs.Set(principal, consentURL)

	logrus.WithField("principal", principal).Info("link: consent redirect issued")
	http.Redirect(w, r, consentURL, http.StatusFound)
}

// HandleCallback exchanges the authorization code, resolves the account
// identity, and upserts the LinkedAccount row for the principal that started
// the flow.
func (l *Linker) HandleCallback(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	principal, ok := l.states.Get(state)
	if !ok {
		http.Error(w, "Invalid or expired state token", http.StatusBadRequest)
		return
	}
	// One-shot: the state and the consent URL embedding it are both spent.
	l.states.Delete(state)
	l.authURLs.Delete(principal)

	if errCode := r.URL.Query().Get("error"); errCode != "" {
		logrus.WithFields(logrus.Fields{
			"principal": principal,
			"error":     errCode,
		}).Warn("link: consent denied")
		http.Error(w, "Consent was denied", http.StatusBadRequest)
		return
	}

	cfg := OAuthConfig(l.oauth, redirectURL(r))
	tok, err := cfg.Exchange(r.Context(), r.URL.Query().Get("code"))
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"principal": principal,
			"error":     err.Error(),
		}).Error("link: code exchange failed")
		http.Error(w, "Token exchange failed", http.StatusBadGateway)
		return
	}

	email, err := l.userInfo(r.Context(), tok.AccessToken)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"principal": principal,
			"error":     err.Error(),
		}).Error("link: identity lookup failed")
		http.Error(w, "Failed to resolve account identity", http.StatusBadGateway)
		return
	}

	acc, err := l.upsert(principal, email, tok)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"principal": principal,
			"email":     email,
			"error":     err.Error(),
		}).Error("link: account persist failed")
		http.Error(w, "Failed to store account", http.StatusInternalServerError)
		return
	}

	l.registry.InvalidateAccount(acc)
	logrus.WithFields(logrus.Fields{
		"principal": principal,
		"email":     email,
	}).Info("link: account linked")

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status": "linked",
		"email":  email,
	})
}

// upsert creates or re-links the account row, marking it connected and active
// and attaching the principal.
func (l *Linker) upsert(principal, email string, tok *oauth2.Token) (*models.LinkedAccount, error) {
	now := time.Now()

	acc, err := l.store.ByEmail(email)
	switch {
	case errors.Is(err, db.ErrNotFound):
		acc = &models.LinkedAccount{
			ID:    uuid.New().String(),
			Email: email,
		}
	case err != nil:
		return nil, err
	}

	acc.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		acc.RefreshToken = tok.RefreshToken
	}
	acc.AccessExpiry = tok.Expiry
	acc.RefreshExpiry = now.Add(l.refreshLifetime)
	acc.Connected = true
	acc.Active = true
	acc.AddPrincipal(principal)

	if err := l.store.Upsert(acc); err != nil {
		return nil, err
	}
	return acc, nil
}

// newState mints a CSRF state token.
func newState() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}
