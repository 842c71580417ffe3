package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"golang.org/x/oauth2"
	"gorm.io/gorm"

	"github.com/pysugar/drivehub/internal/cache"
	"github.com/pysugar/drivehub/internal/db"
	"github.com/pysugar/drivehub/internal/db/models"
)

func newTestStore(t *testing.T) *db.Accounts {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	if err := conn.AutoMigrate(&models.LinkedAccount{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db.NewAccounts(conn)
}

// fakeTokenEndpoint counts refresh calls and serves a canned token response.
type fakeTokenEndpoint struct {
	calls        atomic.Int64
	accessToken  func(call int64) string
	refreshToken string
	fail         bool
}

func (f *fakeTokenEndpoint) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		call := f.calls.Add(1)
		if f.fail {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
			return
		}
		resp := map[string]any{
			"access_token": f.accessToken(call),
			"token_type":   "Bearer",
			"expires_in":   3600,
		}
		if f.refreshToken != "" {
			resp["refresh_token"] = f.refreshToken
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

func newTestManager(t *testing.T, endpoint *fakeTokenEndpoint) (*Manager, *db.Accounts, *cache.TokenCache) {
	t.Helper()
	srv := httptest.NewServer(endpoint.handler())
	t.Cleanup(srv.Close)

	store := newTestStore(t)
	tokens := cache.NewTokenCache()
	oauthCfg := &oauth2.Config{
		ClientID:     "test-client",
		ClientSecret: "test-secret",
		Endpoint:     oauth2.Endpoint{TokenURL: srv.URL + "/token"},
	}
	return NewManager(store, tokens, oauthCfg, 7*24*time.Hour), store, tokens
}

func seed(t *testing.T, store *db.Accounts, email string, accessExpiry time.Time) {
	t.Helper()
	acc := &models.LinkedAccount{
		ID:            "id-" + email,
		Email:         email,
		AccessToken:   "stored-access",
		RefreshToken:  "stored-refresh",
		AccessExpiry:  accessExpiry,
		RefreshExpiry: time.Now().Add(72 * time.Hour),
		Connected:     true,
		Active:        true,
	}
	acc.SetPrincipals([]string{"user-1"})
	if err := store.Upsert(acc); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestValidAccessToken_CacheHitSkipsEverything(t *testing.T) {
	endpoint := &fakeTokenEndpoint{accessToken: func(int64) string { return "refreshed" }}
	mgr, _, tokens := newTestManager(t, endpoint)

	// No store row at all: a cache hit must never reach the store or the
	// provider.
	tokens.Set("a@example.com", "cached-token", time.Minute)

	got, err := mgr.ValidAccessToken(context.Background(), "a@example.com")
	if err != nil {
		t.Fatalf("ValidAccessToken: %v", err)
	}
	if got != "cached-token" {
		t.Fatalf("expected cached token, got %q", got)
	}
	if n := endpoint.calls.Load(); n != 0 {
		t.Fatalf("expected 0 refresh calls, got %d", n)
	}
}

func TestValidAccessToken_StoreValidPopulatesCache(t *testing.T) {
	endpoint := &fakeTokenEndpoint{accessToken: func(int64) string { return "refreshed" }}
	mgr, store, tokens := newTestManager(t, endpoint)
	seed(t, store, "a@example.com", time.Now().Add(time.Hour))

	got, err := mgr.ValidAccessToken(context.Background(), "a@example.com")
	if err != nil {
		t.Fatalf("ValidAccessToken: %v", err)
	}
	if got != "stored-access" {
		t.Fatalf("expected stored token, got %q", got)
	}
	if n := endpoint.calls.Load(); n != 0 {
		t.Fatalf("expected 0 refresh calls, got %d", n)
	}
	if cached, ok := tokens.Get("a@example.com"); !ok || cached != "stored-access" {
		t.Fatalf("expected token cached after store read, got %q (present=%v)", cached, ok)
	}
}

func TestValidAccessToken_ExpiredTriggersRefresh(t *testing.T) {
	endpoint := &fakeTokenEndpoint{accessToken: func(int64) string { return "refreshed" }}
	mgr, store, tokens := newTestManager(t, endpoint)
	seed(t, store, "a@example.com", time.Now().Add(-time.Minute))

	got, err := mgr.ValidAccessToken(context.Background(), "a@example.com")
	if err != nil {
		t.Fatalf("ValidAccessToken: %v", err)
	}
	if got != "refreshed" {
		t.Fatalf("expected refreshed token, got %q", got)
	}
	if n := endpoint.calls.Load(); n != 1 {
		t.Fatalf("expected 1 refresh call, got %d", n)
	}

	acc, err := store.ByEmail("a@example.com")
	if err != nil {
		t.Fatalf("ByEmail: %v", err)
	}
	if acc.AccessToken != "refreshed" {
		t.Fatalf("store not updated: %q", acc.AccessToken)
	}
	if !acc.AccessExpiry.After(time.Now().Add(30 * time.Minute)) {
		t.Fatalf("access expiry not advanced: %v", acc.AccessExpiry)
	}
	if cached, ok := tokens.Get("a@example.com"); !ok || cached != "refreshed" {
		t.Fatalf("cache not repopulated, got %q (present=%v)", cached, ok)
	}
}

func TestValidAccessToken_WithinMarginTriggersRefresh(t *testing.T) {
	endpoint := &fakeTokenEndpoint{accessToken: func(int64) string { return "refreshed" }}
	mgr, store, _ := newTestManager(t, endpoint)
	// Valid for 2 more minutes: inside the 5-minute margin, so pre-emptive
	// refresh.
	seed(t, store, "a@example.com", time.Now().Add(2*time.Minute))

	got, err := mgr.ValidAccessToken(context.Background(), "a@example.com")
	if err != nil {
		t.Fatalf("ValidAccessToken: %v", err)
	}
	if got != "refreshed" {
		t.Fatalf("expected refreshed token, got %q", got)
	}
	if n := endpoint.calls.Load(); n != 1 {
		t.Fatalf("expected 1 refresh call, got %d", n)
	}
}

func TestValidAccessToken_SecondRefreshWins(t *testing.T) {
	endpoint := &fakeTokenEndpoint{accessToken: func(call int64) string { return fmt.Sprintf("refreshed-%d", call) }}
	mgr, store, tokens := newTestManager(t, endpoint)
	seed(t, store, "a@example.com", time.Now().Add(-time.Minute))

	if _, err := mgr.ValidAccessToken(context.Background(), "a@example.com"); err != nil {
		t.Fatalf("first refresh: %v", err)
	}

	// Cold cache again and an expired stored token: forces a second refresh.
	tokens.Delete("a@example.com")
	if err := store.SaveTokens("a@example.com", "stale", "stored-refresh", time.Now().Add(-time.Minute), time.Now().Add(72*time.Hour)); err != nil {
		t.Fatalf("reset expiry: %v", err)
	}

	got, err := mgr.ValidAccessToken(context.Background(), "a@example.com")
	if err != nil {
		t.Fatalf("second refresh: %v", err)
	}
	if got != "refreshed-2" {
		t.Fatalf("expected second refresh result, got %q", got)
	}

	acc, _ := store.ByEmail("a@example.com")
	if acc.AccessToken != "refreshed-2" {
		t.Fatalf("store should hold the most recent refresh, got %q", acc.AccessToken)
	}
}

func TestValidAccessToken_RefreshTokenRotationPersisted(t *testing.T) {
	endpoint := &fakeTokenEndpoint{
		accessToken:  func(int64) string { return "refreshed" },
		refreshToken: "rotated-refresh",
	}
	mgr, store, _ := newTestManager(t, endpoint)
	seed(t, store, "a@example.com", time.Now().Add(-time.Minute))

	if _, err := mgr.ValidAccessToken(context.Background(), "a@example.com"); err != nil {
		t.Fatalf("ValidAccessToken: %v", err)
	}

	acc, _ := store.ByEmail("a@example.com")
	if acc.RefreshToken != "rotated-refresh" {
		t.Fatalf("rotated refresh token not persisted, got %q", acc.RefreshToken)
	}
}

func TestValidAccessToken_RefreshFailureMutatesNothing(t *testing.T) {
	endpoint := &fakeTokenEndpoint{fail: true, accessToken: func(int64) string { return "" }}
	mgr, store, tokens := newTestManager(t, endpoint)
	seed(t, store, "a@example.com", time.Now().Add(-time.Minute))

	_, err := mgr.ValidAccessToken(context.Background(), "a@example.com")
	if !errors.Is(err, ErrRefreshFailed) {
		t.Fatalf("expected ErrRefreshFailed, got %v", err)
	}

	acc, _ := store.ByEmail("a@example.com")
	if acc.AccessToken != "stored-access" || acc.RefreshToken != "stored-refresh" {
		t.Fatalf("store mutated on failed refresh: %q / %q", acc.AccessToken, acc.RefreshToken)
	}
	if !acc.Active {
		t.Fatal("refresh failure must not deactivate the account")
	}
	if _, ok := tokens.Get("a@example.com"); ok {
		t.Fatal("cache should stay empty on failed refresh")
	}
}

func TestValidAccessToken_RefreshSurvivesCallerCancellation(t *testing.T) {
	endpoint := &fakeTokenEndpoint{accessToken: func(int64) string { return "refreshed" }}
	mgr, store, _ := newTestManager(t, endpoint)
	seed(t, store, "a@example.com", time.Now().Add(-time.Minute))

	// The refresh result is shared across concurrent callers, so it runs
	// detached: even an already-cancelled initiator must not poison it.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	got, err := mgr.ValidAccessToken(ctx, "a@example.com")
	if err != nil {
		t.Fatalf("ValidAccessToken with cancelled caller: %v", err)
	}
	if got != "refreshed" {
		t.Fatalf("expected refreshed token, got %q", got)
	}

	acc, _ := store.ByEmail("a@example.com")
	if acc.AccessToken != "refreshed" {
		t.Fatalf("refresh result not persisted: %q", acc.AccessToken)
	}
}

func TestValidAccessToken_AccountNotFound(t *testing.T) {
	endpoint := &fakeTokenEndpoint{accessToken: func(int64) string { return "" }}
	mgr, _, _ := newTestManager(t, endpoint)

	_, err := mgr.ValidAccessToken(context.Background(), "nobody@example.com")
	if !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestForceRefresh_BypassesValidity(t *testing.T) {
	endpoint := &fakeTokenEndpoint{accessToken: func(int64) string { return "forced" }}
	mgr, store, tokens := newTestManager(t, endpoint)
	// Still valid for an hour: ForceRefresh must refresh anyway.
	seed(t, store, "a@example.com", time.Now().Add(time.Hour))

	if err := mgr.ForceRefresh(context.Background(), "a@example.com"); err != nil {
		t.Fatalf("ForceRefresh: %v", err)
	}
	if n := endpoint.calls.Load(); n != 1 {
		t.Fatalf("expected 1 refresh call, got %d", n)
	}
	if cached, ok := tokens.Get("a@example.com"); !ok || cached != "forced" {
		t.Fatalf("expected forced token cached, got %q (present=%v)", cached, ok)
	}
}

func TestIsPermanentRefreshError(t *testing.T) {
	tests := []struct {
		name      string
		errText   string
		permanent bool
	}{
		{name: "invalid grant", errText: `oauth2: cannot fetch token: 400 Bad Request {"error":"invalid_grant"}`, permanent: true},
		{name: "revoked", errText: "token has been expired or revoked", permanent: true},
		{name: "timeout", errText: "context deadline exceeded", permanent: false},
		{name: "temporary", errText: "temporarily_unavailable", permanent: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := isPermanentRefreshError(errors.New(tt.errText))
			if got != tt.permanent {
				t.Fatalf("expected %v, got %v", tt.permanent, got)
			}
		})
	}
}
