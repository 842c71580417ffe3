package db

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/pysugar/drivehub/internal/db/models"
)

func newTestStore(t *testing.T) *Accounts {
	t.Helper()
	// Unique shared-cache DSN per test: gorm pools connections, and a plain
	// :memory: DSN would give each pooled connection its own database.
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	if err := conn.AutoMigrate(&models.LinkedAccount{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return NewAccounts(conn)
}

func seedAccount(t *testing.T, store *Accounts, email string, principals []string, mutate func(*models.LinkedAccount)) *models.LinkedAccount {
	t.Helper()
	acc := &models.LinkedAccount{
		ID:            "id-" + email,
		Email:         email,
		AccessToken:   "access-" + email,
		RefreshToken:  "refresh-" + email,
		AccessExpiry:  time.Now().Add(time.Hour),
		RefreshExpiry: time.Now().Add(72 * time.Hour),
		Connected:     true,
		Active:        true,
	}
	acc.SetPrincipals(principals)
	if mutate != nil {
		mutate(acc)
	}
	if err := store.Upsert(acc); err != nil {
		t.Fatalf("seed %s: %v", email, err)
	}
	return acc
}

func TestByEmail_NotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.ByEmail("nobody@example.com")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestByPrincipal_ExactMembership(t *testing.T) {
	store := newTestStore(t)
	seedAccount(t, store, "a@example.com", []string{"user-1", "user-2"}, nil)
	seedAccount(t, store, "b@example.com", []string{"user-1"}, nil)
	// "user-10" contains "user-1" as a substring; the JSON membership check
	// must not match it for "user-1" queries.
	seedAccount(t, store, "c@example.com", []string{"user-10"}, nil)

	rows, err := store.ByPrincipal("user-1")
	if err != nil {
		t.Fatalf("ByPrincipal: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 accounts, got %d", len(rows))
	}
	if rows[0].Email != "a@example.com" || rows[1].Email != "b@example.com" {
		t.Fatalf("unexpected order: %s, %s", rows[0].Email, rows[1].Email)
	}
}

func TestByPrincipal_JSONEscapedCharacters(t *testing.T) {
	store := newTestStore(t)
	// json.Marshal HTML-escapes & to & in the stored column, so matching
	// must go through the same encoding.
	seedAccount(t, store, "a@example.com", []string{"a&b@example.com"}, nil)
	seedAccount(t, store, "b@example.com", []string{"x<y>@example.com"}, nil)

	rows, err := store.ByPrincipal("a&b@example.com")
	if err != nil {
		t.Fatalf("ByPrincipal: %v", err)
	}
	if len(rows) != 1 || rows[0].Email != "a@example.com" {
		t.Fatalf("expected a@example.com for escaped principal, got %d rows", len(rows))
	}

	rows, err = store.ByPrincipal("x<y>@example.com")
	if err != nil {
		t.Fatalf("ByPrincipal: %v", err)
	}
	if len(rows) != 1 || rows[0].Email != "b@example.com" {
		t.Fatalf("expected b@example.com for escaped principal, got %d rows", len(rows))
	}
}

func TestSaveTokens_UpdatesCredentialSet(t *testing.T) {
	store := newTestStore(t)
	seedAccount(t, store, "a@example.com", []string{"user-1"}, nil)

	accessExp := time.Now().Add(45 * time.Minute).Round(time.Second)
	refreshExp := time.Now().Add(7 * 24 * time.Hour).Round(time.Second)
	if err := store.SaveTokens("a@example.com", "new-access", "new-refresh", accessExp, refreshExp); err != nil {
		t.Fatalf("SaveTokens: %v", err)
	}

	acc, err := store.ByEmail("a@example.com")
	if err != nil {
		t.Fatalf("ByEmail: %v", err)
	}
	if acc.AccessToken != "new-access" || acc.RefreshToken != "new-refresh" {
		t.Fatalf("tokens not updated: %s / %s", acc.AccessToken, acc.RefreshToken)
	}
	if !acc.AccessExpiry.Equal(accessExp) {
		t.Fatalf("access expiry not updated: %v", acc.AccessExpiry)
	}

	if err := store.SaveTokens("missing@example.com", "x", "y", accessExp, refreshExp); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing account, got %v", err)
	}
}

func TestDeactivate_ClearsBothFlags(t *testing.T) {
	store := newTestStore(t)
	seedAccount(t, store, "a@example.com", []string{"user-1"}, nil)

	if err := store.Deactivate("a@example.com"); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}

	acc, err := store.ByEmail("a@example.com")
	if err != nil {
		t.Fatalf("ByEmail: %v", err)
	}
	if acc.Active || acc.Connected {
		t.Fatalf("expected active=false connected=false, got active=%v connected=%v", acc.Active, acc.Connected)
	}
}

func TestExpiringRefresh_FiltersCorrectly(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()

	seedAccount(t, store, "soon@example.com", []string{"user-1"}, func(a *models.LinkedAccount) {
		a.RefreshExpiry = now.Add(2 * time.Hour)
	})
	seedAccount(t, store, "later@example.com", []string{"user-1"}, func(a *models.LinkedAccount) {
		a.RefreshExpiry = now.Add(48 * time.Hour)
	})
	seedAccount(t, store, "inactive@example.com", []string{"user-1"}, func(a *models.LinkedAccount) {
		a.RefreshExpiry = now.Add(time.Hour)
		a.Active = false
	})
	seedAccount(t, store, "norefresh@example.com", []string{"user-1"}, func(a *models.LinkedAccount) {
		a.RefreshExpiry = time.Time{}
	})

	rows, err := store.ExpiringRefresh(now.Add(24 * time.Hour))
	if err != nil {
		t.Fatalf("ExpiringRefresh: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 expiring account, got %d", len(rows))
	}
	if rows[0].Email != "soon@example.com" {
		t.Fatalf("unexpected account: %s", rows[0].Email)
	}
}

func TestPrincipalRoundTrip(t *testing.T) {
	acc := &models.LinkedAccount{}
	if acc.HasPrincipal("user-1") {
		t.Fatal("empty account should have no principals")
	}
	if !acc.AddPrincipal("user-1") {
		t.Fatal("first add should report change")
	}
	if acc.AddPrincipal("user-1") {
		t.Fatal("duplicate add should report no change")
	}
	if !acc.HasPrincipal("user-1") {
		t.Fatal("principal should be present after add")
	}
	if got := acc.PrincipalList(); len(got) != 1 || got[0] != "user-1" {
		t.Fatalf("unexpected principal list: %v", got)
	}
}
