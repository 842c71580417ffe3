// Package token keeps every linked account's access credential valid. It is
// the only code that calls the provider's refresh endpoint and the only writer
// of refreshed credentials to the store and the token cache.
package token

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/pysugar/drivehub/internal/cache"
	"github.com/pysugar/drivehub/internal/db"
)

const (
	// refreshMargin converts a near-expiry race into a deterministic
	// pre-emptive refresh: a token inside this window is treated as expired.
	refreshMargin = 5 * time.Minute
	// cacheLead keeps the cache TTL strictly behind the real expiry so a
	// cache hit can never hand out a token that dies mid-flight.
	cacheLead = time.Minute
	// minCacheTTL floors the cache TTL for tokens very close to the margin.
	minCacheTTL = time.Minute
	// refreshTimeout bounds one provider refresh round trip.
	refreshTimeout = 30 * time.Second
)

var (
	// ErrAccountNotFound means no credential record exists for the email.
	ErrAccountNotFound = errors.New("account not found")
	// ErrRefreshFailed means the provider rejected the refresh credential.
	// The store and cache are left untouched; deactivation is the sweeper's
	// call, never ours.
	ErrRefreshFailed = errors.New("token refresh failed")
)

var refreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "drivehub_token_refresh_total",
	Help: "Provider refresh attempts by outcome.",
}, []string{"outcome"})

// Manager resolves valid access tokens: cache first, store second, provider
// refresh last. Refreshes are single-flighted per email so concurrent
// aggregation requests cannot race a provider that rotates refresh tokens.
type Manager struct {
	store           *db.Accounts
	cache           *cache.TokenCache
	oauth           *oauth2.Config
	refreshLifetime time.Duration
	group           singleflight.Group

	now func() time.Time
}

// NewManager wires a Manager. refreshLifetime recomputes refresh_expiry after
// every successful refresh.
func NewManager(store *db.Accounts, tokens *cache.TokenCache, oauthCfg *oauth2.Config, refreshLifetime time.Duration) *Manager {
	return &Manager{
		store:           store,
		cache:           tokens,
		oauth:           oauthCfg,
		refreshLifetime: refreshLifetime,
		now:             time.Now,
	}
}

// ValidAccessToken returns a currently-valid access token for the account.
func (m *Manager) ValidAccessToken(ctx context.Context, email string) (string, error) {
	if tok, ok := m.cache.Get(email); ok {
		logrus.WithField("email", email).Debug("token: cache hit")
		return tok, nil
	}

	acc, err := m.store.ByEmail(email)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return "", fmt.Errorf("%w: %s", ErrAccountNotFound, email)
		}
		return "", err
	}

	if acc.AccessExpiry.After(m.now().Add(refreshMargin)) {
		logrus.WithFields(logrus.Fields{
			"email":   email,
			"expires": acc.AccessExpiry.Format(time.RFC3339),
		}).Debug("token: store hit, still valid")
		m.cacheToken(email, acc.AccessToken, acc.AccessExpiry)
		return acc.AccessToken, nil
	}

	return m.refresh(ctx, email, acc.RefreshToken)
}

// ForceRefresh drops the cached token and refreshes against the provider
// regardless of the stored expiry. Backs the manual per-account refresh
// endpoint.
func (m *Manager) ForceRefresh(ctx context.Context, email string) error {
	acc, err := m.store.ByEmail(email)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrAccountNotFound, email)
		}
		return err
	}

	m.cache.Delete(email)
	_, err = m.refresh(ctx, email, acc.RefreshToken)
	return err
}

// Invalidate drops the cached token for the account.
func (m *Manager) Invalidate(email string) {
	m.cache.Delete(email)
}

// refresh calls the provider's refresh endpoint, persists the new credential
// set, and repopulates the cache. Concurrent callers for the same email share
// one in-flight refresh.
func (m *Manager) refresh(ctx context.Context, email, refreshToken string) (string, error) {
	v, err, shared := m.group.Do(email, func() (any, error) {
		// The result is shared across callers, so the round trip must not die
		// with whichever caller's per-account timeout fires first. Detach from
		// the initiator and bound the refresh on its own clock.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return m.doRefresh(rctx, email, refreshToken)
	})
	if err != nil {
		return "", err
	}
	if shared {
		logrus.WithField("email", email).Debug("token: joined in-flight refresh")
	}
	return v.(string), nil
}

func (m *Manager) doRefresh(ctx context.Context, email, refreshToken string) (string, error) {
	log := logrus.WithField("email", email)
	log.Info("token: refresh attempted")

	src := m.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	newTok, err := src.Token()
	if err != nil {
		refreshTotal.WithLabelValues("failed").Inc()
		// Permanent-vs-transient triage is recorded for operators, but even
		// a permanent failure does not deactivate here: a single provider
		// outage misclassified as permanent must not cascade into account
		// loss. The sweeper is the only deactivator.
		log.WithFields(logrus.Fields{
			"error":     err.Error(),
			"permanent": isPermanentRefreshError(err),
		}).Warn("token: refresh failed")
		return "", fmt.Errorf("%w: %s: %v", ErrRefreshFailed, email, err)
	}

	now := m.now()
	rotated := refreshToken
	if newTok.RefreshToken != "" && newTok.RefreshToken != refreshToken {
		log.Info("token: refresh token rotated by provider")
		rotated = newTok.RefreshToken
	}

	refreshExpiry := now.Add(m.refreshLifetime)
	if err := m.store.SaveTokens(email, newTok.AccessToken, rotated, newTok.Expiry, refreshExpiry); err != nil {
		refreshTotal.WithLabelValues("failed").Inc()
		return "", fmt.Errorf("persist refreshed tokens for %s: %w", email, err)
	}

	m.cacheToken(email, newTok.AccessToken, newTok.Expiry)
	refreshTotal.WithLabelValues("success").Inc()
	log.WithFields(logrus.Fields{
		"token":   maskToken(newTok.AccessToken),
		"expires": newTok.Expiry.Format(time.RFC3339),
	}).Info("token: refresh succeeded")
	return newTok.AccessToken, nil
}

// maskToken keeps just enough of a credential to correlate log lines.
func maskToken(t string) string {
	if len(t) <= 8 {
		return "***"
	}
	return t[:4] + "..." + t[len(t)-4:]
}

// cacheToken caches a validated token for the remainder of its life minus the
// safety lead, floored so short-lived tokens still get a cache window.
func (m *Manager) cacheToken(email, accessToken string, expiry time.Time) {
	ttl := expiry.Sub(m.now()) - cacheLead
	if ttl < minCacheTTL {
		ttl = minCacheTTL
	}
	m.cache.Set(email, accessToken, ttl)
}

// isPermanentRefreshError classifies provider refresh failures that re-linking
// is the only cure for.
func isPermanentRefreshError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	permanentMarkers := []string{
		"invalid_grant",
		"invalid_client",
		"unauthorized_client",
		"token has been expired or revoked",
		"revoked",
	}
	for _, marker := range permanentMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
