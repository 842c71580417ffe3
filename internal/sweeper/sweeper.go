// Package sweeper periodically retires accounts whose refresh credential is
// near expiry. It is the only path that sets active=false, so a transient
// refresh failure on the request path can never permanently lose an account.
package sweeper

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/pysugar/drivehub/internal/db"
	"github.com/pysugar/drivehub/internal/db/models"
)

var deactivationsTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "drivehub_sweeper_deactivations_total",
	Help: "Accounts deactivated because their refresh credential neared expiry.",
})

// Invalidator drops the cached state derived from an account. Satisfied by
// *accounts.Registry.
type Invalidator interface {
	InvalidateAccount(acc *models.LinkedAccount)
}

// TokenInvalidator drops an account's cached access token. Satisfied by
// *token.Manager.
type TokenInvalidator interface {
	Invalidate(email string)
}

// Sweeper scans active accounts and deactivates those whose refresh
// credential expires within the lead window.
type Sweeper struct {
	store    *db.Accounts
	registry Invalidator
	tokens   TokenInvalidator
	interval time.Duration
	lead     time.Duration

	now func() time.Time
}

// New wires a Sweeper.
func New(store *db.Accounts, registry Invalidator, tokens TokenInvalidator, interval, lead time.Duration) *Sweeper {
	return &Sweeper{
		store:    store,
		registry: registry,
		tokens:   tokens,
		interval: interval,
		lead:     lead,
		now:      time.Now,
	}
}

// Run sweeps on the configured interval until the context is cancelled. It
// never touches the request path; browsing sessions do not wait on expiry
// bookkeeping.
func (s *Sweeper) Run(ctx context.Context) {
	logrus.WithFields(logrus.Fields{
		"interval": s.interval.String(),
		"lead":     s.lead.String(),
	}).Info("sweeper: started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logrus.Info("sweeper: stopped")
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(); err != nil {
				logrus.WithField("error", err.Error()).Error("sweeper: pass failed")
			}
		}
	}
}

// SweepOnce performs one pass and returns how many accounts it deactivated.
func (s *Sweeper) SweepOnce() (int, error) {
	threshold := s.now().Add(s.lead)
	expiring, err := s.store.ExpiringRefresh(threshold)
	if err != nil {
		return 0, err
	}

	deactivated := 0
	for _, acc := range expiring {
		log := logrus.WithFields(logrus.Fields{
			"email":          acc.Email,
			"refresh_expiry": acc.RefreshExpiry.Format(time.RFC3339),
		})
		if err := s.store.Deactivate(acc.Email); err != nil {
			log.WithField("error", err.Error()).Error("sweeper: deactivation failed")
			continue
		}

		s.tokens.Invalidate(acc.Email)
		s.registry.InvalidateAccount(&acc)
		deactivationsTotal.Inc()
		deactivated++
		log.Warn("sweeper: account deactivated, re-link required")
	}

	if deactivated > 0 {
		logrus.WithField("deactivated", deactivated).Info("sweeper: pass complete")
	}
	return deactivated, nil
}
