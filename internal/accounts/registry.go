// Package accounts maintains the per-principal view of linked accounts: which
// accounts a principal can aggregate over and whether each is connected and
// active.
package accounts

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/pysugar/drivehub/internal/cache"
	"github.com/pysugar/drivehub/internal/db"
	"github.com/pysugar/drivehub/internal/db/models"
)

// ErrNotLinked means the principal has no link to the account it tried to
// mutate.
var ErrNotLinked = errors.New("account not linked to principal")

// Summary is the cached per-principal projection of one linked account.
type Summary struct {
	Email     string `json:"email"`
	Connected bool   `json:"connected"`
	Active    bool   `json:"active"`
}

// Registry answers "which accounts does this principal have" cache-first, and
// owns every invalidation of that cache. An invalidation racing an in-flight
// read is accepted; staleness is bounded by the cache TTL.
type Registry struct {
	store *db.Accounts
	lists *cache.TTLMap[[]Summary]
}

// NewRegistry wires a Registry over the credential store and the account-list
// cache.
func NewRegistry(store *db.Accounts, lists *cache.TTLMap[[]Summary]) *Registry {
	return &Registry{store: store, lists: lists}
}

// List returns the principal's linked accounts, ordered by email.
func (r *Registry) List(principal string) ([]Summary, error) {
	if cached, ok := r.lists.Get(principal); ok {
		logrus.WithField("principal", principal).Debug("registry: cache hit")
		return cached, nil
	}

	rows, err := r.store.ByPrincipal(principal)
	if err != nil {
		return nil, fmt.Errorf("list accounts for %s: %w", principal, err)
	}

	summaries := make([]Summary, 0, len(rows))
	for _, row := range rows {
		summaries = append(summaries, Summary{
			Email:     row.Email,
			Connected: row.Connected,
			Active:    row.Active,
		})
	}

	r.lists.Set(principal, summaries)
	logrus.WithFields(logrus.Fields{
		"principal": principal,
		"accounts":  len(summaries),
	}).Debug("registry: cache filled from store")
	return summaries, nil
}

// Invalidate drops the principal's cached account list.
func (r *Registry) Invalidate(principal string) {
	r.lists.Delete(principal)
	logrus.WithField("principal", principal).Debug("registry: cache invalidated")
}

// InvalidateAccount fans the invalidation out to every principal linked to the
// account. The fan-out is synchronous and logged so the staleness window stays
// auditable instead of a dropped background task.
func (r *Registry) InvalidateAccount(acc *models.LinkedAccount) {
	principals := acc.PrincipalList()
	for _, p := range principals {
		r.lists.Delete(p)
	}
	logrus.WithFields(logrus.Fields{
		"email":      acc.Email,
		"principals": len(principals),
	}).Info("registry: account change invalidated cached lists")
}

// SetConnected toggles whether the account participates in the principal's
// aggregation, then invalidates every linked principal's cached list.
func (r *Registry) SetConnected(email, principal string, connected bool) error {
	acc, err := r.store.ByEmail(email)
	if err != nil {
		return err
	}
	if !acc.HasPrincipal(principal) {
		return fmt.Errorf("%w: %s / %s", ErrNotLinked, email, principal)
	}

	if err := r.store.SetConnected(email, connected); err != nil {
		return err
	}
	r.InvalidateAccount(acc)
	return nil
}
