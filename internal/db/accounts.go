package db

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pysugar/drivehub/internal/db/models"
	"gorm.io/gorm"
)

// ErrNotFound is returned when no account row exists for the given key.
var ErrNotFound = errors.New("account not found")

// Accounts is the credential store: record-level access to LinkedAccount rows
// keyed by email and by principal membership. Writes are atomic at row
// granularity; there are no cross-row transactions.
type Accounts struct {
	db *gorm.DB
}

// NewAccounts wraps a gorm connection.
func NewAccounts(conn *gorm.DB) *Accounts {
	return &Accounts{db: conn}
}

// ByEmail returns the account row for the given email.
func (a *Accounts) ByEmail(email string) (*models.LinkedAccount, error) {
	var acc models.LinkedAccount
	if err := a.db.Where("email = ?", email).First(&acc).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, email)
		}
		return nil, err
	}
	return &acc, nil
}

// ByPrincipal returns every account linked to the given principal, ordered by
// email for a stable enumeration order. The Principals column is a JSON array,
// so the SQL filter is a coarse LIKE narrowed by an exact membership check.
func (a *Accounts) ByPrincipal(principal string) ([]models.LinkedAccount, error) {
	// The pattern must come from the same encoder that writes the column:
	// json.Marshal escapes &, <, > to & etc., so a pattern built from the
	// raw principal would never match those rows.
	encoded, err := json.Marshal(principal)
	if err != nil {
		return nil, err
	}

	var rows []models.LinkedAccount
	pattern := "%" + string(encoded) + "%"
	if err := a.db.Where("principals LIKE ?", pattern).Order("email").Find(&rows).Error; err != nil {
		return nil, err
	}

	out := rows[:0]
	for _, row := range rows {
		if row.HasPrincipal(principal) {
			out = append(out, row)
		}
	}
	return out, nil
}

// Upsert saves the full account row (create or update by primary key).
func (a *Accounts) Upsert(acc *models.LinkedAccount) error {
	return a.db.Save(acc).Error
}

// SaveTokens persists a refreshed credential set for the account.
func (a *Accounts) SaveTokens(email, accessToken, refreshToken string, accessExpiry, refreshExpiry time.Time) error {
	res := a.db.Model(&models.LinkedAccount{}).Where("email = ?", email).Updates(map[string]any{
		"access_token":   accessToken,
		"refresh_token":  refreshToken,
		"access_expiry":  accessExpiry,
		"refresh_expiry": refreshExpiry,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, email)
	}
	return nil
}

// SetConnected flips the user-facing aggregation toggle.
func (a *Accounts) SetConnected(email string, connected bool) error {
	res := a.db.Model(&models.LinkedAccount{}).Where("email = ?", email).Update("connected", connected)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, email)
	}
	return nil
}

// Deactivate permanently disables the account until it is re-linked. Only the
// sweeper calls this.
func (a *Accounts) Deactivate(email string) error {
	res := a.db.Model(&models.LinkedAccount{}).Where("email = ?", email).Updates(map[string]any{
		"active":    false,
		"connected": false,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, email)
	}
	return nil
}

// ExpiringRefresh returns active accounts whose refresh credential expires
// before the threshold. Rows without a recorded refresh expiry are skipped.
func (a *Accounts) ExpiringRefresh(threshold time.Time) ([]models.LinkedAccount, error) {
	var rows []models.LinkedAccount
	err := a.db.
		Where("active = ?", true).
		Where("refresh_expiry > ?", time.Time{}).
		Where("refresh_expiry <= ?", threshold).
		Order("email").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// TouchLastSync records the time the account last served an aggregation.
func (a *Accounts) TouchLastSync(email string, at time.Time) error {
	return a.db.Model(&models.LinkedAccount{}).Where("email = ?", email).Update("last_sync", at).Error
}
