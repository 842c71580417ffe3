package models

import (
	"encoding/json"
	"time"
)

// LinkedAccount stores one remote storage identity ever connected by any
// principal. The row is the only owner of the persisted secrets; every cache
// entry derived from it is disposable.
type LinkedAccount struct {
	ID            string `gorm:"primaryKey"` // UUID
	Email         string `gorm:"uniqueIndex"`
	AccessToken   string
	RefreshToken  string
	AccessExpiry  time.Time
	RefreshExpiry time.Time
	// Connected is the user-facing toggle: include this account in
	// aggregation fan-outs.
	Connected bool `gorm:"default:true"`
	// Active tracks refresh-credential health. Only the sweeper clears it;
	// active=false excludes the account from every fan-out regardless of
	// Connected.
	Active bool `gorm:"default:true"`
	// Principals is a JSON array of every principal this account is linked
	// to. One remote account may be attached to several principals.
	Principals string
	LastSync   time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// PrincipalList decodes the Principals column. A malformed or empty column
// decodes to nil rather than an error; the column is always written by
// SetPrincipals.
func (a *LinkedAccount) PrincipalList() []string {
	if a.Principals == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(a.Principals), &out); err != nil {
		return nil
	}
	return out
}

// SetPrincipals encodes the principal set into the Principals column.
func (a *LinkedAccount) SetPrincipals(principals []string) {
	data, _ := json.Marshal(principals)
	a.Principals = string(data)
}

// HasPrincipal reports whether the account is linked to the given principal.
func (a *LinkedAccount) HasPrincipal(principal string) bool {
	for _, p := range a.PrincipalList() {
		if p == principal {
			return true
		}
	}
	return false
}

// AddPrincipal links the principal to this account. Returns false when the
// principal was already present.
func (a *LinkedAccount) AddPrincipal(principal string) bool {
	if a.HasPrincipal(principal) {
		return false
	}
	a.SetPrincipals(append(a.PrincipalList(), principal))
	return true
}
