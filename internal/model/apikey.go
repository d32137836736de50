package model

import "time"

// AuthKey is a credential tied to a user and, optionally, to one MCP service.
// The raw key is never stored; only a SHA-256 hash and a short prefix for
// identification are persisted.
type AuthKey struct {
	ID         string     `json:"id" db:"id"`
	KeyHash    string     `json:"-" db:"key_hash"`            // SHA-256 hash, never expose
	KeyPrefix  string     `json:"key_prefix" db:"key_prefix"` // First chars for identification
	UserID     string     `json:"user_id" db:"user_id"`
	ServiceID  string     `json:"service_id" db:"service_id"` // Empty means any service
	Label      string     `json:"label" db:"label"`
	IsActive   bool       `json:"is_active" db:"is_active"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty" db:"last_used_at"`
}

// Usable reports whether the key may authenticate a request at now: it must be
// active and either have no expiry or expire strictly after now.
func (k *AuthKey) Usable(now time.Time) bool {
	if k == nil || !k.IsActive {
		return false
	}
	return k.ExpiresAt == nil || k.ExpiresAt.After(now)
}

// AllowsService reports whether the key is scoped to serviceID. Keys without a
// service binding are valid for every service.
func (k *AuthKey) AllowsService(serviceID string) bool {
	return k.ServiceID == "" || serviceID == "" || k.ServiceID == serviceID
}
