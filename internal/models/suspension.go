package models

import "time"

type SuspensionScope string

const (
	ScopeAccount SuspensionScope = "account"
	ScopeAddress SuspensionScope = "address"
)

// Suspension bars either one identity or one network address. A record whose
// ExpiresAt is in the past is equivalent to no record at all.
type Suspension struct {
	ID         int64           `json:"id"`
	Scope      SuspensionScope `json:"scope"`
	IdentityID int             `json:"identity_id,omitempty"`
	Address    string          `json:"address,omitempty"`
	Reason     string          `json:"reason"`
	ExpiresAt  *time.Time      `json:"expires_at,omitempty"`
	IssuedBy   int             `json:"issued_by"`
	CreatedAt  time.Time       `json:"created_at"`
}

func (s *Suspension) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && !now.Before(*s.ExpiresAt)
}

func (s *Suspension) Permanent() bool {
	return s.ExpiresAt == nil
}

// SuspensionRequest is the loose shape moderators submit; see
// suspension.Normalize.
type SuspensionRequest struct {
	UserID          int        `json:"user_id" validate:"omitempty,gt=0"`
	Address         string     `json:"address" validate:"omitempty,ip"`
	Reason          string     `json:"reason" validate:"required,max=500"`
	DurationMinutes int        `json:"duration_minutes" validate:"omitempty,gt=0"`
	BanUntil        *time.Time `json:"ban_until"`
}
