package suspension

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"groupchat/internal/models"
)

var ErrInvalidRequest = errors.New("invalid suspension request")

// Normalize turns a moderator request into a ledger record. Exactly one of
// user id or address must be set; a duration and an absolute end date are
// mutually exclusive; neither means permanent.
func Normalize(req *models.SuspensionRequest, issuedBy int, now time.Time) (*models.Suspension, error) {
	hasUser := req.UserID > 0
	hasAddr := strings.TrimSpace(req.Address) != ""
	if hasUser == hasAddr {
		return nil, fmt.Errorf("%w: exactly one of user_id or address is required", ErrInvalidRequest)
	}
	if req.DurationMinutes > 0 && req.BanUntil != nil {
		return nil, fmt.Errorf("%w: duration_minutes and ban_until are mutually exclusive", ErrInvalidRequest)
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return nil, fmt.Errorf("%w: reason is required", ErrInvalidRequest)
	}

	s := &models.Suspension{
		Reason:   reason,
		IssuedBy: issuedBy,
	}

	switch {
	case req.DurationMinutes > 0:
		until := now.Add(time.Duration(req.DurationMinutes) * time.Minute)
		s.ExpiresAt = &until
	case req.BanUntil != nil:
		if !req.BanUntil.After(now) {
			return nil, fmt.Errorf("%w: ban_until is in the past", ErrInvalidRequest)
		}
		until := req.BanUntil.UTC()
		s.ExpiresAt = &until
	}

	if hasUser {
		s.Scope = models.ScopeAccount
		s.IdentityID = req.UserID
		return s, nil
	}

	addr := CanonicalAddress(req.Address)
	if net.ParseIP(addr) == nil {
		return nil, fmt.Errorf("%w: %q is not an IP address", ErrInvalidRequest, req.Address)
	}
	s.Scope = models.ScopeAddress
	s.Address = addr
	return s, nil
}

// CanonicalAddress strips any port and normalizes the textual IP form so that
// address bans match on host only.
func CanonicalAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	addr = strings.Trim(addr, "[]")
	if ip := net.ParseIP(addr); ip != nil {
		return ip.String()
	}
	return addr
}
