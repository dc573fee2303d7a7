// Package errs holds the error taxonomy shared by the realtime core and the
// HTTP surface.
package errs

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrAuthRejected       = errors.New("invalid credential")
	ErrNotAMember         = errors.New("not a member of this room")
	ErrPersistenceFailed  = errors.New("persistence failed")
	ErrInvalidMessage     = errors.New("invalid message")
	ErrInvalidCommand     = errors.New("invalid command")
	ErrRateLimited        = errors.New("rate limited")
	ErrForbidden          = errors.New("forbidden")
	ErrNotFound           = errors.New("not found")
	ErrConnClosed         = errors.New("connection closed")
	ErrSendBufferFull     = errors.New("send buffer full")
	ErrEvictionIncomplete = errors.New("eviction incomplete")
)

// Wire reasons sent to clients.
const (
	ReasonInvalidCredential = "invalid_credential"
	ReasonSuspended         = "suspended"
	ReasonNotAMember        = "not_a_member"
	ReasonPersistenceFailed = "persistence_failed"
	ReasonInvalidMessage    = "invalid_message"
	ReasonInvalidCommand    = "invalid_command"
	ReasonRateLimited       = "rate_limited"
	ReasonForbidden         = "forbidden"
	ReasonNotFound          = "not_found"
	ReasonInternal          = "internal_error"
)

// SuspendedError rejects a connection whose identity or address is barred.
type SuspendedError struct {
	Reason    string
	ExpiresAt *time.Time
}

func (e *SuspendedError) Error() string {
	if e.ExpiresAt == nil {
		return fmt.Sprintf("suspended: %s", e.Reason)
	}
	return fmt.Sprintf("suspended until %s: %s", e.ExpiresAt.UTC().Format(time.RFC3339), e.Reason)
}

// DeliveryError reports recipients that could not be reached during a fanout.
// It is informational; the published message is already durable.
type DeliveryError struct {
	Attempted int
	Failed    int
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery partial failure: %d of %d recipients unreachable", e.Failed, e.Attempted)
}

// Reason maps an error to the code sent to clients.
func Reason(err error) string {
	var suspended *SuspendedError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &suspended):
		return ReasonSuspended
	case errors.Is(err, ErrAuthRejected):
		return ReasonInvalidCredential
	case errors.Is(err, ErrNotAMember):
		return ReasonNotAMember
	case errors.Is(err, ErrPersistenceFailed):
		return ReasonPersistenceFailed
	case errors.Is(err, ErrInvalidMessage):
		return ReasonInvalidMessage
	case errors.Is(err, ErrInvalidCommand):
		return ReasonInvalidCommand
	case errors.Is(err, ErrRateLimited):
		return ReasonRateLimited
	case errors.Is(err, ErrForbidden):
		return ReasonForbidden
	case errors.Is(err, ErrNotFound):
		return ReasonNotFound
	default:
		return ReasonInternal
	}
}
