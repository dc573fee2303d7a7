// Package suspension holds the authoritative record of barred identities and
// addresses and enforces new suspensions against live connections.
package suspension

import (
	"context"
	"fmt"
	"time"

	"groupchat/internal/errs"
	"groupchat/internal/models"
	"groupchat/internal/shard"
	"groupchat/pkg/logger"
)

type Store interface {
	SaveSuspension(ctx context.Context, s *models.Suspension) error
	DeleteAccountSuspensions(ctx context.Context, identityID int) error
	DeleteAddressSuspensions(ctx context.Context, address string) error
	ListSuspensions(ctx context.Context) ([]*models.Suspension, error)
	DeleteExpiredSuspensions(ctx context.Context, now time.Time) (int64, error)
	SetUserSuspended(ctx context.Context, id int, suspended bool) error
}

// Evictor terminates live connections. Both calls return once every matching
// connection has been torn down and report how many there were.
type Evictor interface {
	EvictIdentity(ctx context.Context, identityID int, record *models.Suspension) int
	EvictAddress(ctx context.Context, address string, record *models.Suspension) int
}

// Notifier receives a best-effort notice for account suspensions.
type Notifier interface {
	NotifySuspended(ctx context.Context, record *models.Suspension) error
}

const notifyTimeout = 5 * time.Second

type Ledger struct {
	store     Store
	evictor   Evictor
	notifier  Notifier
	accounts  *shard.Map[int, *models.Suspension]
	addresses *shard.Map[string, *models.Suspension]
	now       func() time.Time
}

func NewLedger(store Store, notifier Notifier) *Ledger {
	return &Ledger{
		store:     store,
		notifier:  notifier,
		accounts:  shard.NewMap[int, *models.Suspension](shard.DefaultShards),
		addresses: shard.NewMap[string, *models.Suspension](shard.DefaultShards),
		now:       time.Now,
	}
}

// SetEvictor wires the component that owns live connections.
func (l *Ledger) SetEvictor(e Evictor) {
	l.evictor = e
}

// SetClock replaces the wall clock; used by tests.
func (l *Ledger) SetClock(now func() time.Time) {
	l.now = now
}

func (l *Ledger) Now() time.Time {
	return l.now()
}

// Load replaces the in-memory state with the store's unexpired records.
func (l *Ledger) Load(ctx context.Context) error {
	records, err := l.store.ListSuspensions(ctx)
	if err != nil {
		return fmt.Errorf("failed to load suspensions: %w", err)
	}

	now := l.now()
	loaded := 0
	for _, s := range records {
		if s.Expired(now) {
			continue
		}
		l.remember(s)
		loaded++
	}
	logger.Info("Loaded %d active suspensions", loaded)
	return nil
}

// IsSuspended returns the record barring identityID or address, if any. The
// account record wins when both exist. Expired records are dropped on read.
func (l *Ledger) IsSuspended(identityID int, address string) (*models.Suspension, bool) {
	now := l.now()

	if identityID > 0 {
		if s := lookup(l.accounts, identityID, now); s != nil {
			return s, true
		}
	}
	if address != "" {
		if s := lookup(l.addresses, CanonicalAddress(address), now); s != nil {
			return s, true
		}
	}
	return nil, false
}

func lookup[K comparable](m *shard.Map[K, *models.Suspension], key K, now time.Time) *models.Suspension {
	var found *models.Suspension
	m.Update(key, func(entries map[K]*models.Suspension) {
		s := entries[key]
		if s == nil {
			return
		}
		if s.Expired(now) {
			delete(entries, key)
			return
		}
		cp := *s
		found = &cp
	})
	return found
}

// Apply records s durably, then evicts every live connection it covers before
// returning. Eviction problems are logged and never fail Apply.
func (l *Ledger) Apply(ctx context.Context, s *models.Suspension) (int, error) {
	switch {
	case s.Scope == models.ScopeAccount && s.IdentityID > 0:
	case s.Scope == models.ScopeAddress && s.Address != "":
		s.Address = CanonicalAddress(s.Address)
	default:
		return 0, fmt.Errorf("%w: suspension has no target", ErrInvalidRequest)
	}
	if s.Expired(l.now()) {
		return 0, fmt.Errorf("%w: suspension already expired", ErrInvalidRequest)
	}

	if err := l.store.SaveSuspension(ctx, s); err != nil {
		return 0, fmt.Errorf("%w: %v", errs.ErrPersistenceFailed, err)
	}
	l.remember(s)

	evicted := 0
	switch s.Scope {
	case models.ScopeAccount:
		if err := l.store.SetUserSuspended(ctx, s.IdentityID, true); err != nil {
			logger.Warn("Failed to flag user %d as suspended: %v", s.IdentityID, err)
		}
		if l.evictor != nil {
			evicted = l.evictor.EvictIdentity(ctx, s.IdentityID, s)
		}
		l.notify(s)
		logger.Info("Suspended user %d (%s), evicted %d connections", s.IdentityID, describeExpiry(s), evicted)
	case models.ScopeAddress:
		if l.evictor != nil {
			evicted = l.evictor.EvictAddress(ctx, s.Address, s)
		}
		logger.Info("Suspended address %s (%s), evicted %d connections", s.Address, describeExpiry(s), evicted)
	}

	return evicted, nil
}

func (l *Ledger) notify(s *models.Suspension) {
	if l.notifier == nil {
		return
	}
	record := *s
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := l.notifier.NotifySuspended(ctx, &record); err != nil {
			logger.Warn("Suspension notice for user %d not delivered: %v", record.IdentityID, err)
		}
	}()
}

// Lift removes any account suspension for identityID. Lifting an identity
// that is not suspended succeeds.
func (l *Ledger) Lift(ctx context.Context, identityID int) error {
	if err := l.store.DeleteAccountSuspensions(ctx, identityID); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrPersistenceFailed, err)
	}
	l.accounts.Delete(identityID)
	if err := l.store.SetUserSuspended(ctx, identityID, false); err != nil {
		logger.Warn("Failed to clear suspended flag of user %d: %v", identityID, err)
	}
	logger.Info("Lifted suspension of user %d", identityID)
	return nil
}

// LiftAddress removes any suspension of address.
func (l *Ledger) LiftAddress(ctx context.Context, address string) error {
	address = CanonicalAddress(address)
	if err := l.store.DeleteAddressSuspensions(ctx, address); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrPersistenceFailed, err)
	}
	l.addresses.Delete(address)
	logger.Info("Lifted suspension of address %s", address)
	return nil
}

// SweepExpired purges expired records from memory and from the store.
func (l *Ledger) SweepExpired(ctx context.Context) (int, error) {
	now := l.now()
	expired := func(_ int, s *models.Suspension) bool { return s.Expired(now) }
	removed := l.accounts.Sweep(expired)
	removed += l.addresses.Sweep(func(_ string, s *models.Suspension) bool { return s.Expired(now) })

	records, err := l.store.ListSuspensions(ctx)
	if err != nil {
		return removed, fmt.Errorf("failed to list suspensions: %w", err)
	}
	for _, s := range records {
		if s.Scope == models.ScopeAccount && s.Expired(now) {
			if err := l.store.SetUserSuspended(ctx, s.IdentityID, false); err != nil {
				logger.Warn("Failed to clear suspended flag of user %d: %v", s.IdentityID, err)
			}
		}
	}
	if _, err := l.store.DeleteExpiredSuspensions(ctx, now); err != nil {
		return removed, fmt.Errorf("failed to delete expired suspensions: %w", err)
	}
	return removed, nil
}

// Run sweeps expired records every interval until ctx is done.
func (l *Ledger) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := l.SweepExpired(ctx)
			if err != nil {
				logger.Error("Suspension sweep failed: %v", err)
				continue
			}
			if n > 0 {
				logger.Info("Swept %d expired suspensions", n)
			}
		}
	}
}

// Active lists the unexpired in-memory records.
func (l *Ledger) Active() []*models.Suspension {
	now := l.now()
	var out []*models.Suspension
	collect := func(s *models.Suspension) {
		if !s.Expired(now) {
			cp := *s
			out = append(out, &cp)
		}
	}
	l.accounts.Range(func(_ int, s *models.Suspension) bool { collect(s); return true })
	l.addresses.Range(func(_ string, s *models.Suspension) bool { collect(s); return true })
	return out
}

func (l *Ledger) remember(s *models.Suspension) {
	cp := *s
	switch s.Scope {
	case models.ScopeAccount:
		l.accounts.Store(s.IdentityID, &cp)
	case models.ScopeAddress:
		l.addresses.Store(CanonicalAddress(s.Address), &cp)
	}
}

func describeExpiry(s *models.Suspension) string {
	if s.Permanent() {
		return "permanent"
	}
	return "until " + s.ExpiresAt.UTC().Format(time.RFC3339)
}
