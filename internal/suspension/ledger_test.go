package suspension

import (
	"context"
	"errors"
	"testing"
	"time"

	"groupchat/internal/database"
	"groupchat/internal/errs"
	"groupchat/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type evictCall struct {
	identityID int
	address    string
}

type fakeEvictor struct {
	calls []evictCall
}

func (f *fakeEvictor) EvictIdentity(_ context.Context, identityID int, _ *models.Suspension) int {
	f.calls = append(f.calls, evictCall{identityID: identityID})
	return 2
}

func (f *fakeEvictor) EvictAddress(_ context.Context, address string, _ *models.Suspension) int {
	f.calls = append(f.calls, evictCall{address: address})
	return 1
}

type fakeNotifier struct {
	sent chan *models.Suspension
}

func (f *fakeNotifier) NotifySuspended(_ context.Context, s *models.Suspension) error {
	f.sent <- s
	return nil
}

type failingStore struct {
	*database.MemoryDB
}

func (failingStore) SaveSuspension(context.Context, *models.Suspension) error {
	return errors.New("disk full")
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newLedger(t *testing.T) (*Ledger, *database.MemoryDB, *fakeEvictor, *clock) {
	t.Helper()
	db := database.NewMemoryDB()
	l := NewLedger(db, nil)
	ev := &fakeEvictor{}
	l.SetEvictor(ev)
	c := &clock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	l.SetClock(c.now)
	return l, db, ev, c
}

func expiresIn(c *clock, d time.Duration) *time.Time {
	t := c.t.Add(d)
	return &t
}

func TestApplyAccountEvictsAndExpires(t *testing.T) {
	ctx := context.Background()
	l, db, ev, c := newLedger(t)
	u := db.SeedUser(models.User{Username: "mallory"})

	n, err := l.Apply(ctx, &models.Suspension{Scope: models.ScopeAccount, IdentityID: u.ID, Reason: "spam", ExpiresAt: expiresIn(c, 60*time.Second)})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []evictCall{{identityID: u.ID}}, ev.calls)

	stored, _ := db.GetUserByID(ctx, u.ID)
	assert.True(t, stored.Suspended)

	c.advance(30 * time.Second)
	s, ok := l.IsSuspended(u.ID, "")
	require.True(t, ok)
	assert.Equal(t, "spam", s.Reason)

	c.advance(60 * time.Second)
	_, ok = l.IsSuspended(u.ID, "")
	assert.False(t, ok)
}

func TestApplyAddressMatchesHostOnly(t *testing.T) {
	ctx := context.Background()
	l, _, ev, _ := newLedger(t)

	_, err := l.Apply(ctx, &models.Suspension{Scope: models.ScopeAddress, Address: "203.0.113.7:5555", Reason: "abuse"})
	require.NoError(t, err)
	assert.Equal(t, []evictCall{{address: "203.0.113.7"}}, ev.calls)

	_, ok := l.IsSuspended(99, "203.0.113.7:41000")
	assert.True(t, ok)
	_, ok = l.IsSuspended(99, "203.0.113.8")
	assert.False(t, ok)
}

func TestApplyPersistenceFailure(t *testing.T) {
	l := NewLedger(failingStore{database.NewMemoryDB()}, nil)
	ev := &fakeEvictor{}
	l.SetEvictor(ev)

	_, err := l.Apply(context.Background(), &models.Suspension{Scope: models.ScopeAccount, IdentityID: 1, Reason: "x"})
	assert.ErrorIs(t, err, errs.ErrPersistenceFailed)
	assert.Empty(t, ev.calls, "nothing is evicted when the record was not stored")
	_, ok := l.IsSuspended(1, "")
	assert.False(t, ok)
}

func TestApplyRejectsMissingTarget(t *testing.T) {
	l, _, _, _ := newLedger(t)
	_, err := l.Apply(context.Background(), &models.Suspension{Scope: models.ScopeAccount, Reason: "x"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestLiftIsIdempotent(t *testing.T) {
	ctx := context.Background()
	l, db, _, _ := newLedger(t)
	u := db.SeedUser(models.User{Username: "eve"})

	require.NoError(t, l.Lift(ctx, u.ID))

	_, err := l.Apply(ctx, &models.Suspension{Scope: models.ScopeAccount, IdentityID: u.ID, Reason: "x"})
	require.NoError(t, err)
	require.NoError(t, l.Lift(ctx, u.ID))
	require.NoError(t, l.Lift(ctx, u.ID))

	_, ok := l.IsSuspended(u.ID, "")
	assert.False(t, ok)
	stored, _ := db.GetUserByID(ctx, u.ID)
	assert.False(t, stored.Suspended)

	require.NoError(t, l.LiftAddress(ctx, "198.51.100.1"))
}

func TestSweepAndLoad(t *testing.T) {
	ctx := context.Background()
	l, db, _, c := newLedger(t)
	u := db.SeedUser(models.User{Username: "trent"})

	_, err := l.Apply(ctx, &models.Suspension{Scope: models.ScopeAccount, IdentityID: u.ID, Reason: "short", ExpiresAt: expiresIn(c, time.Minute)})
	require.NoError(t, err)
	_, err = l.Apply(ctx, &models.Suspension{Scope: models.ScopeAddress, Address: "192.0.2.1", Reason: "forever"})
	require.NoError(t, err)

	c.advance(2 * time.Minute)
	removed, err := l.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	records, _ := db.ListSuspensions(ctx)
	require.Len(t, records, 1)
	stored, _ := db.GetUserByID(ctx, u.ID)
	assert.False(t, stored.Suspended)

	fresh := NewLedger(db, nil)
	fresh.SetClock(c.now)
	require.NoError(t, fresh.Load(ctx))
	_, ok := fresh.IsSuspended(0, "192.0.2.1")
	assert.True(t, ok)
	assert.Len(t, fresh.Active(), 1)
}

func TestNotifierCalledForAccountScope(t *testing.T) {
	db := database.NewMemoryDB()
	notifier := &fakeNotifier{sent: make(chan *models.Suspension, 1)}
	l := NewLedger(db, notifier)

	_, err := l.Apply(context.Background(), &models.Suspension{Scope: models.ScopeAccount, IdentityID: 4, Reason: "x"})
	require.NoError(t, err)

	select {
	case s := <-notifier.sent:
		assert.Equal(t, 4, s.IdentityID)
	case <-time.After(time.Second):
		t.Fatal("notifier not called")
	}
}

func TestNormalize(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	future := now.Add(24 * time.Hour)
	past := now.Add(-time.Hour)

	tests := []struct {
		name    string
		req     models.SuspensionRequest
		wantErr bool
		check   func(t *testing.T, s *models.Suspension)
	}{
		{
			name: "permanent account",
			req:  models.SuspensionRequest{UserID: 3, Reason: "spam"},
			check: func(t *testing.T, s *models.Suspension) {
				assert.Equal(t, models.ScopeAccount, s.Scope)
				assert.True(t, s.Permanent())
			},
		},
		{
			name: "duration",
			req:  models.SuspensionRequest{UserID: 3, Reason: "spam", DurationMinutes: 10},
			check: func(t *testing.T, s *models.Suspension) {
				assert.Equal(t, now.Add(10*time.Minute), *s.ExpiresAt)
			},
		},
		{
			name: "absolute date on address",
			req:  models.SuspensionRequest{Address: "2001:db8::1", Reason: "flood", BanUntil: &future},
			check: func(t *testing.T, s *models.Suspension) {
				assert.Equal(t, models.ScopeAddress, s.Scope)
				assert.Equal(t, "2001:db8::1", s.Address)
				assert.Equal(t, future, *s.ExpiresAt)
			},
		},
		{name: "both duration and date", req: models.SuspensionRequest{UserID: 3, Reason: "x", DurationMinutes: 5, BanUntil: &future}, wantErr: true},
		{name: "both user and address", req: models.SuspensionRequest{UserID: 3, Address: "192.0.2.1", Reason: "x"}, wantErr: true},
		{name: "no target", req: models.SuspensionRequest{Reason: "x"}, wantErr: true},
		{name: "date in the past", req: models.SuspensionRequest{UserID: 3, Reason: "x", BanUntil: &past}, wantErr: true},
		{name: "not an ip", req: models.SuspensionRequest{Address: "example.com", Reason: "x"}, wantErr: true},
		{name: "blank reason", req: models.SuspensionRequest{UserID: 3, Reason: "  "}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Normalize(&tt.req, 1, now)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidRequest)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 1, s.IssuedBy)
			tt.check(t, s)
		})
	}
}
