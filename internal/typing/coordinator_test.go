package typing

import (
	"context"
	"sync"
	"testing"
	"time"

	"groupchat/internal/errs"
	"groupchat/internal/models"
	"groupchat/internal/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticMembers map[int][]int

func (m staticMembers) IsMember(_ context.Context, roomID, identityID int) (bool, error) {
	for _, id := range m[roomID] {
		if id == identityID {
			return true, nil
		}
	}
	return false, nil
}

type broadcast struct {
	roomID int
	ev     models.Event
	except int
}

type recorder struct {
	mu   sync.Mutex
	sent []broadcast
}

func (r *recorder) Broadcast(_ context.Context, roomID int, ev models.Event, except int) error {
	r.mu.Lock()
	r.sent = append(r.sent, broadcast{roomID, ev, except})
	r.mu.Unlock()
	return nil
}

func setup() (*Coordinator, *recorder, *time.Time) {
	rec := &recorder{}
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	c := NewCoordinator(staticMembers{1: {10, 20}, 2: {10}}, rec, 5*time.Second)
	c.SetClock(func() time.Time { return now })
	return c, rec, &now
}

func conn(id int) *session.Conn {
	return session.NewConn(models.User{ID: id, Username: "user"}, "", 4)
}

func TestTypingExpiresLazily(t *testing.T) {
	c, rec, now := setup()
	ctx := context.Background()

	require.NoError(t, c.SetTyping(ctx, conn(10), 1, true))
	assert.Equal(t, []int{10}, c.Typing(1))

	require.Len(t, rec.sent, 1)
	sent := rec.sent[0]
	assert.Equal(t, 10, sent.except, "sender does not get its own indicator")
	assert.True(t, *sent.ev.IsTyping)
	require.NotNil(t, sent.ev.ExpiresAt)
	assert.Equal(t, now.Add(5*time.Second), *sent.ev.ExpiresAt)

	*now = now.Add(6 * time.Second)
	assert.Empty(t, c.Typing(1))
}

func TestTypingFalseBroadcastsClearance(t *testing.T) {
	c, rec, _ := setup()
	ctx := context.Background()

	require.NoError(t, c.SetTyping(ctx, conn(10), 1, true))
	require.NoError(t, c.SetTyping(ctx, conn(10), 1, false))
	assert.Empty(t, c.Typing(1))
	require.Len(t, rec.sent, 2)
	assert.False(t, *rec.sent[1].ev.IsTyping)

	require.NoError(t, c.SetTyping(ctx, conn(10), 1, false))
	assert.Len(t, rec.sent, 2, "clearing an absent indicator is silent")
}

func TestTypingRequiresMembership(t *testing.T) {
	c, rec, _ := setup()
	err := c.SetTyping(context.Background(), conn(20), 2, true)
	assert.ErrorIs(t, err, errs.ErrNotAMember)
	assert.Empty(t, rec.sent)
}

func TestClearIdentity(t *testing.T) {
	c, rec, now := setup()
	ctx := context.Background()

	require.NoError(t, c.SetTyping(ctx, conn(10), 1, true))
	require.NoError(t, c.SetTyping(ctx, conn(10), 2, true))
	require.NoError(t, c.SetTyping(ctx, conn(20), 1, true))
	rec.sent = nil

	c.ClearIdentity(ctx, 10)
	assert.Equal(t, []int{20}, c.Typing(1))
	assert.Empty(t, c.Typing(2))
	require.Len(t, rec.sent, 2)
	assert.Equal(t, 1, rec.sent[0].roomID)
	assert.Equal(t, 2, rec.sent[1].roomID)

	*now = now.Add(time.Minute)
	rec.sent = nil
	c.ClearIdentity(ctx, 20)
	assert.Empty(t, rec.sent, "expired indicators are dropped without broadcast")
}
