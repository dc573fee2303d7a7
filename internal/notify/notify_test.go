package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"groupchat/internal/database"
	"groupchat/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Requires Redis on localhost:6379; skipped otherwise.
const testRedisAddr = "localhost:6379"

func TestRedisSinkQueuesNotice(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: testRedisAddr})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available at %s: %v", testRedisAddr, err)
	}
	defer client.Close()

	list := "groupchat:test:notices"
	client.Del(ctx, list)
	defer client.Del(ctx, list)

	db := database.NewMemoryDB()
	u := db.SeedUser(models.User{Username: "mallory", Email: "mallory@example.com"})
	until := time.Now().Add(time.Hour).UTC().Truncate(time.Second)

	sink := NewRedisSink(client, list, db)
	require.NoError(t, sink.NotifySuspended(ctx, &models.Suspension{Scope: models.ScopeAccount, IdentityID: u.ID, Reason: "spam", ExpiresAt: &until}))

	raw, err := client.RPop(ctx, list).Result()
	require.NoError(t, err)

	var n Notice
	require.NoError(t, json.Unmarshal([]byte(raw), &n))
	assert.Equal(t, "account_suspended", n.Kind)
	assert.Equal(t, "mallory@example.com", n.Email)
	assert.Equal(t, "spam", n.Reason)
	assert.True(t, until.Equal(*n.ExpiresAt))
}

func TestBuildNoticeWithoutUser(t *testing.T) {
	n := buildNotice(context.Background(), database.NewMemoryDB(), &models.Suspension{IdentityID: 42, Reason: "gone"})
	assert.Equal(t, 42, n.UserID)
	assert.Empty(t, n.Email)
	assert.False(t, n.IssuedAt.IsZero())

	assert.NoError(t, NewLogSink(nil).NotifySuspended(context.Background(), &models.Suspension{IdentityID: 1, Reason: "x"}))
}
