// Package notify hands suspension notices to the outbound mail pipeline.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"groupchat/internal/models"
	"groupchat/pkg/logger"

	"github.com/redis/go-redis/v9"
)

const maxQueued = 10000

// Notice is the JSON document a mail worker consumes.
type Notice struct {
	Kind      string     `json:"kind"`
	UserID    int        `json:"user_id"`
	Email     string     `json:"email,omitempty"`
	Username  string     `json:"username,omitempty"`
	Reason    string     `json:"reason"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	IssuedAt  time.Time  `json:"issued_at"`
}

type UserLookup interface {
	GetUserByID(ctx context.Context, id int) (*models.User, error)
}

func buildNotice(ctx context.Context, users UserLookup, s *models.Suspension) Notice {
	n := Notice{
		Kind:      "account_suspended",
		UserID:    s.IdentityID,
		Reason:    s.Reason,
		ExpiresAt: s.ExpiresAt,
		IssuedAt:  s.CreatedAt,
	}
	if n.IssuedAt.IsZero() {
		n.IssuedAt = time.Now().UTC()
	}
	if users != nil {
		if u, err := users.GetUserByID(ctx, s.IdentityID); err == nil {
			n.Email, n.Username = u.Email, u.Username
		}
	}
	return n
}

// RedisSink pushes notices onto a Redis list and announces them on a channel
// of the same name.
type RedisSink struct {
	rdb   *redis.Client
	list  string
	users UserLookup
}

func NewRedisSink(rdb *redis.Client, list string, users UserLookup) *RedisSink {
	return &RedisSink{rdb: rdb, list: list, users: users}
}

func (s *RedisSink) NotifySuspended(ctx context.Context, record *models.Suspension) error {
	data, err := json.Marshal(buildNotice(ctx, s.users, record))
	if err != nil {
		return fmt.Errorf("failed to marshal notice: %w", err)
	}

	pipe := s.rdb.Pipeline()
	pipe.LPush(ctx, s.list, data)
	pipe.LTrim(ctx, s.list, 0, maxQueued-1)
	pipe.Publish(ctx, s.list, data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to queue notice: %w", err)
	}

	logger.Debug("Queued suspension notice for user %d on %s", record.IdentityID, s.list)
	return nil
}

// LogSink only logs notices; used when no Redis is configured.
type LogSink struct {
	users UserLookup
}

func NewLogSink(users UserLookup) *LogSink {
	return &LogSink{users: users}
}

func (s *LogSink) NotifySuspended(ctx context.Context, record *models.Suspension) error {
	n := buildNotice(ctx, s.users, record)
	logger.Info("Suspension notice for user %d <%s>: %s", n.UserID, n.Email, n.Reason)
	return nil
}
