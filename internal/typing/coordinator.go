// Package typing tracks short-lived "is typing" indicators per room.
package typing

import (
	"context"
	"fmt"
	"sort"
	"time"

	"groupchat/internal/errs"
	"groupchat/internal/models"
	"groupchat/internal/session"
	"groupchat/internal/shard"
	"groupchat/pkg/logger"
)

const DefaultTTL = 5 * time.Second

type Members interface {
	IsMember(ctx context.Context, roomID, identityID int) (bool, error)
}

type Broadcaster interface {
	Broadcast(ctx context.Context, roomID int, ev models.Event, exceptIdentity int) error
}

type indicator struct {
	username  string
	expiresAt time.Time
}

// Coordinator keeps room -> identity -> expiry. Entries expire lazily; there
// is no background sweeper.
type Coordinator struct {
	members     Members
	broadcaster Broadcaster
	ttl         time.Duration
	rooms       *shard.Map[int, map[int]indicator]
	byIdentity  *shard.Map[int, map[int]struct{}]
	now         func() time.Time
}

func NewCoordinator(members Members, broadcaster Broadcaster, ttl time.Duration) *Coordinator {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Coordinator{
		members:     members,
		broadcaster: broadcaster,
		ttl:         ttl,
		rooms:       shard.NewMap[int, map[int]indicator](shard.DefaultShards),
		byIdentity:  shard.NewMap[int, map[int]struct{}](shard.DefaultShards),
		now:         time.Now,
	}
}

// SetClock replaces the wall clock; used by tests.
func (c *Coordinator) SetClock(now func() time.Time) {
	c.now = now
}

// SetTyping records or clears the sender's indicator in roomID and tells the
// other members.
func (c *Coordinator) SetTyping(ctx context.Context, conn *session.Conn, roomID int, isTyping bool) error {
	id := conn.IdentityID()
	ok, err := c.members.IsMember(ctx, roomID, id)
	if err != nil {
		return fmt.Errorf("check membership: %w", err)
	}
	if !ok {
		return errs.ErrNotAMember
	}

	now := c.now()
	if isTyping {
		expiresAt := now.Add(c.ttl)
		c.rooms.Update(roomID, func(rooms map[int]map[int]indicator) {
			entries := rooms[roomID]
			if entries == nil {
				entries = make(map[int]indicator)
				rooms[roomID] = entries
			}
			entries[id] = indicator{username: conn.Identity.Username, expiresAt: expiresAt}
		})
		c.byIdentity.Update(id, func(ids map[int]map[int]struct{}) {
			set := ids[id]
			if set == nil {
				set = make(map[int]struct{})
				ids[id] = set
			}
			set[roomID] = struct{}{}
		})
		return c.announce(ctx, roomID, id, conn.Identity.Username, true, &expiresAt)
	}

	if _, active := c.clear(roomID, id, now); active {
		return c.announce(ctx, roomID, id, conn.Identity.Username, false, nil)
	}
	return nil
}

// Typing lists identities currently typing in roomID.
func (c *Coordinator) Typing(roomID int) []int {
	now := c.now()
	var ids []int
	c.rooms.View(roomID, func(rooms map[int]map[int]indicator) {
		for id, ind := range rooms[roomID] {
			if now.Before(ind.expiresAt) {
				ids = append(ids, id)
			}
		}
	})
	sort.Ints(ids)
	return ids
}

// ClearIdentity drops every indicator of identityID and broadcasts clearance
// for the ones still live.
func (c *Coordinator) ClearIdentity(ctx context.Context, identityID int) {
	var rooms []int
	c.byIdentity.Update(identityID, func(ids map[int]map[int]struct{}) {
		for roomID := range ids[identityID] {
			rooms = append(rooms, roomID)
		}
		delete(ids, identityID)
	})
	sort.Ints(rooms)

	now := c.now()
	for _, roomID := range rooms {
		username, active := c.clear(roomID, identityID, now)
		if !active {
			continue
		}
		if err := c.announce(ctx, roomID, identityID, username, false, nil); err != nil {
			logger.Warn("Typing clearance for user %d in room %d: %v", identityID, roomID, err)
		}
	}
}

// clear removes one indicator and reports whether it was still live.
func (c *Coordinator) clear(roomID, identityID int, now time.Time) (string, bool) {
	var (
		username string
		active   bool
	)
	c.rooms.Update(roomID, func(rooms map[int]map[int]indicator) {
		entries := rooms[roomID]
		ind, ok := entries[identityID]
		if !ok {
			return
		}
		delete(entries, identityID)
		if len(entries) == 0 {
			delete(rooms, roomID)
		}
		username, active = ind.username, now.Before(ind.expiresAt)
	})
	return username, active
}

func (c *Coordinator) announce(ctx context.Context, roomID, identityID int, username string, isTyping bool, expiresAt *time.Time) error {
	ev := models.Event{
		Type:      models.EventTyping,
		RoomID:    roomID,
		UserID:    identityID,
		Username:  username,
		IsTyping:  &isTyping,
		ExpiresAt: expiresAt,
	}
	return c.broadcaster.Broadcast(ctx, roomID, ev, identityID)
}
