// Package fanout persists room messages and delivers them, in one order, to
// every live connection of every room member.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"groupchat/internal/errs"
	"groupchat/internal/models"
	"groupchat/internal/session"
	"groupchat/internal/shard"
	"groupchat/pkg/logger"
)

const (
	DefaultMaxBody = 4000
	previewLength  = 80
)

type MessageStore interface {
	AppendMessage(ctx context.Context, msg *models.Message) error
	GetMessage(ctx context.Context, id int64) (*models.Message, error)
	UpdateMessageBody(ctx context.Context, id int64, body string, editedAt time.Time) error
	MarkMessageDeleted(ctx context.Context, id int64) error
}

type Members interface {
	IsMember(ctx context.Context, roomID, identityID int) (bool, error)
	MembersOf(ctx context.Context, roomID int) ([]int, error)
}

type Presence interface {
	ConnectionsOf(identityID int) []*session.Conn
	OnlineStaff() []int
}

type Engine struct {
	store    MessageStore
	members  Members
	presence Presence
	rooms    *shard.KeyedMutex[int]
	maxBody  int
	now      func() time.Time
}

func NewEngine(store MessageStore, members Members, presence Presence, maxBody int) *Engine {
	if maxBody <= 0 {
		maxBody = DefaultMaxBody
	}
	return &Engine{
		store:    store,
		members:  members,
		presence: presence,
		rooms:    shard.NewKeyedMutex[int](shard.DefaultShards),
		maxBody:  maxBody,
		now:      time.Now,
	}
}

// Publish stores a message from conn's identity and delivers it to every
// live connection of every member of roomID, the sender's own connections
// included. Delivery problems never fail a publish that was stored.
func (e *Engine) Publish(ctx context.Context, conn *session.Conn, roomID int, body string, replyTo *int64) (*models.Message, error) {
	body, err := e.cleanBody(body)
	if err != nil {
		return nil, err
	}
	sender := conn.Identity
	if err := e.requireMember(ctx, roomID, sender.ID); err != nil {
		return nil, err
	}
	if replyTo != nil {
		parent, err := e.store.GetMessage(ctx, *replyTo)
		if err != nil || parent.RoomID != roomID {
			return nil, fmt.Errorf("%w: reply target %d not in room %d", errs.ErrInvalidMessage, *replyTo, roomID)
		}
	}

	msg := &models.Message{
		RoomID:   roomID,
		UserID:   sender.ID,
		Username: sender.Username,
		Body:     body,
		ReplyTo:  replyTo,
	}

	err = e.ordered(ctx, roomID, func() (*models.Event, error) {
		if err := e.store.AppendMessage(ctx, msg); err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrPersistenceFailed, err)
		}
		return &models.Event{Type: models.EventMessage, RoomID: roomID, Message: msg, Timestamp: stamp(msg.CreatedAt)}, nil
	})
	if err != nil {
		return nil, err
	}

	e.notifyStaff(msg)
	return msg, nil
}

// Edit replaces the body of a message. Only its author or staff may edit;
// recipients get a message_edited event, earlier copies are not rewritten.
func (e *Engine) Edit(ctx context.Context, conn *session.Conn, messageID int64, body string) (*models.Message, error) {
	body, err := e.cleanBody(body)
	if err != nil {
		return nil, err
	}
	msg, err := e.authorize(ctx, conn, messageID)
	if err != nil {
		return nil, err
	}

	err = e.ordered(ctx, msg.RoomID, func() (*models.Event, error) {
		editedAt := e.now().UTC()
		if err := e.store.UpdateMessageBody(ctx, messageID, body, editedAt); err != nil {
			if errors.Is(err, errs.ErrNotFound) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %v", errs.ErrPersistenceFailed, err)
		}
		msg.Body = body
		msg.EditedAt = &editedAt
		return &models.Event{Type: models.EventMessageEdited, RoomID: msg.RoomID, MessageID: msg.ID, Message: msg}, nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// Delete tombstones a message; same permission rule as Edit.
func (e *Engine) Delete(ctx context.Context, conn *session.Conn, messageID int64) error {
	msg, err := e.authorize(ctx, conn, messageID)
	if err != nil {
		return err
	}

	return e.ordered(ctx, msg.RoomID, func() (*models.Event, error) {
		if err := e.store.MarkMessageDeleted(ctx, messageID); err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrPersistenceFailed, err)
		}
		return &models.Event{Type: models.EventMessageDeleted, RoomID: msg.RoomID, MessageID: msg.ID, UserID: conn.IdentityID()}, nil
	})
}

// Broadcast delivers a transient event to every live connection of every
// member of roomID except exceptIdentity (0 excludes nobody). It shares the
// room's ordering with published messages.
func (e *Engine) Broadcast(ctx context.Context, roomID int, ev models.Event, exceptIdentity int) error {
	ev.RoomID = roomID
	data, err := ev.Encode()
	if err != nil {
		return fmt.Errorf("encode %s event: %w", ev.Type, err)
	}

	unlock := e.rooms.Lock(roomID)
	defer unlock()

	return e.deliver(ctx, roomID, data, exceptIdentity)
}

// ordered runs step inside the room's ordered section and delivers the event
// it returns before the section is released.
func (e *Engine) ordered(ctx context.Context, roomID int, step func() (*models.Event, error)) error {
	unlock := e.rooms.Lock(roomID)
	defer unlock()

	ev, err := step()
	if err != nil {
		return err
	}
	data, err := ev.Encode()
	if err != nil {
		return fmt.Errorf("encode %s event: %w", ev.Type, err)
	}

	var delivery *errs.DeliveryError
	if err := e.deliver(ctx, roomID, data, 0); errors.As(err, &delivery) {
		logger.Warn("Room %d %s: %v", roomID, ev.Type, delivery)
	} else if err != nil {
		logger.Error("Room %d %s delivery: %v", roomID, ev.Type, err)
	}
	return nil
}

// deliver enqueues data to the members' connections. It must be called with
// the room lock held.
func (e *Engine) deliver(ctx context.Context, roomID int, data []byte, exceptIdentity int) error {
	members, err := e.members.MembersOf(ctx, roomID)
	if err != nil {
		return fmt.Errorf("load members of room %d: %w", roomID, err)
	}

	attempted, failed := 0, 0
	for _, id := range members {
		if id == exceptIdentity {
			continue
		}
		for _, c := range e.presence.ConnectionsOf(id) {
			attempted++
			if err := c.Send(data); err != nil {
				failed++
				if errors.Is(err, errs.ErrSendBufferFull) {
					logger.Warn("Dropping slow connection %s of user %d", c.ID, id)
					c.Close(nil)
				}
			}
		}
	}

	if failed > 0 {
		return &errs.DeliveryError{Attempted: attempted, Failed: failed}
	}
	return nil
}

// notifyStaff sends a short notice of msg to every online moderator and
// admin, member or not.
func (e *Engine) notifyStaff(msg *models.Message) {
	staff := e.presence.OnlineStaff()
	if len(staff) == 0 {
		return
	}

	data, err := models.Event{
		Type:      models.EventAdminNotification,
		RoomID:    msg.RoomID,
		MessageID: msg.ID,
		UserID:    msg.UserID,
		Username:  msg.Username,
		Text:      preview(msg.Body),
	}.Encode()
	if err != nil {
		logger.Error("Encode admin notification: %v", err)
		return
	}

	for _, id := range staff {
		for _, c := range e.presence.ConnectionsOf(id) {
			if err := c.Send(data); err != nil {
				logger.Debug("Admin notification to user %d dropped: %v", id, err)
			}
		}
	}
}

func (e *Engine) authorize(ctx context.Context, conn *session.Conn, messageID int64) (*models.Message, error) {
	msg, err := e.store.GetMessage(ctx, messageID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, fmt.Errorf("message %d: %w", messageID, errs.ErrNotFound)
		}
		return nil, fmt.Errorf("load message %d: %w", messageID, err)
	}
	if msg.Deleted {
		return nil, fmt.Errorf("message %d: %w", messageID, errs.ErrNotFound)
	}

	staff := conn.Identity.Role.IsStaff()
	if msg.UserID != conn.IdentityID() && !staff {
		return nil, errs.ErrForbidden
	}
	if !staff {
		if err := e.requireMember(ctx, msg.RoomID, conn.IdentityID()); err != nil {
			return nil, err
		}
	}
	return msg, nil
}

func (e *Engine) requireMember(ctx context.Context, roomID, identityID int) error {
	ok, err := e.members.IsMember(ctx, roomID, identityID)
	if err != nil {
		return fmt.Errorf("check membership: %w", err)
	}
	if !ok {
		return errs.ErrNotAMember
	}
	return nil
}

func (e *Engine) cleanBody(body string) (string, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return "", fmt.Errorf("%w: empty body", errs.ErrInvalidMessage)
	}
	if utf8.RuneCountInString(body) > e.maxBody {
		return "", fmt.Errorf("%w: body longer than %d characters", errs.ErrInvalidMessage, e.maxBody)
	}
	return body, nil
}

func preview(body string) string {
	if utf8.RuneCountInString(body) <= previewLength {
		return body
	}
	runes := []rune(body)
	return string(runes[:previewLength]) + "…"
}

func stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
