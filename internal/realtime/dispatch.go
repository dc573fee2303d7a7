package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"groupchat/internal/errs"
	"groupchat/internal/models"
	"groupchat/internal/session"
	"groupchat/pkg/logger"
)

// Dispatch handles one inbound frame from conn. Failures are reported back to
// the connection as error events; Dispatch itself never fails.
func (s *Supervisor) Dispatch(ctx context.Context, conn *session.Conn, raw []byte) {
	conn.Touch()

	if limiter, ok := s.limiters.Load(conn.ID); ok && !limiter.allow() {
		s.replyError(conn, "", errs.ErrRateLimited)
		return
	}

	var cmd models.Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		s.replyError(conn, "", fmt.Errorf("%w: %v", errs.ErrInvalidCommand, err))
		return
	}

	if err := s.handle(ctx, conn, &cmd); err != nil {
		s.replyError(conn, cmd.RequestID, err)
	}
}

func (s *Supervisor) handle(ctx context.Context, conn *session.Conn, cmd *models.Command) error {
	switch cmd.Type {
	case models.CommandSend:
		_, err := s.fanout.Publish(ctx, conn, cmd.RoomID, cmd.Body, cmd.ReplyTo)
		return err

	case models.CommandEdit:
		_, err := s.fanout.Edit(ctx, conn, cmd.MessageID, cmd.Body)
		return err

	case models.CommandDelete:
		return s.fanout.Delete(ctx, conn, cmd.MessageID)

	case models.CommandTyping:
		return s.typing.SetTyping(ctx, conn, cmd.RoomID, cmd.IsTyping)

	case models.CommandStatus:
		return s.setStatus(ctx, conn, cmd.Status)

	case models.CommandPing:
		s.send(conn, models.Event{Type: models.EventPong, RequestID: cmd.RequestID})
		return nil

	default:
		return fmt.Errorf("%w: unknown type %q", errs.ErrInvalidCommand, cmd.Type)
	}
}

func (s *Supervisor) setStatus(ctx context.Context, conn *session.Conn, status models.PresenceStatus) error {
	var away bool
	switch status {
	case models.StatusAway:
		away = true
	case models.StatusOnline:
	default:
		return fmt.Errorf("%w: status must be online or away", errs.ErrInvalidCommand)
	}

	if !s.presence.SetAway(conn.IdentityID(), away) {
		return nil
	}
	s.announcePresence(ctx, conn.Identity, conn.Rooms(), status)
	return nil
}

func (s *Supervisor) replyError(conn *session.Conn, requestID string, err error) {
	code := errs.Reason(err)
	text := err.Error()
	if code == errs.ReasonInternal {
		logger.Error("Command from user %d failed: %v", conn.IdentityID(), err)
		text = "internal error"
	} else if errors.Is(err, errs.ErrPersistenceFailed) {
		logger.Error("Command from user %d not stored: %v", conn.IdentityID(), err)
		text = errs.ErrPersistenceFailed.Error()
	}

	s.send(conn, models.Event{Type: models.EventError, Code: code, Text: text, RequestID: requestID})
}
