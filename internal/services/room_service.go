package services

import (
	"context"
	"errors"
	"fmt"

	"groupchat/internal/database"
	"groupchat/internal/errs"
	"groupchat/internal/models"
)

// Invalidator refreshes the live view of one room's membership.
type Invalidator interface {
	Invalidate(ctx context.Context, roomID int) error
}

// RoomService is the group-management API. Every membership change is
// durable and reflected in live subscriptions before the call returns.
type RoomService struct {
	db      database.Database
	members Invalidator
}

func NewRoomService(db database.Database, members Invalidator) *RoomService {
	return &RoomService{db: db, members: members}
}

func (s *RoomService) CreateRoom(ctx context.Context, req *models.CreateRoomRequest, ownerID int) (*models.Room, error) {
	if req.Name == "" {
		return nil, fmt.Errorf("room name is required")
	}

	room, err := s.db.CreateRoom(ctx, req, ownerID)
	if err != nil {
		return nil, err
	}
	if err := s.members.Invalidate(ctx, room.ID); err != nil {
		return nil, err
	}
	return room, nil
}

func (s *RoomService) ListUserRooms(ctx context.Context, userID int) ([]*models.Room, error) {
	return s.db.ListUserRooms(ctx, userID)
}

func (s *RoomService) GetRoom(ctx context.Context, roomID int) (*models.Room, error) {
	return s.getRoom(ctx, roomID)
}

func (s *RoomService) DeleteRoom(ctx context.Context, roomID, ownerID int) error {
	room, err := s.getRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if room.OwnerID != ownerID {
		return fmt.Errorf("%w: not the room owner", errs.ErrForbidden)
	}
	if err := s.db.DeleteRoom(ctx, roomID, ownerID); err != nil {
		return err
	}
	return s.members.Invalidate(ctx, roomID)
}

func (s *RoomService) InviteUser(ctx context.Context, roomID, inviterID int, email string) error {
	room, err := s.getRoom(ctx, roomID)
	if err != nil {
		return err
	}

	// Check if inviter has permission
	if !room.IsPublic && room.OwnerID != inviterID {
		isMember, err := s.db.IsMember(ctx, inviterID, roomID)
		if err != nil {
			return err
		}
		if !isMember {
			return fmt.Errorf("%w: not authorized to invite to this room", errs.ErrForbidden)
		}
	}

	user, err := s.db.GetUserByEmail(ctx, email)
	if err != nil {
		return fmt.Errorf("user %s: %w", email, errs.ErrNotFound)
	}

	if err := s.db.AddMembership(ctx, user.ID, roomID); err != nil {
		return err
	}
	return s.members.Invalidate(ctx, roomID)
}

// JoinRoom adds userID to a public room.
func (s *RoomService) JoinRoom(ctx context.Context, userID, roomID int) error {
	room, err := s.getRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if !room.IsPublic {
		return fmt.Errorf("%w: room is private", errs.ErrForbidden)
	}

	isMember, err := s.db.IsMember(ctx, userID, roomID)
	if err != nil {
		return err
	}
	if isMember {
		return nil
	}

	if err := s.db.AddMembership(ctx, userID, roomID); err != nil {
		return err
	}
	return s.members.Invalidate(ctx, roomID)
}

// JoinByName joins the public room called name, creating it if needed.
func (s *RoomService) JoinByName(ctx context.Context, userID int, name string) (int, error) {
	roomID, err := s.db.GetOrCreateRoom(ctx, name)
	if err != nil {
		return 0, err
	}
	return roomID, s.JoinRoom(ctx, userID, roomID)
}

func (s *RoomService) LeaveRoom(ctx context.Context, userID, roomID int) error {
	isMember, err := s.db.IsMember(ctx, userID, roomID)
	if err != nil {
		return err
	}
	if !isMember {
		return errs.ErrNotAMember
	}

	if err := s.db.RemoveMembership(ctx, userID, roomID); err != nil {
		return err
	}
	return s.members.Invalidate(ctx, roomID)
}

func (s *RoomService) GetRoomMembers(ctx context.Context, roomID, userID int) ([]*models.Member, error) {
	room, err := s.getRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}

	if !room.IsPublic {
		isMember, err := s.db.IsMember(ctx, userID, roomID)
		if err != nil {
			return nil, err
		}
		if !isMember {
			return nil, errs.ErrForbidden
		}
	}

	return s.db.GetRoomMembers(ctx, roomID)
}

func (s *RoomService) getRoom(ctx context.Context, roomID int) (*models.Room, error) {
	room, err := s.db.GetRoomByID(ctx, roomID)
	if errors.Is(err, errs.ErrNotFound) {
		return nil, fmt.Errorf("room %d: %w", roomID, errs.ErrNotFound)
	}
	return room, err
}
