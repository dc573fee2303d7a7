package database

import (
	"context"
	"time"

	"groupchat/internal/errs"
	"groupchat/internal/models"
)

// ErrNotFound is returned when a keyed lookup has no row.
var ErrNotFound = errs.ErrNotFound

type UserRepository interface {
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	CreateUser(ctx context.Context, req *models.RegisterRequest) (*models.User, error)
	GetUserByID(ctx context.Context, id int) (*models.User, error)
	SetUserSuspended(ctx context.Context, id int, suspended bool) error
}

type RoomRepository interface {
	GetOrCreateRoom(ctx context.Context, name string) (int, error)
	CreateRoom(ctx context.Context, req *models.CreateRoomRequest, ownerID int) (*models.Room, error)
	GetRoomByID(ctx context.Context, id int) (*models.Room, error)
	ListUserRooms(ctx context.Context, userID int) ([]*models.Room, error)
	DeleteRoom(ctx context.Context, roomID, ownerID int) error
}

type MessageRepository interface {
	// AppendMessage stores msg and fills in its ID and CreatedAt. IDs are
	// strictly increasing in insertion order.
	AppendMessage(ctx context.Context, msg *models.Message) error
	GetMessage(ctx context.Context, id int64) (*models.Message, error)
	UpdateMessageBody(ctx context.Context, id int64, body string, editedAt time.Time) error
	MarkMessageDeleted(ctx context.Context, id int64) error
	LoadRecentMessages(ctx context.Context, roomID, limit int) ([]*models.Message, error)
}

type MembershipRepository interface {
	AddMembership(ctx context.Context, userID, roomID int) error
	RemoveMembership(ctx context.Context, userID, roomID int) error
	IsMember(ctx context.Context, userID, roomID int) (bool, error)
	GetRoomMembers(ctx context.Context, roomID int) ([]*models.Member, error)
	GetRoomMemberIDs(ctx context.Context, roomID int) ([]int, error)
	ListMemberRoomIDs(ctx context.Context, userID int) ([]int, error)
}

type SuspensionRepository interface {
	// SaveSuspension stores s and fills in its ID and CreatedAt. A new record
	// replaces any earlier record for the same identity or address.
	SaveSuspension(ctx context.Context, s *models.Suspension) error
	DeleteAccountSuspensions(ctx context.Context, identityID int) error
	DeleteAddressSuspensions(ctx context.Context, address string) error
	ListSuspensions(ctx context.Context) ([]*models.Suspension, error)
	DeleteExpiredSuspensions(ctx context.Context, now time.Time) (int64, error)
}

type Database interface {
	UserRepository
	RoomRepository
	MessageRepository
	MembershipRepository
	SuspensionRepository
	Close() error
}
