package models

import "time"

type Room struct {
	ID        int       `json:"id"`
	Name      string    `json:"name"`
	IsPublic  bool      `json:"is_public"`
	OwnerID   int       `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is immutable once fanned out; edits and deletions travel as their
// own events.
type Message struct {
	ID        int64      `json:"id"`
	RoomID    int        `json:"room_id"`
	UserID    int        `json:"user_id"`
	Username  string     `json:"username,omitempty"`
	Body      string     `json:"body"`
	ReplyTo   *int64     `json:"reply_to,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	EditedAt  *time.Time `json:"edited_at,omitempty"`
	Deleted   bool       `json:"deleted,omitempty"`
}

type CreateRoomRequest struct {
	Name     string `json:"name" validate:"required,min=1,max=64"`
	IsPublic bool   `json:"is_public"`
}

type InviteRequest struct {
	Email string `json:"email" validate:"required,email"`
}

type Member struct {
	ID       int    `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Role     Role   `json:"role"`
}
