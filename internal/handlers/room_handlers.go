package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"groupchat/internal/membership"
	"groupchat/internal/models"
	"groupchat/internal/presence"
	"groupchat/internal/services"
	"groupchat/pkg/logger"
	"groupchat/pkg/response"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

type RoomHandlers struct {
	roomService *services.RoomService
	members     *membership.Index
	presence    *presence.Registry
	validator   *validator.Validate
}

func NewRoomHandlers(roomService *services.RoomService, members *membership.Index, reg *presence.Registry) *RoomHandlers {
	return &RoomHandlers{
		roomService: roomService,
		members:     members,
		presence:    reg,
		validator:   validator.New(),
	}
}

// ActiveUser is one online member of a room.
type ActiveUser struct {
	UserID      int                   `json:"user_id"`
	Status      models.PresenceStatus `json:"status"`
	Connections int                   `json:"connections"`
}

func (h *RoomHandlers) CreateRoom(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())

	var req models.CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "invalid request")
		return
	}
	if err := h.validator.Struct(&req); err != nil {
		response.ValidationError(w, err)
		return
	}

	room, err := h.roomService.CreateRoom(r.Context(), &req, user.ID)
	if err != nil {
		logger.Error("Create room error: %v", err)
		response.FromError(w, err)
		return
	}

	response.Created(w, room)
}

func (h *RoomHandlers) ListRooms(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())

	rooms, err := h.roomService.ListUserRooms(r.Context(), user.ID)
	if err != nil {
		logger.Error("List rooms error: %v", err)
		response.FromError(w, err)
		return
	}

	response.JSON(w, rooms)
}

func (h *RoomHandlers) DeleteRoom(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	roomID, ok := roomIDParam(w, r)
	if !ok {
		return
	}

	if err := h.roomService.DeleteRoom(r.Context(), roomID, user.ID); err != nil {
		logger.Error("Delete room error: %v", err)
		response.FromError(w, err)
		return
	}

	response.NoContent(w)
}

func (h *RoomHandlers) InviteUser(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	roomID, ok := roomIDParam(w, r)
	if !ok {
		return
	}

	var req models.InviteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "invalid request")
		return
	}
	if err := h.validator.Struct(&req); err != nil {
		response.ValidationError(w, err)
		return
	}

	if err := h.roomService.InviteUser(r.Context(), roomID, user.ID, req.Email); err != nil {
		logger.Error("Invite user error: %v", err)
		response.FromError(w, err)
		return
	}

	response.NoContent(w)
}

func (h *RoomHandlers) JoinRoom(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	roomID, ok := roomIDParam(w, r)
	if !ok {
		return
	}

	if err := h.roomService.JoinRoom(r.Context(), user.ID, roomID); err != nil {
		logger.Info("Join room %d by user %d refused: %v", roomID, user.ID, err)
		response.FromError(w, err)
		return
	}

	response.NoContent(w)
}

func (h *RoomHandlers) LeaveRoom(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	roomID, ok := roomIDParam(w, r)
	if !ok {
		return
	}

	if err := h.roomService.LeaveRoom(r.Context(), user.ID, roomID); err != nil {
		logger.Error("Leave room error: %v", err)
		response.FromError(w, err)
		return
	}

	response.NoContent(w)
}

func (h *RoomHandlers) GetRoomMembers(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	roomID, ok := roomIDParam(w, r)
	if !ok {
		return
	}

	members, err := h.roomService.GetRoomMembers(r.Context(), roomID, user.ID)
	if err != nil {
		logger.Error("Get room members error: %v", err)
		response.FromError(w, err)
		return
	}

	response.JSON(w, members)
}

// GetActiveUsers lists the members of a room that are currently connected.
func (h *RoomHandlers) GetActiveUsers(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	roomID, ok := roomIDParam(w, r)
	if !ok {
		return
	}

	// Same visibility rule as the member list.
	if _, err := h.roomService.GetRoomMembers(r.Context(), roomID, user.ID); err != nil {
		response.FromError(w, err)
		return
	}

	ids, err := h.members.MembersOf(r.Context(), roomID)
	if err != nil {
		logger.Error("Get active users error: %v", err)
		response.FromError(w, err)
		return
	}

	active := make([]ActiveUser, 0, len(ids))
	for _, id := range ids {
		if n := len(h.presence.ConnectionsOf(id)); n > 0 {
			active = append(active, ActiveUser{UserID: id, Status: h.presence.StatusOf(id), Connections: n})
		}
	}

	response.JSON(w, map[string]interface{}{
		"room_id":      roomID,
		"active_users": active,
		"count":        len(active),
	})
}

func roomIDParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	return intParam(w, r, "id")
}

func intParam(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, name))
	if err != nil || id <= 0 {
		response.BadRequest(w, "invalid "+name)
		return 0, false
	}
	return id, true
}
