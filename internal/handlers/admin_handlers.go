package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"groupchat/internal/membership"
	"groupchat/internal/models"
	"groupchat/internal/presence"
	"groupchat/internal/realtime"
	"groupchat/internal/suspension"
	"groupchat/pkg/logger"
	"groupchat/pkg/response"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

// AdminHandlers is the staff-only moderation surface.
type AdminHandlers struct {
	ledger     *suspension.Ledger
	supervisor *realtime.Supervisor
	presence   *presence.Registry
	members    *membership.Index
	validator  *validator.Validate
}

func NewAdminHandlers(ledger *suspension.Ledger, supervisor *realtime.Supervisor, reg *presence.Registry, members *membership.Index) *AdminHandlers {
	return &AdminHandlers{
		ledger:     ledger,
		supervisor: supervisor,
		presence:   reg,
		members:    members,
		validator:  validator.New(),
	}
}

type SuspensionResponse struct {
	Suspension *models.Suspension `json:"suspension"`
	Evicted    int                `json:"evicted"`
}

type PresenceEntry struct {
	UserID      int                   `json:"user_id"`
	Status      models.PresenceStatus `json:"status"`
	Connections int                   `json:"connections"`
}

type EvictRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

func (h *AdminHandlers) Suspend(w http.ResponseWriter, r *http.Request) {
	staff := UserFromContext(r.Context())

	var req models.SuspensionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "invalid request")
		return
	}
	if err := h.validator.Struct(&req); err != nil {
		response.ValidationError(w, err)
		return
	}

	record, err := suspension.Normalize(&req, staff.ID, h.ledger.Now())
	if err != nil {
		response.BadRequest(w, err.Error())
		return
	}

	evicted, err := h.ledger.Apply(r.Context(), record)
	if err != nil {
		if errors.Is(err, suspension.ErrInvalidRequest) {
			response.BadRequest(w, err.Error())
			return
		}
		logger.Error("Suspension by %d failed: %v", staff.ID, err)
		response.FromError(w, err)
		return
	}

	response.Created(w, SuspensionResponse{Suspension: record, Evicted: evicted})
}

func (h *AdminHandlers) ListSuspensions(w http.ResponseWriter, r *http.Request) {
	active := h.ledger.Active()
	if active == nil {
		active = []*models.Suspension{}
	}
	response.JSON(w, active)
}

func (h *AdminHandlers) LiftUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := intParam(w, r, "id")
	if !ok {
		return
	}
	if err := h.ledger.Lift(r.Context(), userID); err != nil {
		logger.Error("Lift of user %d failed: %v", userID, err)
		response.FromError(w, err)
		return
	}
	response.NoContent(w)
}

func (h *AdminHandlers) LiftAddress(w http.ResponseWriter, r *http.Request) {
	addr, err := url.PathUnescape(chi.URLParam(r, "addr"))
	if err != nil || addr == "" {
		response.BadRequest(w, "invalid address")
		return
	}
	if err := h.ledger.LiftAddress(r.Context(), addr); err != nil {
		logger.Error("Lift of address %s failed: %v", addr, err)
		response.FromError(w, err)
		return
	}
	response.NoContent(w)
}

// Evict disconnects every session of a user without recording a suspension.
func (h *AdminHandlers) Evict(w http.ResponseWriter, r *http.Request) {
	userID, ok := intParam(w, r, "id")
	if !ok {
		return
	}

	var req EvictRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.BadRequest(w, "invalid request")
			return
		}
		if err := h.validator.Struct(&req); err != nil {
			response.ValidationError(w, err)
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "disconnected by staff"
	}

	evicted := h.supervisor.ForceEvict(r.Context(), userID, req.Reason)
	response.JSON(w, map[string]int{"evicted": evicted})
}

func (h *AdminHandlers) Presence(w http.ResponseWriter, r *http.Request) {
	ids := h.presence.OnlineIdentities()
	entries := make([]PresenceEntry, 0, len(ids))
	for _, id := range ids {
		entries = append(entries, PresenceEntry{
			UserID:      id,
			Status:      h.presence.StatusOf(id),
			Connections: len(h.presence.ConnectionsOf(id)),
		})
	}
	response.JSON(w, map[string]interface{}{
		"users":       entries,
		"connections": h.presence.ConnectionCount(),
	})
}

// InvalidateRoom reloads a room's membership after an out-of-band change to
// the store.
func (h *AdminHandlers) InvalidateRoom(w http.ResponseWriter, r *http.Request) {
	roomID, ok := roomIDParam(w, r)
	if !ok {
		return
	}
	if err := h.members.Invalidate(r.Context(), roomID); err != nil {
		logger.Error("Invalidate room %d failed: %v", roomID, err)
		response.FromError(w, err)
		return
	}
	response.JSON(w, map[string]int{"room_id": roomID, "subscribers": h.supervisor.Subscribers(roomID)})
}
