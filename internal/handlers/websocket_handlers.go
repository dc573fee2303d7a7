package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"groupchat/internal/errs"
	"groupchat/internal/models"
	"groupchat/internal/realtime"
	"groupchat/internal/services"
	ws "groupchat/internal/websocket"
	"groupchat/pkg/logger"

	"github.com/gorilla/websocket"
)

// SuspensionChecker answers whether an identity or address is barred.
type SuspensionChecker interface {
	IsSuspended(identityID int, address string) (*models.Suspension, bool)
}

type WebSocketHandlers struct {
	resolver       Resolver
	suspensions    SuspensionChecker
	roomService    *services.RoomService
	supervisor     *realtime.Supervisor
	history        ws.HistoryStore
	upgrader       websocket.Upgrader
	trustProxy     bool
	maxMessageSize int64
}

type WebSocketOptions struct {
	AllowedOrigins []string
	TrustProxy     bool
	MaxMessageSize int64
}

func NewWebSocketHandlers(resolver Resolver, suspensions SuspensionChecker, roomService *services.RoomService, supervisor *realtime.Supervisor, history ws.HistoryStore, opts WebSocketOptions) *WebSocketHandlers {
	return &WebSocketHandlers{
		resolver:    resolver,
		suspensions: suspensions,
		roomService: roomService,
		supervisor:  supervisor,
		history:     history,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(opts.AllowedOrigins),
		},
		trustProxy:     opts.TrustProxy,
		maxMessageSize: opts.MaxMessageSize,
	}
}

// originChecker accepts requests without an Origin header, and otherwise
// only the listed origins. A "*" entry accepts everything.
func originChecker(allowed []string) func(r *http.Request) bool {
	if slices.Contains(allowed, "*") {
		return func(r *http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		for _, a := range allowed {
			if strings.EqualFold(a, origin) || strings.EqualFold(a, u.Host) {
				return true
			}
		}
		return false
	}
}

func (h *WebSocketHandlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := TokenFromRequest(r)
	addr := ClientAddress(r, h.trustProxy)

	// Optional public room to join before the ready event is built.
	if roomName := r.URL.Query().Get("room"); roomName != "" {
		h.joinByName(r.Context(), token, addr, roomName)
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("Upgrade error: %v", err)
		return
	}

	handle, err := h.supervisor.Connect(r.Context(), token, addr, conn)
	if err != nil {
		ev, code := rejection(err)
		ws.Reject(conn, ev, code)
		return
	}

	client := ws.NewClient(conn, handle, h.supervisor, h.maxMessageSize)
	client.SendHistory(context.WithoutCancel(r.Context()), h.history)

	go client.WritePump()
	go client.ReadPump()
}

// joinByName only acts for identities that Connect will admit; a rejected
// dial leaves group state untouched.
func (h *WebSocketHandlers) joinByName(ctx context.Context, token, addr, roomName string) {
	user, err := h.resolver.Resolve(ctx, token)
	if err != nil {
		// Connect reports the credential problem.
		return
	}
	if _, barred := h.suspensions.IsSuspended(user.ID, addr); barred {
		return
	}
	roomID, err := h.roomService.JoinByName(ctx, user.ID, roomName)
	if err != nil {
		logger.Info("User %d could not join room %q on connect: %v", user.ID, roomName, err)
		return
	}
	logger.Debug("User %d joined room %d (%s) on connect", user.ID, roomID, roomName)
}

func rejection(err error) (models.Event, int) {
	ev := models.Event{Type: models.EventRejected, Code: errs.Reason(err)}

	var suspended *errs.SuspendedError
	switch {
	case errors.As(err, &suspended):
		ev.Text = suspended.Reason
		ev.ExpiresAt = suspended.ExpiresAt
		return ev, websocket.ClosePolicyViolation
	case errors.Is(err, errs.ErrAuthRejected):
		ev.Text = "invalid credential"
		return ev, websocket.ClosePolicyViolation
	case errors.Is(err, realtime.ErrShuttingDown):
		ev.Text = err.Error()
		return ev, websocket.CloseTryAgainLater
	default:
		logger.Error("Connect failed: %v", err)
		ev.Text = "internal error"
		return ev, websocket.CloseInternalServerErr
	}
}
