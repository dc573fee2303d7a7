package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"groupchat/internal/auth"
	"groupchat/internal/config"
	"groupchat/internal/database"
	"groupchat/internal/errs"
	"groupchat/internal/fanout"
	"groupchat/internal/membership"
	"groupchat/internal/models"
	"groupchat/internal/presence"
	"groupchat/internal/realtime"
	"groupchat/internal/services"
	"groupchat/internal/suspension"
	"groupchat/internal/typing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	*httptest.Server
	db     *database.MemoryDB
	auth   *auth.Service
	ledger *suspension.Ledger
	sup    *realtime.Supervisor
	roomID int
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := &config.Config{
		JWT: config.JWTConfig{Secret: []byte("test-secret"), ExpiresIn: time.Hour, Issuer: "groupchat"},
	}

	db := database.NewMemoryDB()
	members := membership.NewIndex(db)
	registry := presence.NewRegistry(time.Minute)
	engine := fanout.NewEngine(db, members, registry, 0)
	tc := typing.NewCoordinator(members, engine, 5*time.Second)
	ledger := suspension.NewLedger(db, nil)
	authService := auth.NewService(db, cfg)
	roomService := services.NewRoomService(db, members)
	sup := realtime.NewSupervisor(authService, ledger, registry, members, engine, tc, realtime.Options{EvictGrace: time.Second})
	ledger.SetEvictor(sup)

	router := Router{
		Auth:      NewAuthHandlers(authService),
		Rooms:     NewRoomHandlers(roomService, members, registry),
		WebSocket: NewWebSocketHandlers(authService, ledger, roomService, sup, db, WebSocketOptions{AllowedOrigins: []string{"*"}}),
		Admin:     NewAdminHandlers(ledger, sup, registry, members),
		Resolver:  authService,
	}

	srv := httptest.NewServer(router.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		sup.Shutdown(ctx)
		srv.Close()
	})

	roomID, err := db.GetOrCreateRoom(context.Background(), "general")
	require.NoError(t, err)

	return &testServer{Server: srv, db: db, auth: authService, ledger: ledger, sup: sup, roomID: roomID}
}

func (s *testServer) user(t *testing.T, name string, role models.Role) (*models.User, string) {
	t.Helper()
	u := s.db.SeedUser(models.User{Username: name, Email: name + "@example.com", Role: role})
	require.NoError(t, s.db.AddMembership(context.Background(), u.ID, s.roomID))
	token, err := s.auth.IssueToken(u)
	require.NoError(t, err)
	return u, token
}

func (s *testServer) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	return s.dialPath(t, "/ws?token="+token)
}

func (s *testServer) dialPath(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (s *testServer) do(t *testing.T, method, path, token string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, s.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// readUntil reads events until one of type typ arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ models.EventType) models.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var ev models.Event
		require.NoError(t, conn.ReadJSON(&ev))
		if ev.Type == typ {
			return ev
		}
	}
}

func TestWebSocketRejectsInvalidToken(t *testing.T) {
	s := newTestServer(t)
	conn := s.dial(t, "garbage")

	ev := readUntil(t, conn, models.EventRejected)
	assert.Equal(t, errs.ReasonInvalidCredential, ev.Code)

	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation))
}

func TestWebSocketMessageFanout(t *testing.T) {
	s := newTestServer(t)
	alice, aliceToken := s.user(t, "alice", models.RoleUser)
	_, bobToken := s.user(t, "bob", models.RoleUser)

	a := s.dial(t, aliceToken)
	ready := readUntil(t, a, models.EventReady)
	assert.Equal(t, alice.ID, ready.UserID)
	assert.Equal(t, []int{s.roomID}, ready.Rooms)

	b := s.dial(t, bobToken)
	readUntil(t, b, models.EventReady)

	require.NoError(t, a.WriteJSON(models.Command{Type: models.CommandSend, RoomID: s.roomID, Body: "hello"}))

	ev := readUntil(t, b, models.EventMessage)
	require.NotNil(t, ev.Message)
	assert.Equal(t, "hello", ev.Message.Body)
	assert.Equal(t, alice.ID, ev.Message.UserID)

	echo := readUntil(t, a, models.EventMessage)
	assert.Equal(t, ev.Message.ID, echo.Message.ID)
}

func TestWebSocketHistoryOnConnect(t *testing.T) {
	s := newTestServer(t)
	alice, token := s.user(t, "alice", models.RoleUser)
	require.NoError(t, s.db.AppendMessage(context.Background(), &models.Message{RoomID: s.roomID, UserID: alice.ID, Body: "earlier"}))

	conn := s.dial(t, token)
	ev := readUntil(t, conn, models.EventHistory)
	require.Len(t, ev.History, 1)
	assert.Equal(t, "earlier", ev.History[0].Body)
}

func TestAdminSuspensionEvictsAndRejects(t *testing.T) {
	s := newTestServer(t)
	_, staffToken := s.user(t, "mod", models.RoleModerator)
	bob, bobToken := s.user(t, "bob", models.RoleUser)

	b := s.dial(t, bobToken)
	readUntil(t, b, models.EventReady)

	resp := s.do(t, http.MethodPost, "/admin/suspensions", staffToken, models.SuspensionRequest{
		UserID: bob.ID, Reason: "spam", DurationMinutes: 60,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var out SuspensionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, 1, out.Evicted)
	assert.Equal(t, models.ScopeAccount, out.Suspension.Scope)

	ev := readUntil(t, b, models.EventSuspended)
	assert.Equal(t, "spam", ev.Text)
	require.NotNil(t, ev.ExpiresAt)

	_, _, err := b.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation))

	again := s.dial(t, bobToken)
	rejected := readUntil(t, again, models.EventRejected)
	assert.Equal(t, errs.ReasonSuspended, rejected.Code)
	assert.Equal(t, "spam", rejected.Text)

	list := s.do(t, http.MethodGet, "/admin/suspensions", staffToken, nil)
	var active []*models.Suspension
	require.NoError(t, json.NewDecoder(list.Body).Decode(&active))
	assert.Len(t, active, 1)

	lift := s.do(t, http.MethodDelete, "/admin/suspensions/users/"+strconv.Itoa(bob.ID), staffToken, nil)
	assert.Equal(t, http.StatusNoContent, lift.StatusCode)

	back := s.dial(t, bobToken)
	readUntil(t, back, models.EventReady)
}

func TestAdminRoutesRequireStaff(t *testing.T) {
	s := newTestServer(t)
	_, token := s.user(t, "alice", models.RoleUser)

	resp := s.do(t, http.MethodGet, "/admin/presence", token, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = s.do(t, http.MethodGet, "/admin/presence", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAdminSuspensionValidation(t *testing.T) {
	s := newTestServer(t)
	_, staffToken := s.user(t, "mod", models.RoleAdmin)

	tests := []struct {
		name string
		req  models.SuspensionRequest
	}{
		{"no target", models.SuspensionRequest{Reason: "x"}},
		{"both targets", models.SuspensionRequest{UserID: 1, Address: "10.0.0.1", Reason: "x"}},
		{"no reason", models.SuspensionRequest{UserID: 1}},
		{"bad address", models.SuspensionRequest{Address: "nope", Reason: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := s.do(t, http.MethodPost, "/admin/suspensions", staffToken, tt.req)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
	assert.Empty(t, s.ledger.Active())
}

func TestRoomLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)
	_, aliceToken := s.user(t, "alice", models.RoleUser)
	_, bobToken := s.user(t, "bob", models.RoleUser)

	resp := s.do(t, http.MethodPost, "/rooms", aliceToken, models.CreateRoomRequest{Name: "lobby", IsPublic: true})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var room models.Room
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&room))

	path := "/rooms/" + strconv.Itoa(room.ID)
	assert.Equal(t, http.StatusNoContent, s.do(t, http.MethodPost, path+"/join", bobToken, nil).StatusCode)

	resp = s.do(t, http.MethodGet, path+"/members", bobToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var members []*models.Member
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&members))
	assert.Len(t, members, 2)

	assert.Equal(t, http.StatusNoContent, s.do(t, http.MethodDelete, path+"/leave", bobToken, nil).StatusCode)
	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodDelete, path, bobToken, nil).StatusCode)
	assert.Equal(t, http.StatusNoContent, s.do(t, http.MethodDelete, path, aliceToken, nil).StatusCode)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/rooms/abc/members", aliceToken, nil).StatusCode)
}

func TestClientAddress(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.RemoteAddr = "192.0.2.7:5555"
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	assert.Equal(t, "192.0.2.7", ClientAddress(r, false))
	assert.Equal(t, "203.0.113.9", ClientAddress(r, true))

	r.Header.Set("X-Forwarded-For", "garbage")
	assert.Equal(t, "192.0.2.7", ClientAddress(r, true))
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws?token=query", nil)
	assert.Equal(t, "query", TokenFromRequest(r))

	r.Header.Set("Authorization", "Bearer header")
	assert.Equal(t, "header", TokenFromRequest(r))
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://chat.example.com"})

	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, check(r))

	r.Header.Set("Origin", "https://chat.example.com")
	assert.True(t, check(r))

	r.Header.Set("Origin", "https://evil.example.net")
	assert.False(t, check(r))
}

func TestRoomParamJoinsOnlyAdmittedIdentities(t *testing.T) {
	s := newTestServer(t)
	_, staffToken := s.user(t, "mod", models.RoleModerator)
	bob, bobToken := s.user(t, "bob", models.RoleUser)
	carol, carolToken := s.user(t, "carol", models.RoleUser)

	resp := s.do(t, http.MethodPost, "/admin/suspensions", staffToken, models.SuspensionRequest{UserID: bob.ID, Reason: "spam"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	banned := s.dialPath(t, "/ws?room=lobby&token="+bobToken)
	rejected := readUntil(t, banned, models.EventRejected)
	assert.Equal(t, errs.ReasonSuspended, rejected.Code)

	rooms, err := s.db.ListMemberRoomIDs(context.Background(), bob.ID)
	require.NoError(t, err)
	assert.Equal(t, []int{s.roomID}, rooms)

	admitted := s.dialPath(t, "/ws?room=lobby&token="+carolToken)
	ready := readUntil(t, admitted, models.EventReady)
	assert.Len(t, ready.Rooms, 2)

	rooms, err = s.db.ListMemberRoomIDs(context.Background(), carol.ID)
	require.NoError(t, err)
	assert.Len(t, rooms, 2)
}
