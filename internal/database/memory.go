package database

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"groupchat/internal/models"

	"golang.org/x/crypto/bcrypt"
)

type membershipKey struct {
	userID int
	roomID int
}

// MemoryDB is a process-local Database used by tests and by
// DATABASE_URL=memory. It is not meant for production traffic.
type MemoryDB struct {
	mu sync.RWMutex

	users       map[int]*models.User
	rooms       map[int]*models.Room
	messages    map[int64]*models.Message
	memberships map[membershipKey]struct{}
	suspensions map[int64]*models.Suspension

	nextUser       int
	nextRoom       int
	nextMessage    int64
	nextSuspension int64

	now func() time.Time
}

func NewMemoryDB() *MemoryDB {
	return &MemoryDB{
		users:       make(map[int]*models.User),
		rooms:       make(map[int]*models.Room),
		messages:    make(map[int64]*models.Message),
		memberships: make(map[membershipKey]struct{}),
		suspensions: make(map[int64]*models.Suspension),
		now:         time.Now,
	}
}

func (db *MemoryDB) Close() error { return nil }

// SeedUser inserts u as-is, assigning an id when u.ID is zero.
func (db *MemoryDB) SeedUser(u models.User) *models.User {
	db.mu.Lock()
	defer db.mu.Unlock()

	if u.ID == 0 {
		db.nextUser++
		u.ID = db.nextUser
	} else if u.ID > db.nextUser {
		db.nextUser = u.ID
	}
	if u.Role == "" {
		u.Role = models.RoleUser
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = db.now()
	}
	stored := u
	db.users[u.ID] = &stored
	out := stored
	return &out
}

func (db *MemoryDB) GetUserByEmail(_ context.Context, email string) (*models.User, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	for _, u := range db.users {
		if strings.EqualFold(u.Email, email) {
			out := *u
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (db *MemoryDB) CreateUser(_ context.Context, req *models.RegisterRequest) (*models.User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.MinCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	for _, u := range db.users {
		if strings.EqualFold(u.Email, req.Email) || u.Username == req.Username {
			return nil, fmt.Errorf("failed to create user: username or email already taken")
		}
	}

	db.nextUser++
	u := &models.User{
		ID:           db.nextUser,
		Username:     req.Username,
		DisplayName:  req.DisplayName,
		Email:        req.Email,
		PasswordHash: string(hash),
		Role:         models.RoleUser,
		CreatedAt:    db.now(),
	}
	db.users[u.ID] = u
	out := *u
	out.PasswordHash = ""
	return &out, nil
}

func (db *MemoryDB) GetUserByID(_ context.Context, id int) (*models.User, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	u, ok := db.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *u
	out.PasswordHash = ""
	return &out, nil
}

func (db *MemoryDB) SetUserSuspended(_ context.Context, id int, suspended bool) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	u, ok := db.users[id]
	if !ok {
		return ErrNotFound
	}
	u.Suspended = suspended
	return nil
}

func (db *MemoryDB) GetOrCreateRoom(_ context.Context, name string) (int, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	for _, r := range db.rooms {
		if r.Name == name {
			return r.ID, nil
		}
	}
	db.nextRoom++
	db.rooms[db.nextRoom] = &models.Room{ID: db.nextRoom, Name: name, IsPublic: true, CreatedAt: db.now()}
	return db.nextRoom, nil
}

func (db *MemoryDB) CreateRoom(_ context.Context, req *models.CreateRoomRequest, ownerID int) (*models.Room, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	for _, r := range db.rooms {
		if r.Name == req.Name {
			return nil, fmt.Errorf("failed to create room: name %q already taken", req.Name)
		}
	}
	db.nextRoom++
	room := &models.Room{ID: db.nextRoom, Name: req.Name, IsPublic: req.IsPublic, OwnerID: ownerID, CreatedAt: db.now()}
	db.rooms[room.ID] = room
	db.memberships[membershipKey{ownerID, room.ID}] = struct{}{}

	out := *room
	return &out, nil
}

func (db *MemoryDB) GetRoomByID(_ context.Context, id int) (*models.Room, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	r, ok := db.rooms[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *r
	return &out, nil
}

func (db *MemoryDB) ListUserRooms(_ context.Context, userID int) ([]*models.Room, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var rooms []*models.Room
	for _, r := range db.rooms {
		if _, member := db.memberships[membershipKey{userID, r.ID}]; r.IsPublic || member {
			out := *r
			rooms = append(rooms, &out)
		}
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].Name < rooms[j].Name })
	return rooms, nil
}

func (db *MemoryDB) DeleteRoom(_ context.Context, roomID, ownerID int) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	r, ok := db.rooms[roomID]
	if !ok {
		return fmt.Errorf("room not found: %w", ErrNotFound)
	}
	if r.OwnerID != ownerID {
		return fmt.Errorf("forbidden - not the room owner")
	}
	delete(db.rooms, roomID)
	for k := range db.memberships {
		if k.roomID == roomID {
			delete(db.memberships, k)
		}
	}
	for id, m := range db.messages {
		if m.RoomID == roomID {
			delete(db.messages, id)
		}
	}
	return nil
}

func (db *MemoryDB) AppendMessage(_ context.Context, msg *models.Message) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, ok := db.rooms[msg.RoomID]; !ok {
		return fmt.Errorf("room %d: %w", msg.RoomID, ErrNotFound)
	}
	db.nextMessage++
	msg.ID = db.nextMessage
	msg.CreatedAt = db.now()
	if u, ok := db.users[msg.UserID]; ok && msg.Username == "" {
		msg.Username = u.Username
	}
	stored := *msg
	db.messages[msg.ID] = &stored
	return nil
}

func (db *MemoryDB) GetMessage(_ context.Context, id int64) (*models.Message, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	m, ok := db.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *m
	return &out, nil
}

func (db *MemoryDB) UpdateMessageBody(_ context.Context, id int64, body string, editedAt time.Time) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	m, ok := db.messages[id]
	if !ok || m.Deleted {
		return ErrNotFound
	}
	m.Body = body
	m.EditedAt = &editedAt
	return nil
}

func (db *MemoryDB) MarkMessageDeleted(_ context.Context, id int64) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	m, ok := db.messages[id]
	if !ok {
		return ErrNotFound
	}
	m.Deleted = true
	m.Body = ""
	return nil
}

func (db *MemoryDB) LoadRecentMessages(_ context.Context, roomID, limit int) ([]*models.Message, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var msgs []*models.Message
	for _, m := range db.messages {
		if m.RoomID == roomID {
			out := *m
			msgs = append(msgs, &out)
		}
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].ID < msgs[j].ID })
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

func (db *MemoryDB) AddMembership(_ context.Context, userID, roomID int) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, ok := db.rooms[roomID]; !ok {
		return fmt.Errorf("room %d: %w", roomID, ErrNotFound)
	}
	db.memberships[membershipKey{userID, roomID}] = struct{}{}
	return nil
}

func (db *MemoryDB) RemoveMembership(_ context.Context, userID, roomID int) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	delete(db.memberships, membershipKey{userID, roomID})
	return nil
}

func (db *MemoryDB) IsMember(_ context.Context, userID, roomID int) (bool, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	_, ok := db.memberships[membershipKey{userID, roomID}]
	return ok, nil
}

func (db *MemoryDB) GetRoomMembers(_ context.Context, roomID int) ([]*models.Member, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var members []*models.Member
	for k := range db.memberships {
		if k.roomID != roomID {
			continue
		}
		if u, ok := db.users[k.userID]; ok {
			members = append(members, &models.Member{ID: u.ID, Username: u.Username, Email: u.Email, Role: u.Role})
		}
	}
	sort.Slice(members, func(i, j int) bool { return members[i].Username < members[j].Username })
	return members, nil
}

func (db *MemoryDB) GetRoomMemberIDs(_ context.Context, roomID int) ([]int, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	ids := []int{}
	for k := range db.memberships {
		if k.roomID == roomID {
			ids = append(ids, k.userID)
		}
	}
	sort.Ints(ids)
	return ids, nil
}

func (db *MemoryDB) ListMemberRoomIDs(_ context.Context, userID int) ([]int, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	ids := []int{}
	for k := range db.memberships {
		if k.userID == userID {
			ids = append(ids, k.roomID)
		}
	}
	sort.Ints(ids)
	return ids, nil
}

func (db *MemoryDB) SaveSuspension(_ context.Context, s *models.Suspension) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	for id, existing := range db.suspensions {
		if sameTarget(existing, s) {
			delete(db.suspensions, id)
		}
	}
	db.nextSuspension++
	s.ID = db.nextSuspension
	s.CreatedAt = db.now()
	stored := *s
	db.suspensions[s.ID] = &stored
	return nil
}

func sameTarget(a, b *models.Suspension) bool {
	if a.Scope != b.Scope {
		return false
	}
	if a.Scope == models.ScopeAccount {
		return a.IdentityID == b.IdentityID
	}
	return a.Address == b.Address
}

func (db *MemoryDB) DeleteAccountSuspensions(_ context.Context, identityID int) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	for id, s := range db.suspensions {
		if s.Scope == models.ScopeAccount && s.IdentityID == identityID {
			delete(db.suspensions, id)
		}
	}
	return nil
}

func (db *MemoryDB) DeleteAddressSuspensions(_ context.Context, address string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	for id, s := range db.suspensions {
		if s.Scope == models.ScopeAddress && s.Address == address {
			delete(db.suspensions, id)
		}
	}
	return nil
}

func (db *MemoryDB) ListSuspensions(_ context.Context) ([]*models.Suspension, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	out := make([]*models.Suspension, 0, len(db.suspensions))
	for _, s := range db.suspensions {
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (db *MemoryDB) DeleteExpiredSuspensions(_ context.Context, now time.Time) (int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var n int64
	for id, s := range db.suspensions {
		if s.Expired(now) {
			delete(db.suspensions, id)
			n++
		}
	}
	return n, nil
}
