package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"groupchat/internal/models"
	"groupchat/pkg/logger"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

type PostgresDB struct {
	pool *pgxpool.Pool
}

func NewPostgresDB(ctx context.Context, databaseURL string) (*PostgresDB, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	cfg.MaxConnLifetime = 5 * time.Minute
	cfg.MaxConnIdleTime = time.Minute
	cfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Test connection
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Connected to database successfully")
	return &PostgresDB{pool: pool}, nil
}

func (db *PostgresDB) Close() error {
	db.pool.Close()
	return nil
}

// EnsureSchema creates the tables the core needs if they are missing.
func (db *PostgresDB) EnsureSchema(ctx context.Context) error {
	if _, err := db.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// User Repository Implementation
func (db *PostgresDB) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	query := `SELECT id, username, display_name, email, password_hash, role, suspended, created_at FROM users WHERE email = $1`

	user := &models.User{}
	err := db.pool.QueryRow(ctx, query, email).Scan(
		&user.ID, &user.Username, &user.DisplayName, &user.Email, &user.PasswordHash, &user.Role, &user.Suspended, &user.CreatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}

	return user, nil
}

func (db *PostgresDB) CreateUser(ctx context.Context, req *models.RegisterRequest) (*models.User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	query := `
		INSERT INTO users (username, display_name, email, password_hash, role, created_at)
		VALUES ($1, $2, $3, $4, 'user', NOW())
		RETURNING id, username, display_name, email, role, suspended, created_at`

	user := &models.User{}
	err = db.pool.QueryRow(ctx, query, req.Username, req.DisplayName, req.Email, string(hash)).Scan(
		&user.ID, &user.Username, &user.DisplayName, &user.Email, &user.Role, &user.Suspended, &user.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	return user, nil
}

func (db *PostgresDB) GetUserByID(ctx context.Context, id int) (*models.User, error) {
	query := `SELECT id, username, display_name, email, role, suspended, created_at FROM users WHERE id = $1`

	user := &models.User{}
	err := db.pool.QueryRow(ctx, query, id).Scan(
		&user.ID, &user.Username, &user.DisplayName, &user.Email, &user.Role, &user.Suspended, &user.CreatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}

	return user, nil
}

func (db *PostgresDB) SetUserSuspended(ctx context.Context, id int, suspended bool) error {
	_, err := db.pool.Exec(ctx, `UPDATE users SET suspended = $2 WHERE id = $1`, id, suspended)
	return err
}

// Room Repository Implementation
func (db *PostgresDB) GetOrCreateRoom(ctx context.Context, name string) (int, error) {
	query := `
		INSERT INTO rooms (name, is_public, created_at) VALUES ($1, true, NOW())
		ON CONFLICT (name) DO UPDATE SET name=EXCLUDED.name
		RETURNING id`

	var roomID int
	err := db.pool.QueryRow(ctx, query, name).Scan(&roomID)
	return roomID, err
}

func (db *PostgresDB) CreateRoom(ctx context.Context, req *models.CreateRoomRequest, ownerID int) (*models.Room, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO rooms (name, is_public, owner_id, created_at)
		VALUES ($1, $2, $3, NOW())
		RETURNING id, name, is_public, COALESCE(owner_id, 0), created_at`

	room := &models.Room{}
	err = tx.QueryRow(ctx, query, req.Name, req.IsPublic, ownerID).Scan(
		&room.ID, &room.Name, &room.IsPublic, &room.OwnerID, &room.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create room: %w", err)
	}

	// The owner is always a member.
	if _, err := tx.Exec(ctx, `INSERT INTO memberships (user_id, room_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, ownerID, room.ID); err != nil {
		return nil, fmt.Errorf("failed to add owner membership: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return room, nil
}

func (db *PostgresDB) GetRoomByID(ctx context.Context, id int) (*models.Room, error) {
	query := `SELECT id, name, is_public, COALESCE(owner_id, 0), created_at FROM rooms WHERE id = $1`

	room := &models.Room{}
	err := db.pool.QueryRow(ctx, query, id).Scan(
		&room.ID, &room.Name, &room.IsPublic, &room.OwnerID, &room.CreatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}

	return room, nil
}

func (db *PostgresDB) ListUserRooms(ctx context.Context, userID int) ([]*models.Room, error) {
	query := `
		SELECT r.id, r.name, r.is_public, COALESCE(r.owner_id, 0), r.created_at
		FROM rooms r
		LEFT JOIN memberships m ON r.id = m.room_id AND m.user_id = $1
		WHERE r.is_public = true OR m.user_id IS NOT NULL
		ORDER BY r.name`

	rows, err := db.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []*models.Room
	for rows.Next() {
		room := &models.Room{}
		if err := rows.Scan(&room.ID, &room.Name, &room.IsPublic, &room.OwnerID, &room.CreatedAt); err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}

	return rooms, rows.Err()
}

func (db *PostgresDB) DeleteRoom(ctx context.Context, roomID, ownerID int) error {
	// Check ownership first
	var currentOwnerID int
	err := db.pool.QueryRow(ctx, "SELECT COALESCE(owner_id, 0) FROM rooms WHERE id = $1", roomID).Scan(&currentOwnerID)
	if err != nil {
		return fmt.Errorf("room not found: %w", notFound(err))
	}

	if currentOwnerID != ownerID {
		return fmt.Errorf("forbidden - not the room owner")
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "DELETE FROM memberships WHERE room_id = $1", roomID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, "DELETE FROM messages WHERE room_id = $1", roomID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, "DELETE FROM rooms WHERE id = $1", roomID); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// Message Repository Implementation
func (db *PostgresDB) AppendMessage(ctx context.Context, msg *models.Message) error {
	query := `
		INSERT INTO messages (user_id, room_id, body, reply_to, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		RETURNING id, created_at`
	return db.pool.QueryRow(ctx, query, msg.UserID, msg.RoomID, msg.Body, msg.ReplyTo).Scan(&msg.ID, &msg.CreatedAt)
}

func (db *PostgresDB) GetMessage(ctx context.Context, id int64) (*models.Message, error) {
	query := `
		SELECT m.id, m.user_id, m.room_id, m.body, m.reply_to, u.username, m.created_at, m.edited_at, m.deleted
		FROM messages m
		JOIN users u ON m.user_id = u.id
		WHERE m.id = $1`

	msg := &models.Message{}
	err := db.pool.QueryRow(ctx, query, id).Scan(
		&msg.ID, &msg.UserID, &msg.RoomID, &msg.Body, &msg.ReplyTo, &msg.Username, &msg.CreatedAt, &msg.EditedAt, &msg.Deleted,
	)
	if err != nil {
		return nil, notFound(err)
	}
	return msg, nil
}

func (db *PostgresDB) UpdateMessageBody(ctx context.Context, id int64, body string, editedAt time.Time) error {
	tag, err := db.pool.Exec(ctx, `UPDATE messages SET body = $2, edited_at = $3 WHERE id = $1 AND NOT deleted`, id, body, editedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *PostgresDB) MarkMessageDeleted(ctx context.Context, id int64) error {
	tag, err := db.pool.Exec(ctx, `UPDATE messages SET deleted = true, body = '' WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *PostgresDB) LoadRecentMessages(ctx context.Context, roomID, limit int) ([]*models.Message, error) {
	query := `
		SELECT m.id, m.user_id, m.room_id, m.body, m.reply_to, u.username, m.created_at, m.edited_at, m.deleted
		FROM messages m
		JOIN users u ON m.user_id = u.id
		WHERE m.room_id = $1
		ORDER BY m.id DESC
		LIMIT $2`

	rows, err := db.pool.Query(ctx, query, roomID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		msg := &models.Message{}
		if err := rows.Scan(&msg.ID, &msg.UserID, &msg.RoomID, &msg.Body, &msg.ReplyTo, &msg.Username, &msg.CreatedAt, &msg.EditedAt, &msg.Deleted); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to show oldest first
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

// Membership Repository Implementation
func (db *PostgresDB) AddMembership(ctx context.Context, userID, roomID int) error {
	query := `
		INSERT INTO memberships (user_id, room_id) VALUES ($1, $2)
		ON CONFLICT (user_id, room_id) DO NOTHING`

	_, err := db.pool.Exec(ctx, query, userID, roomID)
	return err
}

func (db *PostgresDB) RemoveMembership(ctx context.Context, userID, roomID int) error {
	query := `DELETE FROM memberships WHERE user_id = $1 AND room_id = $2`
	_, err := db.pool.Exec(ctx, query, userID, roomID)
	return err
}

func (db *PostgresDB) IsMember(ctx context.Context, userID, roomID int) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM memberships WHERE user_id = $1 AND room_id = $2)`

	var exists bool
	err := db.pool.QueryRow(ctx, query, userID, roomID).Scan(&exists)
	return exists, err
}

func (db *PostgresDB) GetRoomMembers(ctx context.Context, roomID int) ([]*models.Member, error) {
	query := `
		SELECT u.id, u.username, u.email, u.role
		FROM memberships m
		JOIN users u ON m.user_id = u.id
		WHERE m.room_id = $1
		ORDER BY u.username`

	rows, err := db.pool.Query(ctx, query, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []*models.Member
	for rows.Next() {
		member := &models.Member{}
		if err := rows.Scan(&member.ID, &member.Username, &member.Email, &member.Role); err != nil {
			return nil, err
		}
		members = append(members, member)
	}

	return members, rows.Err()
}

func (db *PostgresDB) GetRoomMemberIDs(ctx context.Context, roomID int) ([]int, error) {
	return db.collectIDs(ctx, `SELECT user_id FROM memberships WHERE room_id = $1 ORDER BY user_id`, roomID)
}

func (db *PostgresDB) ListMemberRoomIDs(ctx context.Context, userID int) ([]int, error) {
	return db.collectIDs(ctx, `SELECT room_id FROM memberships WHERE user_id = $1 ORDER BY room_id`, userID)
}

func (db *PostgresDB) collectIDs(ctx context.Context, query string, arg int) ([]int, error) {
	rows, err := db.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int])
}

// Suspension Repository Implementation
func (db *PostgresDB) SaveSuspension(ctx context.Context, s *models.Suspension) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	switch s.Scope {
	case models.ScopeAccount:
		_, err = tx.Exec(ctx, `DELETE FROM suspensions WHERE scope = 'account' AND identity_id = $1`, s.IdentityID)
	case models.ScopeAddress:
		_, err = tx.Exec(ctx, `DELETE FROM suspensions WHERE scope = 'address' AND address = $1`, s.Address)
	default:
		return fmt.Errorf("unknown suspension scope %q", s.Scope)
	}
	if err != nil {
		return err
	}

	query := `
		INSERT INTO suspensions (scope, identity_id, address, reason, expires_at, issued_by, created_at)
		VALUES ($1, NULLIF($2, 0), NULLIF($3, ''), $4, $5, NULLIF($6, 0), NOW())
		RETURNING id, created_at`
	err = tx.QueryRow(ctx, query, s.Scope, s.IdentityID, s.Address, s.Reason, s.ExpiresAt, s.IssuedBy).Scan(&s.ID, &s.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save suspension: %w", err)
	}

	return tx.Commit(ctx)
}

func (db *PostgresDB) DeleteAccountSuspensions(ctx context.Context, identityID int) error {
	_, err := db.pool.Exec(ctx, `DELETE FROM suspensions WHERE scope = 'account' AND identity_id = $1`, identityID)
	return err
}

func (db *PostgresDB) DeleteAddressSuspensions(ctx context.Context, address string) error {
	_, err := db.pool.Exec(ctx, `DELETE FROM suspensions WHERE scope = 'address' AND address = $1`, address)
	return err
}

func (db *PostgresDB) ListSuspensions(ctx context.Context) ([]*models.Suspension, error) {
	query := `
		SELECT id, scope, COALESCE(identity_id, 0), COALESCE(address, ''), reason, expires_at, COALESCE(issued_by, 0), created_at
		FROM suspensions
		ORDER BY id`

	rows, err := db.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Suspension
	for rows.Next() {
		s := &models.Suspension{}
		if err := rows.Scan(&s.ID, &s.Scope, &s.IdentityID, &s.Address, &s.Reason, &s.ExpiresAt, &s.IssuedBy, &s.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (db *PostgresDB) DeleteExpiredSuspensions(ctx context.Context, now time.Time) (int64, error) {
	tag, err := db.pool.Exec(ctx, `DELETE FROM suspensions WHERE expires_at IS NOT NULL AND expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
