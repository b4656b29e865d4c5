package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite "modernc.org/sqlite"
)

const (
	sqliteConstraintCode = 19
	defaultBusyTimeout   = 5000
)

// Store wraps the SQLite handle and exposes helper methods used by the server.
type Store struct {
	db *sql.DB
}

// User represents a row in the users table.
type User struct {
	ID           string
	Email        string
	DisplayName  string
	AvatarURL    string
	PasswordHash []byte
	CreatedAt    time.Time
}

// RefreshToken captures one persisted credential-rotation token.
type RefreshToken struct {
	Token     string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// MessageRecord is a stored chat message joined with its sender snapshot.
type MessageRecord struct {
	ID           string
	RoomID       string
	SenderID     string
	Content      string
	CreatedAt    time.Time
	EditedAt     sql.NullTime
	DeletedAt    sql.NullTime
	SenderName   string
	SenderAvatar string
}

// RoomInfo is one direct-message room from a user's point of view.
type RoomInfo struct {
	ID          string
	OtherUser   User
	LastMessage string
	UpdatedAt   time.Time
}

// ErrUserExists is returned when attempting to insert a duplicate email.
var ErrUserExists = errors.New("user already exists")

// ErrFriendRequestExists is returned when a friend request is already pending.
var ErrFriendRequestExists = errors.New("friend request already exists")

// NewStore initializes the SQLite database at the provided path. Call Close when done.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "pocketchat.db"
	}
	dsn := buildDSN(path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d;", defaultBusyTimeout)); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying DB connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func buildDSN(path string) string {
	switch {
	case strings.HasPrefix(path, "sqlite://"):
		path = path[len("sqlite://"):]
	case strings.HasPrefix(path, "file:"), strings.HasPrefix(path, ":memory:"):
		// already in a form sqlite understands
	default:
		path = "file:" + path
	}
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout=%d&_pragma=foreign_keys=ON", path, separator, defaultBusyTimeout)
}

// Migrate runs the schema creation statements.
func (s *Store) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			display_name TEXT NOT NULL,
			avatar_url TEXT NOT NULL DEFAULT '',
			password_hash BLOB NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS refresh_tokens (
			token TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			expires_at DATETIME NOT NULL,
			FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS rooms (
			id TEXT PRIMARY KEY,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS room_members (
			room_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			PRIMARY KEY (room_id, user_id),
			FOREIGN KEY(room_id) REFERENCES rooms(id) ON DELETE CASCADE,
			FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			room_id TEXT NOT NULL,
			sender_id TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			edited_at DATETIME,
			deleted_at DATETIME,
			FOREIGN KEY(room_id) REFERENCES rooms(id) ON DELETE CASCADE,
			FOREIGN KEY(sender_id) REFERENCES users(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_room_created ON messages(room_id, created_at DESC);`,
		`CREATE TABLE IF NOT EXISTS friendships (
			user_id TEXT NOT NULL,
			friend_id TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (user_id, friend_id),
			FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE,
			FOREIGN KEY(friend_id) REFERENCES users(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS friend_requests (
			requester_id TEXT NOT NULL,
			receiver_id TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (requester_id, receiver_id),
			FOREIGN KEY(requester_id) REFERENCES users(id) ON DELETE CASCADE,
			FOREIGN KEY(receiver_id) REFERENCES users(id) ON DELETE CASCADE
		);`,
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for _, stmt := range statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// CreateUser inserts a new user. ErrUserExists is returned on conflicts.
func (s *Store) CreateUser(ctx context.Context, id, email, displayName string, passwordHash []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(id, email, display_name, password_hash) VALUES(?, ?, ?, ?)`,
		id, email, displayName, passwordHash)
	if err != nil {
		if isConstraintError(err) {
			return ErrUserExists
		}
		return err
	}
	return nil
}

// GetUserByEmail fetches a user by email.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, email, display_name, avatar_url, password_hash, created_at FROM users WHERE email = ?`, email)
	return scanUser(row)
}

// GetUserByID fetches a user by primary key.
func (s *Store) GetUserByID(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, email, display_name, avatar_url, password_hash, created_at FROM users WHERE id = ?`, id)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*User, error) {
	var user User
	if err := row.Scan(&user.ID, &user.Email, &user.DisplayName, &user.AvatarURL, &user.PasswordHash, &user.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &user, nil
}

// UpdateProfile overwrites the mutable profile fields. Empty values keep the
// current column content.
func (s *Store) UpdateProfile(ctx context.Context, userID, displayName, avatarURL string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET
			display_name = CASE WHEN ? = '' THEN display_name ELSE ? END,
			avatar_url   = CASE WHEN ? = '' THEN avatar_url ELSE ? END
		WHERE id = ?`,
		displayName, displayName, avatarURL, avatarURL, userID)
	return err
}

// UpdatePassword replaces the stored password hash for a user.
func (s *Store) UpdatePassword(ctx context.Context, userID string, newHash []byte) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash=? WHERE id=?`, newHash, userID)
	return err
}

// CreateRefreshToken stores a new rotation token for a user.
func (s *Store) CreateRefreshToken(ctx context.Context, token, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO refresh_tokens(token, user_id, expires_at) VALUES(?, ?, ?)`,
		token, userID, expiresAt.UTC())
	return err
}

// GetRefreshToken returns a stored token, or nil when unknown.
func (s *Store) GetRefreshToken(ctx context.Context, token string) (*RefreshToken, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT token, user_id, expires_at, created_at FROM refresh_tokens WHERE token = ?`, token)
	var rt RefreshToken
	if err := row.Scan(&rt.Token, &rt.UserID, &rt.ExpiresAt, &rt.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rt, nil
}

// DeleteRefreshToken removes a rotation token (used on refresh and sign-out).
func (s *Store) DeleteRefreshToken(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE token = ?`, token)
	return err
}

// DeleteExpiredRefreshTokens prunes tokens past their expiry.
func (s *Store) DeleteExpiredRefreshTokens(ctx context.Context, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE expires_at < ?`, now.UTC())
	return err
}

// GetOrCreateDirectRoom finds the two-person room shared by both users,
// creating it on first contact.
func (s *Store) GetOrCreateDirectRoom(ctx context.Context, roomID, userA, userB string) (string, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT a.room_id
		FROM room_members a
		JOIN room_members b ON b.room_id = a.room_id
		WHERE a.user_id = ? AND b.user_id = ?
		LIMIT 1
	`, userA, userB)
	var existing string
	err := row.Scan(&existing)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx, `INSERT INTO rooms(id) VALUES(?)`, roomID); err != nil {
		return "", err
	}
	if _, err = tx.ExecContext(ctx, `INSERT INTO room_members(room_id, user_id) VALUES(?, ?)`, roomID, userA); err != nil {
		return "", err
	}
	if _, err = tx.ExecContext(ctx, `INSERT INTO room_members(room_id, user_id) VALUES(?, ?)`, roomID, userB); err != nil {
		return "", err
	}
	if err = tx.Commit(); err != nil {
		return "", err
	}
	return roomID, nil
}

// IsRoomMember reports whether a user belongs to a room.
func (s *Store) IsRoomMember(ctx context.Context, roomID, userID string) (bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM room_members WHERE room_id = ? AND user_id = ?`, roomID, userID)
	var count int
	if err := row.Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// ListRoomsForUser returns every room the user belongs to, with the peer's
// profile and the latest message, most recently active first.
func (s *Store) ListRoomsForUser(ctx context.Context, userID string) ([]RoomInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.room_id,
		       u.id, u.email, u.display_name, u.avatar_url,
		       COALESCE((SELECT content FROM messages WHERE room_id = m.room_id ORDER BY created_at DESC LIMIT 1), ''),
		       COALESCE((SELECT created_at FROM messages WHERE room_id = m.room_id ORDER BY created_at DESC LIMIT 1), r.created_at)
		FROM room_members m
		JOIN rooms r ON r.id = m.room_id
		JOIN room_members peer ON peer.room_id = m.room_id AND peer.user_id != m.user_id
		JOIN users u ON u.id = peer.user_id
		WHERE m.user_id = ?
		ORDER BY 7 DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var infos []RoomInfo
	for rows.Next() {
		var info RoomInfo
		if err := rows.Scan(&info.ID, &info.OtherUser.ID, &info.OtherUser.Email,
			&info.OtherUser.DisplayName, &info.OtherUser.AvatarURL,
			&info.LastMessage, &info.UpdatedAt); err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

// InsertMessage persists a chat message.
func (s *Store) InsertMessage(ctx context.Context, id, roomID, senderID, content string, createdAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages(id, room_id, sender_id, content, created_at) VALUES(?, ?, ?, ?, ?)`,
		id, roomID, senderID, content, createdAt.UTC())
	return err
}

// ListRecentMessages returns the newest messages for a room, newest first,
// each joined with its sender's current profile snapshot.
func (s *Store) ListRecentMessages(ctx context.Context, roomID string, limit int) ([]MessageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT msg.id, msg.room_id, msg.sender_id, msg.content, msg.created_at, msg.edited_at, msg.deleted_at,
		       u.display_name, u.avatar_url
		FROM messages msg
		JOIN users u ON u.id = msg.sender_id
		WHERE msg.room_id = ?
		ORDER BY msg.created_at DESC
		LIMIT ?
	`, roomID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []MessageRecord
	for rows.Next() {
		var rec MessageRecord
		if err := rows.Scan(&rec.ID, &rec.RoomID, &rec.SenderID, &rec.Content,
			&rec.CreatedAt, &rec.EditedAt, &rec.DeletedAt,
			&rec.SenderName, &rec.SenderAvatar); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// AddFriendship inserts symmetric rows for a friendship pair.
func (s *Store) AddFriendship(ctx context.Context, userID, friendID string) error {
	if userID == friendID {
		return fmt.Errorf("cannot friend yourself")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx, `INSERT OR IGNORE INTO friendships(user_id, friend_id) VALUES(?, ?)`, userID, friendID); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `INSERT OR IGNORE INTO friendships(user_id, friend_id) VALUES(?, ?)`, friendID, userID); err != nil {
		return err
	}
	return tx.Commit()
}

// ListFriends returns all friends for a given user (ordered by display name).
func (s *Store) ListFriends(ctx context.Context, userID string) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.id, u.email, u.display_name, u.avatar_url
		FROM friendships f
		JOIN users u ON u.id = f.friend_id
		WHERE f.user_id = ?
		ORDER BY u.display_name ASC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var friends []User
	for rows.Next() {
		var friend User
		if err := rows.Scan(&friend.ID, &friend.Email, &friend.DisplayName, &friend.AvatarURL); err != nil {
			return nil, err
		}
		friends = append(friends, friend)
	}
	return friends, rows.Err()
}

// AreFriends reports whether two users are already connected.
func (s *Store) AreFriends(ctx context.Context, userID, friendID string) (bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM friendships WHERE user_id = ? AND friend_id = ?`, userID, friendID)
	var count int
	if err := row.Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// CreateFriendRequest stores a pending request if one does not already exist.
func (s *Store) CreateFriendRequest(ctx context.Context, requesterID, receiverID string) error {
	if requesterID == receiverID {
		return fmt.Errorf("cannot send a friend request to yourself")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	// Prevent duplicates or already-friends cases.
	var existing int
	if err = tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM friendships WHERE user_id=? AND friend_id=?`, requesterID, receiverID).Scan(&existing); err != nil {
		return err
	}
	if existing > 0 {
		err = ErrFriendRequestExists
		return err
	}
	if err = tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM friend_requests WHERE requester_id=? AND receiver_id=?`, requesterID, receiverID).Scan(&existing); err != nil {
		return err
	}
	if existing > 0 {
		err = ErrFriendRequestExists
		return err
	}
	if err = tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM friend_requests WHERE requester_id=? AND receiver_id=?`, receiverID, requesterID).Scan(&existing); err != nil {
		return err
	}
	if existing > 0 {
		err = ErrFriendRequestExists
		return err
	}
	if _, err = tx.ExecContext(ctx, `INSERT INTO friend_requests(requester_id, receiver_id) VALUES(?, ?)`, requesterID, receiverID); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteFriendRequest removes any pending request between the two users.
func (s *Store) DeleteFriendRequest(ctx context.Context, requesterID, receiverID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM friend_requests WHERE requester_id=? AND receiver_id=?`, requesterID, receiverID)
	return err
}

// ListIncomingFriendRequests fetches users who requested the authenticated user.
func (s *Store) ListIncomingFriendRequests(ctx context.Context, userID string) ([]User, error) {
	return s.listFriendRequestPeers(ctx, `
		SELECT u.id, u.email, u.display_name, u.avatar_url
		FROM friend_requests fr
		JOIN users u ON u.id = fr.requester_id
		WHERE fr.receiver_id = ?
		ORDER BY fr.created_at ASC
	`, userID)
}

// ListOutgoingFriendRequests fetches pending requests sent by a user.
func (s *Store) ListOutgoingFriendRequests(ctx context.Context, userID string) ([]User, error) {
	return s.listFriendRequestPeers(ctx, `
		SELECT u.id, u.email, u.display_name, u.avatar_url
		FROM friend_requests fr
		JOIN users u ON u.id = fr.receiver_id
		WHERE fr.requester_id = ?
		ORDER BY fr.created_at ASC
	`, userID)
}

func (s *Store) listFriendRequestPeers(ctx context.Context, query, userID string) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Email, &u.DisplayName, &u.AvatarURL); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// AcceptFriendRequest converts the pending request into a friendship.
func (s *Store) AcceptFriendRequest(ctx context.Context, requesterID, receiverID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	res, err := tx.ExecContext(ctx, `DELETE FROM friend_requests WHERE requester_id=? AND receiver_id=?`, requesterID, receiverID)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		err = sql.ErrNoRows
		return err
	}
	if _, err = tx.ExecContext(ctx, `INSERT OR IGNORE INTO friendships(user_id, friend_id) VALUES(?, ?)`, requesterID, receiverID); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `INSERT OR IGNORE INTO friendships(user_id, friend_id) VALUES(?, ?)`, receiverID, requesterID); err != nil {
		return err
	}
	return tx.Commit()
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqliteConstraintCode
	}
	return false
}
