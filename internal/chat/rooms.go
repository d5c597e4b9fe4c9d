// Package chat implements chat rooms and the websocket relay on top of them.
package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"devsuite/internal/models"
)

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrNotMember    = errors.New("not a member of this room")
)

const (
	maxRoomName       = 100
	maxMessageLen     = 4000
	defaultHistoryLen = 50
	maxHistoryLen     = 200
)

// Store persists rooms, memberships and messages.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateRoom inserts a room; the owner becomes its first member.
func (s *Store) CreateRoom(ctx context.Context, ownerID int64, name string) (*models.Room, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("room name is required")
	}
	if len(name) > maxRoomName {
		return nil, fmt.Errorf("room name longer than %d characters", maxRoomName)
	}
	now := time.Now().UTC()
	room := &models.Room{ID: uuid.NewString(), Name: name, OwnerID: ownerID, CreatedAt: now}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO rooms (id, name, owner_id, created_at) VALUES (?, ?, ?, ?)`,
		room.ID, room.Name, room.OwnerID, now,
	); err != nil {
		return nil, fmt.Errorf("create room: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO room_members (room_id, user_id, joined_at) VALUES (?, ?, ?)`,
		room.ID, ownerID, now,
	); err != nil {
		return nil, fmt.Errorf("add owner: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit room: %w", err)
	}
	return room, nil
}

// ListRooms returns the rooms userID belongs to.
func (s *Store) ListRooms(ctx context.Context, userID int64) ([]models.Room, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.id, r.name, r.owner_id, r.created_at
		 FROM rooms r JOIN room_members m ON m.room_id = r.id
		 WHERE m.user_id = ? ORDER BY r.created_at ASC, r.id ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()

	rooms := []models.Room{}
	for rows.Next() {
		var r models.Room
		if err := rows.Scan(&r.ID, &r.Name, &r.OwnerID, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		rooms = append(rooms, r)
	}
	return rooms, rows.Err()
}

// Join adds userID to the room. Joining twice is a no-op.
func (s *Store) Join(ctx context.Context, userID int64, roomID string) error {
	if err := s.roomExists(ctx, roomID); err != nil {
		return err
	}
	member, err := s.IsMember(ctx, userID, roomID)
	if err != nil || member {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO room_members (room_id, user_id, joined_at) VALUES (?, ?, ?)`,
		roomID, userID, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("join room: %w", err)
	}
	return nil
}

// Leave removes userID from the room.
func (s *Store) Leave(ctx context.Context, userID int64, roomID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM room_members WHERE room_id = ? AND user_id = ?`, roomID, userID)
	if err != nil {
		return fmt.Errorf("leave room: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotMember
	}
	return nil
}

// IsMember reports whether userID belongs to the room.
func (s *Store) IsMember(ctx context.Context, userID int64, roomID string) (bool, error) {
	var member bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM room_members WHERE room_id = ? AND user_id = ?)`,
		roomID, userID,
	).Scan(&member); err != nil {
		return false, fmt.Errorf("check membership: %w", err)
	}
	return member, nil
}

// CheckMember returns ErrRoomNotFound or ErrNotMember when userID may not
// use the room.
func (s *Store) CheckMember(ctx context.Context, userID int64, roomID string) error {
	if err := s.roomExists(ctx, roomID); err != nil {
		return err
	}
	member, err := s.IsMember(ctx, userID, roomID)
	if err != nil {
		return err
	}
	if !member {
		return ErrNotMember
	}
	return nil
}

// PostMessage stores a message from a member.
func (s *Store) PostMessage(ctx context.Context, userID int64, roomID, content string) (*models.ChatMessage, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, errors.New("content cannot be empty")
	}
	if len(content) > maxMessageLen {
		return nil, fmt.Errorf("message longer than %d characters", maxMessageLen)
	}
	if err := s.CheckMember(ctx, userID, roomID); err != nil {
		return nil, err
	}
	var username string
	if err := s.db.QueryRowContext(ctx, `SELECT username FROM users WHERE id = ?`, userID).Scan(&username); err != nil {
		return nil, fmt.Errorf("lookup author: %w", err)
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_messages (room_id, user_id, content, created_at) VALUES (?, ?, ?, ?)`,
		roomID, userID, content, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("message id: %w", err)
	}
	return &models.ChatMessage{ID: id, RoomID: roomID, UserID: userID, Username: username, Content: content, CreatedAt: now}, nil
}

// Messages returns the latest limit messages of the room, oldest first.
func (s *Store) Messages(ctx context.Context, userID int64, roomID string, limit int) ([]models.ChatMessage, error) {
	if err := s.CheckMember(ctx, userID, roomID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultHistoryLen
	}
	if limit > maxHistoryLen {
		limit = maxHistoryLen
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id, m.room_id, m.user_id, u.username, m.content, m.created_at
		 FROM chat_messages m JOIN users u ON u.id = m.user_id
		 WHERE m.room_id = ?
		 ORDER BY m.created_at DESC, m.id DESC LIMIT ?`,
		roomID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	msgs := []models.ChatMessage{}
	for rows.Next() {
		var m models.ChatMessage
		if err := rows.Scan(&m.ID, &m.RoomID, &m.UserID, &m.Username, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *Store) roomExists(ctx context.Context, roomID string) error {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM rooms WHERE id = ?)`, roomID).Scan(&exists); err != nil {
		return fmt.Errorf("check room: %w", err)
	}
	if !exists {
		return ErrRoomNotFound
	}
	return nil
}
