package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"chanrelay/internal/core/domain"
	"chanrelay/internal/core/ports"

	_ "modernc.org/sqlite"
)

const (
	defaultRoomName = "all"
	maxUnread       = 200
)

// ChatStore keeps rooms, memberships and messages in a SQLite database.
type ChatStore struct {
	db *sql.DB
}

var _ ports.ChatStore = (*ChatStore)(nil)

// NewChatStore opens (or creates) the database at path and makes sure the default
// room exists.
func NewChatStore(ctx context.Context, path string, defaultRoom domain.ChannelID) (*ChatStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one writer at a time; also keeps ":memory:" databases on a single connection
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, err
		}
	}

	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS rooms (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			name        TEXT NOT NULL DEFAULT '',
			disabled    INTEGER NOT NULL DEFAULT 0,
			direct_key  TEXT UNIQUE,
			created_at  INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS room_users (
			room_id      INTEGER NOT NULL REFERENCES rooms(id),
			user_id      TEXT NOT NULL,
			last_read_id INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (room_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			room_id     INTEGER NOT NULL REFERENCES rooms(id),
			sender_id   TEXT NOT NULL,
			content     TEXT NOT NULL DEFAULT '',
			media       TEXT NOT NULL DEFAULT '',
			deleted     INTEGER NOT NULL DEFAULT 0,
			created_at  INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_room ON messages(room_id, id)`,
		`CREATE INDEX IF NOT EXISTS idx_room_users_user ON room_users(user_id)`,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, err
		}
	}

	s := &ChatStore{db: db}
	if defaultRoom != "" {
		id, err := roomKey(defaultRoom)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("default room %q must be numeric", defaultRoom)
		}
		if _, err := db.ExecContext(ctx,
			`INSERT OR IGNORE INTO rooms (id, name, created_at) VALUES (?, ?, ?)`,
			id, defaultRoomName, nowMillis()); err != nil {
			db.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *ChatStore) Close() error {
	return s.db.Close()
}

// Ping is used by readiness checks.
func (s *ChatStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Snapshot writes a consistent copy of the database to w. VACUUM INTO needs a file
// target, so the copy goes through a temporary directory.
func (s *ChatStore) Snapshot(ctx context.Context, w io.Writer) error {
	dir, err := os.MkdirTemp("", "chanrelay-snapshot-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	target := filepath.Join(dir, "snapshot.db")
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, target); err != nil {
		return fmt.Errorf("vacuum into snapshot: %w", err)
	}

	f, err := os.Open(target)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(w, f)
	return err
}

func (s *ChatStore) CreateRoom(ctx context.Context, name string, creator domain.UserID) (*domain.Room, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `INSERT INTO rooms (name, created_at) VALUES (?, ?)`, name, nowMillis())
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO room_users (room_id, user_id) VALUES (?, ?)`, id, string(creator)); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &domain.Room{
		ID:    roomChannel(id),
		Name:  name,
		Users: []domain.UserID{creator},
	}, nil
}

// GetOrCreateDirectRoom returns the private room of a and b, re-enabling it if one of
// them deleted it before.
func (s *ChatStore) GetOrCreateDirectRoom(ctx context.Context, a, b domain.UserID) (*domain.Room, error) {
	key := directKey(a, b)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM rooms WHERE direct_key = ?`, key).Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		res, err := tx.ExecContext(ctx,
			`INSERT INTO rooms (name, direct_key, created_at) VALUES ('', ?, ?)`, key, nowMillis())
		if err != nil {
			return nil, err
		}
		if id, err = res.LastInsertId(); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	default:
		if _, err := tx.ExecContext(ctx, `UPDATE rooms SET disabled = 0 WHERE id = ?`, id); err != nil {
			return nil, err
		}
	}

	for _, user := range []domain.UserID{a, b} {
		if err := addMember(ctx, tx, id, user); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetRoom(ctx, roomChannel(id))
}

func (s *ChatStore) GetRoom(ctx context.Context, id domain.ChannelID) (*domain.Room, error) {
	key, err := roomKey(id)
	if err != nil {
		return nil, domain.ErrRoomNotFound
	}

	room := &domain.Room{ID: id}
	var disabled int
	err = s.db.QueryRowContext(ctx, `SELECT name, disabled FROM rooms WHERE id = ?`, key).
		Scan(&room.Name, &disabled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrRoomNotFound
	}
	if err != nil {
		return nil, err
	}
	room.Disabled = disabled != 0

	if room.Users, err = s.roomUsers(ctx, key); err != nil {
		return nil, err
	}
	return room, nil
}

func (s *ChatStore) UserRooms(ctx context.Context, userID domain.UserID) ([]*domain.Room, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id FROM rooms r
		JOIN room_users ru ON ru.room_id = r.id
		WHERE ru.user_id = ?
		ORDER BY r.id`, string(userID))
	if err != nil {
		return nil, err
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	rooms := make([]*domain.Room, 0, len(ids))
	for _, id := range ids {
		room, err := s.GetRoom(ctx, roomChannel(id))
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, nil
}

func (s *ChatStore) AddRoomUser(ctx context.Context, id domain.ChannelID, userID domain.UserID) error {
	key, err := s.existingRoom(ctx, id)
	if err != nil {
		return err
	}
	return addMember(ctx, s.db, key, userID)
}

func (s *ChatStore) RemoveRoomUser(ctx context.Context, id domain.ChannelID, userID domain.UserID) error {
	key, err := s.existingRoom(ctx, id)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`DELETE FROM room_users WHERE room_id = ? AND user_id = ?`, key, string(userID))
	return err
}

func (s *ChatStore) DisableRoom(ctx context.Context, id domain.ChannelID) error {
	key, err := roomKey(id)
	if err != nil {
		return domain.ErrRoomNotFound
	}
	res, err := s.db.ExecContext(ctx, `UPDATE rooms SET disabled = 1 WHERE id = ?`, key)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.ErrRoomNotFound
	}
	return nil
}

func (s *ChatStore) SaveMessage(ctx context.Context, msg *domain.Message) error {
	key, err := s.existingRoom(ctx, msg.RoomID)
	if err != nil {
		return err
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC().Truncate(time.Millisecond)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (room_id, sender_id, content, media, deleted, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		key, string(msg.SenderID), msg.Content, msg.Media, boolInt(msg.Deleted), msg.CreatedAt.UnixMilli())
	if err != nil {
		return err
	}
	msg.ID, err = res.LastInsertId()
	return err
}

func (s *ChatStore) GetMessage(ctx context.Context, id int64) (*domain.Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, room_id, sender_id, content, media, deleted, created_at
		FROM messages WHERE id = ?`, id)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrMessageNotFound
	}
	return msg, err
}

func (s *ChatStore) UpdateMessage(ctx context.Context, msg *domain.Message) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET content = ?, media = ?, deleted = ? WHERE id = ?`,
		msg.Content, msg.Media, boolInt(msg.Deleted), msg.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.ErrMessageNotFound
	}
	return nil
}

func (s *ChatStore) Messages(ctx context.Context, roomID domain.ChannelID, beforeID int64, count int) ([]domain.Message, error) {
	key, err := roomKey(roomID)
	if err != nil {
		return nil, domain.ErrRoomNotFound
	}
	if beforeID <= 0 {
		beforeID = int64(^uint64(0) >> 1)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, room_id, sender_id, content, media, deleted, created_at
		FROM messages
		WHERE room_id = ? AND id < ? AND deleted = 0
		ORDER BY id DESC
		LIMIT ?`, key, beforeID, count)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

func (s *ChatStore) Unread(ctx context.Context, roomID domain.ChannelID, userID domain.UserID) ([]domain.Message, error) {
	key, err := roomKey(roomID)
	if err != nil {
		return nil, domain.ErrRoomNotFound
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.room_id, m.sender_id, m.content, m.media, m.deleted, m.created_at
		FROM messages m
		JOIN room_users ru ON ru.room_id = m.room_id AND ru.user_id = ?
		WHERE m.room_id = ? AND m.id > ru.last_read_id AND m.deleted = 0
		ORDER BY m.id ASC
		LIMIT ?`, string(userID), key, maxUnread)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

func (s *ChatStore) MarkRead(ctx context.Context, roomID domain.ChannelID, userID domain.UserID) error {
	key, err := roomKey(roomID)
	if err != nil {
		return domain.ErrRoomNotFound
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE room_users
		SET last_read_id = (SELECT COALESCE(MAX(id), 0) FROM messages WHERE room_id = ?)
		WHERE room_id = ? AND user_id = ?`, key, key, string(userID))
	return err
}

func (s *ChatStore) existingRoom(ctx context.Context, id domain.ChannelID) (int64, error) {
	key, err := roomKey(id)
	if err != nil {
		return 0, domain.ErrRoomNotFound
	}
	var found int64
	err = s.db.QueryRowContext(ctx, `SELECT id FROM rooms WHERE id = ?`, key).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, domain.ErrRoomNotFound
	}
	return found, err
}

func (s *ChatStore) roomUsers(ctx context.Context, key int64) ([]domain.UserID, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM room_users WHERE room_id = ? ORDER BY user_id`, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []domain.UserID
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		users = append(users, domain.UserID(u))
	}
	return users, rows.Err()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// addMember joins a user to a room. New members start with everything already sent
// marked as read.
func addMember(ctx context.Context, db execer, room int64, user domain.UserID) error {
	_, err := db.ExecContext(ctx, `
		INSERT OR IGNORE INTO room_users (room_id, user_id, last_read_id)
		VALUES (?, ?, (SELECT COALESCE(MAX(id), 0) FROM messages WHERE room_id = ?))`,
		room, string(user), room)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (*domain.Message, error) {
	var (
		msg       domain.Message
		room      int64
		sender    string
		deleted   int
		createdAt int64
	)
	if err := row.Scan(&msg.ID, &room, &sender, &msg.Content, &msg.Media, &deleted, &createdAt); err != nil {
		return nil, err
	}
	msg.RoomID = roomChannel(room)
	msg.SenderID = domain.UserID(sender)
	msg.Deleted = deleted != 0
	msg.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &msg, nil
}

func scanMessages(rows *sql.Rows) ([]domain.Message, error) {
	defer rows.Close()

	messages := []domain.Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *msg)
	}
	return messages, rows.Err()
}

func roomKey(id domain.ChannelID) (int64, error) {
	return strconv.ParseInt(string(id), 10, 64)
}

func roomChannel(id int64) domain.ChannelID {
	return domain.ChannelID(strconv.FormatInt(id, 10))
}

func directKey(a, b domain.UserID) string {
	if b < a {
		a, b = b, a
	}
	return string(a) + "|" + string(b)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
