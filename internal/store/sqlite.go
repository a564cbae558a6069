package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/eldtechnologies/roomsync/internal/models"
)

// SQLiteStore handles SQLite database operations.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
// If dbPath is empty, defaults to "./data/roomsync.db"
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/roomsync.db"
	}

	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	// A single writer connection keeps admission serialized inside SQLite.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	store := &SQLiteStore{db: db}

	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// initSchema creates tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		is_private INTEGER DEFAULT 0,
		members TEXT NOT NULL DEFAULT '[]',
		created_by TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		room_id TEXT NOT NULL,
		sender_id TEXT NOT NULL,
		correlation_token TEXT,
		text TEXT NOT NULL DEFAULT '',
		attachments TEXT NOT NULL DEFAULT '[]',
		created_at INTEGER NOT NULL,
		edited_at INTEGER,
		deleted INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS message_receipts (
		message_id TEXT NOT NULL REFERENCES messages(id),
		kind TEXT NOT NULL,
		user_id TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (message_id, kind, user_id)
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_sender_token ON messages(sender_id, correlation_token);
	CREATE INDEX IF NOT EXISTS idx_messages_room_created ON messages(room_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_rooms_created ON rooms(created_at);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() {
	s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateRoom creates a new room.
func (s *SQLiteStore) CreateRoom(ctx context.Context, name string, isPrivate bool, members []string, createdBy string) (*models.Room, error) {
	id := uuid.New()
	now := time.Now().UTC()

	membersJSON, err := json.Marshal(nonNil(members))
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rooms (id, name, is_private, members, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id.String(), name, boolToInt(isPrivate), string(membersJSON), createdBy, now)
	if err != nil {
		return nil, err
	}

	return s.GetRoom(ctx, id)
}

// GetRoom retrieves a room by ID.
func (s *SQLiteStore) GetRoom(ctx context.Context, id uuid.UUID) (*models.Room, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, is_private, members, created_by, created_at
		FROM rooms WHERE id = ?
	`, id.String())

	room, err := scanSQLiteRoom(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return room, nil
}

// ListRooms returns the most recently created rooms first.
func (s *SQLiteStore) ListRooms(ctx context.Context, limit int) ([]models.Room, error) {
	if limit <= 0 || limit > MaxRoomList {
		limit = MaxRoomList
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, is_private, members, created_by, created_at
		FROM rooms
		ORDER BY created_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rooms := []models.Room{}
	for rows.Next() {
		room, err := scanSQLiteRoom(rows)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, *room)
	}
	return rooms, rows.Err()
}

// RenameRoom changes a room's display name.
func (s *SQLiteStore) RenameRoom(ctx context.Context, id uuid.UUID, name string) (*models.Room, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE rooms SET name = ? WHERE id = ?`, name, id.String())
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return s.GetRoom(ctx, id)
}

// DeleteRoom removes a room. Its messages are kept.
func (s *SQLiteStore) DeleteRoom(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rooms WHERE id = ?`, id.String())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AdmitMessage inserts msg; the unique (sender_id, correlation_token) index
// turns a replayed token into a no-op insert, after which the admitted record
// is fetched.
func (s *SQLiteStore) AdmitMessage(ctx context.Context, msg *models.Message) (*models.Message, bool, error) {
	stored := *msg
	prepareMessage(&stored)

	attachments, err := json.Marshal(stored.Attachments)
	if err != nil {
		return nil, false, err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, room_id, sender_id, correlation_token, text, attachments, created_at, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT (sender_id, correlation_token) DO NOTHING
	`, stored.ID, stored.RoomID, stored.SenderID, nullString(stored.CorrelationToken),
		stored.Text, string(attachments), stored.CreatedAt.UnixMilli())
	if err != nil {
		return nil, false, err
	}

	if n, _ := res.RowsAffected(); n == 0 {
		existing, err := s.GetMessageByToken(ctx, stored.SenderID, stored.CorrelationToken)
		if err != nil {
			return nil, false, err
		}
		if existing == nil {
			return nil, false, errors.New("store: admission conflict without existing record")
		}
		return existing, false, nil
	}

	return &stored, true, nil
}

const sqliteMessageColumns = `id, room_id, sender_id, correlation_token, text, attachments, created_at, edited_at, deleted`

// GetMessage retrieves a message by ID.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteMessageColumns+` FROM messages WHERE id = ?`, id)
	return s.loadOne(ctx, row)
}

// GetMessageByToken retrieves the message admitted for a sender's token.
func (s *SQLiteStore) GetMessageByToken(ctx context.Context, senderID, token string) (*models.Message, error) {
	if token == "" {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sqliteMessageColumns+` FROM messages
		WHERE sender_id = ? AND correlation_token = ?
	`, senderID, token)
	return s.loadOne(ctx, row)
}

// ListMessages returns a page of a room's history, oldest first.
func (s *SQLiteStore) ListMessages(ctx context.Context, roomID string, before time.Time, limit int) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteMessageColumns+` FROM messages
		WHERE room_id = ? AND created_at < ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, roomID, pageCursor(before).UnixMilli(), clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		msg, err := scanSQLiteMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.attachReceipts(ctx, messages); err != nil {
		return nil, err
	}
	reverseMessages(messages)
	return messages, nil
}

// UpdateMessageText replaces a message's text and stamps the edit time.
func (s *SQLiteStore) UpdateMessageText(ctx context.Context, id, text string, editedAt time.Time) (*models.Message, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET text = ?, edited_at = ? WHERE id = ?
	`, text, editedAt.UTC().UnixMilli(), id)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return s.GetMessage(ctx, id)
}

// SoftDeleteMessage flags a message as deleted.
func (s *SQLiteStore) SoftDeleteMessage(ctx context.Context, id string) (*models.Message, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE messages SET deleted = 1 WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return s.GetMessage(ctx, id)
}

// AddReceipt adds userID to a message's delivered or read set.
func (s *SQLiteStore) AddReceipt(ctx context.Context, id string, kind models.ReceiptKind, userID string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM messages WHERE id = ?`, id).Scan(&exists)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrNotFound
		}
		return false, err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO message_receipts (message_id, kind, user_id, created_at)
		VALUES (?, ?, ?, ?)
	`, id, string(kind), userID, time.Now().UnixMilli())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) loadOne(ctx context.Context, row *sql.Row) (*models.Message, error) {
	msg, err := scanSQLiteMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	messages := []models.Message{*msg}
	if err := s.attachReceipts(ctx, messages); err != nil {
		return nil, err
	}
	return &messages[0], nil
}

// attachReceipts fills DeliveredTo and ReadBy for a batch of messages.
func (s *SQLiteStore) attachReceipts(ctx context.Context, messages []models.Message) error {
	if len(messages) == 0 {
		return nil
	}

	index := make(map[string]*models.Message, len(messages))
	args := make([]any, len(messages))
	for i := range messages {
		messages[i].DeliveredTo = []string{}
		messages[i].ReadBy = []string{}
		index[messages[i].ID] = &messages[i]
		args[i] = messages[i].ID
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(messages)), ",")
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, kind, user_id FROM message_receipts
		WHERE message_id IN (`+placeholders+`)
		ORDER BY user_id
	`, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var messageID, kind, userID string
		if err := rows.Scan(&messageID, &kind, &userID); err != nil {
			return err
		}
		msg := index[messageID]
		switch models.ReceiptKind(kind) {
		case models.ReceiptDelivered:
			msg.DeliveredTo = append(msg.DeliveredTo, userID)
		case models.ReceiptRead:
			msg.ReadBy = append(msg.ReadBy, userID)
		}
	}
	return rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRoom(row rowScanner) (*models.Room, error) {
	room := &models.Room{}
	var idStr, membersJSON string
	var isPrivateInt int

	err := row.Scan(&idStr, &room.Name, &isPrivateInt, &membersJSON, &room.CreatedBy, &room.CreatedAt)
	if err != nil {
		return nil, err
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, err
	}
	room.ID = id
	room.IsPrivate = isPrivateInt == 1
	if err := json.Unmarshal([]byte(membersJSON), &room.Members); err != nil {
		return nil, err
	}
	room.Members = nonNil(room.Members)
	return room, nil
}

func scanSQLiteMessage(row rowScanner) (*models.Message, error) {
	msg := &models.Message{}
	var token sql.NullString
	var attachmentsJSON string
	var createdAt int64
	var editedAt sql.NullInt64
	var deleted int

	err := row.Scan(&msg.ID, &msg.RoomID, &msg.SenderID, &token, &msg.Text,
		&attachmentsJSON, &createdAt, &editedAt, &deleted)
	if err != nil {
		return nil, err
	}

	msg.CorrelationToken = token.String
	msg.CreatedAt = time.UnixMilli(createdAt).UTC()
	if editedAt.Valid {
		at := time.UnixMilli(editedAt.Int64).UTC()
		msg.EditedAt = &at
	}
	msg.Deleted = deleted == 1
	if err := json.Unmarshal([]byte(attachmentsJSON), &msg.Attachments); err != nil {
		return nil, err
	}
	if msg.Attachments == nil {
		msg.Attachments = []models.Attachment{}
	}
	return msg, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
