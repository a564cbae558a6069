package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eldtechnologies/roomsync/internal/models"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS rooms (
	id UUID PRIMARY KEY,
	name TEXT NOT NULL,
	is_private BOOLEAN NOT NULL DEFAULT FALSE,
	members TEXT[] NOT NULL DEFAULT '{}',
	created_by TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	room_id TEXT NOT NULL,
	sender_id TEXT NOT NULL,
	correlation_token TEXT,
	text TEXT NOT NULL DEFAULT '',
	attachments JSONB NOT NULL DEFAULT '[]',
	created_at TIMESTAMPTZ NOT NULL,
	edited_at TIMESTAMPTZ,
	deleted BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS message_receipts (
	message_id TEXT NOT NULL REFERENCES messages(id),
	kind TEXT NOT NULL,
	user_id TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (message_id, kind, user_id)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_sender_token ON messages(sender_id, correlation_token);
CREATE INDEX IF NOT EXISTS idx_messages_room_created ON messages(room_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_rooms_created ON rooms(created_at DESC);
`

// RunMigrations applies the schema to the database at databaseURL.
func RunMigrations(databaseURL string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conn, err := pgx.Connect(ctx, databaseURL)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)

	_, err = conn.Exec(ctx, postgresSchema)
	return err
}

// PostgresStore handles PostgreSQL database operations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const postgresRoomColumns = `id, name, is_private, members, created_by, created_at`

// CreateRoom creates a new room.
func (s *PostgresStore) CreateRoom(ctx context.Context, name string, isPrivate bool, members []string, createdBy string) (*models.Room, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO rooms (id, name, is_private, members, created_by)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+postgresRoomColumns,
		uuid.New(), name, isPrivate, nonNil(members), createdBy)
	return scanPostgresRoom(row)
}

// GetRoom retrieves a room by ID.
func (s *PostgresStore) GetRoom(ctx context.Context, id uuid.UUID) (*models.Room, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+postgresRoomColumns+` FROM rooms WHERE id = $1`, id)
	room, err := scanPostgresRoom(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return room, nil
}

// ListRooms returns the most recently created rooms first.
func (s *PostgresStore) ListRooms(ctx context.Context, limit int) ([]models.Room, error) {
	if limit <= 0 || limit > MaxRoomList {
		limit = MaxRoomList
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+postgresRoomColumns+` FROM rooms
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rooms := []models.Room{}
	for rows.Next() {
		room, err := scanPostgresRoom(rows)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, *room)
	}
	return rooms, rows.Err()
}

// RenameRoom changes a room's display name.
func (s *PostgresStore) RenameRoom(ctx context.Context, id uuid.UUID, name string) (*models.Room, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE rooms SET name = $2 WHERE id = $1
		RETURNING `+postgresRoomColumns, id, name)
	room, err := scanPostgresRoom(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return room, nil
}

// DeleteRoom removes a room. Its messages are kept.
func (s *PostgresStore) DeleteRoom(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM rooms WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const postgresMessageColumns = `id, room_id, sender_id, correlation_token, text, attachments, created_at, edited_at, deleted`

// AdmitMessage inserts msg; a replayed (sender_id, correlation_token) pair
// hits the unique index, inserts nothing and returns the admitted record.
func (s *PostgresStore) AdmitMessage(ctx context.Context, msg *models.Message) (*models.Message, bool, error) {
	stored := *msg
	prepareMessage(&stored)

	attachments, err := json.Marshal(stored.Attachments)
	if err != nil {
		return nil, false, err
	}

	var token *string
	if stored.CorrelationToken != "" {
		token = &stored.CorrelationToken
	}

	var id string
	err = s.pool.QueryRow(ctx, `
		INSERT INTO messages (id, room_id, sender_id, correlation_token, text, attachments, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (sender_id, correlation_token) DO NOTHING
		RETURNING id
	`, stored.ID, stored.RoomID, stored.SenderID, token, stored.Text, attachments, stored.CreatedAt).Scan(&id)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, false, err
		}
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

// GetMessage retrieves a message by ID.
func (s *PostgresStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+postgresMessageColumns+` FROM messages WHERE id = $1`, id)
	return s.loadOne(ctx, row)
}

// GetMessageByToken retrieves the message admitted for a sender's token.
func (s *PostgresStore) GetMessageByToken(ctx context.Context, senderID, token string) (*models.Message, error) {
	if token == "" {
		return nil, nil
	}
	row := s.pool.QueryRow(ctx, `
		SELECT `+postgresMessageColumns+` FROM messages
		WHERE sender_id = $1 AND correlation_token = $2
	`, senderID, token)
	return s.loadOne(ctx, row)
}

// ListMessages returns a page of a room's history, oldest first.
func (s *PostgresStore) ListMessages(ctx context.Context, roomID string, before time.Time, limit int) ([]models.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+postgresMessageColumns+` FROM messages
		WHERE room_id = $1 AND created_at < $2
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, roomID, pageCursor(before), clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		msg, err := scanPostgresMessage(rows)
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
func (s *PostgresStore) UpdateMessageText(ctx context.Context, id, text string, editedAt time.Time) (*models.Message, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE messages SET text = $2, edited_at = $3 WHERE id = $1`, id, text, editedAt.UTC())
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrNotFound
	}
	return s.GetMessage(ctx, id)
}

// SoftDeleteMessage flags a message as deleted.
func (s *PostgresStore) SoftDeleteMessage(ctx context.Context, id string) (*models.Message, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE messages SET deleted = TRUE WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrNotFound
	}
	return s.GetMessage(ctx, id)
}

// AddReceipt adds userID to a message's delivered or read set.
func (s *PostgresStore) AddReceipt(ctx context.Context, id string, kind models.ReceiptKind, userID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO message_receipts (message_id, kind, user_id)
		SELECT id, $2, $3 FROM messages WHERE id = $1
		ON CONFLICT DO NOTHING
	`, id, string(kind), userID)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM messages WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, ErrNotFound
	}
	return false, nil
}

func (s *PostgresStore) loadOne(ctx context.Context, row pgx.Row) (*models.Message, error) {
	msg, err := scanPostgresMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
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
func (s *PostgresStore) attachReceipts(ctx context.Context, messages []models.Message) error {
	if len(messages) == 0 {
		return nil
	}

	index := make(map[string]*models.Message, len(messages))
	ids := make([]string, len(messages))
	for i := range messages {
		messages[i].DeliveredTo = []string{}
		messages[i].ReadBy = []string{}
		index[messages[i].ID] = &messages[i]
		ids[i] = messages[i].ID
	}

	rows, err := s.pool.Query(ctx, `
		SELECT message_id, kind, user_id FROM message_receipts
		WHERE message_id = ANY($1)
		ORDER BY user_id
	`, ids)
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

func scanPostgresRoom(row pgx.Row) (*models.Room, error) {
	room := &models.Room{}
	err := row.Scan(&room.ID, &room.Name, &room.IsPrivate, &room.Members, &room.CreatedBy, &room.CreatedAt)
	if err != nil {
		return nil, err
	}
	room.Members = nonNil(room.Members)
	return room, nil
}

func scanPostgresMessage(row pgx.Row) (*models.Message, error) {
	msg := &models.Message{}
	var token *string
	var attachments []byte

	err := row.Scan(&msg.ID, &msg.RoomID, &msg.SenderID, &token, &msg.Text,
		&attachments, &msg.CreatedAt, &msg.EditedAt, &msg.Deleted)
	if err != nil {
		return nil, err
	}

	if token != nil {
		msg.CorrelationToken = *token
	}
	msg.CreatedAt = msg.CreatedAt.UTC()
	if err := json.Unmarshal(attachments, &msg.Attachments); err != nil {
		return nil, err
	}
	if msg.Attachments == nil {
		msg.Attachments = []models.Attachment{}
	}
	return msg, nil
}
