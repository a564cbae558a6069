package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/eldtechnologies/roomsync/internal/models"
)

// RedisStore keeps messages in Redis: one JSON string per message, a sorted
// set per room scored by creation time, a token key per admitted correlation
// token and one set per receipt kind. Rooms stay in the SQL store.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a new Redis store.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return &RedisStore{client: client}, nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Client returns the underlying Redis client.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// messageKey returns the key holding a message's JSON document.
func messageKey(id string) string {
	return fmt.Sprintf("message:%s", id)
}

// roomMessagesKey returns the key for a room's message sorted set.
func roomMessagesKey(roomID string) string {
	return fmt.Sprintf("room:%s:messages", roomID)
}

// tokenKey returns the key recording an admitted correlation token.
func tokenKey(senderID, token string) string {
	return fmt.Sprintf("token:%s:%s", senderID, token)
}

// receiptKey returns the key for a message's delivered or read set.
func receiptKey(id string, kind models.ReceiptKind) string {
	return fmt.Sprintf("message:%s:%s", id, kind)
}

// admitScript claims the token key and writes the message in one step.
// It returns the id of the message that owns the token.
var admitScript = redis.NewScript(`
local existing = redis.call('GET', KEYS[1])
if existing then
	return existing
end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('SET', KEYS[2], ARGV[2])
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
return ARGV[1]
`)

// AdmitMessage stores a message, deduplicating on the sender's correlation
// token.
func (s *RedisStore) AdmitMessage(ctx context.Context, msg *models.Message) (*models.Message, bool, error) {
	stored := *msg
	prepareMessage(&stored)

	data, err := json.Marshal(stored)
	if err != nil {
		return nil, false, err
	}
	score := strconv.FormatInt(stored.CreatedAt.UnixMilli(), 10)

	if stored.CorrelationToken == "" {
		pipe := s.client.TxPipeline()
		pipe.Set(ctx, messageKey(stored.ID), data, 0)
		pipe.ZAdd(ctx, roomMessagesKey(stored.RoomID), redis.Z{
			Score:  float64(stored.CreatedAt.UnixMilli()),
			Member: stored.ID,
		})
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, false, err
		}
		return &stored, true, nil
	}

	owner, err := admitScript.Run(ctx, s.client,
		[]string{tokenKey(stored.SenderID, stored.CorrelationToken), messageKey(stored.ID), roomMessagesKey(stored.RoomID)},
		stored.ID, string(data), score,
	).Text()
	if err != nil {
		return nil, false, err
	}

	if owner == stored.ID {
		return &stored, true, nil
	}

	existing, err := s.GetMessage(ctx, owner)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, errors.New("store: admission conflict without existing record")
	}
	return existing, false, nil
}

// GetMessage retrieves a message by ID.
func (s *RedisStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	data, err := s.client.Get(ctx, messageKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	var msg models.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	messages := []models.Message{msg}
	if err := s.attachReceipts(ctx, messages); err != nil {
		return nil, err
	}
	return &messages[0], nil
}

// GetMessageByToken retrieves the message admitted for a sender's token.
func (s *RedisStore) GetMessageByToken(ctx context.Context, senderID, token string) (*models.Message, error) {
	if token == "" {
		return nil, nil
	}
	id, err := s.client.Get(ctx, tokenKey(senderID, token)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	return s.GetMessage(ctx, id)
}

// ListMessages returns a page of a room's history, oldest first.
func (s *RedisStore) ListMessages(ctx context.Context, roomID string, before time.Time, limit int) ([]models.Message, error) {
	ids, err := s.client.ZRevRangeByScore(ctx, roomMessagesKey(roomID), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("(%d", pageCursor(before).UnixMilli()), // exclusive
		Count: int64(clampLimit(limit)),
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []models.Message{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = messageKey(id)
	}
	docs, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	messages := make([]models.Message, 0, len(docs))
	for _, doc := range docs {
		str, ok := doc.(string)
		if !ok {
			continue
		}
		var msg models.Message
		if err := json.Unmarshal([]byte(str), &msg); err != nil {
			continue
		}
		messages = append(messages, msg)
	}

	if err := s.attachReceipts(ctx, messages); err != nil {
		return nil, err
	}
	reverseMessages(messages)
	return messages, nil
}

// UpdateMessageText replaces a message's text and stamps the edit time.
func (s *RedisStore) UpdateMessageText(ctx context.Context, id, text string, editedAt time.Time) (*models.Message, error) {
	at := editedAt.UTC()
	return s.mutate(ctx, id, func(msg *models.Message) {
		msg.Text = text
		msg.EditedAt = &at
	})
}

// SoftDeleteMessage flags a message as deleted.
func (s *RedisStore) SoftDeleteMessage(ctx context.Context, id string) (*models.Message, error) {
	return s.mutate(ctx, id, func(msg *models.Message) {
		msg.Deleted = true
	})
}

// AddReceipt adds userID to a message's delivered or read set.
func (s *RedisStore) AddReceipt(ctx context.Context, id string, kind models.ReceiptKind, userID string) (bool, error) {
	exists, err := s.client.Exists(ctx, messageKey(id)).Result()
	if err != nil {
		return false, err
	}
	if exists == 0 {
		return false, ErrNotFound
	}

	added, err := s.client.SAdd(ctx, receiptKey(id, kind), userID).Result()
	if err != nil {
		return false, err
	}
	return added > 0, nil
}

// mutate applies fn to a stored message under WATCH so concurrent edits of
// the same document do not overwrite each other.
func (s *RedisStore) mutate(ctx context.Context, id string, fn func(*models.Message)) (*models.Message, error) {
	key := messageKey(id)
	var result models.Message

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			return err
		}
		if err := json.Unmarshal(data, &result); err != nil {
			return err
		}
		fn(&result)
		updated, err := json.Marshal(result)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < 5; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		messages := []models.Message{result}
		if err := s.attachReceipts(ctx, messages); err != nil {
			return nil, err
		}
		return &messages[0], nil
	}
	return nil, fmt.Errorf("store: message %s changed concurrently", id)
}

// attachReceipts fills DeliveredTo and ReadBy from the receipt sets.
func (s *RedisStore) attachReceipts(ctx context.Context, messages []models.Message) error {
	if len(messages) == 0 {
		return nil
	}

	pipe := s.client.Pipeline()
	delivered := make([]*redis.StringSliceCmd, len(messages))
	read := make([]*redis.StringSliceCmd, len(messages))
	for i := range messages {
		delivered[i] = pipe.SMembers(ctx, receiptKey(messages[i].ID, models.ReceiptDelivered))
		read[i] = pipe.SMembers(ctx, receiptKey(messages[i].ID, models.ReceiptRead))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return err
	}

	for i := range messages {
		messages[i].DeliveredTo = sortedMembers(delivered[i].Val())
		messages[i].ReadBy = sortedMembers(read[i].Val())
		if messages[i].Attachments == nil {
			messages[i].Attachments = []models.Attachment{}
		}
	}
	return nil
}

func sortedMembers(members []string) []string {
	set := make(map[string]struct{}, len(members))
	for _, m := range members {
		set[m] = struct{}{}
	}
	return sortedKeys(set)
}
