package store

import (
	"context"
	"os"
	"testing"
)

func newTestPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	if err := RunMigrations(url); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	s, err := NewPostgresStore(ctx, url)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.pool.Exec(ctx, `TRUNCATE message_receipts, messages, rooms`); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestPostgresStore(t *testing.T) {
	runMessageStoreTests(t, func(t *testing.T) MessageStore { return newTestPostgresStore(t) })
	runRoomStoreTests(t, func(t *testing.T) RoomStore { return newTestPostgresStore(t) })
}
