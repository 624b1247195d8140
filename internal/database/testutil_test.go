package database

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/victorivanov/parley/internal/models"
)

var migrateOnce sync.Once

// testPool returns a pgxpool.Pool connected to a migrated test database.
// It skips the test if DATABASE_URL is not set.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}
	var migrateErr error
	migrateOnce.Do(func() {
		_, _, migrateErr = Migrate(dsn)
	})
	if migrateErr != nil {
		t.Fatalf("migrating test database: %v", migrateErr)
	}
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("connecting to test database: %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	return pool
}

// testIDCounter provides unique IDs across all tests in the package.
// Seeded from the clock so reruns against the same database do not collide.
var testIDCounter = time.Now().UnixNano() / 1000

func nextID() int64 {
	return atomic.AddInt64(&testIDCounter, 1)
}

func createTestUser(t *testing.T, repo UserRepository, display string) *models.User {
	t.Helper()
	id := nextID()
	u := &models.User{
		ID:          id,
		Username:    fmt.Sprintf("user_%d", id),
		DisplayName: display,
		AuthMethod:  models.AuthMethodPassword,
		Role:        models.RoleMember,
		CreatedAt:   time.Now().Truncate(time.Microsecond),
	}
	if err := repo.Create(context.Background(), u); err != nil {
		t.Fatalf("creating test user: %v", err)
	}
	t.Cleanup(func() { _ = repo.Delete(context.Background(), u.ID) })
	return u
}

// appendTestMessage stores a message with a fresh, increasing id.
func appendTestMessage(t *testing.T, repo MessageRepository, from, to int64, content string) *models.Message {
	t.Helper()
	msg := &models.Message{
		ID:         nextID(),
		SenderID:   from,
		ReceiverID: to,
		Content:    content,
		CreatedAt:  time.Now().UTC().Truncate(time.Microsecond),
	}
	if err := repo.Append(context.Background(), msg, nil); err != nil {
		t.Fatalf("Append: %v", err)
	}
	return msg
}
