package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/victorivanov/parley/internal/models"
)

func TestMessageRepo_AppendAndGet(t *testing.T) {
	pool := testPool(t)
	users := NewUserRepository(pool)
	repo := NewMessageRepository(pool)
	ctx := context.Background()

	alice := createTestUser(t, users, "Alice")
	bob := createTestUser(t, users, "Bob")

	msg := appendTestMessage(t, repo, alice.ID, bob.ID, "Hello, Bob!")

	got, err := repo.GetByID(ctx, msg.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got == nil {
		t.Fatal("GetByID returned nil after Append")
	}
	if got.Content != "Hello, Bob!" {
		t.Errorf("Content = %q, want %q", got.Content, "Hello, Bob!")
	}
	if got.Read {
		t.Error("new message should be unread")
	}
	if got.Attachments == nil || len(got.Attachments) != 0 {
		t.Errorf("Attachments = %v, want empty slice", got.Attachments)
	}
}

func TestMessageRepo_GetByID_NotFound(t *testing.T) {
	pool := testPool(t)
	repo := NewMessageRepository(pool)

	got, err := repo.GetByID(context.Background(), 1)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestMessageRepo_ListBetween_Ascending(t *testing.T) {
	pool := testPool(t)
	users := NewUserRepository(pool)
	repo := NewMessageRepository(pool)

	alice := createTestUser(t, users, "Alice")
	bob := createTestUser(t, users, "Bob")
	carol := createTestUser(t, users, "Carol")

	m1 := appendTestMessage(t, repo, alice.ID, bob.ID, "one")
	m2 := appendTestMessage(t, repo, bob.ID, alice.ID, "two")
	appendTestMessage(t, repo, alice.ID, carol.ID, "elsewhere")
	m3 := appendTestMessage(t, repo, alice.ID, bob.ID, "three")

	for _, pair := range [][2]int64{{alice.ID, bob.ID}, {bob.ID, alice.ID}} {
		msgs, err := repo.ListBetween(context.Background(), pair[0], pair[1])
		if err != nil {
			t.Fatalf("ListBetween: %v", err)
		}
		if len(msgs) != 3 {
			t.Fatalf("got %d messages, want 3", len(msgs))
		}
		want := []int64{m1.ID, m2.ID, m3.ID}
		for i, m := range msgs {
			if m.ID != want[i] {
				t.Errorf("msgs[%d].ID = %d, want %d", i, m.ID, want[i])
			}
		}
	}
}

func TestMessageRepo_MarkRead_Idempotent(t *testing.T) {
	pool := testPool(t)
	users := NewUserRepository(pool)
	repo := NewMessageRepository(pool)
	ctx := context.Background()

	alice := createTestUser(t, users, "Alice")
	bob := createTestUser(t, users, "Bob")

	appendTestMessage(t, repo, alice.ID, bob.ID, "a")
	last := appendTestMessage(t, repo, alice.ID, bob.ID, "b")
	own := appendTestMessage(t, repo, bob.ID, alice.ID, "reply")

	mark, err := repo.MarkRead(ctx, bob.ID, alice.ID)
	if err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if mark.Count != 2 || mark.UpTo != last.ID {
		t.Fatalf("first MarkRead = %+v, want 2 rows up to %d", mark, last.ID)
	}

	mark, err = repo.MarkRead(ctx, bob.ID, alice.ID)
	if err != nil {
		t.Fatalf("MarkRead again: %v", err)
	}
	if mark.Count != 0 || mark.UpTo != 0 {
		t.Fatalf("second MarkRead = %+v, want nothing", mark)
	}

	got, _ := repo.GetByID(ctx, own.ID)
	if got.Read {
		t.Error("bob's own message must stay unread")
	}
}

func TestMessageRepo_RecentAndUnread(t *testing.T) {
	pool := testPool(t)
	users := NewUserRepository(pool)
	repo := NewMessageRepository(pool)
	ctx := context.Background()

	alice := createTestUser(t, users, "Alice")
	bob := createTestUser(t, users, "Bob")

	for i := 0; i < 7; i++ {
		appendTestMessage(t, repo, alice.ID, bob.ID, "ping")
	}

	recent, err := repo.RecentReceived(ctx, bob.ID, 5)
	if err != nil {
		t.Fatalf("RecentReceived: %v", err)
	}
	if len(recent) != 5 {
		t.Fatalf("got %d recent, want 5", len(recent))
	}
	if recent[0].Message.ID < recent[4].Message.ID {
		t.Error("recent messages should be newest first")
	}
	for _, r := range recent {
		if r.SenderDisplayName != "Alice" {
			t.Fatalf("sender display name = %q, want Alice", r.SenderDisplayName)
		}
		if r.Message.Attachments == nil {
			t.Fatal("attachments should be loaded")
		}
	}

	unread, err := repo.UnreadCount(ctx, bob.ID)
	if err != nil {
		t.Fatalf("UnreadCount: %v", err)
	}
	if unread != 7 {
		t.Errorf("unread = %d, want 7", unread)
	}
}

func TestMessageRepo_Window(t *testing.T) {
	pool := testPool(t)
	users := NewUserRepository(pool)
	repo := NewMessageRepository(pool)
	ctx := context.Background()

	alice := createTestUser(t, users, "Alice")
	bob := createTestUser(t, users, "Bob")
	carol := createTestUser(t, users, "Carol")

	appendTestMessage(t, repo, alice.ID, bob.ID, "1")
	appendTestMessage(t, repo, carol.ID, alice.ID, "2")
	last := appendTestMessage(t, repo, bob.ID, alice.ID, "3")

	all, err := repo.Window(ctx, WindowFilter{UserID: alice.ID, Limit: 10})
	if err != nil {
		t.Fatalf("Window: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d, want 3", len(all))
	}
	if all[0].ID != last.ID {
		t.Errorf("window should be newest first")
	}

	pair, err := repo.Window(ctx, WindowFilter{UserID: alice.ID, Counterpart: &bob.ID, Limit: 10})
	if err != nil {
		t.Fatalf("Window pair: %v", err)
	}
	if len(pair) != 2 {
		t.Fatalf("got %d pair messages, want 2", len(pair))
	}

	before := last.ID
	older, err := repo.Window(ctx, WindowFilter{UserID: alice.ID, Before: &before, Limit: 1})
	if err != nil {
		t.Fatalf("Window before: %v", err)
	}
	if len(older) != 1 || older[0].ID >= before {
		t.Errorf("before cursor not honoured: %+v", older)
	}

	for _, m := range all {
		if m.Read {
			t.Errorf("window must not mark messages read")
		}
	}
}

func TestMessageRepo_AppendBindsAttachments(t *testing.T) {
	pool := testPool(t)
	users := NewUserRepository(pool)
	repo := NewMessageRepository(pool)
	attachments := NewAttachmentRepository(pool)
	ctx := context.Background()

	alice := createTestUser(t, users, "Alice")
	bob := createTestUser(t, users, "Bob")

	a1 := createTestAttachment(t, attachments, alice.ID, time.Now())
	a2 := createTestAttachment(t, attachments, alice.ID, time.Now())

	msg := &models.Message{
		ID:         nextID(),
		SenderID:   alice.ID,
		ReceiverID: bob.ID,
		CreatedAt:  time.Now().UTC().Truncate(time.Microsecond),
	}
	if err := repo.Append(ctx, msg, []int64{a2.ID, a1.ID}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if len(msg.Attachments) != 2 || msg.Attachments[0].ID != a2.ID {
		t.Fatalf("attachments not bound in order: %+v", msg.Attachments)
	}

	got, _ := repo.GetByID(ctx, msg.ID)
	if len(got.Attachments) != 2 || got.Attachments[1].ID != a1.ID {
		t.Errorf("reloaded attachments = %+v", got.Attachments)
	}

	// Already bound: a second message may not reuse it.
	again := &models.Message{ID: nextID(), SenderID: alice.ID, ReceiverID: bob.ID, CreatedAt: time.Now()}
	err := repo.Append(ctx, again, []int64{a1.ID})
	if !errors.Is(err, ErrAttachmentUnavailable) {
		t.Fatalf("err = %v, want ErrAttachmentUnavailable", err)
	}
	if m, _ := repo.GetByID(ctx, again.ID); m != nil {
		t.Error("failed append must not leave a message behind")
	}
}

func TestMessageRepo_AppendRejectsForeignAttachment(t *testing.T) {
	pool := testPool(t)
	users := NewUserRepository(pool)
	repo := NewMessageRepository(pool)
	attachments := NewAttachmentRepository(pool)

	alice := createTestUser(t, users, "Alice")
	bob := createTestUser(t, users, "Bob")
	bobs := createTestAttachment(t, attachments, bob.ID, time.Now())

	msg := &models.Message{ID: nextID(), SenderID: alice.ID, ReceiverID: bob.ID, CreatedAt: time.Now()}
	err := repo.Append(context.Background(), msg, []int64{bobs.ID})
	if !errors.Is(err, ErrAttachmentUnavailable) {
		t.Fatalf("err = %v, want ErrAttachmentUnavailable", err)
	}
}
