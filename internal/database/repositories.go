package database

import (
	"context"
	"errors"
	"time"

	"github.com/victorivanov/parley/internal/models"
)

// ErrAttachmentUnavailable is returned by Append when a referenced attachment
// does not exist, belongs to someone else, or is already bound to a message.
var ErrAttachmentUnavailable = errors.New("attachment unavailable")

type UserRepository interface {
	Create(ctx context.Context, user *models.User) error
	GetByID(ctx context.Context, id int64) (*models.User, error)
	GetByUsername(ctx context.Context, username string) (*models.User, error)
	Delete(ctx context.Context, id int64) error
}

type MessageRepository interface {
	// Append stores msg and binds the given attachments to it, in order, in
	// a single transaction. msg.Attachments is filled from the bound rows.
	Append(ctx context.Context, msg *models.Message, attachmentIDs []int64) error
	GetByID(ctx context.Context, id int64) (*models.Message, error)
	ListBetween(ctx context.Context, userA, userB int64) ([]models.Message, error)
	MarkRead(ctx context.Context, readerID, senderID int64) (ReadMark, error)
	// RecentReceived returns the newest messages sent to userID, each with
	// its sender's identity.
	RecentReceived(ctx context.Context, userID int64, limit int) ([]RecentRow, error)
	UnreadCount(ctx context.Context, userID int64) (int, error)
	Window(ctx context.Context, filter WindowFilter) ([]models.Message, error)
}

// WindowFilter selects a bounded, newest-first slice of messages for review.
// With Counterpart nil every conversation of UserID is included.
type WindowFilter struct {
	UserID      int64
	Counterpart *int64
	Before      *int64
	Limit       int
}

// ReadMark describes the rows one MarkRead flipped. UpTo is the highest
// message id among them, 0 when none changed.
type ReadMark struct {
	Count int64
	UpTo  int64
}

// RecentRow is a received message joined with its sender's profile. The
// profile fields are empty when the sender row is gone.
type RecentRow struct {
	Message           models.Message
	SenderDisplayName string
	SenderAvatarRef   *string
}

// ConversationRow is one derived conversation of a user.
type ConversationRow struct {
	CounterpartID  int64
	DisplayName    string
	AvatarRef      *string
	LastMessageID  int64
	LastContent    string
	HasAttachments bool
	LastActivity   time.Time
	UnreadCount    int
}

type ConversationRepository interface {
	ConversationsFor(ctx context.Context, userID int64) ([]ConversationRow, error)
}

type AttachmentRepository interface {
	Create(ctx context.Context, attachment *models.Attachment) error
	GetByID(ctx context.Context, id int64) (*models.Attachment, error)
	ListOrphans(ctx context.Context, olderThan time.Time, limit int) ([]models.Attachment, error)
	DeleteOrphan(ctx context.Context, id int64) (bool, error)
}
