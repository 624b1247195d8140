package service

import (
	"context"
	"time"

	"github.com/victorivanov/parley/internal/database"
	"github.com/victorivanov/parley/internal/models"
)

const (
	defaultWindowLimit = 50
	maxWindowLimit     = 200
)

// ModerationService gives administrators a read-only view of messages.
// Nothing it does changes read flags or ordering.
type ModerationService struct {
	messages     database.MessageRepository
	storeTimeout time.Duration
}

// NewModerationService creates a ModerationService.
func NewModerationService(messages database.MessageRepository, storeTimeout time.Duration) *ModerationService {
	if storeTimeout <= 0 {
		storeTimeout = defaultStoreTimeout
	}
	return &ModerationService{messages: messages, storeTimeout: storeTimeout}
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultWindowLimit
	}
	if limit > maxWindowLimit {
		return maxWindowLimit
	}
	return limit
}

// ConversationWindow returns up to limit messages between userA and userB,
// newest first, older than before when set.
func (s *ModerationService) ConversationWindow(ctx context.Context, requester models.Identity, userA, userB int64, before *int64, limit int) ([]models.Message, error) {
	if err := validatePair(userA, userB); err != nil {
		return nil, err
	}
	return s.window(ctx, requester, database.WindowFilter{
		UserID:      userA,
		Counterpart: &userB,
		Before:      before,
		Limit:       clampLimit(limit),
	})
}

// UserWindow returns up to limit messages sent or received by userID.
func (s *ModerationService) UserWindow(ctx context.Context, requester models.Identity, userID int64, before *int64, limit int) ([]models.Message, error) {
	if userID <= 0 {
		return nil, BadRequest("INVALID_USER", "user id must be positive")
	}
	return s.window(ctx, requester, database.WindowFilter{
		UserID: userID,
		Before: before,
		Limit:  clampLimit(limit),
	})
}

func (s *ModerationService) window(ctx context.Context, requester models.Identity, f database.WindowFilter) ([]models.Message, error) {
	if !requester.IsAdmin() {
		return nil, Forbidden("ADMIN_ONLY", "moderation requires the admin role")
	}
	sctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	msgs, err := s.messages.Window(sctx, f)
	if err != nil {
		return nil, storeFailure("window", err)
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	return msgs, nil
}
