package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/victorivanov/parley/internal/database"
	"github.com/victorivanov/parley/internal/gateway"
	"github.com/victorivanov/parley/internal/keylock"
	"github.com/victorivanov/parley/internal/models"
	"github.com/victorivanov/parley/internal/snowflake"
	"github.com/victorivanov/parley/internal/typing"
)

const (
	maxContentRunes     = 4000
	maxAttachments      = 10
	previewRunes        = 100
	recentLimit         = 5
	defaultStoreTimeout = 5 * time.Second
	pushTimeout         = 5 * time.Second
)

// MessageOptions tunes a MessageService. Zero values take defaults.
type MessageOptions struct {
	StoreTimeout time.Duration
	TypingWindow time.Duration
}

// SendInput is a request to send one message.
type SendInput struct {
	SenderID      int64
	ReceiverID    int64
	Content       string
	AttachmentIDs []int64
	// Nonce is echoed back in message_sent so the sender can reconcile
	// its optimistic copy.
	Nonce string
}

// MessageService is the messaging core: it appends to the message store,
// derives conversations, tracks read state and pushes events to rooms.
type MessageService struct {
	messages      database.MessageRepository
	conversations database.ConversationRepository
	snowflake     *snowflake.Generator
	gateway       gateway.Dispatcher
	typing        *typing.Coordinator
	locks         *keylock.Map
	storeTimeout  time.Duration
}

// NewMessageService creates a MessageService. Call Close to stop its typing timers.
func NewMessageService(
	messages database.MessageRepository,
	conversations database.ConversationRepository,
	sf *snowflake.Generator,
	gw gateway.Dispatcher,
	opts MessageOptions,
) *MessageService {
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = defaultStoreTimeout
	}
	s := &MessageService{
		messages:      messages,
		conversations: conversations,
		snowflake:     sf,
		gateway:       gw,
		locks:         keylock.New(),
		storeTimeout:  opts.StoreTimeout,
	}
	s.typing = typing.NewCoordinator(opts.TypingWindow, s.emitTyping)
	return s
}

// Close stops pending typing expiry timers.
func (s *MessageService) Close() {
	s.typing.Close()
}

// conversationKey names the lock shared by both directions of a pair.
func conversationKey(a, b int64) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("conv:%d:%d", a, b)
}

func (s *MessageService) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.storeTimeout)
}

func storeFailure(op string, err error) error {
	slog.Error("message store failure", "op", op, "error", err)
	return StorageUnavailable("message store unavailable, retry later")
}

func validatePair(a, b int64) error {
	if a <= 0 || b <= 0 {
		return BadRequest("INVALID_USER", "user ids must be positive")
	}
	if a == b {
		return BadRequest("SELF_CONVERSATION", "a conversation needs two different users")
	}
	return nil
}

func validateSend(in *SendInput) error {
	if err := validatePair(in.SenderID, in.ReceiverID); err != nil {
		return err
	}
	in.Content = strings.TrimSpace(in.Content)
	if in.Content == "" && len(in.AttachmentIDs) == 0 {
		return BadRequest("EMPTY_MESSAGE", "message needs content or at least one attachment")
	}
	if utf8.RuneCountInString(in.Content) > maxContentRunes {
		return BadRequest("CONTENT_TOO_LONG", fmt.Sprintf("message content must be at most %d characters", maxContentRunes))
	}
	if len(in.AttachmentIDs) > maxAttachments {
		return BadRequest("TOO_MANY_ATTACHMENTS", fmt.Sprintf("a message may carry at most %d attachments", maxAttachments))
	}
	seen := make(map[int64]bool, len(in.AttachmentIDs))
	for _, id := range in.AttachmentIDs {
		if id <= 0 || seen[id] {
			return BadRequest("INVALID_ATTACHMENT", "attachment ids must be distinct and valid")
		}
		seen[id] = true
	}
	return nil
}

// Send persists a message and pushes message_sent to the sender's room and
// new_message to the receiver's room.
func (s *MessageService) Send(ctx context.Context, in SendInput) (*models.Message, error) {
	return s.send(ctx, in, true)
}

// SendFallback persists a message without any push. Clients observe it by
// fetching history.
func (s *MessageService) SendFallback(ctx context.Context, in SendInput) (*models.Message, error) {
	return s.send(ctx, in, false)
}

func (s *MessageService) send(ctx context.Context, in SendInput, push bool) (*models.Message, error) {
	if err := validateSend(&in); err != nil {
		return nil, err
	}

	// The id is drawn under the conversation lock so id order matches
	// append order, and pushes leave in that same order.
	unlock := s.locks.Lock(conversationKey(in.SenderID, in.ReceiverID))
	defer unlock()

	id := s.snowflake.Generate()
	msg := &models.Message{
		ID:         id.Int64(),
		SenderID:   in.SenderID,
		ReceiverID: in.ReceiverID,
		Content:    in.Content,
		CreatedAt:  id.Time(),
	}

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	if err := s.messages.Append(sctx, msg, in.AttachmentIDs); err != nil {
		if errors.Is(err, database.ErrAttachmentUnavailable) {
			return nil, BadRequest("INVALID_ATTACHMENT", "attachment does not exist, is not yours or is already sent")
		}
		return nil, storeFailure("append", err)
	}
	if msg.Attachments == nil {
		msg.Attachments = []models.Attachment{}
	}

	if push {
		s.dispatch(ctx, msg.SenderID, gateway.MessageSent{Message: msg, Nonce: in.Nonce})
		s.dispatch(ctx, msg.ReceiverID, gateway.NewMessage{Message: msg})
	}
	return msg, nil
}

// dispatch pushes ev to a room. The triggering operation has already
// succeeded, so a failed push is only logged; clients recover via history.
func (s *MessageService) dispatch(ctx context.Context, userID int64, ev gateway.ServerEvent) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), pushTimeout)
	defer cancel()
	if _, err := s.gateway.DispatchToUser(pctx, userID, ev); err != nil {
		slog.Warn("push failed", "userID", userID, "event", ev.EventName(), "error", err)
	}
}

// History returns every message between userID and counterpartID, oldest first.
// It does not change read state.
func (s *MessageService) History(ctx context.Context, userID, counterpartID int64) ([]models.Message, error) {
	if err := validatePair(userID, counterpartID); err != nil {
		return nil, err
	}
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	msgs, err := s.messages.ListBetween(sctx, userID, counterpartID)
	if err != nil {
		return nil, storeFailure("list_between", err)
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	return msgs, nil
}

// MarkRead flips every unread message from senderID to readerID. When any
// row changed, messages_read is pushed to the sender's room. Returns the
// number of messages marked.
func (s *MessageService) MarkRead(ctx context.Context, readerID, senderID int64) (int64, error) {
	if err := validatePair(readerID, senderID); err != nil {
		return 0, err
	}

	// Same lock as send: within one process a receipt cannot overtake the
	// new_message of a message it covers. Across processes UpTo carries the
	// order instead.
	unlock := s.locks.Lock(conversationKey(readerID, senderID))
	defer unlock()

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	mark, err := s.messages.MarkRead(sctx, readerID, senderID)
	if err != nil {
		return 0, storeFailure("mark_read", err)
	}
	if mark.Count > 0 {
		s.dispatch(ctx, senderID, gateway.MessagesRead{ReaderID: readerID, Count: mark.Count, UpTo: mark.UpTo})
	}
	return mark.Count, nil
}

// Typing forwards a typing signal to the receiver. Signals for a receiver
// with no live connection are dropped.
func (s *MessageService) Typing(ctx context.Context, senderID, receiverID int64, isTyping bool) error {
	if err := validatePair(senderID, receiverID); err != nil {
		return err
	}
	if isTyping && !s.gateway.Joined(ctx, receiverID) {
		return nil
	}
	s.typing.Signal(senderID, receiverID, isTyping)
	return nil
}

func (s *MessageService) emitTyping(senderID, receiverID int64, isTyping bool) {
	s.dispatch(context.Background(), receiverID, gateway.UserTyping{UserID: senderID, IsTyping: isTyping})
}

// Conversations returns the user's conversation index, most recent first.
func (s *MessageService) Conversations(ctx context.Context, userID int64) ([]models.ConversationSummary, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	rows, err := s.conversations.ConversationsFor(sctx, userID)
	if err != nil {
		return nil, storeFailure("conversations_for", err)
	}

	out := make([]models.ConversationSummary, len(rows))
	for i, r := range rows {
		preview := truncate(r.LastContent, previewRunes)
		if preview == "" && r.HasAttachments {
			preview = "[attachment]"
		}
		out[i] = models.ConversationSummary{
			Counterpart: models.Identity{
				UserID:      r.CounterpartID,
				DisplayName: r.DisplayName,
				AvatarRef:   r.AvatarRef,
			},
			LastMessagePreview: preview,
			LastActivity:       r.LastActivity,
			UnreadCount:        r.UnreadCount,
		}
	}
	return out, nil
}

// Recent returns the newest messages received by userID with previews
// instead of full content, each tagged with its sender's display name and
// avatar, plus the total unread count.
func (s *MessageService) Recent(ctx context.Context, userID int64) (*models.RecentMessages, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	rows, err := s.messages.RecentReceived(sctx, userID, recentLimit)
	if err != nil {
		return nil, storeFailure("recent", err)
	}
	unread, err := s.messages.UnreadCount(sctx, userID)
	if err != nil {
		return nil, storeFailure("unread_count", err)
	}

	out := make([]models.RecentMessage, len(rows))
	for i, r := range rows {
		msg := r.Message
		msg.Content = truncate(msg.Content, previewRunes)
		out[i] = models.RecentMessage{
			Message: msg,
			Sender: models.Identity{
				UserID:      msg.SenderID,
				DisplayName: r.SenderDisplayName,
				AvatarRef:   r.SenderAvatarRef,
			},
		}
	}
	return &models.RecentMessages{Messages: out, UnreadCount: unread}, nil
}

// truncate cuts s to n runes, marking the cut with "...".
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
