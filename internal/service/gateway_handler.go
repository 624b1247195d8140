package service

import (
	"context"

	"github.com/victorivanov/parley/internal/gateway"
)

var _ gateway.EventHandler = (*MessageService)(nil)

// HandleSend performs a send_message dispatch.
func (s *MessageService) HandleSend(ctx context.Context, userID int64, ev *gateway.SendMessage) error {
	_, err := s.Send(ctx, SendInput{
		SenderID:      userID,
		ReceiverID:    ev.ReceiverID,
		Content:       ev.Content,
		AttachmentIDs: ev.AttachmentIDs(),
		Nonce:         ev.Nonce,
	})
	return err
}

// HandleTyping performs a typing dispatch.
func (s *MessageService) HandleTyping(ctx context.Context, userID int64, ev *gateway.Typing) error {
	return s.Typing(ctx, userID, ev.ReceiverID, ev.IsTyping)
}

// HandleMarkRead performs a mark_read dispatch.
func (s *MessageService) HandleMarkRead(ctx context.Context, userID int64, ev *gateway.MarkRead) error {
	_, err := s.MarkRead(ctx, userID, ev.SenderID)
	return err
}
