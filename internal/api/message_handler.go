package api

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/victorivanov/parley/internal/auth"
	"github.com/victorivanov/parley/internal/models"
	"github.com/victorivanov/parley/internal/service"
	"github.com/victorivanov/parley/internal/snowflake"
)

// Messenger is the slice of the messaging core served over HTTP.
type Messenger interface {
	SendFallback(ctx context.Context, in service.SendInput) (*models.Message, error)
	History(ctx context.Context, userID, counterpartID int64) ([]models.Message, error)
	Recent(ctx context.Context, userID int64) (*models.RecentMessages, error)
	Conversations(ctx context.Context, userID int64) ([]models.ConversationSummary, error)
}

// MessageHandler serves the fallback channel: sends and reads that work
// without a gateway connection.
type MessageHandler struct {
	messages Messenger
}

// NewMessageHandler creates a MessageHandler.
func NewMessageHandler(messages Messenger) *MessageHandler {
	return &MessageHandler{messages: messages}
}

type attachmentRef struct {
	FileID snowflake.ID `json:"file_id" validate:"required"`
}

type sendMessageRequest struct {
	ReceiverID  snowflake.ID    `json:"receiver_id" validate:"required"`
	Content     string          `json:"content"     validate:"max=16000"`
	Attachments []attachmentRef `json:"attachments" validate:"dive"`
}

// SendMessage handles POST /api/v1/messages.
func (h *MessageHandler) SendMessage(c echo.Context) error {
	var req sendMessageRequest
	if msg, ok := bindAndValidate(c, &req); !ok {
		return Error(c, http.StatusBadRequest, "INVALID_BODY", msg)
	}

	ids := make([]int64, len(req.Attachments))
	for i, a := range req.Attachments {
		ids[i] = a.FileID.Int64()
	}

	msg, err := h.messages.SendFallback(c.Request().Context(), service.SendInput{
		SenderID:      auth.GetUserID(c),
		ReceiverID:    req.ReceiverID.Int64(),
		Content:       req.Content,
		AttachmentIDs: ids,
	})
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusCreated, msg)
}

// GetHistory handles GET /api/v1/messages/:counterpart_id.
func (h *MessageHandler) GetHistory(c echo.Context) error {
	counterpartID, ok := parseIDParam(c, "counterpart_id")
	if !ok {
		return Error(c, http.StatusBadRequest, "INVALID_ID", "invalid user ID")
	}

	msgs, err := h.messages.History(c.Request().Context(), auth.GetUserID(c), counterpartID)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, msgs)
}

// GetRecent handles GET /api/v1/messages/recent.
func (h *MessageHandler) GetRecent(c echo.Context) error {
	recent, err := h.messages.Recent(c.Request().Context(), auth.GetUserID(c))
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, recent)
}

// ListConversations handles GET /api/v1/conversations.
func (h *MessageHandler) ListConversations(c echo.Context) error {
	convs, err := h.messages.Conversations(c.Request().Context(), auth.GetUserID(c))
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, convs)
}
