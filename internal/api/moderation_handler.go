package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/victorivanov/parley/internal/auth"
	"github.com/victorivanov/parley/internal/models"
)

// Moderator exposes read-only message windows to administrators.
type Moderator interface {
	ConversationWindow(ctx context.Context, requester models.Identity, userA, userB int64, before *int64, limit int) ([]models.Message, error)
	UserWindow(ctx context.Context, requester models.Identity, userID int64, before *int64, limit int) ([]models.Message, error)
}

// IdentityResolver looks up the identity behind an authenticated user id.
type IdentityResolver interface {
	Identity(ctx context.Context, userID int64) (*models.Identity, error)
}

const identityKey = "identity"

// RequireIdentity loads the caller's Identity into the context. Routes
// behind it can read it with currentIdentity.
func RequireIdentity(identities IdentityResolver) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id, err := identities.Identity(c.Request().Context(), auth.GetUserID(c))
			if err != nil {
				return mapServiceError(c, err)
			}
			c.Set(identityKey, *id)
			return next(c)
		}
	}
}

func currentIdentity(c echo.Context) models.Identity {
	id, _ := c.Get(identityKey).(models.Identity)
	return id
}

// ModerationHandler serves the admin read-only windows.
type ModerationHandler struct {
	moderator Moderator
}

// NewModerationHandler creates a ModerationHandler.
func NewModerationHandler(moderator Moderator) *ModerationHandler {
	return &ModerationHandler{moderator: moderator}
}

func pageParams(c echo.Context) (before *int64, limit int, ok bool) {
	before, ok = parseOptionalID(c, "before")
	if !ok {
		return nil, 0, false
	}
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return nil, 0, false
		}
		limit = n
	}
	return before, limit, true
}

// ConversationWindow handles GET /api/v1/admin/messages?user_a=&user_b=.
func (h *ModerationHandler) ConversationWindow(c echo.Context) error {
	a, okA := parseOptionalID(c, "user_a")
	b, okB := parseOptionalID(c, "user_b")
	if !okA || !okB || a == nil || b == nil {
		return Error(c, http.StatusBadRequest, "INVALID_ID", "user_a and user_b are required")
	}
	before, limit, ok := pageParams(c)
	if !ok {
		return Error(c, http.StatusBadRequest, "INVALID_QUERY", "invalid before or limit")
	}

	msgs, err := h.moderator.ConversationWindow(c.Request().Context(), currentIdentity(c), *a, *b, before, limit)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, msgs)
}

// UserWindow handles GET /api/v1/admin/users/:id/messages.
func (h *ModerationHandler) UserWindow(c echo.Context) error {
	userID, ok := parseIDParam(c, "id")
	if !ok {
		return Error(c, http.StatusBadRequest, "INVALID_ID", "invalid user ID")
	}
	before, limit, ok := pageParams(c)
	if !ok {
		return Error(c, http.StatusBadRequest, "INVALID_QUERY", "invalid before or limit")
	}

	msgs, err := h.moderator.UserWindow(c.Request().Context(), currentIdentity(c), userID, before, limit)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, msgs)
}
