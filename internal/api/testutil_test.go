package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/labstack/echo/v4"
	"github.com/victorivanov/parley/internal/auth"
	"github.com/victorivanov/parley/internal/models"
	redisclient "github.com/victorivanov/parley/internal/redis"
	"github.com/victorivanov/parley/internal/service"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

const testSecret = "test-secret"

func newTestContext(method, path string, body io.Reader) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	e.Validator = NewRequestValidator()
	req := httptest.NewRequest(method, path, body)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	return c, rec
}

func setAuthUser(c echo.Context, userID int64) {
	auth.SetUserID(c, userID)
}

func newTestRedis(t *testing.T) *redisclient.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb, err := redisclient.NewClient("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("creating test redis client: %v", err)
	}
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding error response %q: %v", rec.Body.String(), err)
	}
	return resp
}

// ---------------------------------------------------------------------------
// Mock services
// ---------------------------------------------------------------------------

type mockMessenger struct {
	SendFallbackFn  func(ctx context.Context, in service.SendInput) (*models.Message, error)
	HistoryFn       func(ctx context.Context, userID, counterpartID int64) ([]models.Message, error)
	RecentFn        func(ctx context.Context, userID int64) (*models.RecentMessages, error)
	ConversationsFn func(ctx context.Context, userID int64) ([]models.ConversationSummary, error)
}

func (m *mockMessenger) SendFallback(ctx context.Context, in service.SendInput) (*models.Message, error) {
	if m.SendFallbackFn != nil {
		return m.SendFallbackFn(ctx, in)
	}
	return &models.Message{ID: 1, SenderID: in.SenderID, ReceiverID: in.ReceiverID, Content: in.Content, CreatedAt: time.Now()}, nil
}

func (m *mockMessenger) History(ctx context.Context, userID, counterpartID int64) ([]models.Message, error) {
	if m.HistoryFn != nil {
		return m.HistoryFn(ctx, userID, counterpartID)
	}
	return []models.Message{}, nil
}

func (m *mockMessenger) Recent(ctx context.Context, userID int64) (*models.RecentMessages, error) {
	if m.RecentFn != nil {
		return m.RecentFn(ctx, userID)
	}
	return &models.RecentMessages{Messages: []models.RecentMessage{}}, nil
}

func (m *mockMessenger) Conversations(ctx context.Context, userID int64) ([]models.ConversationSummary, error) {
	if m.ConversationsFn != nil {
		return m.ConversationsFn(ctx, userID)
	}
	return []models.ConversationSummary{}, nil
}

type mockRegistrar struct {
	RegisterFn func(ctx context.Context, uploaderID int64, name string, size int64, body io.Reader) (*models.Attachment, error)
}

func (m *mockRegistrar) Register(ctx context.Context, uploaderID int64, name string, size int64, body io.Reader) (*models.Attachment, error) {
	return m.RegisterFn(ctx, uploaderID, name, size, body)
}

type mockModerator struct {
	ConversationWindowFn func(ctx context.Context, requester models.Identity, a, b int64, before *int64, limit int) ([]models.Message, error)
	UserWindowFn         func(ctx context.Context, requester models.Identity, userID int64, before *int64, limit int) ([]models.Message, error)
}

func (m *mockModerator) ConversationWindow(ctx context.Context, requester models.Identity, a, b int64, before *int64, limit int) ([]models.Message, error) {
	return m.ConversationWindowFn(ctx, requester, a, b, before, limit)
}

func (m *mockModerator) UserWindow(ctx context.Context, requester models.Identity, userID int64, before *int64, limit int) ([]models.Message, error) {
	return m.UserWindowFn(ctx, requester, userID, before, limit)
}

type mockIdentities struct {
	identities map[int64]models.Identity
}

func (m *mockIdentities) Identity(_ context.Context, userID int64) (*models.Identity, error) {
	id, ok := m.identities[userID]
	if !ok {
		return nil, service.NotFound("UNKNOWN_USER", "user not found")
	}
	return &id, nil
}

type mockAuthenticator struct {
	LoginFn func(ctx context.Context, username, password string) (*service.LoginResult, error)
}

func (m *mockAuthenticator) Login(ctx context.Context, username, password string) (*service.LoginResult, error) {
	return m.LoginFn(ctx, username, password)
}
