package api

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/victorivanov/parley/internal/auth"
)

// Dependencies holds all handler instances and middleware for route wiring.
type Dependencies struct {
	Auth       *AuthHandler
	Messages   *MessageHandler
	Uploads    *UploadHandler // nil when no object store is configured
	Moderation *ModerationHandler
	Health     *HealthHandler
	Gateway    echo.HandlerFunc

	TokenService *auth.TokenService
	Identities   IdentityResolver
	RateLimiter  RateLimiter // nil disables rate limiting
}

// NewServer creates an Echo instance with the shared middleware stack.
func NewServer(logger *slog.Logger) *echo.Echo {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "http")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = NewRequestValidator()

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogRemoteIP: true,
		LogError:    true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
				"remote_ip", v.RemoteIP,
			}
			if uid, ok := c.Get("user_id").(int64); ok {
				attrs = append(attrs, "userID", strconv.FormatInt(uid, 10))
			}
			if v.Error != nil {
				logger.Warn("request", append(attrs, "error", v.Error)...)
				return nil
			}
			logger.Info("request", attrs...)
			return nil
		},
	}))
	return e
}

// SetupRouter registers all API routes on the Echo instance.
func SetupRouter(e *echo.Echo, deps *Dependencies) {
	e.GET("/health", deps.Health.Health)
	e.GET("/gateway", deps.Gateway)

	v1 := e.Group("/api/v1")

	authGroup := v1.Group("/auth", RateLimitMiddleware(deps.RateLimiter, 5, time.Minute))
	authGroup.POST("/login", deps.Auth.Login)

	protected := v1.Group("", deps.TokenService.Middleware(),
		RateLimitMiddleware(deps.RateLimiter, 120, time.Minute),
	)

	protected.POST("/messages", deps.Messages.SendMessage)
	protected.GET("/messages/recent", deps.Messages.GetRecent)
	protected.GET("/messages/:counterpart_id", deps.Messages.GetHistory)
	protected.GET("/conversations", deps.Messages.ListConversations)

	if deps.Uploads != nil {
		protected.POST("/upload-file", deps.Uploads.Upload,
			RateLimitMiddleware(deps.RateLimiter, 20, time.Minute),
		)
	}

	admin := protected.Group("/admin", RequireIdentity(deps.Identities))
	admin.GET("/messages", deps.Moderation.ConversationWindow)
	admin.GET("/users/:id/messages", deps.Moderation.UserWindow)
}
