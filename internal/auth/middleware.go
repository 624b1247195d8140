package auth

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
)

const userIDKey = "user_id"

// Middleware returns an Echo middleware that validates JWT access tokens
// and sets "user_id" in the Echo context.
func (ts *TokenService) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token, err := BearerToken(c.Request().Header.Get("Authorization"))
			if errors.Is(err, ErrMissingToken) {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
			}

			claims, err := ts.ValidateAccessToken(token)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid or expired token")
			}

			c.Set(userIDKey, claims.UserID)
			return next(c)
		}
	}
}

// GetUserID extracts the authenticated user ID from the Echo context.
func GetUserID(c echo.Context) int64 {
	id, _ := c.Get(userIDKey).(int64)
	return id
}

// SetUserID stores an authenticated user ID, for handlers tested without the middleware.
func SetUserID(c echo.Context, userID int64) {
	c.Set(userIDKey, userID)
}
