package service

import (
	"context"
	"strings"

	"github.com/victorivanov/parley/internal/auth"
	"github.com/victorivanov/parley/internal/database"
	"github.com/victorivanov/parley/internal/models"
)

// LoginResult holds the token and identity returned after login.
type LoginResult struct {
	AccessToken string          `json:"access_token"`
	Identity    models.Identity `json:"identity"`
}

// AuthService is the in-process identity adapter: it resolves identities
// and issues tokens for password accounts.
type AuthService struct {
	users  database.UserRepository
	tokens *auth.TokenService
}

// NewAuthService creates an AuthService.
func NewAuthService(users database.UserRepository, tokens *auth.TokenService) *AuthService {
	return &AuthService{users: users, tokens: tokens}
}

// Login verifies a password account and returns an access token.
func (s *AuthService) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, BadRequest("INVALID_CREDENTIALS", "username and password are required")
	}

	user, err := s.users.GetByUsername(ctx, username)
	if err != nil {
		return nil, storeFailure("get_user", err)
	}
	if user == nil {
		return nil, Unauthorized("INVALID_CREDENTIALS", "invalid username or password")
	}
	if user.AuthMethod != models.AuthMethodPassword {
		return nil, Unauthorized("PASSWORD_LOGIN_UNAVAILABLE", "this account signs in through its identity provider")
	}

	ok, err := auth.VerifyPassword(password, user.PasswordHash)
	if err != nil || !ok {
		return nil, Unauthorized("INVALID_CREDENTIALS", "invalid username or password")
	}

	token, err := s.tokens.GenerateAccessToken(user.ID)
	if err != nil {
		return nil, Internal("INTERNAL", "internal server error")
	}
	return &LoginResult{AccessToken: token, Identity: user.Identity()}, nil
}

// Identity returns the identity of userID.
func (s *AuthService) Identity(ctx context.Context, userID int64) (*models.Identity, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, storeFailure("get_user", err)
	}
	if user == nil {
		return nil, NotFound("UNKNOWN_USER", "user not found")
	}
	id := user.Identity()
	return &id, nil
}
