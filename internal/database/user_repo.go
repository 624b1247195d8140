package database

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/victorivanov/parley/internal/models"
)

type userRepo struct {
	pool *pgxpool.Pool
}

func NewUserRepository(pool *pgxpool.Pool) UserRepository {
	return &userRepo{pool: pool}
}

const userColumns = `id, username, display_name, avatar_ref, COALESCE(password_hash, ''), auth_method, role, created_at`

func (r *userRepo) Create(ctx context.Context, user *models.User) error {
	var hash *string
	if user.PasswordHash != "" {
		hash = &user.PasswordHash
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO users (id, username, display_name, avatar_ref, password_hash, auth_method, role, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		user.ID, user.Username, user.DisplayName, user.AvatarRef, hash, user.AuthMethod, user.Role, user.CreatedAt,
	)
	return err
}

func (r *userRepo) GetByID(ctx context.Context, id int64) (*models.User, error) {
	return r.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
}

func (r *userRepo) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	return r.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE username = $1`, username)
}

func (r *userRepo) getOne(ctx context.Context, sql string, arg any) (*models.User, error) {
	u := &models.User{}
	err := r.pool.QueryRow(ctx, sql, arg).Scan(
		&u.ID, &u.Username, &u.DisplayName, &u.AvatarRef, &u.PasswordHash, &u.AuthMethod, &u.Role, &u.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return u, err
}

func (r *userRepo) Delete(ctx context.Context, id int64) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	return err
}
