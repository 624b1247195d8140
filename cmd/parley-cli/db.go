package main

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/victorivanov/parley/internal/auth"
	"github.com/victorivanov/parley/internal/database"
	"github.com/victorivanov/parley/internal/models"
	"github.com/victorivanov/parley/internal/snowflake"
)

var migrateCommand = &cli.Command{
	Name:  "migrate",
	Usage: "Apply the embedded database migrations",
	Flags: []cli.Flag{databaseFlag},
	Action: func(c *cli.Context) error {
		step("running migrations...")
		v, applied, err := database.Migrate(c.String("database-url"))
		if err != nil {
			return err
		}
		if applied {
			green.Printf("migrations applied (version: %d)\n", v)
		} else {
			fmt.Printf("no new migrations (current version: %d)\n", v)
		}
		return nil
	},
}

type seedUser struct {
	username, display, password string
	role                        models.Role
}

var seedUsers = []seedUser{
	{"alice", "Alice", "password123", models.RoleMember},
	{"bob", "Bob", "password456", models.RoleMember},
	{"mod", "Moderator", "password789", models.RoleAdmin},
}

var seedCommand = &cli.Command{
	Name:  "seed",
	Usage: "Create demo users and a short conversation between alice and bob",
	Flags: []cli.Flag{databaseFlag},
	Action: func(c *cli.Context) error {
		ctx := c.Context
		pool, err := database.NewPostgresPool(ctx, c.String("database-url"))
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			return fmt.Errorf("database ping failed: %w", err)
		}

		sf, err := snowflake.NewGenerator(0)
		if err != nil {
			return err
		}
		users := database.NewUserRepository(pool)
		messages := database.NewMessageRepository(pool)

		ids := make(map[string]int64, len(seedUsers))
		created := 0
		for _, su := range seedUsers {
			id, isNew, err := ensureUser(ctx, users, sf, su)
			if err != nil {
				return err
			}
			ids[su.username] = id
			if isNew {
				created++
			}
		}

		if created > 0 {
			step("creating messages...")
			lines := []struct {
				from, to, text string
			}{
				{"alice", "bob", "Hey Bob, are you around?"},
				{"bob", "alice", "Yes! What's up?"},
				{"alice", "bob", "Just testing the new chat."},
			}
			for _, l := range lines {
				m := &models.Message{
					ID:         sf.Generate().Int64(),
					SenderID:   ids[l.from],
					ReceiverID: ids[l.to],
					Content:    l.text,
					CreatedAt:  time.Now().UTC(),
				}
				if err := messages.Append(ctx, m, nil); err != nil {
					return fmt.Errorf("creating message: %w", err)
				}
			}
		}

		fmt.Println()
		green.Println("seed complete:")
		for _, su := range seedUsers {
			fmt.Printf("  %-6s id %-20d password %s (%s)\n", su.username, ids[su.username], su.password, su.role)
		}
		return nil
	},
}

func ensureUser(ctx context.Context, users database.UserRepository, sf *snowflake.Generator, su seedUser) (int64, bool, error) {
	existing, err := users.GetByUsername(ctx, su.username)
	if err != nil {
		return 0, false, fmt.Errorf("looking up %s: %w", su.username, err)
	}
	if existing != nil {
		return existing.ID, false, nil
	}

	step("creating user %s...", su.username)
	hash, err := auth.HashPassword(su.password)
	if err != nil {
		return 0, false, fmt.Errorf("hashing password: %w", err)
	}
	u := &models.User{
		ID:           sf.Generate().Int64(),
		Username:     su.username,
		DisplayName:  su.display,
		PasswordHash: hash,
		AuthMethod:   models.AuthMethodPassword,
		Role:         su.role,
		CreatedAt:    time.Now().UTC(),
	}
	if err := users.Create(ctx, u); err != nil {
		return 0, false, fmt.Errorf("creating %s: %w", su.username, err)
	}
	return u.ID, true, nil
}
