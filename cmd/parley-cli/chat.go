package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/victorivanov/parley/internal/auth"
	"github.com/victorivanov/parley/internal/chatclient"
	"github.com/victorivanov/parley/internal/gateway"
)

var tokenCommand = &cli.Command{
	Name:      "token",
	Usage:     "Mint an access token for a user id",
	ArgsUsage: "<user-id>",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "secret", Usage: "JWT signing secret", EnvVars: []string{"JWT_SECRET"}, Required: true},
		&cli.DurationFlag{Name: "ttl", Usage: "Token lifetime", Value: auth.DefaultAccessExpiry},
	},
	Action: func(c *cli.Context) error {
		userID, err := userArg(c, 0)
		if err != nil {
			return err
		}
		ts := auth.NewTokenService(c.String("secret"), auth.DefaultAccessExpiry)
		token, err := ts.GenerateAccessTokenTTL(userID, c.Duration("ttl"))
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

var sendCommand = &cli.Command{
	Name:      "send",
	Usage:     "Send a message, over the gateway unless --http is set",
	ArgsUsage: "<receiver-id> <text>",
	Flags: []cli.Flag{
		serverFlag,
		tokenFlag,
		&cli.BoolFlag{Name: "http", Usage: "Use the HTTP fallback channel"},
		&cli.Int64SliceFlag{Name: "attachment", Usage: "Attachment id from a prior upload (repeatable)"},
	},
	Action: func(c *cli.Context) error {
		receiverID, err := userArg(c, 0)
		if err != nil {
			return err
		}
		text := c.Args().Get(1)

		client := chatclient.New(chatclient.Options{BaseURL: c.String("server"), Token: c.String("token")})
		defer client.Close()

		ctx, cancel := context.WithTimeout(c.Context, 30*time.Second)
		defer cancel()
		if !c.Bool("http") {
			if err := client.Connect(ctx); err != nil {
				yellow.Printf("gateway unavailable (%v), using HTTP\n", err)
			}
		}

		msg, err := client.Send(ctx, receiverID, text, c.Int64Slice("attachment"))
		if err != nil {
			return err
		}
		green.Printf("sent message %d at %s\n", msg.ID, msg.CreatedAt.Format(time.RFC3339))
		return nil
	},
}

var tailCommand = &cli.Command{
	Name:  "tail",
	Usage: "Connect to the gateway and print incoming events until interrupted",
	Flags: []cli.Flag{serverFlag, tokenFlag},
	Action: func(c *cli.Context) error {
		ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		client := chatclient.New(chatclient.Options{BaseURL: c.String("server"), Token: c.String("token")})
		defer client.Close()
		if err := client.Connect(ctx); err != nil {
			return err
		}
		cyan.Printf("connected as %d\n", client.UserID())

		done := make(chan error, 1)
		go func() { done <- client.Wait() }()

		for {
			select {
			case <-ctx.Done():
				return nil
			case err := <-done:
				if err == nil {
					err = errors.New("gateway closed the connection")
				}
				return err
			case ev := <-client.Events():
				printEvent(ev)
			}
		}
	},
}

func printEvent(ev gateway.ServerEvent) {
	ts := gray.Sprint(time.Now().Format("15:04:05"))
	switch ev := ev.(type) {
	case gateway.NewMessage:
		fmt.Printf("%s %s %d: %s\n", ts, cyan.Sprint("<-"), ev.Message.SenderID, ev.Message.Content)
	case gateway.MessageSent:
		fmt.Printf("%s %s %d: %s\n", ts, green.Sprint("->"), ev.Message.ReceiverID, ev.Message.Content)
	case gateway.UserTyping:
		state := "stopped typing"
		if ev.IsTyping {
			state = "is typing..."
		}
		fmt.Printf("%s %s\n", ts, gray.Sprintf("%d %s", ev.UserID, state))
	case gateway.MessagesRead:
		fmt.Printf("%s %s\n", ts, gray.Sprintf("%d read %d message(s) up to %d", ev.ReaderID, ev.Count, ev.UpTo))
	case gateway.ErrorEvent:
		fmt.Printf("%s %s\n", ts, yellow.Sprintf("%s failed: %s %s", ev.Event, ev.Code, ev.Message))
	default:
		fmt.Printf("%s %s\n", ts, ev.EventName())
	}
}

var healthCommand = &cli.Command{
	Name:  "health",
	Usage: "Check if the server and its dependencies are up",
	Flags: []cli.Flag{serverFlag},
	Action: func(c *cli.Context) error {
		url := c.String("server") + "/health"
		step("checking %s ...", url)

		req, err := http.NewRequestWithContext(c.Context, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := (&http.Client{Timeout: 5 * time.Second}).Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		body, _ := io.ReadAll(resp.Body)
		fmt.Printf("status: %d\n", resp.StatusCode)
		if len(body) > 0 {
			fmt.Printf("body:   %s\n", body)
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("server returned %d", resp.StatusCode)
		}
		green.Println("server is healthy")
		return nil
	},
}

func userArg(c *cli.Context, i int) (int64, error) {
	raw := c.Args().Get(i)
	if raw == "" {
		return 0, fmt.Errorf("missing argument: %s", c.Command.ArgsUsage)
	}
	var id int64
	if _, err := fmt.Sscan(raw, &id); err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid user id %q", raw)
	}
	return id, nil
}
