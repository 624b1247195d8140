package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"
)

// Set via -ldflags at build time.
var version = "dev"

var (
	databaseFlag = &cli.StringFlag{
		Name:     "database-url",
		Usage:    "PostgreSQL connection string",
		EnvVars:  []string{"DATABASE_URL"},
		Required: true,
	}
	serverFlag = &cli.StringFlag{
		Name:    "server",
		Usage:   "Server base URL",
		EnvVars: []string{"SERVER_URL"},
		Value:   "http://localhost:8080",
	}
	tokenFlag = &cli.StringFlag{
		Name:     "token",
		Usage:    "Access token (see 'parley-cli token')",
		EnvVars:  []string{"PARLEY_TOKEN"},
		Required: true,
	}
)

func main() {
	app := &cli.App{
		Name:    "parley-cli",
		Usage:   "Operate and poke at a parley chat server",
		Version: version,
		Commands: []*cli.Command{
			migrateCommand,
			seedCommand,
			tokenCommand,
			sendCommand,
			tailCommand,
			healthCommand,
			versionCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

var versionCommand = &cli.Command{
	Name:  "version",
	Usage: "Print version info",
	Action: func(*cli.Context) error {
		fmt.Printf("parley-cli %s\n", version)
		return nil
	},
}

var (
	cyan   = color.New(color.FgCyan)
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	gray   = color.New(color.FgHiBlack)
)

func step(format string, args ...any) {
	gray.Printf("%s\n", fmt.Sprintf(format, args...))
}
