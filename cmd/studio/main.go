// Command studio is the AI execution core CLI.
//
// Usage:
//
//	studio chat --config studio.yaml
//	studio index --watch
//	studio serve --addr :8080
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
)

// CLI defines the command-line interface.
type CLI struct {
	Chat    ChatCmd    `cmd:"" help:"Interactive agent chat in the terminal."`
	Index   IndexCmd   `cmd:"" help:"Index the workspace for retrieval."`
	Serve   ServeCmd   `cmd:"" help:"Start the HTTP/SSE server."`
	Schema  SchemaCmd  `cmd:"" help:"Print the configuration JSON Schema."`
	Version VersionCmd `cmd:"" help:"Show version information."`

	Config   string `short:"c" help:"Path to config file." type:"path"`
	LogLevel string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile  string `help:"Log file path (empty = stderr)."`
}

func main() {
	_ = godotenv.Load()

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("studio"),
		kong.Description("Studio - AI execution core for project workspaces"),
		kong.UsageOnError(),
	)

	cleanup, err := initLogger(cli.LogLevel, cli.LogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	if cleanup != nil {
		defer cleanup()
	}

	err = ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
