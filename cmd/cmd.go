// Package cmd provides CLI commands for wrench.
//
// Commands:
//   - serve: HTTP API server with SSE streaming
//   - ask: one-shot diagnostic question on stdout
//   - mcp: Model Context Protocol server for IDE integration
//   - migrate: run pending database migrations and exit
//
// Signal handling and graceful shutdown are implemented for all commands
// via context cancellation.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/wrenchai/wrench/internal/log"
)

// Execute is the main entry point for the wrench CLI application.
func Execute() error {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(log.New(log.Config{Level: level, JSON: false}))

	if len(os.Args) < 2 {
		runHelp()
		return nil
	}

	switch os.Args[1] {
	case "serve":
		return runServe()
	case "ask":
		return runAsk(os.Args[2:])
	case "mcp":
		return runMCP()
	case "migrate":
		return runMigrate()
	case "version", "--version", "-v":
		runVersion()
		return nil
	case "help", "--help", "-h":
		runHelp()
		return nil
	default:
		return fmt.Errorf("unknown command: %s", os.Args[1])
	}
}

// runHelp displays the help message.
func runHelp() {
	fmt.Println("wrench - Automotive diagnostic assistant backend")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  wrench serve       Start the HTTP API server")
	fmt.Println("  wrench ask <q>     Ask one diagnostic question, stream the answer")
	fmt.Println("  wrench mcp         Start MCP server (stdio transport)")
	fmt.Println("  wrench migrate     Run pending database migrations")
	fmt.Println("  wrench --version   Show version information")
	fmt.Println("  wrench --help      Show this help")
	fmt.Println()
	fmt.Println("Environment Variables:")
	fmt.Println("  GEMINI_API_KEY     Required: Gemini API key")
	fmt.Println("  DATABASE_URL       Optional: overrides postgres_* config values")
	fmt.Println("  DEBUG              Optional: enable debug logging")
}
