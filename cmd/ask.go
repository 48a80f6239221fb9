package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/wrenchai/wrench/internal/app"
	"github.com/wrenchai/wrench/internal/config"
	"github.com/wrenchai/wrench/internal/conversation"
)

// runAsk answers a single diagnostic question, streaming the answer to
// stdout as it is generated.
func runAsk(args []string) error {
	question := strings.TrimSpace(strings.Join(args, " "))
	if question == "" {
		return fmt.Errorf("usage: wrench ask <question>")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfg, slog.Default())
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	defer a.Close()

	q, err := conversation.NewQuery(question, uuid.Nil, "")
	if err != nil {
		return fmt.Errorf("invalid question: %w", err)
	}

	history := a.Conversations.GetOrCreate(q.ConversationID)
	answer, err := a.Engine.HandleStream(ctx, q, history, func(_ context.Context, chunk string) error {
		_, werr := fmt.Fprint(os.Stdout, chunk)
		return werr
	})
	if err != nil {
		return fmt.Errorf("diagnosis failed: %w", err)
	}
	fmt.Println()

	if len(answer.Citations) > 0 {
		fmt.Println()
		fmt.Println("Sources:")
		for _, c := range answer.Citations {
			if c.URL != "" {
				fmt.Printf("  %s %s (%s)\n", c.Marker, c.SourceID, c.URL)
				continue
			}
			fmt.Printf("  %s %s\n", c.Marker, c.SourceID)
		}
	}
	if answer.LowConfidence {
		fmt.Println()
		fmt.Println("Note: no workshop documentation matched this question; the answer is general guidance.")
	}

	return nil
}
