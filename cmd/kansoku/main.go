// Command kansoku runs the frame pipeline and its maintenance tools.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	logger := newLogger(os.Getenv("KANSOKU_LOG_LEVEL"))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCommand(logger).ExecuteContext(ctx); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func newRootCommand(logger *slog.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:   "kansoku",
		Short: "Frame-lifecycle coordination for multi-stage media analysis",
		Long: `Kansoku captures frames, lets analysis stages process them concurrently,
and emits one record per frame in strict frame order to a durable log,
an optional database and realtime websocket subscribers.

Configuration is read from KANSOKU_* environment variables and an optional
.env file; flags override both.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newRunCommand(logger),
		newVerifyCommand(),
		newTokenCommand(),
		newKeygenCommand(),
	)
	return root
}
