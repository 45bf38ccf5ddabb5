package main

import (
	"fmt"
	"log/slog"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ashita-ai/kansoku"
	"github.com/ashita-ai/kansoku/internal/config"
)

func newRunCommand(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline until the stream ends or a signal arrives",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Load .env file if present (non-fatal; production won't have one).
			_ = godotenv.Load()
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := applyRunFlags(cmd, &cfg); err != nil {
				return err
			}

			app, err := kansoku.New(
				kansoku.WithConfig(cfg),
				kansoku.WithLogger(logger),
				kansoku.WithVersion(version),
			)
			if err != nil {
				return err
			}
			return app.Run(cmd.Context())
		},
	}

	flags := cmd.Flags()
	flags.Int("port", 0, "HTTP port (KANSOKU_PORT)")
	flags.Bool("no-http", false, "disable the HTTP server")
	flags.String("source", "", "frame source: synthetic or log (KANSOKU_SOURCE)")
	flags.String("source-path", "", "frame log to take timing from with --source=log (KANSOKU_SOURCE_PATH)")
	flags.Float64("fps", 0, "synthetic source frame rate (KANSOKU_FPS)")
	flags.Int("frames", 0, "stop after this many frames (KANSOKU_FRAME_COUNT)")
	flags.Duration("length", 0, "stop after this much stream time (KANSOKU_STREAM_LENGTH)")
	flags.Bool("realtime", true, "pace the synthetic source against the wall clock (KANSOKU_REALTIME)")
	flags.String("events", "", "replay events from a previous frame log (KANSOKU_EVENTS)")
	flags.Duration("replay-from", 0, "stream offset the replayed events start at (KANSOKU_REPLAY_FROM)")
	flags.String("log", "", "frame log path (KANSOKU_LOG_PATH)")
	flags.String("storage", "", "database sink: none, postgres or sqlite (KANSOKU_STORAGE)")
	return cmd
}

// applyRunFlags overrides cfg with every flag set on the command line and
// validates the result.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	var err error
	set := func(name string, apply func()) {
		if err == nil && flags.Changed(name) {
			apply()
		}
	}
	set("port", func() { cfg.Port, err = flags.GetInt("port") })
	set("no-http", func() {
		var off bool
		off, err = flags.GetBool("no-http")
		cfg.HTTPEnabled = !off
	})
	set("source", func() { cfg.Source, err = flags.GetString("source") })
	set("source-path", func() { cfg.SourcePath, err = flags.GetString("source-path") })
	set("fps", func() { cfg.FPS, err = flags.GetFloat64("fps") })
	set("frames", func() { cfg.FrameCount, err = flags.GetInt("frames") })
	set("length", func() { cfg.StreamLength, err = flags.GetDuration("length") })
	set("realtime", func() { cfg.Realtime, err = flags.GetBool("realtime") })
	set("events", func() { cfg.EventsPath, err = flags.GetString("events") })
	set("replay-from", func() { cfg.ReplayFrom, err = flags.GetDuration("replay-from") })
	set("log", func() { cfg.LogPath, err = flags.GetString("log") })
	set("storage", func() { cfg.Storage, err = flags.GetString("storage") })
	if err != nil {
		return fmt.Errorf("flags: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
