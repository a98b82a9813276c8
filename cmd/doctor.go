package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/Bharat940/discord-copilot-with-dashboard/copilot"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

const (
	doctorPreviewLength = 50
	doctorTestSummary   = "Database connection test successful!"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check the bot can read and write its database",
	Long: "Reads the system instructions, conversation state and allowed " +
		"channels, then writes a test conversation summary. The " +
		"conversation memory is reset afterwards.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		fmt.Fprintf(out, "Testing database connection (%s)...\n\n", cfg.DatabaseType)
		db, err := copilot.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			return fmt.Errorf("error connecting to database: %w", err)
		}
		defer func() {
			if sqlDB, e := db.DB(); e == nil {
				_ = sqlDB.Close()
			}
		}()

		store := copilot.NewStore(
			db,
			slog.New(slog.NewTextHandler(io.Discard, nil)),
			cfg.DatabaseType == "postgres",
		)
		if err = runDoctor(ctx, out, store); err != nil {
			return err
		}
		fmt.Fprintln(out, "All checks passed.")
		return nil
	},
}

func runDoctor(ctx context.Context, out io.Writer, store *copilot.Store) error {
	missing := func(what string, err error) error {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%s not found (run 'init' first)", what)
		}
		return fmt.Errorf("error reading %s: %w", what, err)
	}

	fmt.Fprintln(out, "Reading system instructions...")
	instructions, err := store.SystemInstructionsRecord(ctx)
	if err != nil {
		return missing("system instructions", err)
	}
	fmt.Fprintf(out, "  content: %q\n", preview(instructions.Content))
	fmt.Fprintf(out, "  updated: %s\n\n", formatUnixMilli(instructions.UpdatedAt))

	fmt.Fprintln(out, "Reading conversation state...")
	state, err := store.GetConversationState(ctx)
	if err != nil {
		return missing("conversation state", err)
	}
	fmt.Fprintf(out, "  summary: %q\n", preview(state.Summary))
	fmt.Fprintf(out, "  message count: %d\n", state.MessageCount)
	fmt.Fprintf(out, "  updated: %s\n\n", formatUnixMilli(state.UpdatedAt))

	fmt.Fprintln(out, "Reading allowed channels...")
	channels, err := store.ListChannels(ctx)
	if err != nil {
		return missing("allowed channels", err)
	}
	fmt.Fprintf(out, "  total: %d\n", len(channels))
	if len(channels) == 0 {
		fmt.Fprintln(out, "  (no channels configured yet)")
	}
	for _, ch := range channels {
		name := ch.ChannelID
		if ch.ChannelName != nil && *ch.ChannelName != "" {
			name = *ch.ChannelName
		}
		status := "disabled"
		if ch.Enabled {
			status = "enabled"
		}
		fmt.Fprintf(out, "  - %s (%s)\n", name, status)
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Testing write...")
	if err = store.UpdateConversationSummary(ctx, doctorTestSummary); err != nil {
		return fmt.Errorf("error writing conversation state: %w", err)
	}
	if err = store.ResetConversation(ctx); err != nil {
		return fmt.Errorf("error resetting conversation state: %w", err)
	}
	fmt.Fprintln(out, "  write succeeded, conversation memory reset")
	fmt.Fprintln(out)
	return nil
}

func preview(s string) string {
	r := []rune(s)
	if len(r) <= doctorPreviewLength {
		return s
	}
	return string(r[:doctorPreviewLength]) + "..."
}

func formatUnixMilli(ms int64) string {
	if ms == 0 {
		return "never"
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(doctorCmd)
}
