package cmd

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"syscall"

	"github.com/Bharat940/discord-copilot-with-dashboard/copilot"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// passwordReader reads a password without echoing it. Replaced in tests.
type passwordReader func() ([]byte, error)

var customPasswordReader passwordReader

const minPasswordLength = 8

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the database tables, seed defaults and set dashboard credentials",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if cfg.Database == "" {
			return fmt.Errorf(
				"%s_DATABASE (or DATABASE_URL) must be a connection string or sqlite file path",
				copilot.DefaultEnvPrefix,
			)
		}

		db, err := copilot.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			return fmt.Errorf("error creating database: %w", err)
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
		if err = store.Seed(ctx); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		account, err := store.AdminAccount(ctx)
		if err != nil {
			return fmt.Errorf("error retrieving admin account: %w", err)
		}

		if account != nil {
			fmt.Fprintln(out, "Admin credentials are already set.")
		} else {
			fmt.Fprintln(out, "Admin credentials are not set. Let's set them up.")
			username, password, e := promptCredentials(out, bufio.NewReader(os.Stdin))
			if e != nil {
				return e
			}
			if e = store.SetAdminCredentials(ctx, username, password); e != nil {
				return fmt.Errorf("error setting admin credentials: %w", e)
			}
			fmt.Fprintln(out, "Admin credentials set successfully.")
		}

		fmt.Fprintln(
			out,
			"Initialization complete. Start the bot with the 'run' subcommand.",
		)
		return nil
	},
}

// promptCredentials asks for a username, then for a password until the
// confirmation matches and it's long enough.
func promptCredentials(out io.Writer, reader *bufio.Reader) (string, string, error) {
	fmt.Fprint(out, "Enter admin username: ")
	username, err := reader.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", "", fmt.Errorf("error reading username: %w", err)
	}
	username = strings.TrimSpace(username)
	if username == "" {
		return "", "", fmt.Errorf("username cannot be empty")
	}

	readPassword := customPasswordReader
	if readPassword == nil {
		readPassword = func() ([]byte, error) {
			return term.ReadPassword(int(syscall.Stdin))
		}
	}

	for {
		fmt.Fprint(out, "Enter admin password: ")
		passwordBytes, e := readPassword()
		fmt.Fprintln(out)
		if e != nil {
			return "", "", fmt.Errorf("error reading password: %w", e)
		}

		fmt.Fprint(out, "Confirm admin password: ")
		confirmBytes, e := readPassword()
		fmt.Fprintln(out)
		if e != nil {
			return "", "", fmt.Errorf("error reading password: %w", e)
		}

		password := string(passwordBytes)
		switch {
		case password != string(confirmBytes):
			fmt.Fprintln(out, "Passwords do not match. Please try again.")
		case len(password) < minPasswordLength:
			fmt.Fprintf(out, "Password must be at least %d characters.\n", minPasswordLength)
		default:
			return username, password, nil
		}
	}
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(initCmd)
}
