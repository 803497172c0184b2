package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"rentalhub/pkg/store"
	"rentalhub/services/listing/internal/app"
	"rentalhub/services/listing/internal/bootstrap"
	"rentalhub/services/listing/internal/config"
)

func loadConfig(cmd *cobra.Command) (config.FileConfig, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}

// openApp builds an App on the service database. Events and e-mails are not
// wired; the CLI only reads or creates accounts.
func openApp(cfg config.FileConfig) (*app.App, func() error, error) {
	st, closeStore, err := bootstrap.Store(cfg, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	issuer, _, err := bootstrap.Tokens(cfg)
	if err != nil {
		_ = closeStore()
		return nil, nil, err
	}
	a, err := app.New(app.Config{Store: st, Tokens: issuer})
	if err != nil {
		_ = closeStore()
		return nil, nil, err
	}
	return a, closeStore, nil
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			db, err := store.NewGormStore(cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := db.Migrate(); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Schema is up to date.")
			return nil
		},
	}
}

func createAdminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create-admin",
		Short: "Create an administrator account",
		RunE: func(cmd *cobra.Command, args []string) error {
			username, _ := cmd.Flags().GetString("username")
			email, _ := cmd.Flags().GetString("email")
			password, _ := cmd.Flags().GetString("password")

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			a, closeStore, err := openApp(cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			user, err := a.CreateAdmin(cmd.Context(), username, email, password)
			if err != nil {
				return describe(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created admin %s (id %d).\n", user.Username, user.ID)
			return nil
		},
	}
	cmd.Flags().String("username", "", "admin username")
	cmd.Flags().String("email", "", "admin e-mail")
	cmd.Flags().String("password", "", "admin password")
	_ = cmd.MarkFlagRequired("username")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func statsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print moderation statistics as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			email, _ := cmd.Flags().GetString("email")
			password, _ := cmd.Flags().GetString("password")

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			a, closeStore, err := openApp(cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			return printStats(cmd.Context(), a, email, password, cmd.OutOrStdout())
		},
	}
	cmd.Flags().String("email", "", "admin e-mail")
	cmd.Flags().String("password", "", "admin password")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

// printStats signs in as the given admin and writes the stats to out.
func printStats(ctx context.Context, a *app.App, email, password string, out io.Writer) error {
	session, err := a.Login(ctx, email, password)
	if err != nil {
		return describe(err)
	}
	stats, err := a.ComputeModerationStats(ctx, session.User.Principal())
	if err != nil {
		return describe(err)
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(stats)
}

func describe(err error) error {
	if errors.Is(err, app.ErrForbidden) {
		return errors.New("account is not an administrator")
	}
	return err
}
