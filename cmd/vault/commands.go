package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"otpvault/cmd/internal/app"
	"otpvault/cmd/internal/migrations"
)

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "vault",
		Short:         "Multi-user TOTP vault server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "keygen" {
				return nil
			}
			return app.LoadEnvFiles(configPath)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file (env VAULT_CONFIG_FILE); environment variables win")

	serve := newServeCmd()
	root.AddCommand(serve, newMigrateCmd(), newKeygenCmd())

	// Bare "vault" behaves like "vault serve".
	root.RunE = serve.RunE
	return root
}

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := app.LoadConfig()
			if addr != "" {
				cfg.HTTPAddr = addr
			}
			return app.Run(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides VAULT_HTTP_ADDR)")
	return cmd
}

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:       "migrate [up|down|status]",
		Short:     "Apply, roll back or list schema migrations",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down", "status"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := app.LoadConfig()
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("VAULT_DATABASE_URL is required")
			}
			action := "up"
			if len(args) == 1 {
				action = args[0]
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()
			out := cmd.OutOrStdout()

			switch action {
			case "up":
				v, err := migrations.Up(ctx, cfg.DatabaseURL, cfg.DBSchema)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "schema %s at version %d\n", cfg.DBSchema, v)
			case "down":
				v, err := migrations.Down(ctx, cfg.DatabaseURL, cfg.DBSchema)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "schema %s rolled back to version %d\n", cfg.DBSchema, v)
			case "status":
				list, err := migrations.List(ctx, cfg.DatabaseURL, cfg.DBSchema)
				if err != nil {
					return err
				}
				printStatus(out, list)
			}
			return nil
		},
	}
	return cmd
}

func printStatus(w io.Writer, list []migrations.Status) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tSTATE\tAPPLIED AT\tFILE")
	for _, m := range list {
		state, at := "pending", "-"
		if m.Applied {
			state = "applied"
			at = m.AppliedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", m.Version, state, at, m.Name)
	}
	_ = tw.Flush()
}

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Print a random 32-byte base64 key for VAULT_MASTER_KEY or VAULT_TOKEN_SECRET",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			k, err := newKey()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), k)
			return nil
		},
	}
}

func newKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}
