package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"relay/cmd/internal/app"
	"relay/cmd/internal/linkapi"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "relay",
	Short:         "Pooled per-user messaging-link sessions",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cmd.Help()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, session pool and reply worker",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return app.Serve(cmd.Context())
	},
}

var validateOnly bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as YAML, secrets redacted",
	Long: `The config command resolves RELAY_CONFIG_FILE and the environment the same way serve
does and prints the result in the config file format.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := app.LoadConfig()
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			if validateOnly {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "# invalid configuration:\n# %v\n", err)
		}
		if validateOnly {
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		}
		out, err := app.MarshalConfigFile(cfg.Values())
		if err != nil {
			return fmt.Errorf("render config: %w", err)
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

var (
	tokenSubject string
	tokenTTL     time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a bearer token for a user uid, signed with RELAY_JWT_SECRET",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if tokenSubject == "" {
			return errors.New("--subject is required")
		}
		cfg, err := app.LoadConfig()
		if err != nil {
			return err
		}
		auth, err := linkapi.NewAuthenticator([]byte(cfg.JWTSecret), cfg.JWTIssuer, cfg.AdminSubjects)
		if err != nil {
			return err
		}
		tok, err := auth.Mint(tokenSubject, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func main() {
	configCmd.Flags().BoolVar(&validateOnly, "validate", false, "only validate, exit non-zero on errors")
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "", "user uid to put in the sub claim")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "token lifetime")

	rootCmd.AddCommand(serveCmd, configCmd, tokenCmd)
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "relay:", err)
		os.Exit(1)
	}
}
