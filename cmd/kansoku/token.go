package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ashita-ai/kansoku/internal/auth"
	"github.com/ashita-ai/kansoku/internal/config"
)

func newTokenCommand() *cobra.Command {
	var (
		subject string
		scopes  []string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a token for the stream and control endpoints",
		Long: `Issue a JWT signed with the configured key pair
(KANSOKU_JWT_PRIVATE_KEY and KANSOKU_JWT_PUBLIC_KEY).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_ = godotenv.Load()
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.JWTPrivateKeyPath == "" {
				return fmt.Errorf("token: KANSOKU_JWT_PRIVATE_KEY is not set; a token signed with an ephemeral key would never validate (see kansoku keygen)")
			}

			granted := make([]auth.Scope, 0, len(scopes))
			for _, s := range scopes {
				scope, err := auth.ParseScope(s)
				if err != nil {
					return fmt.Errorf("token: %w", err)
				}
				granted = append(granted, scope)
			}

			mgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
			if err != nil {
				return fmt.Errorf("token: %w", err)
			}
			tok, exp, err := mgr.IssueToken(subject, granted, ttl)
			if err != nil {
				return fmt.Errorf("token: %w", err)
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{
				"token":      tok,
				"expires_at": exp.UTC(),
				"scopes":     granted,
			})
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject, logged with every request")
	cmd.Flags().StringSliceVar(&scopes, "scope", []string{string(auth.ScopeStream)}, "granted scopes: stream, control")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default KANSOKU_JWT_EXPIRATION)")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func newKeygenCommand() *cobra.Command {
	var privPath, pubPath string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Write a new Ed25519 signing key pair",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := auth.WriteKeyPair(privPath, pubPath); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "wrote %s and %s\n", privPath, pubPath)
			return err
		},
	}
	cmd.Flags().StringVar(&privPath, "private", "kansoku_ed25519.pem", "private key path")
	cmd.Flags().StringVar(&pubPath, "public", "kansoku_ed25519.pub.pem", "public key path")
	return cmd
}
