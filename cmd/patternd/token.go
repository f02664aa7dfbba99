package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ashita-ai/patternd/internal/auth"
	"github.com/ashita-ai/patternd/internal/config"
	"github.com/ashita-ai/patternd/internal/model"
)

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue API tokens and manage signing keys",
	}
	cmd.AddCommand(tokenIssueCmd())
	cmd.AddCommand(tokenKeygenCmd())
	return cmd
}

func tokenIssueCmd() *cobra.Command {
	var (
		subject string
		role    string
		tenant  string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Sign a bearer token with the configured private key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.JWTPrivateKeyPath == "" {
				return fmt.Errorf("PATTERND_JWT_PRIVATE_KEY is not set; an ephemeral key would sign a token no server accepts")
			}
			mgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
			if err != nil {
				return err
			}

			r, err := model.ParseRole(role)
			if err != nil {
				return err
			}
			g := auth.Grant{Subject: subject, Role: r, TTL: ttl}
			if tenant != "" {
				id, err := uuid.Parse(tenant)
				if err != nil {
					return fmt.Errorf("invalid tenant id %q: %w", tenant, err)
				}
				g.TenantID = &id
			}

			tok, exp, err := mgr.IssueToken(g)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"token": tok, "expires_at": exp})
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject (engine or user name)")
	cmd.Flags().StringVar(&role, "role", string(model.RoleReader), "role: operator, engine or reader")
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant id (required unless --role operator)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "lifetime (default PATTERND_JWT_EXPIRATION)")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func tokenKeygenCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Write a new Ed25519 key pair as PEM files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			priv, pub, err := auth.GenerateKeyPair()
			if err != nil {
				return err
			}
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return fmt.Errorf("create key directory: %w", err)
			}
			privPath := filepath.Join(dir, "patternd_ed25519.pem")
			pubPath := filepath.Join(dir, "patternd_ed25519.pub.pem")
			if err := os.WriteFile(privPath, priv, 0o600); err != nil {
				return fmt.Errorf("write private key: %w", err)
			}
			if err := os.WriteFile(pubPath, pub, 0o644); err != nil {
				return fmt.Errorf("write public key: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "PATTERND_JWT_PRIVATE_KEY=%s\nPATTERND_JWT_PUBLIC_KEY=%s\n", privPath, pubPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", ".", "output directory")
	return cmd
}
