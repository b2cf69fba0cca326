package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/hookloop/internal/auth"
	"github.com/austindbirch/hookloop/internal/config"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Development helpers for status API tokens",
}

var tokenKeygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Write a fresh RSA key pair for signing tokens",
	Long: `Write jwt.key and jwt.pub into a directory. Point JWT_PUBLIC_KEY_PATH
of the ingest service at jwt.pub.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, _ := cmd.Flags().GetString("out")
		force, _ := cmd.Flags().GetBool("force")

		priv, pub, err := auth.GenerateKeyPair()
		if err != nil {
			return err
		}
		privPath := filepath.Join(dir, "jwt.key")
		pubPath := filepath.Join(dir, "jwt.pub")
		if !force {
			for _, p := range []string{privPath, pubPath} {
				if _, err := os.Stat(p); err == nil {
					return fmt.Errorf("%s already exists (use --force to overwrite)", p)
				}
			}
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
		if err := os.WriteFile(privPath, priv, 0o600); err != nil {
			return fmt.Errorf("write private key: %w", err)
		}
		if err := os.WriteFile(pubPath, pub, 0o644); err != nil {
			return fmt.Errorf("write public key: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Private key: %s\nPublic key: %s\n", privPath, pubPath)
		return nil
	},
}

var tokenMintCmd = &cobra.Command{
	Use:   "mint [tenant-id]",
	Short: "Mint a tenant-scoped token for the status API",
	Long: `Mint a token the ingest service accepts for one tenant.

Example:
  export HOOKCTL_TOKEN=$(hookctl token mint t1 --key jwt.key)`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		keyPath, _ := cmd.Flags().GetString("key")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		issuer, _ := cmd.Flags().GetString("issuer")
		audience, _ := cmd.Flags().GetString("audience")
		if keyPath == "" {
			return errors.New("--key is required")
		}

		pem, err := os.ReadFile(keyPath)
		if err != nil {
			return fmt.Errorf("read private key: %w", err)
		}
		defaults := config.FromEnv().Auth
		if issuer == "" {
			issuer = defaults.Issuer
		}
		if audience == "" {
			audience = defaults.Audience
		}
		signer, err := auth.NewSigner(string(pem), issuer, audience)
		if err != nil {
			return err
		}
		tok, err := signer.Mint(args[0], ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.AddCommand(tokenKeygenCmd)
	tokenCmd.AddCommand(tokenMintCmd)

	tokenKeygenCmd.Flags().String("out", ".", "directory for jwt.key and jwt.pub")
	tokenKeygenCmd.Flags().Bool("force", false, "overwrite existing keys")
	tokenMintCmd.Flags().String("key", "", "PEM RSA private key")
	tokenMintCmd.Flags().Duration("ttl", time.Hour, "token lifetime")
	tokenMintCmd.Flags().String("issuer", "", "issuer claim (default JWT_ISSUER or hookloop)")
	tokenMintCmd.Flags().String("audience", "", "audience claim (default JWT_AUDIENCE or hookloop-status)")
}
