package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/R3E-Network/fabblink/internal/middleware"
)

var (
	tokenRoles  []string
	tokenTTL    time.Duration
	tokenIssuer string
)

var tokenCmd = &cobra.Command{
	Use:   "token <subject>",
	Short: "Issue a bearer token for an account",
	Long: `Issue an HS256 bearer token signed with FABBLINK_JWT_SECRET.

Example:
  fabblink token carol
  fabblink token watcher --role intake --ttl 0`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		secret := os.Getenv("FABBLINK_JWT_SECRET")
		if secret == "" {
			return errors.New("FABBLINK_JWT_SECRET is not set")
		}
		issuer := tokenIssuer
		if issuer == "" {
			issuer = os.Getenv("FABBLINK_JWT_ISSUER")
		}
		token, err := middleware.IssueToken([]byte(secret), issuer, args[0], tokenRoles, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringSliceVar(&tokenRoles, "role", nil, "role to grant (repeatable)")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime; 0 never expires")
	tokenCmd.Flags().StringVar(&tokenIssuer, "issuer", "", "issuer claim (env: FABBLINK_JWT_ISSUER)")
}
