package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"jobmon.evalgo.org/security"
)

func init() {
	RootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().String("username", "", "identity the token is issued for")
	tokenCmd.Flags().Bool("admin", false, "grant the admin claim")
	tokenCmd.MarkFlagRequired("username")
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "mint a bearer token for the coordination API",
	Long: `Issues a signed JWT against the configured auth.jwt_secret. Distributors
and workers put the token in client.token; operators use admin tokens for the
destructive endpoints.`,
	RunE: runToken,
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is not configured, cannot sign tokens")
	}

	username, err := cmd.Flags().GetString("username")
	if err != nil {
		return err
	}
	admin, err := cmd.Flags().GetBool("admin")
	if err != nil {
		return err
	}

	token, err := security.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.TokenExpiration).
		IssueToken(username, admin)
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
