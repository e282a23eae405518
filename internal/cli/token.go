package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/crowsnest-security/crowsnest/internal/server"
)

var (
	tokenSecret string
	tokenTTL    time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token <collector-id>",
	Short: "Issue a collector bearer token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if tokenSecret == "" {
			return fmt.Errorf("--secret is required")
		}
		tok, err := server.GenerateCollectorToken(tokenSecret, args[0], tokenTTL)
		if err != nil {
			return fmt.Errorf("generate token: %w", err)
		}
		fmt.Println(tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSecret, "secret", "", "signing secret (must match server.auth_secret)")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 90*24*time.Hour, "token lifetime")
	rootCmd.AddCommand(tokenCmd)
}
