package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	httpapi "github.com/escrow-hub/escrow-hub/internal/api/http"
	"github.com/escrow-hub/escrow-hub/internal/domain/escrow"
)

func tokenCmd() *cobra.Command {
	var (
		subject string
		role    string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for local development",
		Example: `  escrowctl token --sub buyer-1 --role buyer
  escrowctl token --sub ops --role admin --ttl 1h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			actor := escrow.Actor{ID: subject, Role: escrow.Role(role)}
			if actor.ID == "" {
				return fmt.Errorf("--sub is required")
			}
			if !actor.Role.Valid() {
				return fmt.Errorf("unknown role %q", role)
			}
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("config error: %w", err)
			}
			if ttl <= 0 {
				ttl = cfg.Auth.TokenTTL
			}
			token, err := httpapi.NewAuthenticator([]byte(cfg.Auth.JWTSecret), cfg.Auth.Issuer, ttl).Issue(actor)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "sub", "", "user id carried in the token")
	cmd.Flags().StringVar(&role, "role", string(escrow.RoleBuyer), "buyer, seller, dealer, admin or system")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (defaults to JWT_TTL)")
	return cmd
}
