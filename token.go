package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"rentaltruth-server/config"
	auth "rentaltruth-server/middleware"
)

// newTokenCommand mints a bearer token for local testing of owner endpoints.
func newTokenCommand(v *viper.Viper, cfgFile *string) *cobra.Command {
	var (
		role string
		ttl  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Issue a development JWT signed with JWT_SECRET",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, *cfgFile)
			if err != nil {
				return err
			}
			token, err := auth.NewAuthenticator(cfg.JWTSecret).Issue(args[0], role, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}

	cmd.Flags().StringVar(&role, "role", auth.RoleOwner, "Role claim of the token")
	cmd.Flags().DurationVar(&ttl, "ttl", 7*24*time.Hour, "Token lifetime")
	return cmd
}
