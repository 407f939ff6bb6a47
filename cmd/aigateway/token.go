package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ganger-platform/aigateway/pkg/api"
)

func newTokenCmd() *cobra.Command {
	var (
		configPath string
		app        string
		role       string
		ttl        time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for an application or an operator",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return errors.New("auth.jwt_secret is not set; the gateway is running without authentication")
			}
			if role != api.RoleApp && role != api.RoleAdmin {
				return fmt.Errorf("unknown role %q (want %s or %s)", role, api.RoleApp, api.RoleAdmin)
			}
			if role == api.RoleApp {
				if _, ok := cfg.App(app); !ok {
					return fmt.Errorf("unknown app %q", app)
				}
			}
			if ttl == 0 {
				ttl = cfg.Auth.TokenTTL
			}

			tok, err := api.GenerateToken(app, role, []byte(cfg.Auth.JWTSecret), ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&app, "app", "", "application the token acts as")
	cmd.Flags().StringVar(&role, "role", api.RoleApp, "app or admin")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (defaults to auth.token_ttl)")
	_ = cmd.MarkFlagRequired("app")
	return cmd
}
