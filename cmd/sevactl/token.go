package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/yajmaan/sevaflow/internal/auth"
	"github.com/yajmaan/sevaflow/internal/config"
)

type tokenFlags struct {
	operator string
	email    string
	name     string
	roles    []string
	ttl      time.Duration
	secret   string
}

func newTokenCmd() *cobra.Command {
	var f tokenFlags
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an operator token for the API",
		Long: `Signs an operator token with the server's JWT secret (JWT_SECRET or config.yaml).
Operators only see the batches they submitted unless they hold the admin role.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := f.secret
			if secret == "" {
				cfg, err := config.Load()
				if err != nil {
					return err
				}
				secret = cfg.JWT.Secret
			}
			if secret == "" {
				return errors.New("no JWT secret configured")
			}

			token, err := auth.SignOperatorToken(auth.Operator{
				ID:    f.operator,
				Email: f.email,
				Name:  f.name,
				Roles: f.roles,
			}, secret, f.ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&f.operator, "operator", "", "operator ID recorded on submitted batches")
	cmd.Flags().StringVar(&f.email, "email", "", "operator email")
	cmd.Flags().StringVar(&f.name, "name", "", "operator display name")
	cmd.Flags().StringSliceVar(&f.roles, "role", nil, "role to grant, repeatable (e.g. seva-admin)")
	cmd.Flags().DurationVar(&f.ttl, "ttl", 24*time.Hour, "token lifetime, 0 for no expiry")
	cmd.Flags().StringVar(&f.secret, "secret", "", "signing secret, defaults to the configured JWT secret")
	_ = cmd.MarkFlagRequired("operator")
	return cmd
}
