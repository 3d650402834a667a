package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fabian4/servicegate/internal/auth"
	"github.com/fabian4/servicegate/internal/config"
)

func newTokenCmd(root *rootOptions) *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <subject>",
		Short: "Mint a bearer token for subject with the configured secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(root.configPath)
			if err != nil {
				return err
			}
			if c.Auth.JWTSecret == "" {
				return errors.New("auth.jwt_secret is not set")
			}
			tok, err := auth.GenerateToken(c.Auth.JWTSecret, c.Auth.Issuer, args[0], ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return err
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
