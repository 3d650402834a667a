package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fabian4/servicegate/internal/app"
	"github.com/fabian4/servicegate/internal/broker"
	"github.com/fabian4/servicegate/internal/config"
)

func newPublishAuthCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "publish-auth <wallet-address>",
		Short: "Publish an authentication event for a wallet on the NATS queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(root.configPath)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()

			nc, err := app.NATSClient(ctx, c.NATS, nil)
			if err != nil {
				return err
			}
			defer nc.Close(context.Background())

			if err := broker.PublishAuth(ctx, nc, app.BrokerConfig(c.NATS), args[0]); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "published auth event for %s\n", args[0])
			return err
		},
	}
}
