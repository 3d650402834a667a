package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/fabian4/servicegate/internal/app"
	"github.com/fabian4/servicegate/internal/config"
	"github.com/fabian4/servicegate/internal/logging"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := config.Load(root.configPath)
			if err != nil {
				return err
			}
			if listen != "" {
				c.Listen = listen
			}
			log, err := logging.New(os.Stderr, c.Log)
			if err != nil {
				return err
			}
			if c.Log.Level != "debug" {
				gin.SetMode(gin.ReleaseMode)
			}
			log.Debug("config loaded", "config", c.Redacted())

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, c, log)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "override the listen address")
	return cmd
}
