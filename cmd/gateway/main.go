package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "servicegate",
		Short:         "Self-registering API gateway",
		Long:          "servicegate accepts service registrations over HTTP and routes client traffic to the registered backends.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "./cmd/config.yaml", "path to YAML config (missing file means defaults)")

	cmd.AddCommand(
		newServeCmd(opts),
		newRoutesCmd(opts),
		newTokenCmd(opts),
		newPublishAuthCmd(opts),
		newVersionCmd(),
	)
	return cmd
}
