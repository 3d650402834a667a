package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fabian4/servicegate/internal/version"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "servicegate %s\n", version.Value)
			return err
		},
	}
}
