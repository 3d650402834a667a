package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fabian4/servicegate/internal/app"
	"github.com/fabian4/servicegate/internal/config"
	"github.com/fabian4/servicegate/internal/router"
)

func newRoutesCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "routes",
		Short: "Compile the route table from the store and print it",
		Long:  "routes reads every registered service from the configured store and compiles the table the gateway would serve. A route conflict is reported as an error.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := config.Load(root.configPath)
			if err != nil {
				return err
			}
			st, err := app.OpenStore(cmd.Context(), c.Store)
			if err != nil {
				return err
			}
			defer st.Close()

			descs, err := st.FindAll(cmd.Context())
			if err != nil {
				return err
			}
			t, err := router.Compile(descs)
			if err != nil {
				return err
			}
			return printRoutes(cmd.OutOrStdout(), t.Entries())
		},
	}
}

func printRoutes(w io.Writer, entries []router.Entry) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "METHOD\tPATH\tSERVICE\tTARGET\tPROTECTED\tLIMIT")
	for _, e := range entries {
		limit := "-"
		if caps := e.RateLimit.Caps(); len(caps) > 0 {
			parts := make([]string, 0, len(caps))
			for _, c := range caps {
				parts = append(parts, fmt.Sprintf("%d/%s", c.Limit, c.Window))
			}
			limit = strings.Join(parts, ",")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%s\n", e.Key.Method, e.Key.Path, e.ServiceName, e.Target, e.Protected, limit)
	}
	return tw.Flush()
}
