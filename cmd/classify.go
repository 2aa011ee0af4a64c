package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/render-proxy/internal/app"
)

func newClassifyCmd() *cobra.Command {
	var explain bool
	cmd := &cobra.Command{
		Use:   "classify <url>...",
		Short: "Print ALLOWED or BLOCKED for each URL",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			g, err := app.NewGuard(rt.cfg)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, raw := range args {
				d := g.CheckContext(cmd.Context(), raw)
				if explain && d.Reason != "" {
					fmt.Fprintf(out, "%s\t%s\t%s\n", d.Verdict, raw, d.Reason)
					continue
				}
				fmt.Fprintf(out, "%s\t%s\n", d.Verdict, raw)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&explain, "explain", false, "include the reason for blocked URLs")
	return cmd
}
