package cmd

import (
	"context"
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/render-proxy/internal/id/uuid"
	"github.com/JakeFAU/render-proxy/internal/proxy"
)

func newRenderCmd() *cobra.Command {
	var origin string
	cmd := &cobra.Command{
		Use:   "render <url>",
		Short: "Render and rewrite one page to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			o, err := url.Parse(origin)
			if err != nil || o.Host == "" || (o.Scheme != "http" && o.Scheme != "https") {
				return fmt.Errorf("--origin must be an http(s) origin, got %q", origin)
			}

			a, err := newApp(cmd.Context(), rt.cfg, rt.logger)
			if err != nil {
				return fmt.Errorf("init application: %w", err)
			}
			defer func() {
				if cerr := a.Close(context.WithoutCancel(cmd.Context())); cerr != nil {
					rt.logger.Warn("service shutdown error", zap.Error(cerr))
				}
			}()

			res := a.Proxy.Handle(cmd.Context(), proxy.TargetRequest{
				RequestID:      uuid.NewID(),
				RawURL:         args[0],
				RequestingHost: o.Host,
				Scheme:         o.Scheme,
			})
			if res.Status >= 300 {
				return fmt.Errorf("%s (%d): %s", res.State, res.Status, res.Body)
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), res.Body)
			return err
		},
	}
	cmd.Flags().StringVar(&origin, "origin", "http://localhost:8080", "proxy origin used in rewritten links")
	return cmd
}
