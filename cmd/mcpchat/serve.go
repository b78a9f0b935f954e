package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	mcpgateway "github.com/vikashloomba/mcpchat-go/pkg/mcp-gateway"
)

const (
	flagAddr           = "addr"
	flagPath           = "path"
	flagWatch          = "watch"
	flagAllowedOrigins = "allowed-origins"
)

func newServeCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Keep servers connected and expose their tools over a Streamable MCP endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), v, cmd)
		},
	}
	flags := cmd.Flags()
	flags.String(flagAddr, ":8700", "listen address of the gateway")
	flags.String(flagPath, "/mcp", "HTTP path of the Streamable MCP endpoint")
	flags.Bool(flagWatch, true, "reload the server list when the configuration file changes")
	flags.StringSlice(flagAllowedOrigins, nil, "CORS origins allowed to reach the gateway (default all)")
	_ = v.BindPFlags(flags)
	return cmd
}

func runServe(ctx context.Context, v *viper.Viper, cmd *cobra.Command) error {
	a, err := newApp(v, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.close()

	if v.GetBool(flagWatch) {
		a.source.Watch()
	}
	if n, err := a.executor.WarmFromCache(ctx); err != nil {
		a.logger.Warn("warm start from cache failed", "error", err)
	} else if n > 0 {
		a.logger.Info("serving cached tools until servers respond", "tools", n)
	}

	gateway, err := mcpgateway.NewGateway(a.executor, &mcpgateway.Options{
		Addr:           v.GetString(flagAddr),
		Path:           v.GetString(flagPath),
		AllowedOrigins: v.GetStringSlice(flagAllowedOrigins),
		Metrics:        a.metrics,
		Logger:         a.logger,
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.manager.Run(gctx) })
	g.Go(func() error { return a.executor.Run(gctx) })
	g.Go(func() error {
		opts := gateway.Options()
		a.logger.Info("gateway listening", "addr", opts.Addr, "path", opts.Path)
		return gateway.ListenAndServe(gctx)
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
