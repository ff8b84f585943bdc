package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hed1ad/pfeguard/pkg/server"
)

func newServeCmd(a *app) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve POST /detect, /healthz and /metrics over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			src, err := a.source(ctx)
			if err != nil {
				return err
			}
			defer src.Close()

			p, err := a.pipeline(src)
			if err != nil {
				return err
			}

			opts := []server.Option{server.WithLogger(a.logger.Named("server"))}
			sink, err := a.sink()
			if err != nil {
				return err
			}
			if sink != nil {
				defer sink.Close()
				opts = append(opts, server.WithWriter(sink))
			}

			cfg := a.cfg.Server
			if addr != "" {
				cfg.Addr = addr
			}
			return server.New(p, opts...).ListenAndServe(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	return cmd
}
