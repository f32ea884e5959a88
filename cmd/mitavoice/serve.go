package main

import (
	"context"
	"fmt"
	"net"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the host API and the game bridge",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, prometheus.DefaultRegisterer)
			if err != nil {
				return err
			}
			ln, err := net.Listen("tcp", a.Config.Server.Addr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", a.Config.Server.Addr, err)
			}
			return a.Serve(ctx, ln)
		},
	}
}
