package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/nevindra/atelier/internal/config"
	"github.com/nevindra/atelier/internal/server"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP control surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			cfg := config.Load(configPath)
			if addr != "" {
				cfg.Server.Addr = addr
			}

			eng, err := buildEngine(cfg, logger)
			if err != nil {
				return err
			}
			defer eng.Close()

			srv := server.New(cfg.Server.Addr, eng.manager, eng.agents, eng.templates, eng.stream,
				server.WithLogger(logger),
				server.WithCheckpoints(eng.checkpoints),
				server.WithArtifacts(eng.artifacts),
				server.WithMetrics(server.NewMetrics(eng.manager, eng.bus, eng.gateway)),
			)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := srv.Run(ctx); err != nil {
				return err
			}
			logger.Info("draining in-flight jobs")
			eng.manager.Wait()
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	return cmd
}
