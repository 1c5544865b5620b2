package main

import (
	"time"

	"github.com/spf13/cobra"

	"accesssaga/config"
	"accesssaga/server"
)

func newServeCmd() *cobra.Command {
	var (
		configPath      string
		addr            string
		simulate        bool
		startupTimeout  time.Duration
		shutdownTimeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator with its HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			d := newDaemon(configPath, func(cfg *config.Config) {
				if cmd.Flags().Changed("addr") {
					cfg.HTTP.Addr = addr
				}
				if cmd.Flags().Changed("simulate") {
					cfg.Simulate.Enabled = simulate
				}
			})
			engine := server.NewEngine(d,
				server.WithName("sagad"),
				server.WithVersion(version),
				server.WithStartupTimeout(startupTimeout),
				server.WithShutdownTimeout(shutdownTimeout),
				server.WithBeforeStop(d.beforeStop),
			)
			return engine.Start(cmd.Context())
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "YAML config file (SAGAD_* env vars override it)")
	cmd.Flags().StringVar(&addr, "addr", ":8080", "HTTP listen address")
	cmd.Flags().BoolVar(&simulate, "simulate", false, "run in-process employee and access-control services")
	cmd.Flags().DurationVar(&startupTimeout, "startup-timeout", 30*time.Second, "budget for opening stores and transports")
	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 20*time.Second, "budget for draining HTTP, sagas and transports")
	return cmd
}
