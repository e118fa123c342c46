package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dabla/taskrunner/internal/api"
	"github.com/dabla/taskrunner/internal/backend"
	"github.com/dabla/taskrunner/internal/engine"
)

func newServeCmd(cfgFile *string) *cobra.Command {
	var (
		backendName string
		listenAddr  string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the task instance API and execute submitted instances",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(*cfgFile, os.Stdout)
			if err != nil {
				return err
			}
			defer a.Close()

			if listenAddr != "" {
				a.cfg.ListenAddr = listenAddr
			}
			a.logger.Info("taskrunner: starting",
				"listen_addr", a.cfg.ListenAddr,
				"db_path", a.cfg.DBPath,
				"backend", backendName,
				"xcom_backend", a.cfg.XComBackend,
			)

			s, reg, eng, err := a.newEngine(cmd.Context(), backendName, engine.DefaultRetryDelay)
			if err != nil {
				return err
			}
			defer eng.Shutdown()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			srv := api.NewServer(a.cfg.ListenAddr, s, reg, a.bundles(), eng, a.logger)
			return srv.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&backendName, "backend", backend.Auto, "worker backend (auto, process, inprocess)")
	cmd.Flags().StringVar(&listenAddr, "listen", "", "listen address (overrides config)")
	return cmd
}
