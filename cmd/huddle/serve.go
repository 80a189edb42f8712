package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/Tyrowin/huddle/internal/retention"
	"github.com/Tyrowin/huddle/internal/server"
	"github.com/Tyrowin/huddle/internal/store"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the WebSocket and upload server",
	Long: `Run the HTTP server with the WebSocket endpoint at /ws and file uploads at
/upload. The retention sweeper runs in the background, once at startup and
then on the configured interval.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadRuntime()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Warn().Err(err).Msg("Error closing store")
		}
	}()

	srv, err := server.New(cfg, st, log)
	if err != nil {
		return err
	}
	srv.Start()

	sweeper := retention.New(st, cfg.UploadDir, log,
		retention.WithHorizon(cfg.RetentionHorizon),
		retention.WithInterval(cfg.SweepInterval),
	)
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		sweeper.Run(ctx)
	}()

	httpServer := server.CreateServer(cfg.Port, srv.Routes())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.StartServer(httpServer, log)
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutdown signal received")
	case err = <-serveErr:
		if err != nil {
			err = errors.Wrap(err, "http server")
		}
		stop()
	}

	if shutdownErr := server.ShutdownServer(httpServer, shutdownTimeout, log); shutdownErr != nil && err == nil {
		err = shutdownErr
	}
	if hubErr := srv.Shutdown(shutdownTimeout); hubErr != nil {
		log.Warn().Err(hubErr).Msg("Hub did not stop cleanly")
	}
	<-sweepDone

	log.Info().Msg("Server stopped")
	return err
}
