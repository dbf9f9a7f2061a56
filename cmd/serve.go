package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/gazette-sync/internal/api"
	"github.com/JakeFAU/gazette-sync/internal/clock/system"
	"github.com/JakeFAU/gazette-sync/internal/id/uuid"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serves the control API and executes queued sync runs",
		Long: `Starts the HTTP control API on server.port (or $PORT) and a dispatcher
that executes submitted runs one at a time. SIGINT or SIGTERM drains the
server and stops the dispatcher between runs.`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := context.WithCancel(cmd.Context())
	defer stop()

	a, err := resolveApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	cfg := a.Config()
	logger := a.Logger()

	port := cfg.Server.Port
	if env := os.Getenv("PORT"); env != "" {
		if p, err := strconv.Atoi(env); err == nil && p > 0 {
			port = p
		}
	}

	apiServer := api.NewServer(api.Deps{
		Runs:     a.Runs(),
		Enqueuer: a.Dispatcher(),
		Sources:  a.Registry(),
		IDGen:    uuid.New(),
		Clock:    system.New(),
		Logger:   logger.Named("api"),
	}, cfg)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	dispatcherDone := make(chan struct{})
	go func() {
		defer close(dispatcherDone)
		logger.Info("dispatcher started")
		a.Dispatcher().Run(ctx)
	}()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server started", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	a.Queue().Close()
	<-dispatcherDone
	logger.Info("shutdown complete")

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}
