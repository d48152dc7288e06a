package cmd

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmehdipour/jobengine/internal/app"
	httpSrv "github.com/jmehdipour/jobengine/internal/http"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the admin HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := app.Load(cfgPath)
		if err != nil {
			return err
		}
		a, err := app.New(cfg, log)
		if err != nil {
			return err
		}
		defer a.Close()

		server := httpSrv.NewServer(httpSrv.Deps{
			Scheduler: a.Scheduler,
			Runs:      a.Runs,
			Emitter:   a.Emitter,
			Redis:     a.Redis,
			Token:     cfg.Admin.Token,
			RateLimit: cfg.Admin.RateLimit,
			KeyPrefix: cfg.Redis.KeyPrefix,
			LogLevel:  cfg.Log.Level,
			Log:       log.Named("http"),
		})
		if cfg.Admin.Token == "" {
			log.Warn("admin token is empty; the admin API is unauthenticated")
		}

		errCh := make(chan error, 1)
		go func() {
			errCh <- server.Start(cfg.HTTP.Addr)
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-sigCh:
			log.Info("signal received, shutting down", zap.String("signal", sig.String()))
		case err := <-errCh:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server exited: %w", err)
			}
		}

		ctx, cancel := a.ShutdownContext()
		defer cancel()
		return server.Shutdown(ctx)
	},
}
