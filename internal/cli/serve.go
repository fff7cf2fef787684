package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lazypower/compound/internal/config"
	"github.com/lazypower/compound/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := setup(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	cfg, eng, logger := rt.cfg, rt.engine, rt.logger

	if cfg.Compounding.Enabled {
		if err := eng.StartCompounding(cfg.Compounding.Schedule, cfg.CompactOptions()); err != nil {
			return err
		}
	}

	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Path
	}
	srv := server.New(eng, server.Options{
		Version:         VersionString(),
		Logger:          logger,
		RetrieveTimeout: cfg.Server.RetrieveTimeout,
		MetricsPath:     metricsPath,
	})

	// Bind address and metrics path need a restart; the rest is swapped live.
	mgr := config.NewManager(cfg, rt.cfgPath, logger)
	mgr.OnChange(func(c *config.Config) {
		eng.SetTunables(c.Tunables())
		srv.SetRetrieveTimeout(c.Server.RetrieveTimeout)
		if c.Compounding.Enabled {
			if err := eng.StartCompounding(c.Compounding.Schedule, c.CompactOptions()); err != nil {
				logger.Error("reschedule compounding", "error", err)
			}
		} else {
			eng.Stop()
		}
	})
	if err := mgr.Watch(ctx); err != nil {
		logger.Warn("config hot reload disabled", "error", err)
	}
	defer mgr.Close()

	addr := cfg.ListenAddr()

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "compound serving on %s\n", addr)
		fmt.Fprintf(os.Stderr, "  db: %s\n", rt.db.Path)
		fmt.Fprintf(os.Stderr, "  embedder: %s\n", rt.embedder.Model())
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
	fmt.Fprintln(os.Stderr, "\nshutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return httpServer.Shutdown(shutdownCtx)
}
