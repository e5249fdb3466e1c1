package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	pphttp "github.com/pepperpy/pepperpy/internal/adapter/http"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the team-run API over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}

		orch, err := buildOrchestrator(cfg, log)
		if err != nil {
			return err
		}

		ctx := context.Background()
		if err := orch.Initialize(ctx); err != nil {
			return fmt.Errorf("initialize: %w", err)
		}
		defer func() { _ = orch.Shutdown(context.Background()) }()

		r := chi.NewRouter()
		r.Use(chimw.RequestID)
		r.Use(chimw.RealIP)
		r.Use(chimw.Recoverer)
		pphttp.MountRoutes(r, pphttp.NewHandlers(orch, log))

		addr := ":" + cfg.Server.Port
		srv := &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      10 * time.Minute,
			IdleTimeout:       120 * time.Second,
		}

		done := make(chan os.Signal, 1)
		signal.Notify(done, os.Interrupt, syscall.SIGTERM)

		go func() {
			log.Info("starting server", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("server failed", "error", err)
			}
		}()

		<-done
		log.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}
