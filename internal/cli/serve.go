// Copyright 2025 The QI Survey Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/souphaphone-lao/qi-survey-webapp-sub001/internal/config"
	"github.com/souphaphone-lao/qi-survey-webapp-sub001/surveysync"
)

func (a *app) serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the reference submission API server",
		Long: `Serves GET /ping, POST /submissions, PUT /submissions/{id} and
POST /submissions/{id}/files. Submissions are kept in PostgreSQL when
database.url is set and in memory otherwise.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			repo, closeRepo, err := a.repository(ctx)
			if err != nil {
				return err
			}
			defer closeRepo()

			if a.cfg.JWT.Secret == config.DevJWTSecret {
				a.logger.Warn("Using default JWT secret - change in production!")
			}
			handlers := surveysync.NewHandlers(repo, surveysync.HandlerConfig{}, a.logger)
			srv := &http.Server{
				Addr:         a.cfg.Server.Listen,
				Handler:      surveysync.NewRouter(handlers, surveysync.NewJWTAuth(a.cfg.JWT.Secret)),
				ReadTimeout:  120 * time.Second,
				WriteTimeout: 120 * time.Second,
				IdleTimeout:  60 * time.Second,
			}
			return serveHTTP(ctx, srv, a.logger)
		},
	}
}

func (a *app) repository(ctx context.Context) (surveysync.Repository, func(), error) {
	if a.cfg.Database.URL == "" {
		a.logger.Info("no database.url configured, keeping submissions in memory")
		return surveysync.NewMemoryRepository(), func() {}, nil
	}
	pool, err := pgxpool.New(ctx, a.cfg.Database.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	repo, err := surveysync.NewPGRepository(ctx, pool, a.logger)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return repo, pool.Close, nil
}

// serveHTTP runs srv until ctx is done, then shuts it down gracefully
func serveHTTP(ctx context.Context, srv *http.Server, logger *slog.Logger) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Starting survey submission server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
