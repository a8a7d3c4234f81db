// cmd/circulation/main.go
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"becirculation/internal/access"
	"becirculation/internal/circulation"
	"becirculation/internal/clients"
	"becirculation/internal/config"
	"becirculation/internal/journal"
	"becirculation/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		slog.Error("circulation service stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := telemetry.NewLogger(os.Stdout, cfg.LogLevel)
	slog.SetDefault(logger)

	shutdownTracing, err := telemetry.Setup(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			logger.Error("failed to flush traces", "error", err)
		}
	}()

	policy, err := cfg.Policy()
	if err != nil {
		return err
	}
	engine, err := circulation.NewEngine(policy)
	if err != nil {
		return err
	}

	backend := clients.NewBackendClient(cfg.BackendURL, clients.WithRateLimit(cfg.BackendRPS, cfg.BackendBurst))
	opts := []circulation.Option{circulation.WithLogger(logger)}

	if cfg.JournalEnabled {
		db, err := sqlx.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(time.Hour)

		if err := db.PingContext(ctx); err != nil {
			return err
		}
		store := journal.NewStore(db, journal.WithPendingTTL(cfg.JournalPendingTTL))
		if err := store.Migrate(ctx); err != nil {
			return err
		}
		opts = append(opts, circulation.WithJournal(store))
	} else {
		logger.Warn("intent journal disabled")
	}

	svc := circulation.NewService(engine, backend, opts...)
	handler := circulation.NewHandler(svc, engine)
	verifier := access.NewTokenVerifier(cfg.JWTSecret)

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler.Routes(router, verifier.Middleware)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting circulation service", "port", cfg.Port, "backend", cfg.BackendURL)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
	}
	return nil
}
