package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DoyleJ11/ploco-sync/internal/config"
	"github.com/DoyleJ11/ploco-sync/internal/httpapi"
	"github.com/DoyleJ11/ploco-sync/internal/hub"
	"github.com/DoyleJ11/ploco-sync/internal/logging"
	"github.com/DoyleJ11/ploco-sync/internal/session"
	"github.com/DoyleJ11/ploco-sync/internal/state"
	"github.com/DoyleJ11/ploco-sync/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
}

func openStore(cfg config.Config, log *zap.Logger) (state.Store, error) {
	switch cfg.State.Backend {
	case "postgres":
		return state.OpenPostgres(cfg.Database.URL, log)
	default:
		return state.NewFileStore(cfg.State.Dir, log)
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(cfg, log.Named("state"))
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}

	reg := session.NewRegistry(ctx, log.Named("session"))
	h := hub.New(reg, store, log.Named("hub"))
	reaper := hub.NewReaper(h, cfg.Heartbeat.Timeout, log.Named("reaper"))

	handler := httpapi.SetupRoutes(h, ws.Options{
		OutboxSize:     cfg.Hub.OutboxSize,
		WriteTimeout:   cfg.Hub.WriteTimeout,
		ReadLimit:      cfg.WS.ReadLimit,
		OriginPatterns: cfg.WS.OriginPatterns,
	}, log.Named("http"))

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", zap.String("addr", cfg.HTTP.Addr), zap.String("state_backend", cfg.State.Backend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return reaper.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
