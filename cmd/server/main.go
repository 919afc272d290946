package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/EmilynnJ/studio-sub000/internal/adapters/http"
	signalws "github.com/EmilynnJ/studio-sub000/internal/adapters/signal"
	"github.com/EmilynnJ/studio-sub000/internal/app"
	"github.com/EmilynnJ/studio-sub000/internal/billing"
	"github.com/EmilynnJ/studio-sub000/internal/config"
	"github.com/EmilynnJ/studio-sub000/internal/payment"
	"github.com/EmilynnJ/studio-sub000/internal/presence"
	"github.com/EmilynnJ/studio-sub000/internal/reconnect"
	"github.com/EmilynnJ/studio-sub000/internal/registry"
	"github.com/EmilynnJ/studio-sub000/internal/relay"
	"github.com/EmilynnJ/studio-sub000/internal/store/sqlite"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	store, err := sqlite.NewStore(cfg.Store.Path)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Store.Path).Msg("failed to open store")
	}
	defer store.Close()

	gateway := payment.NewClient(cfg.Gateway.BaseURL, cfg.Gateway.Timeout)
	reg := registry.New()
	rel := relay.New(reg)

	orch := app.New(app.Config{
		Billing: billing.Config{
			Interval:           cfg.Billing.Interval,
			ProrationThreshold: cfg.Billing.ProrationThreshold,
			ProviderSharePct:   cfg.Billing.ProviderSharePct,
		},
		Reconnect: reconnect.Config{
			Base:        cfg.Reconnect.Base,
			Cap:         cfg.Reconnect.Cap,
			MaxAttempts: cfg.Reconnect.MaxAttempts,
		},
		StartupTimeout: cfg.Billing.StartupTimeout,
	}, reg, rel, store, gateway)

	ctrl := signalws.NewController(orch, &presence.StoreProvider{Store: store}, cfg)
	r := router.SetupRouter(ctx, cfg, ctrl, store)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Studio server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	orch.Shutdown(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}
