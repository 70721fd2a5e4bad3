// Command server runs the procurement bot: the HTTP API for the chat front
// end and the manager desk, plus the supplier inbox poller.
//
// @title          Procurement Bot API
// @version        1.0
// @description    Procurement requests from intake through supplier negotiation to invoicing.
// @BasePath       /api/v1
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-procurement-bot/internal/app"
	"github.com/tbourn/go-procurement-bot/internal/config"
	httpapi "github.com/tbourn/go-procurement-bot/internal/http"
	"github.com/tbourn/go-procurement-bot/internal/observability"
	"github.com/tbourn/go-procurement-bot/internal/repo"
	"github.com/tbourn/go-procurement-bot/internal/sysutil"
)

// version is set at build time with -ldflags "-X main.version=...".
var version string

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	ver := sysutil.FirstNonEmpty(version, os.Getenv("APP_VERSION"))
	lg := sysutil.InitLogger(sysutil.LoggerOptions{
		Level:   cfg.LogLevel,
		Pretty:  cfg.LogPretty,
		Service: cfg.OTEL.ServiceName,
		Version: ver,
	})
	if cfg.OfflineMode {
		lg.Warn().Msg("offline mode: external integrations replaced by local stand-ins")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, ver)
	if err != nil {
		lg.Fatal().Err(err).Msg("otel setup failed")
	}

	db, err := repo.Open(cfg.DB.Driver, cfg.DB.Target(), cfg.OTEL.Enabled)
	if err != nil {
		lg.Fatal().Err(err).Str("driver", cfg.DB.Driver).Msg("open database")
	}
	if err := repo.AutoMigrate(db); err != nil {
		lg.Fatal().Err(err).Msg("migrate database")
	}

	a, err := app.Build(ctx, cfg, db, &lg)
	if err != nil {
		lg.Fatal().Err(err).Msg("wire services")
	}

	var wg sync.WaitGroup
	if a.Correlator != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.Correlator.Run(ctx)
		}()
	} else {
		lg.Warn().Msg("IMAP not configured, supplier replies are not polled")
	}

	gin.SetMode(cfg.GinMode)
	r := gin.New()
	httpapi.RegisterRoutes(r, db, a.HandlerDeps(db), cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	serveErr := make(chan error, 1)
	go func() {
		lg.Info().Str("addr", srv.Addr).Str("base_path", cfg.APIBasePath).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		lg.Info().Msg("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			lg.Error().Err(err).Msg("http server failed")
		}
		stop()
	}

	shCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shCtx); err != nil {
		lg.Error().Err(err).Msg("http shutdown")
	}
	// The correlator stops with ctx; an in-flight tick finishes first.
	wg.Wait()
	if err := shutdownOTel(shCtx); err != nil {
		lg.Error().Err(err).Msg("otel shutdown")
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	lg.Info().Msg("server exited")
}
