package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"caixa/backend/internal/cache"
	"caixa/backend/internal/config"
	"caixa/backend/internal/hardware"
	"caixa/backend/internal/httpapi"
	"caixa/backend/internal/logging"
	"caixa/backend/internal/payment"
	"caixa/backend/internal/service"
	"caixa/backend/internal/store"
	"caixa/backend/internal/store/memory"
	pgstore "caixa/backend/internal/store/postgres"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	logging.Setup(cfg.Env, cfg.LogLevel)
	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid security configuration")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback")
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			log.Fatal().Err(err).Msg("apply schema")
		}
		repo = pg
		closers = append(closers, pg.Close)
		log.Info().Msg("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		log.Info().Msg("repository: in-memory")
	}

	var saleCache cache.SaleCache = cache.NoopSaleCache{}
	var locker cache.WatchLocker = cache.NewLocalWatchLocker()
	if cfg.RedisAddr != "" {
		client := cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		redisCache := cache.NewRedisSaleCache(client)
		if err := redisCache.Ping(ctx); err != nil {
			log.Warn().Err(err).Msg("redis unavailable, using noop cache and local watch lock")
			_ = redisCache.Close()
		} else {
			saleCache = redisCache
			locker = cache.NewRedisWatchLocker(client)
			closers = append(closers, redisCache.Close)
			log.Info().Msg("cache: redis")
		}
	} else {
		log.Info().Msg("cache: noop")
	}

	var sink hardware.Sink = hardware.LogSink{}
	if cfg.PrinterAddr != "" {
		sink = hardware.NewTCPSink(cfg.PrinterAddr, time.Duration(cfg.PrinterTimeoutSeconds)*time.Second)
		log.Info().Str("addr", cfg.PrinterAddr).Msg("printer: escpos over tcp")
	} else {
		log.Info().Msg("printer: log only")
	}

	clock := payment.RealClock{}
	gateway := payment.NewSandboxGateway(clock, cfg.ShopName, time.Duration(cfg.PixSandboxConfirmAfterSeconds)*time.Second)
	engine := service.NewEngine(service.EngineDeps{
		Repo:    repo,
		Gateway: gateway,
		Watcher: payment.NewWatcher(gateway, clock, cfg.PixPollInterval(), cfg.PixTimeout()),
		Printer: hardware.NewEscposPrinter(sink, cfg.ShopName),
		Drawer:  hardware.NewEscposDrawer(sink),
		Cache:   saleCache,
		Locker:  locker,
	}, service.EngineConfig{
		GatewayTimeout:  cfg.PixGatewayTimeout(),
		SaleCacheTTL:    cfg.SaleCacheTTL(),
		RestockOnExpiry: cfg.PixRestockOnExpiry,
	})

	resumed, err := engine.ResumeWatches(ctx)
	if err != nil {
		log.Error().Err(err).Msg("resume pix watches")
	} else if resumed > 0 {
		log.Info().Int("count", resumed).Msg("resumed pending pix watches")
	}

	svc := service.New(repo, engine, cfg.QuoteValidityDays)
	auth := httpapi.NewAuthManager(cfg.AuthSecret, cfg.AccessTokenTTL(), repo)
	api := httpapi.New(svc, auth, cfg.AllowedOrigin)

	background, stopBackground := context.WithCancel(context.Background())
	go expireQuotes(background, svc.Quotes, time.Minute)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      cfg.PixGatewayTimeout() + 10*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Address()).Msg("POS backend listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	stopBackground()
	engine.Shutdown()

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Error().Err(err).Msg("close error")
		}
	}

	log.Info().Msg("server stopped")
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.Env == "production" && (cfg.AllowedOrigin == "" || cfg.AllowedOrigin == "*") {
		return fmt.Errorf("ALLOWED_ORIGIN must name a concrete origin in production")
	}
	return nil
}

// expireQuotes sweeps active quotes past their deadline until ctx ends.
func expireQuotes(ctx context.Context, quotes *service.Quotes, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := quotes.ExpireDue(ctx)
			if err != nil {
				log.Error().Err(err).Str("component", "quotes").Msg("expire due quotes")
				continue
			}
			if n > 0 {
				log.Info().Str("component", "quotes").Int("count", n).Msg("expired quotes")
			}
		}
	}
}
