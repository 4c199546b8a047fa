package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"lv-marginbook/internal/accounts"
	"lv-marginbook/internal/auth"
	"lv-marginbook/internal/config"
	"lv-marginbook/internal/db"
	"lv-marginbook/internal/health"
	"lv-marginbook/internal/httpserver"
	"lv-marginbook/internal/instruments"
	"lv-marginbook/internal/ledger"
	"lv-marginbook/internal/logger"
	"lv-marginbook/internal/margin"
	"lv-marginbook/internal/marketdata"
	"lv-marginbook/internal/orders"
	"lv-marginbook/internal/store"
	"lv-marginbook/internal/store/memory"
	"lv-marginbook/internal/store/postgres"

	"github.com/rs/zerolog"
)

func main() {
	startedAt := time.Now()
	boot := logger.New("info", "json")
	if err := config.LoadDotEnv(); err != nil {
		boot.Fatal().Err(err).Msg("load .env")
	}
	cfg, err := config.Load()
	if err != nil {
		boot.Fatal().Err(err).Msg("load config")
	}
	log := logger.New(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	healthHandler := health.NewHandler(startedAt, cfg.StoreDriver, cfg.HTTPAddr)

	var st store.Store
	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		log.Warn().Msg("using in-memory store, state is lost on restart")
		st = memory.New()
	default:
		if cfg.DBMigrate {
			if err := db.Migrate(cfg.DBDSN, log); err != nil {
				log.Fatal().Err(err).Msg("migrate")
			}
		}
		pool, err := db.NewPool(ctx, cfg.DBDSN)
		if err != nil {
			log.Fatal().Err(err).Msg("connect database")
		}
		defer pool.Close()
		healthHandler.AddCheck("database", pool)
		st = postgres.New(pool, log)
	}

	var snapshots marketdata.SnapshotStore
	if cfg.RedisURL != "" {
		client, err := marketdata.ConnectRedis(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("connect redis")
		}
		defer client.Close()
		healthHandler.AddCheck("redis", health.PingFunc(func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}))
		snapshots = marketdata.NewRedisSnapshots(client, 2*cfg.QuoteMaxAge)
	} else {
		live := marketdata.NewLiveQuotes()
		healthHandler.SetQuoteCount(live.Len)
		snapshots = live
	}

	bus := marketdata.NewBus()
	var fetch marketdata.Fetcher
	var catalog *instruments.Catalog
	if cfg.QuoteBridgeURL != "" {
		bridge := marketdata.NewBridge(cfg.QuoteBridgeURL, cfg.QuoteTimeout)
		fetch = bridge
		catalog = instruments.NewCatalog(bridge, cfg.CatalogTTL, log)
	} else {
		log.Warn().Msg("QUOTE_BRIDGE_URL not set, orders need an explicit price")
	}
	quotes := marketdata.NewQuotes(snapshots, fetch, cfg.QuoteMaxAge, log)

	table := margin.DefaultTable()
	if cfg.MarginTiersFile != "" {
		table, err = margin.LoadTable(cfg.MarginTiersFile)
		if err != nil {
			log.Fatal().Err(err).Str("file", cfg.MarginTiersFile).Msg("load margin tiers")
		}
	}

	authSvc := auth.NewService(cfg.JWTIssuer, []byte(cfg.JWTSecret), cfg.JWTTTL)
	authSvc.SetInternalTokenHash(cfg.InternalHash)
	if cfg.InternalHash == "" {
		log.Warn().Msg("INTERNAL_API_TOKEN_HASH not set, internal routes are closed")
	}

	ledgerSvc := ledger.NewService(st, bus, log)
	accountSvc := accounts.NewService(st, ledgerSvc, log)
	orderSvc := orders.NewService(st, ledgerSvc, margin.NewCalculator(table), quotes, catalog, log)

	router := httpserver.NewRouter(httpserver.RouterDeps{
		AuthHandler:     auth.NewHandler(authSvc),
		AccountsHandler: accounts.NewHandler(accountSvc),
		LedgerHandler:   ledger.NewHandler(ledgerSvc),
		OrderHandler:    orders.NewHandler(orderSvc),
		HealthHandler:   healthHandler,
		AuthService:     authSvc,
		AccountStream:   httpserver.NewAccountStream(bus, authSvc, accountSvc, cfg.WebSocketOrigin, log),
		CORSOrigins:     cfg.CORSOrigins,
		RateLimiter:     httpserver.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
		Logger:          log,
	})

	if cfg.QuoteFeedEnabled {
		startFeed(ctx, cfg.QuoteBridgeURL, snapshots, bus, log)
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", cfg.HTTPAddr).Str("store", cfg.StoreDriver).Msg("server listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("server stopped")
		os.Exit(1)
	}
	log.Info().Msg("server stopped")
}

func startFeed(ctx context.Context, bridgeURL string, cache marketdata.SnapshotStore, bus *marketdata.Bus, log zerolog.Logger) {
	wsURL, err := marketdata.FeedURL(bridgeURL)
	if err != nil {
		log.Fatal().Err(err).Msg("quote feed url")
	}
	go marketdata.NewFeed(wsURL, cache, bus, log).Run(ctx)
	log.Info().Str("url", wsURL).Msg("quote feed started")
}
