package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"papertrade/internal/config"
	"papertrade/internal/engine"
	"papertrade/internal/httpapi"
	"papertrade/internal/monitor"
	"papertrade/internal/quotes"
	"papertrade/internal/store"
	"papertrade/internal/trade"
	"papertrade/internal/util"
)

func main() {
	cfgPath := "config/papertrade.yaml"
	if p := os.Getenv("PAPERTRADE_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	if err := os.MkdirAll(filepath.Dir(cfg.Storage.SQLitePath), 0o755); err != nil {
		log.Fatalf("creating data dir: %v", err)
	}
	st, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatalf("opening sqlite store: %v", err)
	}
	defer st.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	eng, err := engine.NewEngine(ctx, st, engine.Options{
		Fees:           cfg.Trading.FeeSchedule(),
		LotSize:        cfg.Trading.LotSize,
		BandPct:        cfg.Trading.LimitBandPct,
		InitialBalance: cfg.Trading.InitialBalance,
		Logger:         logger,
	})
	if err != nil {
		log.Fatalf("recovering engine state: %v", err)
	}

	// Quote source: Alpaca when credentials are configured, otherwise the
	// static in-memory feed for offline paper sessions.
	var upstream quotes.Service
	if cfg.Alpaca.APIKey != "" {
		upstream = quotes.NewAlpacaService(
			cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.DataURL,
			cfg.Monitor.RateLimitPerMin,
		)
		logger.Info("quote source: alpaca")
	} else {
		upstream = quotes.NewStaticService()
		logger.Warn("quote source: static (no alpaca credentials)")
	}
	qs := quotes.NewCachedService(upstream, cfg.Monitor.QuoteTTL)

	coord := trade.NewCoordinator(eng, qs, logger)

	mon := monitor.NewMonitor(coord, qs, cfg.Monitor.Interval, cfg.Monitor.MaxWorkers, logger)
	mon.Start(ctx)
	defer mon.Stop()

	calendar := util.NewTradingCalendar(util.Market(cfg.Trading.Market))
	archive := store.NewLedgerArchive(cfg.Storage.DataDir)
	maint := monitor.NewMaintenance(
		coord, qs, archive, calendar,
		cfg.Monitor.MaintenanceAt, cfg.Monitor.OrderTTL, logger,
	)
	maint.Start(ctx)
	defer maint.Stop()

	api := httpapi.NewServer(coord, qs, logger)
	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: api.Handler(),
	}
	go func() {
		logger.Info("api listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", "err", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("api shutdown", "err", err)
	}
}
