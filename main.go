package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"swingtrader/api"
	"swingtrader/broker"
	"swingtrader/config"
	"swingtrader/hook"
	"swingtrader/logger"
	"swingtrader/market"
	"swingtrader/notify"
	"swingtrader/store"
	"swingtrader/trader"
)

func main() {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("❌ Invalid configuration: %v", err)
	}
	if err := logger.Init(&logger.Config{Level: cfg.LogLevel, AuditPath: cfg.AuditLogPath}); err != nil {
		logger.Fatalf("❌ Failed to initialize logger: %v", err)
	}
	defer logger.Shutdown()

	logger.Info("╔════════════════════════════════════════════════════════════╗")
	logger.Info("║    📈 Swing Trader - order lifecycle & reconciliation      ║")
	logger.Info("╚════════════════════════════════════════════════════════════╝")

	st, err := store.New(store.DBConfig{
		Type: store.DBType(cfg.Database.Type),
		Path: cfg.Database.Path,
		URL:  cfg.Database.URL,
	})
	if err != nil {
		logger.Fatalf("❌ Failed to open ledger: %v", err)
	}

	sess, err := market.NewSession(cfg.Schedule.Timezone, cfg.Schedule.MarketOpen, cfg.Schedule.MarketClose,
		cfg.Schedule.RetryCutoff, cfg.Schedule.PostCloseGrace)
	if err != nil {
		logger.Fatalf("❌ Invalid market session: %v", err)
	}

	gw := newGateway(cfg)
	lookup, source := newMarketData(cfg)

	hooks := hook.NewRegistry()
	attachNotifiers(context.Background(), hooks, cfg.Notify)

	engine := trader.NewEngine(trader.Deps{
		Store:   st,
		Broker:  gw,
		Lookup:  lookup,
		Source:  source,
		Session: sess,
		Hooks:   hooks,
	}, trader.EngineConfig{
		Params: trader.Params{
			Strategy:    cfg.Strategy,
			Exchange:    cfg.Broker.Exchange,
			Product:     cfg.Broker.Product,
			OrderIDWait: cfg.Schedule.OrderIDWait,
		},
		VerifierInterval:  cfg.Schedule.VerifierInterval,
		VerifierBackoff:   cfg.Schedule.VerifierBackoff,
		ReconcileInterval: cfg.Schedule.ReconcileInterval,
		SnapshotWorkers:   cfg.Schedule.SnapshotWorkers,
	})

	ctx, cancel := context.WithCancel(context.Background())
	engine.Start(ctx)

	apiServer := api.NewServer(engine, cfg.APIServerPort, cfg.JWTSecret)
	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("❌ Failed to start API server: %v", err)
		}
	}()

	logger.Infof("🤖 Broker mode: %s, max positions: %d, capital per trade: %.0f",
		cfg.Broker.Mode, cfg.Strategy.MaxPositions, cfg.Strategy.CapitalPerTrade)
	logger.Info("Press Ctrl+C to stop")
	logger.Info(strings.Repeat("=", 60))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logger.Info("📛 Received exit signal, shutting down...")

	// Step 1: stop accepting API-triggered runs
	logger.Info("🛑 Stopping API server...")
	if err := apiServer.Shutdown(); err != nil {
		logger.Warnf("⚠️  Error shutting down API server: %v", err)
	} else {
		logger.Info("✅ API server stopped")
	}

	// Step 2: stop the background loops after their current transition commits
	logger.Info("⏸️  Stopping engine loops...")
	engine.Stop()
	cancel()
	logger.Info("✅ Engine stopped")

	// Step 3: close the ledger
	logger.Info("💾 Closing database...")
	if err := st.Close(); err != nil {
		logger.Errorf("❌ Failed to close database: %v", err)
	} else {
		logger.Info("✅ Database closed")
	}
}

func newGateway(cfg *config.Config) broker.Gateway {
	if cfg.Broker.Mode == "rest" {
		logger.Infof("🔌 Using broker REST API at %s", cfg.Broker.BaseURL)
		return broker.NewRESTGateway(broker.RESTConfig{
			BaseURL:     cfg.Broker.BaseURL,
			UserID:      cfg.Broker.UserID,
			Password:    cfg.Broker.Password,
			TOTPSecret:  cfg.Broker.TOTPSecret,
			APIKey:      cfg.Broker.APIKey,
			Timeout:     cfg.Broker.Timeout,
			RateLimit:   cfg.Broker.RateLimit,
			ReloginWait: cfg.Broker.ReloginWait,
		})
	}
	logger.Infof("📝 Using paper broker with %.0f cash", cfg.Broker.PaperCash)
	return broker.NewPaperGateway(broker.PaperConfig{Cash: cfg.Broker.PaperCash, AutoFill: true})
}

func newMarketData(cfg *config.Config) (market.Lookup, market.Source) {
	var (
		lookup market.Lookup = market.NewStaticLookup()
		source market.Source = market.NewStaticSource()
	)
	if cfg.Broker.SymbolMasterURL != "" {
		lookup = market.NewHTTPLookup(cfg.Broker.SymbolMasterURL, cfg.Broker.Timeout)
	} else {
		logger.Warn("⚠️  SYMBOL_MASTER_URL not set, every symbol will resolve as unknown")
	}
	if cfg.Broker.IndicatorURL != "" {
		source = market.NewHTTPSource(cfg.Broker.IndicatorURL, cfg.Broker.Timeout)
	} else {
		logger.Warn("⚠️  INDICATOR_BASE_URL not set, runs will find no snapshots")
	}
	return lookup, source
}

// attachNotifiers wires every configured channel to the hook registry. A
// channel that fails to initialize is logged and skipped.
func attachNotifiers(ctx context.Context, hooks *hook.Registry, cfg config.Notify) {
	notifiers := notify.Multi{notify.Log{}}
	if cfg.TelegramToken != "" {
		tg, err := notify.NewTelegram(cfg.TelegramToken, cfg.TelegramChatID)
		if err != nil {
			logger.Warnf("⚠️  Telegram notifications disabled: %v", err)
		} else {
			notifiers = append(notifiers, tg)
		}
	}
	if cfg.FirebaseCredentials != "" {
		fcm, err := notify.NewFCM(ctx, cfg.FirebaseCredentials, cfg.FCMTokens)
		if err != nil {
			logger.Warnf("⚠️  FCM notifications disabled: %v", err)
		} else {
			notifiers = append(notifiers, fcm)
		}
	}
	notify.Attach(hooks, notifiers)
}
