// QuantSail — an algorithmic spot-trading engine for crypto markets.
//
// Architecture:
//
//	main.go                — entry point: env + config, wires subsystems, waits for SIGINT/SIGTERM
//	engine/engine.go       — orchestrator: per-symbol state machine, tick loop, entry/exit pipeline
//	strategy/              — four signal strategies combined by an ensemble (agreement or weighted)
//	gates/                 — entry gate stack: regime, portfolio, cooldown, sizing, profitability
//	breakers/              — circuit breakers (volatility, spread, losses, news) + daily profit lock
//	execution/             — dry-run and live executors with idempotent order placement
//	exchange/binance.go    — Binance spot adapter: klines, depth, market orders with rate limiting
//	control/               — Redis-backed lifecycle control plane with one-shot arming tokens
//	repo/                  — gorm persistence: trades, orders, append-only event log, snapshots
//	api/                   — public/private REST plus the websocket live event stream
//	news/                  — headline poller feeding the news-pause breaker
//
// The engine only trades when the control plane says RUNNING, every entry
// passes the full gate stack, and every order carries an idempotency key so
// a crash-and-retry can never double an order.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"quantsail/internal/api"
	"quantsail/internal/config"
	"quantsail/internal/control"
	"quantsail/internal/engine"
	"quantsail/internal/exchange"
	"quantsail/internal/execution"
	"quantsail/internal/news"
	"quantsail/internal/repo"
	"quantsail/internal/secrets"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("ENGINE_CONFIG_PATH"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r, err := repo.Open(cfg.Database.URL, nil)
	if err != nil {
		return err
	}

	var plane control.Plane
	if cfg.Redis.URL != "" {
		rp, err := control.NewRedisPlane(cfg.Redis.URL, logger, nil)
		if err != nil {
			return err
		}
		plane = rp
	} else {
		logger.Warn("no redis url configured, using in-memory control plane")
		plane = control.NewMemoryPlane(logger, nil)
	}

	var box *secrets.Box
	if masterKey := os.Getenv("MASTER_KEY"); masterKey != "" {
		box, err = secrets.NewBox(masterKey)
		if err != nil {
			return err
		}
	} else {
		logger.Warn("MASTER_KEY not set, exchange-key storage disabled")
	}

	var client exchange.Client
	var executor execution.Executor
	if cfg.Execution.Mode == "live" {
		apiKey, secret, err := liveCredentials(ctx, cfg, r, box)
		if err != nil {
			return err
		}
		live := exchange.NewBinance(apiKey, secret, cfg.Exchange.Testnet, logger)
		client = live
		executor = execution.NewLive(r, live, logger, nil)
		logger.Warn("LIVE MODE — real orders will be placed", "testnet", cfg.Exchange.Testnet)
	} else {
		// Dry run still reads real market data, only fills are simulated.
		client = exchange.NewBinance("", "", cfg.Exchange.Testnet, logger)
		executor = execution.NewDryRun(r, logger, nil)
		logger.Info("dry-run mode, fills are simulated")
	}

	eng, err := engine.New(cfg, r, plane, client, executor, logger, nil)
	if err != nil {
		return err
	}

	if cfg.Breakers.News.Enabled {
		poller := news.NewPoller(cfg.Breakers.News, plane, r, logger)
		go poller.Run(ctx)
	}

	var server *api.Server
	if cfg.API.Enabled {
		server = api.NewServer(cfg.API, r, plane, eng.Breakers(), eng.DailyLock(), box, logger, nil)
		go func() {
			if err := server.Start(); err != nil {
				logger.Error("api server failed", "error", err)
			}
		}()
	}

	err = eng.Run(ctx)

	if server != nil {
		if stopErr := server.Stop(); stopErr != nil {
			logger.Error("api server stop failed", "error", stopErr)
		}
	}
	return err
}

// liveCredentials takes venue credentials from the environment-backed config
// first, falling back to the encrypted key stored for the exchange.
func liveCredentials(ctx context.Context, cfg *config.Config, r *repo.Repository, box *secrets.Box) (string, string, error) {
	if cfg.Exchange.APIKey != "" && cfg.Exchange.Secret != "" {
		return cfg.Exchange.APIKey, cfg.Exchange.Secret, nil
	}
	if box == nil {
		return "", "", errNoCredentials
	}
	key, err := r.ActiveExchangeKey(ctx, "binance")
	if err != nil {
		return "", "", errNoCredentials
	}
	return box.Open(key.Ciphertext, key.Nonce)
}

var errNoCredentials = errors.New("live mode needs BINANCE_API_KEY/BINANCE_SECRET or a stored exchange key")

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
