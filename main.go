// FILE: main.go
// Package main – Program entrypoint.
//
// Boot sequence:
//   1) loadBotEnv()                – read .env (no shell exports required)
//   2) cfg := loadConfigFromEnv()  – build runtime Config, then Validate()
//   3) LoadInstruments()           – per-instrument recovery parameters
//   4) wire broker (bridge behind breaker, or paper), state store, engine
//   5) serve /healthz /metrics /status /signals /risk/reset on cfg.Port
//   6) runLive until SIGINT/SIGTERM
//
// Flags:
//   -env <path>        .env file to read (default .env)
//   -interval <sec>    override INTERVAL_SEC
//   -once              run a single cycle without the HTTP server and exit
//   -backtest <csv>    replay candles through the engine on a paper broker
//   -instrument <sym>  instrument for -backtest (default EURUSD)
//   -side <long|short> root side opened by -backtest when flat (default long)
//
// Example:
//   go run . -interval 15
//
// Notes:
//   - The MT5 bridge sidecar must be running when BROKER=bridge.
//   - BROKER=paper with BRIDGE_URL set simulates orders on live quotes.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	// ---- Flags ----
	var envPath string
	var intervalSec int
	var once bool
	var csvBacktest, btInstrument, btSide string
	flag.StringVar(&envPath, "env", ".env", "Path to the bot .env file")
	flag.IntVar(&intervalSec, "interval", 0, "Cycle interval in seconds (overrides INTERVAL_SEC)")
	flag.BoolVar(&once, "once", false, "Run one cycle and exit")
	flag.StringVar(&csvBacktest, "backtest", "", "Path to CSV (time,open,high,low,close,volume)")
	flag.StringVar(&btInstrument, "instrument", "EURUSD", "Instrument for -backtest")
	flag.StringVar(&btSide, "side", "long", "Root side for -backtest")
	flag.Parse()

	// ---- Environment & Config ----
	applied, envErr := loadBotEnv(envPath)
	cfg := loadConfigFromEnv()
	if intervalSec > 0 {
		cfg.Interval = time.Duration(intervalSec) * time.Second
	}

	logger := newLogger(cfg)
	defer func() { _ = logger.Sync() }()
	if envErr != nil {
		logger.Warn("[BOOT] .env not loaded", zap.String("path", envPath), zap.Error(envErr))
	} else {
		logger.Info("[BOOT] .env loaded", zap.String("path", envPath), zap.Int("keys", applied))
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("[BOOT] invalid config", zap.Error(err))
	}

	instruments, err := LoadInstruments(cfg.InstrumentsFile)
	if err != nil {
		logger.Fatal("[BOOT] instruments", zap.String("file", cfg.InstrumentsFile), zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if csvBacktest != "" {
		candles, err := loadCSV(csvBacktest)
		if err != nil {
			logger.Fatal("[BT] load", zap.String("csv", csvBacktest), zap.Error(err))
		}
		side, ok := ParseSide(btSide)
		if !ok {
			logger.Fatal("[BT] bad -side", zap.String("side", btSide))
		}
		if _, err := runBacktest(ctx, candles, strings.ToUpper(btInstrument), side, cfg, instruments, logger.Named("backtest")); err != nil {
			logger.Fatal("[BT] failed", zap.Error(err))
		}
		return
	}

	// ---- Broker wiring ----
	broker, err := buildBroker(cfg, instruments, logger)
	if err != nil {
		logger.Fatal("[BOOT] broker", zap.Error(err))
	}

	// ---- Persistence ----
	store, closeStore, err := buildStateStore(cfg)
	if err != nil {
		logger.Fatal("[BOOT] state store", zap.Error(err))
	}
	defer closeStore()

	eng := NewEngine(cfg, instruments, broker, store, NewInbox(cfg.SignalQueueSize), logger)

	if once {
		if err := eng.Start(ctx); err != nil {
			logger.Fatal("[BOOT] start", zap.Error(err))
		}
		if err := eng.Cycle(ctx); err != nil {
			logger.Fatal("[CYCLE] cycle failed", zap.Error(err))
		}
		return
	}

	// ---- HTTP + loop ----
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           newRouter(eng, logger.Named("http")),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("[BOOT] serving http", zap.Int("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return runLive(gctx, eng, cfg.Interval, logger.Named("live"))
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, c := context.WithTimeout(context.Background(), 2*time.Second)
		defer c()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Error("exit", zap.Error(err))
	}
}

func buildBroker(cfg Config, instruments map[string]InstrumentConfig, logger *zap.Logger) (Broker, error) {
	var bridge Broker
	if cfg.BridgeURL != "" {
		bridge = NewGuardedBroker(NewBridgeBroker(cfg.BridgeURL, cfg.Magic), cfg.Guard, logger.Named("broker"))
	}
	switch cfg.Broker {
	case "bridge":
		return bridge, nil
	case "paper":
		pb, err := NewPaperBroker(cfg.PaperBalance, instruments, cfg.Magic)
		if err != nil {
			return nil, err
		}
		if bridge != nil {
			pb.WithFeed(bridge)
		}
		return pb, nil
	default:
		return nil, fmt.Errorf("unknown broker %q", cfg.Broker)
	}
}

func buildStateStore(cfg Config) (StateStore, func(), error) {
	switch cfg.StateBackend {
	case "redis":
		rs := NewRedisStateStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisKey)
		return rs, func() { _ = rs.Close() }, nil
	default:
		if cfg.RequireStateMount && shouldFatalNoStateMount(cfg.StateFile) {
			return nil, nil, fmt.Errorf("state dir %s is not a mounted volume; refusing to run with ephemeral risk state", filepath.Dir(cfg.StateFile))
		}
		return NewFileStateStore(cfg.StateFile), func() {}, nil
	}
}
