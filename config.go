// FILE: config.go
// Package main – Runtime configuration model and loader.
//
// This file defines the Config struct (process-wide knobs) and a helper to
// populate it from environment variables. The .env file is read by
// loadBotEnv() (see env.go); per-instrument recovery parameters live in
// instruments.go.
//
// Typical flow (see main.go):
//   loadBotEnv(".env")
//   cfg := loadConfigFromEnv()
//   instruments, err := LoadInstruments(cfg.InstrumentsFile)
package main

import (
	"fmt"
	"strings"
	"time"
)

// Config holds all process-wide runtime knobs.
type Config struct {
	// Broker
	Broker           string // "bridge" or "paper"
	BridgeURL        string
	Magic            int64 // positions with another magic are not ours; 0 accepts all
	MaxAnnotationLen int
	PaperBalance     float64

	// Loop
	Interval       time.Duration
	Granularity    string
	HistoryCandles int

	// Instruments
	InstrumentsFile        string
	MaxStacksPerInstrument int
	RootLot                float64 // used when a signal carries no size
	GateRecoveryOnTrend    bool
	ReferenceMeanPeriod    int // SMA period for reversion exits; 0 disables
	ADXThreshold           float64
	BlacklistFor           time.Duration

	// Account limits
	Risk RiskConfig

	// Persistence
	StateBackend      string // "file" or "redis"
	StateFile         string
	RequireStateMount bool
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	RedisKey          string

	// Ops
	Port            int
	SignalQueueSize int
	LogLevel        string
	LogFile         string
	LogMaxSizeMB    int
	LogMaxBackups   int
	Guard           GuardConfig
}

// loadConfigFromEnv reads the process env (already hydrated by loadBotEnv())
// and returns a Config with sane defaults if keys are missing.
func loadConfigFromEnv() Config {
	cfg := Config{
		Broker:           strings.ToLower(getEnv("BROKER", "paper")),
		BridgeURL:        getEnv("BRIDGE_URL", ""),
		Magic:            getEnvInt64("MAGIC_NUMBER", 0),
		MaxAnnotationLen: getEnvInt("MAX_ANNOTATION_LEN", DefaultMaxAnnotationLen),
		PaperBalance:     getEnvFloat("PAPER_BALANCE", 10000),

		Interval:       getEnvDuration("INTERVAL_SEC", 60*time.Second),
		Granularity:    getEnv("GRANULARITY", "M15"),
		HistoryCandles: getEnvInt("HISTORY_CANDLES", 300),

		InstrumentsFile:        getEnv("INSTRUMENTS_FILE", ""),
		MaxStacksPerInstrument: getEnvInt("MAX_STACKS_PER_INSTRUMENT", 1),
		RootLot:                getEnvFloat("ROOT_LOT", 0.04),
		GateRecoveryOnTrend:    getEnvBool("GATE_RECOVERY_ON_TREND", false),
		ReferenceMeanPeriod:    getEnvInt("REFERENCE_MEAN_PERIOD", 20),
		ADXThreshold:           getEnvFloat("ADX_THRESHOLD", 25),
		BlacklistFor:           time.Duration(getEnvInt("BLACKLIST_MINUTES", 240)) * time.Minute,

		Risk: RiskConfig{
			MaxDrawdownPct:       getEnvFloat("MAX_DRAWDOWN_PCT", 10),
			MaxTotalExposure:     getEnvFloat("MAX_TOTAL_EXPOSURE", 15),
			MinFreeMargin:        getEnvFloat("MIN_FREE_MARGIN", 0),
			MaxDailyLossPct:      getEnvFloat("MAX_DAILY_LOSS_PCT", 0),
			MaxConsecutiveLosses: getEnvInt("MAX_CONSECUTIVE_LOSSES", 0),
		},

		StateBackend:      strings.ToLower(getEnv("STATE_BACKEND", "file")),
		StateFile:         getEnv("STATE_FILE", "/opt/recoverybot/state/risk_state.json"),
		RequireStateMount: getEnvBool("REQUIRE_STATE_MOUNT", false),
		RedisAddr:         getEnv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword:     getEnv("REDIS_PASSWORD", ""),
		RedisDB:           getEnvInt("REDIS_DB", 0),
		RedisKey:          getEnv("REDIS_KEY", "recoverybot:state"),

		Port:            getEnvInt("PORT", 8080),
		SignalQueueSize: getEnvInt("SIGNAL_QUEUE_SIZE", 64),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		LogFile:         getEnv("LOG_FILE", ""),
		LogMaxSizeMB:    getEnvInt("LOG_MAX_SIZE_MB", 100),
		LogMaxBackups:   getEnvInt("LOG_MAX_BACKUPS", 5),
		Guard: GuardConfig{
			MaxRequests:  1,
			Interval:     time.Minute,
			Timeout:      time.Duration(getEnvInt("BREAKER_TIMEOUT_SEC", 30)) * time.Second,
			MinRequests:  uint32(getEnvInt("BREAKER_MIN_REQUESTS", 5)),
			FailureRatio: getEnvFloat("BREAKER_FAILURE_RATIO", 0.5),
			OrdersPerSec: getEnvFloat("ORDER_RATE_PER_SEC", 5),
			OrderBurst:   5,
		},
	}
	return cfg
}

// Validate rejects knob combinations the engine cannot run with.
func (c Config) Validate() error {
	switch c.Broker {
	case "paper":
	case "bridge":
		if c.BridgeURL == "" {
			return fmt.Errorf("BROKER=bridge requires BRIDGE_URL")
		}
	default:
		return fmt.Errorf("unknown BROKER %q (bridge|paper)", c.Broker)
	}
	switch c.StateBackend {
	case "file", "redis":
	default:
		return fmt.Errorf("unknown STATE_BACKEND %q (file|redis)", c.StateBackend)
	}
	if c.Interval <= 0 {
		return fmt.Errorf("INTERVAL_SEC must be positive")
	}
	if c.MaxAnnotationLen <= 0 {
		return fmt.Errorf("MAX_ANNOTATION_LEN must be positive")
	}
	if c.Risk.MaxDrawdownPct <= 0 || c.Risk.MaxDrawdownPct >= 100 {
		return fmt.Errorf("MAX_DRAWDOWN_PCT must be in (0, 100)")
	}
	if c.RootLot <= 0 {
		return fmt.Errorf("ROOT_LOT must be positive")
	}
	return nil
}
