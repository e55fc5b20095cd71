// FILE: env.go
// Package main – Environment helpers for the recovery engine.
//
// This file provides:
//   1) Small helpers to read environment variables with sane defaults
//      (strings, ints, floats, bools, durations).
//   2) A loader (loadBotEnv) that reads the bot's .env file and sets ONLY the
//      keys the engine knows, never overriding the process environment.
//
// Notes:
//   • The bot never requires `export $(cat .env ...)`.
//   • The MT5 bridge sidecar keeps its terminal credentials in its own env file;
//     those keys are ignored here.

package main

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// --------- Env helpers (used across files) ---------

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
func getEnvFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}
func getEnvBool(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "1", "true", "y", "yes":
		return true
	case "0", "false", "n", "no":
		return false
	default:
		return def
	}
}
func getEnvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}
func getEnvInt64(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return i
}

// getEnvDuration accepts Go durations ("90s", "4h") or plain seconds.
func getEnvDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if sec, err := strconv.Atoi(v); err == nil {
		return time.Duration(sec) * time.Second
	}
	return def
}

// --------- .env loader (bot-only) ---------

// botEnvKeys is the allow-list of keys taken from the .env file.
var botEnvKeys = map[string]struct{}{
	"BROKER": {}, "BRIDGE_URL": {}, "PORT": {}, "INTERVAL_SEC": {}, "GRANULARITY": {},
	"HISTORY_CANDLES": {}, "INSTRUMENTS_FILE": {}, "MAGIC_NUMBER": {}, "MAX_ANNOTATION_LEN": {},
	"STATE_BACKEND": {}, "STATE_FILE": {}, "REQUIRE_STATE_MOUNT": {},
	"REDIS_ADDR": {}, "REDIS_PASSWORD": {}, "REDIS_DB": {}, "REDIS_KEY": {},
	"MAX_DRAWDOWN_PCT": {}, "MAX_TOTAL_EXPOSURE": {}, "MIN_FREE_MARGIN": {},
	"MAX_DAILY_LOSS_PCT": {}, "MAX_CONSECUTIVE_LOSSES": {},
	"BLACKLIST_MINUTES": {}, "MAX_STACKS_PER_INSTRUMENT": {}, "GATE_RECOVERY_ON_TREND": {},
	"REFERENCE_MEAN_PERIOD": {}, "ROOT_LOT": {}, "ADX_THRESHOLD": {},
	"LOG_LEVEL": {}, "LOG_FILE": {}, "LOG_MAX_SIZE_MB": {}, "LOG_MAX_BACKUPS": {},
	"BREAKER_TIMEOUT_SEC": {}, "BREAKER_MIN_REQUESTS": {}, "BREAKER_FAILURE_RATIO": {},
	"ORDER_RATE_PER_SEC": {}, "PAPER_BALANCE": {}, "SIGNAL_QUEUE_SIZE": {},
}

// loadBotEnv reads path and sets the allow-listed keys that are not already
// in the environment. It returns how many keys were applied.
func loadBotEnv(path string) (int, error) {
	vals, err := godotenv.Read(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	n := 0
	for k, v := range vals {
		if _, ok := botEnvKeys[k]; !ok {
			continue
		}
		if os.Getenv(k) != "" {
			continue
		}
		_ = os.Setenv(k, v)
		n++
	}
	return n, nil
}
