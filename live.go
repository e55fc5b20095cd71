// FILE: live.go
// Package main – Live loop.
//
// runLive drives the engine in real time:
//   • Start once (restore persisted state, rebuild stacks from the broker),
//     retrying while the broker is unreachable.
//   • Run one Cycle immediately, then one per interval.
//   • Shutdown is only honoured between cycles. A cycle that overruns the
//     interval delays the next one; hung bridge calls are bounded by the
//     broker's own HTTP timeout.
//
// Cycle errors are logged and the loop continues; only ctx cancellation ends it.
package main

import (
	"context"
	"time"

	"go.uber.org/zap"
)

func runLive(ctx context.Context, eng *Engine, interval time.Duration, logger *zap.Logger) error {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	logger.Info("[BOOT] starting live loop",
		zap.String("broker", eng.broker.Name()), zap.Duration("interval", interval),
		zap.Strings("instruments", eng.symbols),
		zap.Float64("max_drawdown_pct", eng.cfg.Risk.MaxDrawdownPct),
		zap.Float64("max_total_exposure", eng.cfg.Risk.MaxTotalExposure),
		zap.Int64("magic", eng.cfg.Magic))

	for {
		err := eng.Start(ctx)
		if err == nil {
			break
		}
		logger.Error("[BOOT] start failed, retrying", zap.Error(err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	cycleCtx := context.WithoutCancel(ctx)
	for {
		if err := eng.Cycle(cycleCtx); err != nil {
			logger.Error("[CYCLE] cycle failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			logger.Info("shutdown")
			return nil
		case <-ticker.C:
		}
	}
}
