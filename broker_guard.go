// FILE: broker_guard.go
// Package main – Circuit breaker and order pacing around any Broker.
//
// A flapping bridge should not be hammered every cycle: after enough failed
// calls the breaker opens and every call fails fast with ErrBrokerUnavailable
// until the timeout lets a probe through. Orders and closes are also paced by
// a token bucket so a liquidation of many members cannot flood the terminal.
//
// Rejections by the terminal (4xx from the bridge) count as successful calls
// for the breaker; they say nothing about broker health.
package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// GuardConfig tunes GuardedBroker.
type GuardConfig struct {
	MaxRequests  uint32        // probes allowed while half-open
	Interval     time.Duration // closed-state count reset period
	Timeout      time.Duration // open → half-open delay
	MinRequests  uint32
	FailureRatio float64
	OrdersPerSec float64 // 0 disables pacing
	OrderBurst   int
}

// GuardedBroker decorates a Broker with a circuit breaker and order pacing.
type GuardedBroker struct {
	inner   Broker
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	log     *zap.Logger
}

func NewGuardedBroker(inner Broker, cfg GuardConfig, logger *zap.Logger) *GuardedBroker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.FailureRatio <= 0 {
		cfg.FailureRatio = 0.5
	}
	if cfg.MinRequests == 0 {
		cfg.MinRequests = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	name := inner.Name()
	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= cfg.MinRequests && ratio >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("[BROKER] circuit breaker state changed",
				zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
			mtxBreakerState.WithLabelValues(name).Set(float64(to))
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var se *BridgeStatusError
			return errors.As(err, &se) && se.Rejected()
		},
	}
	g := &GuardedBroker{inner: inner, cb: gobreaker.NewCircuitBreaker(st), log: logger}
	if cfg.OrdersPerSec > 0 {
		burst := cfg.OrderBurst
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.OrdersPerSec), burst)
	}
	mtxBreakerState.WithLabelValues(name).Set(0)
	return g
}

// guarded runs fn through the breaker.
func guarded[T any](g *GuardedBroker, fn func() (T, error)) (T, error) {
	res, err := g.cb.Execute(func() (any, error) { return fn() })
	if err != nil {
		var zero T
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, fmt.Errorf("%s: %w", g.inner.Name(), ErrBrokerUnavailable)
		}
		return zero, err
	}
	return res.(T), nil
}

func (g *GuardedBroker) pace(ctx context.Context) error {
	if g.limiter == nil {
		return nil
	}
	return g.limiter.Wait(ctx)
}

func (g *GuardedBroker) Name() string { return g.inner.Name() }

func (g *GuardedBroker) GetPositions(ctx context.Context) ([]BrokerPosition, error) {
	return guarded(g, func() ([]BrokerPosition, error) { return g.inner.GetPositions(ctx) })
}

func (g *GuardedBroker) GetAccountState(ctx context.Context) (AccountState, error) {
	return guarded(g, func() (AccountState, error) { return g.inner.GetAccountState(ctx) })
}

func (g *GuardedBroker) PlaceOrder(ctx context.Context, instrument string, side Side, size float64, annotation string) (PositionID, error) {
	if err := g.pace(ctx); err != nil {
		return 0, err
	}
	return guarded(g, func() (PositionID, error) {
		return g.inner.PlaceOrder(ctx, instrument, side, size, annotation)
	})
}

func (g *GuardedBroker) ClosePosition(ctx context.Context, id PositionID) error {
	if err := g.pace(ctx); err != nil {
		return err
	}
	_, err := guarded(g, func() (struct{}, error) { return struct{}{}, g.inner.ClosePosition(ctx, id) })
	return err
}

func (g *GuardedBroker) ClosePartial(ctx context.Context, id PositionID, size float64) error {
	if err := g.pace(ctx); err != nil {
		return err
	}
	_, err := guarded(g, func() (struct{}, error) { return struct{}{}, g.inner.ClosePartial(ctx, id, size) })
	return err
}

func (g *GuardedBroker) GetNowPrice(ctx context.Context, instrument string) (float64, error) {
	return guarded(g, func() (float64, error) { return g.inner.GetNowPrice(ctx, instrument) })
}

func (g *GuardedBroker) GetRecentCandles(ctx context.Context, instrument, granularity string, limit int) ([]Candle, error) {
	return guarded(g, func() ([]Candle, error) { return g.inner.GetRecentCandles(ctx, instrument, granularity, limit) })
}
