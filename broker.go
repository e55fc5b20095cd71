// FILE: broker.go
// Package main – Broker gateway abstractions shared by all execution backends.
//
// The engine only needs a narrow view of the broker:
//   • positions (with the comment field carrying linkage annotations)
//   • account state (balance, equity, free margin)
//   • market orders with an annotation, full and partial closes
//   • latest price and recent candles for the regime classifier
//
// Concrete implementations live in separate files:
//   • broker_paper.go   – in-memory paper broker (no external calls)
//   • broker_bridge.go  – HTTP client for the MT5 bridge sidecar
//   • broker_guard.go   – circuit breaker + order rate limit around either
package main

import (
	"context"
	"time"
)

// BrokerPosition is the broker's view of one open position.
type BrokerPosition struct {
	ID           PositionID `json:"ticket"`
	Instrument   string     `json:"symbol"`
	Side         Side       `json:"side"`
	Size         float64    `json:"volume"`
	EntryPrice   float64    `json:"price_open"`
	CurrentPrice float64    `json:"price_current"`
	Profit       float64    `json:"profit"`
	OpenTime     time.Time  `json:"time"`
	Annotation   string     `json:"comment"`
	Magic        int64      `json:"magic"`
}

// AccountState is a point-in-time account snapshot.
type AccountState struct {
	Balance    float64 `json:"balance"`
	Equity     float64 `json:"equity"`
	FreeMargin float64 `json:"margin_free"`
}

// Broker is the minimal surface the engine needs to operate.
type Broker interface {
	Name() string
	GetPositions(ctx context.Context) ([]BrokerPosition, error)
	GetAccountState(ctx context.Context) (AccountState, error)
	// PlaceOrder opens a market position and returns the new position id.
	PlaceOrder(ctx context.Context, instrument string, side Side, size float64, annotation string) (PositionID, error)
	ClosePosition(ctx context.Context, id PositionID) error
	ClosePartial(ctx context.Context, id PositionID, size float64) error
	GetNowPrice(ctx context.Context, instrument string) (float64, error)
	GetRecentCandles(ctx context.Context, instrument string, granularity string, limit int) ([]Candle, error)
}
