// FILE: broker_paper.go
// Package main – In-memory paper broker (no external calls).
//
// This broker simulates a hedging-account MT5 terminal: every market order
// opens its own position with a snowflake ticket, keeps the comment it was
// given, and marks P&L from the latest price set through SetPrice. It backs
// dry runs and the engine tests.
//
// Methods beyond the Broker interface:
//   • SetPrice(instrument, price)   – move the market
//   • SetCandles(instrument, c)     – history for the regime classifier
//   • Inject(pos)                   – place a position as if opened elsewhere
//   • AdjustBalance(delta)          – deposits, withdrawals, swaps
//   • FailNext(op, err)             – make the next call of op fail once
//   • WithFeed(b)                   – take prices and candles from a live broker
package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

type PaperBroker struct {
	mu          sync.Mutex
	node        *snowflake.Node
	instruments map[string]InstrumentConfig
	magic       int64
	balance     float64
	marginLot   float64
	prices      map[string]float64
	candles     map[string][]Candle
	positions   map[PositionID]*BrokerPosition
	failures    map[string]error
	feed        Broker // optional market data source for dry runs
	now         func() time.Time
}

func NewPaperBroker(balance float64, instruments map[string]InstrumentConfig, magic int64) (*PaperBroker, error) {
	node, err := snowflake.NewNode(1)
	if err != nil {
		return nil, fmt.Errorf("paper broker id node: %w", err)
	}
	return &PaperBroker{
		node:        node,
		instruments: instruments,
		magic:       magic,
		balance:     balance,
		marginLot:   1000,
		prices:      make(map[string]float64),
		candles:     make(map[string][]Candle),
		positions:   make(map[PositionID]*BrokerPosition),
		failures:    make(map[string]error),
		now:         func() time.Time { return time.Now().UTC() },
	}, nil
}

func (p *PaperBroker) Name() string { return "paper" }

// WithFeed makes GetNowPrice and GetRecentCandles read from feed while
// orders stay simulated.
func (p *PaperBroker) WithFeed(feed Broker) *PaperBroker {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.feed = feed
	return p
}

func (p *PaperBroker) SetPrice(instrument string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[instrument] = price
	for _, pos := range p.positions {
		if pos.Instrument == instrument {
			p.markLocked(pos)
		}
	}
}

func (p *PaperBroker) SetCandles(instrument string, c []Candle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candles[instrument] = append([]Candle(nil), c...)
}

func (p *PaperBroker) Inject(pos BrokerPosition) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := pos
	if cp.ID == 0 {
		cp.ID = PositionID(p.node.Generate().Int64())
	}
	p.markLocked(&cp)
	p.positions[cp.ID] = &cp
}

func (p *PaperBroker) AdjustBalance(delta float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.balance += delta
}

// SetClock replaces the open-time source (replays).
func (p *PaperBroker) SetClock(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
}

// FailNext makes the next call of op ("place", "close", "close_partial",
// "positions", "account", "price") return err.
func (p *PaperBroker) FailNext(op string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[op] = err
}

func (p *PaperBroker) failLocked(op string) error {
	if err, ok := p.failures[op]; ok {
		delete(p.failures, op)
		return err
	}
	return nil
}

// markLocked recomputes profit from the latest price.
func (p *PaperBroker) markLocked(pos *BrokerPosition) {
	px, ok := p.prices[pos.Instrument]
	if !ok || px <= 0 {
		return
	}
	pos.CurrentPrice = px
	ic, ok := p.instruments[pos.Instrument]
	if !ok || ic.PipSize <= 0 {
		return
	}
	diff := decimal.NewFromFloat(px).Sub(decimal.NewFromFloat(pos.EntryPrice))
	if pos.Side == SideShort {
		diff = diff.Neg()
	}
	profit := diff.Div(decimal.NewFromFloat(ic.PipSize)).
		Mul(decimal.NewFromFloat(ic.PipValue)).
		Mul(decimal.NewFromFloat(pos.Size)).Round(2)
	pos.Profit, _ = profit.Float64()
}

func (p *PaperBroker) GetPositions(ctx context.Context) ([]BrokerPosition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failLocked("positions"); err != nil {
		return nil, err
	}
	out := make([]BrokerPosition, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (p *PaperBroker) GetAccountState(ctx context.Context) (AccountState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failLocked("account"); err != nil {
		return AccountState{}, err
	}
	equity, lots := p.balance, 0.0
	for _, pos := range p.positions {
		equity += pos.Profit
		lots += pos.Size
	}
	return AccountState{Balance: p.balance, Equity: equity, FreeMargin: equity - lots*p.marginLot}, nil
}

func (p *PaperBroker) PlaceOrder(ctx context.Context, instrument string, side Side, size float64, annotation string) (PositionID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failLocked("place"); err != nil {
		return 0, err
	}
	if !side.Valid() {
		return 0, fmt.Errorf("paper order: invalid side %q", side)
	}
	if size <= 0 {
		return 0, errors.New("paper order: size must be > 0")
	}
	px, ok := p.prices[instrument]
	if !ok || px <= 0 {
		return 0, fmt.Errorf("paper order: no price for %s", instrument)
	}
	if len(annotation) > DefaultMaxAnnotationLen {
		annotation = annotation[:DefaultMaxAnnotationLen] // what MT5 does
	}
	pos := &BrokerPosition{
		ID:           PositionID(p.node.Generate().Int64()),
		Instrument:   instrument,
		Side:         side,
		Size:         size,
		EntryPrice:   px,
		CurrentPrice: px,
		OpenTime:     p.now(),
		Annotation:   annotation,
		Magic:        p.magic,
	}
	p.positions[pos.ID] = pos
	return pos.ID, nil
}

func (p *PaperBroker) ClosePosition(ctx context.Context, id PositionID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failLocked("close"); err != nil {
		return err
	}
	pos, ok := p.positions[id]
	if !ok {
		return fmt.Errorf("paper close: position %d not found", id)
	}
	p.balance += pos.Profit
	delete(p.positions, id)
	return nil
}

func (p *PaperBroker) ClosePartial(ctx context.Context, id PositionID, size float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failLocked("close_partial"); err != nil {
		return err
	}
	pos, ok := p.positions[id]
	if !ok {
		return fmt.Errorf("paper close partial: position %d not found", id)
	}
	if size <= 0 || size > pos.Size {
		return fmt.Errorf("paper close partial: size %.2f outside (0, %.2f]", size, pos.Size)
	}
	frac := size / pos.Size
	realized := pos.Profit * frac
	p.balance += realized
	left, _ := decimal.NewFromFloat(pos.Size).Sub(decimal.NewFromFloat(size)).Float64()
	if left <= 0 {
		delete(p.positions, id)
		return nil
	}
	pos.Size = left
	pos.Profit -= realized
	return nil
}

func (p *PaperBroker) GetNowPrice(ctx context.Context, instrument string) (float64, error) {
	p.mu.Lock()
	if err := p.failLocked("price"); err != nil {
		p.mu.Unlock()
		return 0, err
	}
	feed := p.feed
	px, ok := p.prices[instrument]
	p.mu.Unlock()

	if feed != nil {
		live, err := feed.GetNowPrice(ctx, instrument)
		if err != nil {
			return 0, err
		}
		p.SetPrice(instrument, live)
		return live, nil
	}
	if !ok || px <= 0 {
		return 0, fmt.Errorf("paper: no price for %s", instrument)
	}
	return px, nil
}

func (p *PaperBroker) GetRecentCandles(ctx context.Context, instrument string, granularity string, limit int) ([]Candle, error) {
	p.mu.Lock()
	feed := p.feed
	p.mu.Unlock()
	if feed != nil {
		return feed.GetRecentCandles(ctx, instrument, granularity, limit)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.candles[instrument]
	if !ok || len(c) == 0 {
		return nil, errors.New("paper broker has no candles (use bridge or SetCandles)")
	}
	if limit > 0 && len(c) > limit {
		c = c[len(c)-limit:]
	}
	return append([]Candle(nil), c...), nil
}
