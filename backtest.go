// FILE: backtest.go
// Package main – CSV loader and historical replay of the recovery engine.
//
// What's here:
//   • loadCSV(path) -> []Candle   : reads time,open,high,low,close,volume
//   • runBacktest(ctx, candles, instrument, side, cfg, instruments, logger)
//       - drives the real Engine over the candles through a PaperBroker
//       - opens a root on the given side whenever the instrument is flat
//         and not blacklisted
//       - logs stack outcomes by exit reason, final balance and max drawdown
//
// Notes:
//   • Time column accepts RFC3339 or UNIX seconds.
//   • Unknown columns are ignored; headers are case-insensitive.
//   • One engine cycle per candle; the clock is the candle time.

package main

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// loadCSV reads a candle CSV. The first row names the columns; accepted
// names are time|timestamp, open, high, low, close, volume|vol.
func loadCSV(path string) ([]Candle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("csv header: %w", err)
	}
	col := csvColumns(header)
	if col["time"] < 0 || col["open"] < 0 || col["close"] < 0 {
		return nil, fmt.Errorf("csv header %v: need time, open and close", header)
	}

	var out []Candle
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		cell := func(name string) string {
			if i := col[name]; i >= 0 && i < len(rec) {
				return strings.TrimSpace(rec[i])
			}
			return ""
		}
		ts := parseT(cell("time"))
		open, errO := strconv.ParseFloat(cell("open"), 64)
		closePx, errC := strconv.ParseFloat(cell("close"), 64)
		if ts.IsZero() || errO != nil || errC != nil {
			continue // half-written or foreign rows
		}
		hi, _ := strconv.ParseFloat(cell("high"), 64)
		lo, _ := strconv.ParseFloat(cell("low"), 64)
		vol, _ := strconv.ParseFloat(cell("volume"), 64)
		out = append(out, Candle{Time: ts, Open: open, High: hi, Low: lo, Close: closePx, Volume: vol})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out, nil
}

// csvColumns maps canonical column names to their index (-1 when absent).
func csvColumns(header []string) map[string]int {
	alias := map[string]string{"timestamp": "time", "vol": "volume"}
	col := map[string]int{"time": -1, "open": -1, "high": -1, "low": -1, "close": -1, "volume": -1}
	for i, h := range header {
		k := strings.ToLower(strings.TrimSpace(h))
		if a, ok := alias[k]; ok {
			k = a
		}
		if j, ok := col[k]; ok && j < 0 {
			col[k] = i
		}
	}
	return col
}

// BacktestResult summarizes one replay.
type BacktestResult struct {
	Candles        int
	Signals        int
	ExitsByReason  map[string]int
	FinalBalance   float64
	MaxDrawdownPct float64
	TradingEnabled bool
}

// runBacktest replays candles through the engine with simulated fills.
func runBacktest(ctx context.Context, candles []Candle, instrument string, side Side, cfg Config, instruments map[string]InstrumentConfig, logger *zap.Logger) (BacktestResult, error) {
	res := BacktestResult{ExitsByReason: make(map[string]int)}
	if _, ok := instruments[instrument]; !ok {
		return res, fmt.Errorf("backtest: instrument %s not configured", instrument)
	}
	warmup := cfg.HistoryCandles
	if warmup <= 0 || warmup > 200 {
		warmup = 200
	}
	if len(candles) <= warmup {
		return res, fmt.Errorf("backtest: need > %d candles, have %d", warmup, len(candles))
	}

	pb, err := NewPaperBroker(cfg.PaperBalance, map[string]InstrumentConfig{instrument: instruments[instrument]}, cfg.Magic)
	if err != nil {
		return res, err
	}
	eng := NewEngine(cfg, map[string]InstrumentConfig{instrument: instruments[instrument]}, pb, NewMemoryStateStore(), nil, logger)

	var clock time.Time
	now := func() time.Time { return clock }
	pb.SetClock(now)
	eng.setClock(now)

	clock = candles[warmup-1].Time
	pb.SetCandles(instrument, candles[:warmup])
	pb.SetPrice(instrument, candles[warmup-1].Close)
	if err := eng.Start(ctx); err != nil {
		return res, err
	}

	for i := warmup; i < len(candles); i++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		c := candles[i]
		clock = c.Time
		lo := i + 1 - cfg.HistoryCandles
		if lo < 0 {
			lo = 0
		}
		pb.SetCandles(instrument, candles[lo:i+1])
		pb.SetPrice(instrument, c.Close)

		if len(eng.tracker.StacksFor(instrument)) == 0 && !eng.blacklist.Active(instrument, clock) {
			if err := eng.Inbox().PushSignal(Signal{Instrument: instrument, Side: side, Source: "backtest"}); err == nil {
				res.Signals++
			}
		}
		if err := eng.Cycle(ctx); err != nil {
			logger.Warn("[BT] cycle failed", zap.Time("t", clock), zap.Error(err))
			continue
		}
		st := eng.Status()
		for _, d := range st.Exits {
			res.ExitsByReason[d.Reason]++
		}
		if st.DrawdownPct > res.MaxDrawdownPct {
			res.MaxDrawdownPct = st.DrawdownPct
		}
		if i%500 == 0 {
			logger.Info("[BT] progress", zap.Int("i", i), zap.Float64("equity", st.Risk.CurrentEquity), zap.Int("stacks", len(st.Stacks)))
		}
	}

	acct, _ := pb.GetAccountState(ctx)
	res.Candles = len(candles) - warmup
	res.FinalBalance = acct.Balance
	res.TradingEnabled = eng.risk.State().TradingEnabled
	logger.Info("[BT] backtest complete",
		zap.Int("candles", res.Candles), zap.Int("signals", res.Signals),
		zap.Any("exits", res.ExitsByReason), zap.Float64("balance", res.FinalBalance),
		zap.Float64("max_drawdown_pct", res.MaxDrawdownPct), zap.Bool("trading_enabled", res.TradingEnabled))
	return res, nil
}
