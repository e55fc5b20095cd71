package main

import (
	"testing"
	"time"
)

var t0 = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func testInstrument() InstrumentConfig {
	return InstrumentConfig{
		Symbol: "EURUSD", PipSize: 0.0001, PipValue: 10,
		VolumeStep: 0.01, MinVolume: 0.01, MaxVolume: 100,
		GridSpacingPips: 8, MaxGridLevels: 4, GridSize: 0.04,
		HedgeTriggerPips: 30, HedgeRatio: 5, MaxHedges: 1,
		DcaTriggerPips: 20, DcaMultiplier: 2, MaxDcaLevels: 3,
		MaxStackExposure: 15,
		TakeProfitPips:   12, DrawdownMultiplier: 4, ProfitTargetPct: 0.5,
		MaxHold: 12 * time.Hour,
	}
}

func testConfig() Config {
	return Config{
		Broker: "paper", Magic: 7, MaxAnnotationLen: DefaultMaxAnnotationLen, PaperBalance: 10000,
		Interval: time.Second, Granularity: "M15", HistoryCandles: 100,
		MaxStacksPerInstrument: 1, RootLot: 0.04, ReferenceMeanPeriod: 20,
		ADXThreshold: 25, BlacklistFor: 4 * time.Hour,
		Risk:            RiskConfig{MaxDrawdownPct: 10, MaxTotalExposure: 15},
		StateBackend:    "file",
		SignalQueueSize: 16,
	}
}

// stubClassifier returns a fixed snapshot and counts calls.
type stubClassifier struct {
	snap  MarketRegimeSnapshot
	calls int
}

func (s *stubClassifier) Classify([]Candle) MarketRegimeSnapshot {
	s.calls++
	return s.snap
}

// mustTrack opens a root on a fresh tracker and returns both.
func mustTrack(t *testing.T, id PositionID, side Side, entry, size float64) *PositionTracker {
	t.Helper()
	tr := NewPositionTracker(0, nil)
	if _, err := tr.Track(id, "EURUSD", side, entry, size, t0); err != nil {
		t.Fatalf("track: %v", err)
	}
	return tr
}

func snapshot(t *testing.T, tr *PositionTracker, id PositionID) Stack {
	t.Helper()
	st, ok := tr.Snapshot(id)
	if !ok {
		t.Fatalf("stack %d not tracked", id)
	}
	return st
}

func almostEqual(a, b float64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d < 1e-9
}

// trendCandles builds n candles moving step per bar.
func trendCandles(n int, start, step float64) []Candle {
	out := make([]Candle, n)
	px := start
	for i := range out {
		open := px
		px += step
		hi, lo := px, open
		if step < 0 {
			hi, lo = open, px
		}
		out[i] = Candle{Time: t0.Add(time.Duration(i) * 15 * time.Minute), Open: open, High: hi + 0.0001, Low: lo - 0.0001, Close: px}
	}
	return out
}
