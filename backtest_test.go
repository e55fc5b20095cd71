package main

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestLoadCSV(t *testing.T) {
	body := strings.Join([]string{
		"Timestamp,Open,High,Low,Close,Vol",
		"1741598100,1.2,1.3,1.1,1.25,10",
		"2025-03-10T09:00:00Z,1.1,1.2,1.0,1.15,5",
		"garbage,1,1,1,1,1",
		"1741599000,,1,1,,1",
	}, "\n")
	path := filepath.Join(t.TempDir(), "eurusd.csv")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := loadCSV(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(c) != 2 || !c[0].Time.Equal(t0) || c[0].Close != 1.15 || c[1].Volume != 10 {
		t.Fatalf("candles %+v", c)
	}
}

// oscillating builds n M15 candles swinging amp around base with the given period.
func oscillating(n int, base, amp float64, period int) []Candle {
	out := make([]Candle, n)
	prev := base
	for i := range out {
		px := base + amp*math.Sin(2*math.Pi*float64(i)/float64(period))
		out[i] = Candle{
			Time: t0.Add(time.Duration(i) * 15 * time.Minute),
			Open: prev, Close: px,
			High: math.Max(prev, px) + 0.0002, Low: math.Min(prev, px) - 0.0002,
		}
		prev = px
	}
	return out
}

func TestRunBacktest(t *testing.T) {
	cfg := testConfig()
	cfg.HistoryCandles = 100
	instruments := map[string]InstrumentConfig{"EURUSD": testInstrument()}
	candles := oscillating(400, 1.1000, 0.0040, 96)

	res, err := runBacktest(context.Background(), candles, "EURUSD", SideLong, cfg, instruments, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if res.Candles != 300 || res.Signals == 0 || res.FinalBalance <= 0 {
		t.Fatalf("result %+v", res)
	}
	total := 0
	for _, n := range res.ExitsByReason {
		total += n
	}
	if total == 0 {
		t.Fatalf("no stack ever exited: %+v", res)
	}
	if res.MaxDrawdownPct < 0 || res.MaxDrawdownPct > 100 {
		t.Fatalf("drawdown %v", res.MaxDrawdownPct)
	}
}

func TestRunBacktestRejectsShortInput(t *testing.T) {
	cfg := testConfig()
	instruments := map[string]InstrumentConfig{"EURUSD": testInstrument()}
	if _, err := runBacktest(context.Background(), oscillating(50, 1.1, 0.001, 20), "EURUSD", SideLong, cfg, instruments, zap.NewNop()); err == nil {
		t.Fatal("accepted fewer candles than the warmup")
	}
	if _, err := runBacktest(context.Background(), oscillating(500, 1.1, 0.001, 20), "USDJPY", SideLong, cfg, instruments, zap.NewNop()); err == nil {
		t.Fatal("accepted unconfigured instrument")
	}
}
