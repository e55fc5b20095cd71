package main

import (
	"math"
	"testing"
	"time"
)

func alternatingCandles(n int) []Candle {
	out := make([]Candle, n)
	for i := range out {
		open, close := 1.10, 1.11
		if i%2 == 1 {
			open, close = 1.11, 1.10
		}
		out[i] = Candle{Time: t0.Add(time.Duration(i) * time.Minute), Open: open, High: 1.111, Low: 1.099, Close: close}
	}
	return out
}

func TestClassifyRegimeTable(t *testing.T) {
	cases := []struct {
		hurst, adx float64
		aligned    bool
		label      RegimeLabel
		conf       Confidence
	}{
		{0.40, 10, false, RegimeRanging, ConfidenceVeryHigh},
		{0.40, 30, true, RegimeConflicting, ConfidenceLow},
		{0.60, 30, true, RegimeTrending, ConfidenceVeryHigh},
		{0.60, 25, false, RegimeTrending, ConfidenceHigh},
		{0.60, 24.9, true, RegimeEarlyTrend, ConfidenceMedium},
		{0.50, 40, true, RegimeConflicting, ConfidenceLow},
		{0.50, 5, false, RegimeConflicting, ConfidenceLow},
	}
	for _, c := range cases {
		label, conf := classifyRegime(c.hurst, c.adx, 25, c.aligned)
		if label != c.label || conf != c.conf {
			t.Errorf("classifyRegime(%v, %v, aligned=%v) = %s/%s, want %s/%s",
				c.hurst, c.adx, c.aligned, label, conf, c.label, c.conf)
		}
	}
}

func TestClassifierShortHistory(t *testing.T) {
	snap := NewHurstADXClassifier(RegimeConfig{}).Classify(trendCandles(20, 1.1, 0.0005))
	if snap.Label != RegimeConflicting || snap.Confidence != ConfidenceLow || snap.Persistence != 0.5 {
		t.Fatalf("short history snapshot %+v", snap)
	}
}

func TestClassifierDirectionAndAlignment(t *testing.T) {
	cls := NewHurstADXClassifier(RegimeConfig{})

	up := cls.Classify(trendCandles(80, 1.1000, 0.0005))
	if up.Direction != 1 || !up.Aligned || up.TrendStrength < 25 || up.PlusDI <= up.MinusDI {
		t.Fatalf("uptrend snapshot %+v", up)
	}
	down := cls.Classify(trendCandles(80, 1.1000, -0.0005))
	if down.Direction != -1 || !down.Aligned || down.TrendStrength < 25 {
		t.Fatalf("downtrend snapshot %+v", down)
	}
}

func TestADX(t *testing.T) {
	if _, ok := ADX(trendCandles(28, 1.1, 0.0005), 14); ok {
		t.Fatal("ADX with 28 candles")
	}
	res, ok := ADX(trendCandles(29, 1.1, 0.0005), 14)
	if !ok {
		t.Fatal("ADX with 2n+1 candles")
	}
	if res.MinusDI != 0 || res.PlusDI <= 0 || !almostEqual(res.ADX, 100) {
		t.Fatalf("ADX = %+v", res)
	}
}

func TestHurst(t *testing.T) {
	if h := Hurst(alternatingCandles(10), 8); h != 0.5 {
		t.Fatalf("short series Hurst = %v", h)
	}
	if h := Hurst(alternatingCandles(129), 8); h > 0.2 {
		t.Fatalf("mean-reverting series Hurst = %v", h)
	}
}

func TestCandleAlignment(t *testing.T) {
	mk := func(dirs ...int) []Candle {
		out := make([]Candle, len(dirs))
		for i, d := range dirs {
			out[i] = Candle{Open: 1, Close: 1 + float64(d)*0.001}
		}
		return out
	}
	cases := []struct {
		c    []Candle
		want int
	}{
		{mk(1, 1, 1, -1, 1), 1},
		{mk(1, 1, -1, -1, 1), 0},
		{mk(-1, -1, -1, -1, 1), -1},
		{mk(-1, 1, 1, 1, 1, 1), 1},
		{mk(1, 1, 1), 0},
	}
	for i, c := range cases {
		if got := CandleAlignment(c.c, 5); got != c.want {
			t.Errorf("case %d: alignment = %d, want %d", i, got, c.want)
		}
	}
}

func TestSMA(t *testing.T) {
	c := make([]Candle, 5)
	for i := range c {
		c[i].Close = float64(i + 1)
	}
	got := SMA(c, 3)
	if !math.IsNaN(got[0]) || !math.IsNaN(got[1]) {
		t.Fatalf("warm-up not NaN: %v", got)
	}
	for i, want := range []float64{2, 3, 4} {
		if !almostEqual(got[i+2], want) {
			t.Fatalf("SMA = %v", got)
		}
	}
}
