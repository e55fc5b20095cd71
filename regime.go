// FILE: regime.go
// Package main – Market regime classification.
//
// Classify is a pure function of price history: ADX for trend strength,
// the Hurst exponent for persistence, and candle alignment against the
// DI direction. The result is never persisted; it is recomputed whenever
// the exit evaluator or the orchestrator needs it.
//
//	Hurst   ADX     Label         Confidence
//	<0.5    <T      Ranging       VeryHigh
//	<0.5    >=T     Conflicting   Low
//	>0.5    >=T     Trending      VeryHigh (High when not aligned)
//	>0.5    <T      EarlyTrend    Medium
//	=0.5    any     Conflicting   Low      (random walk / not enough data)
package main

// RegimeLabel is the classifier verdict.
type RegimeLabel int

const (
	RegimeRanging RegimeLabel = iota
	RegimeEarlyTrend
	RegimeTrending
	RegimeConflicting
)

func (l RegimeLabel) String() string {
	switch l {
	case RegimeRanging:
		return "ranging"
	case RegimeEarlyTrend:
		return "early_trend"
	case RegimeTrending:
		return "trending"
	default:
		return "conflicting"
	}
}

func (l RegimeLabel) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

// Confidence grades a regime label.
type Confidence int

const (
	ConfidenceLow Confidence = iota
	ConfidenceMedium
	ConfidenceHigh
	ConfidenceVeryHigh
)

func (c Confidence) String() string {
	switch c {
	case ConfidenceMedium:
		return "medium"
	case ConfidenceHigh:
		return "high"
	case ConfidenceVeryHigh:
		return "very_high"
	default:
		return "low"
	}
}

func (c Confidence) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

// MarketRegimeSnapshot is the classifier output.
type MarketRegimeSnapshot struct {
	TrendStrength float64     `json:"trend_strength"` // ADX
	Persistence   float64     `json:"persistence"`    // Hurst exponent
	PlusDI        float64     `json:"plus_di"`
	MinusDI       float64     `json:"minus_di"`
	Direction     int         `json:"direction"` // +1 up, −1 down, 0 none
	Aligned       bool        `json:"aligned"`
	Label         RegimeLabel `json:"label"`
	Confidence    Confidence  `json:"confidence"`
}

// RegimeConfig carries the classifier thresholds.
type RegimeConfig struct {
	ADXPeriod        int
	ADXThreshold     float64
	HurstMinLag      int
	AlignmentCandles int
}

func defaultRegimeConfig() RegimeConfig {
	return RegimeConfig{ADXPeriod: 14, ADXThreshold: 25, HurstMinLag: 8, AlignmentCandles: 5}
}

// RegimeClassifier is the seam the exit evaluator depends on.
type RegimeClassifier interface {
	Classify(history []Candle) MarketRegimeSnapshot
}

// HurstADXClassifier combines Hurst persistence with ADX trend strength.
type HurstADXClassifier struct {
	cfg RegimeConfig
}

func NewHurstADXClassifier(cfg RegimeConfig) HurstADXClassifier {
	d := defaultRegimeConfig()
	if cfg.ADXPeriod <= 0 {
		cfg.ADXPeriod = d.ADXPeriod
	}
	if cfg.ADXThreshold <= 0 {
		cfg.ADXThreshold = d.ADXThreshold
	}
	if cfg.HurstMinLag <= 0 {
		cfg.HurstMinLag = d.HurstMinLag
	}
	if cfg.AlignmentCandles <= 0 {
		cfg.AlignmentCandles = d.AlignmentCandles
	}
	return HurstADXClassifier{cfg: cfg}
}

func (h HurstADXClassifier) Classify(history []Candle) MarketRegimeSnapshot {
	snap := MarketRegimeSnapshot{Persistence: 0.5}
	adx, ok := ADX(history, h.cfg.ADXPeriod)
	if !ok {
		snap.Label, snap.Confidence = RegimeConflicting, ConfidenceLow
		return snap
	}
	snap.TrendStrength = adx.ADX
	snap.PlusDI = adx.PlusDI
	snap.MinusDI = adx.MinusDI
	snap.Persistence = Hurst(history, h.cfg.HurstMinLag)

	switch {
	case adx.PlusDI > adx.MinusDI:
		snap.Direction = 1
	case adx.MinusDI > adx.PlusDI:
		snap.Direction = -1
	}
	candles := CandleAlignment(history, h.cfg.AlignmentCandles)
	snap.Aligned = snap.Direction != 0 && candles == snap.Direction

	snap.Label, snap.Confidence = classifyRegime(snap.Persistence, snap.TrendStrength, h.cfg.ADXThreshold, snap.Aligned)
	return snap
}

// classifyRegime is the decision table from the file header.
func classifyRegime(hurst, adx, threshold float64, aligned bool) (RegimeLabel, Confidence) {
	strong := adx >= threshold
	switch {
	case hurst < 0.5 && !strong:
		return RegimeRanging, ConfidenceVeryHigh
	case hurst < 0.5 && strong:
		return RegimeConflicting, ConfidenceLow
	case hurst > 0.5 && strong:
		if aligned {
			return RegimeTrending, ConfidenceVeryHigh
		}
		return RegimeTrending, ConfidenceHigh
	case hurst > 0.5 && !strong:
		return RegimeEarlyTrend, ConfidenceMedium
	default:
		return RegimeConflicting, ConfidenceLow
	}
}
