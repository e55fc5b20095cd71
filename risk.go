// FILE: risk.go
// Package main – RiskGovernor: account-level circuit breakers.
//
// The governor is the only writer of RiskState:
//   • ValidateNewTrade – gate every new root or escalation order
//   • OnCycle          – ratchet peak equity, roll the UTC day, and issue a
//     single EmergencyLiquidate when drawdown reaches the maximum
//   • CompleteLiquidation / Reset – the liquidation latch and its explicit
//     operator release
//
// Peak equity only moves up (Reset with rebase is the one operator escape
// hatch). State is persisted by the orchestrator after every cycle so a
// restart never forgets a disabled account or a lower-water mark.
package main

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// RiskConfig holds account-wide limits. Zero disables the optional limits.
type RiskConfig struct {
	MaxDrawdownPct       float64
	MaxTotalExposure     float64
	MinFreeMargin        float64
	MaxDailyLossPct      float64
	MaxConsecutiveLosses int
}

// RiskState is the persisted governor state.
type RiskState struct {
	PeakEquity                     float64   `json:"peak_equity"`
	CurrentEquity                  float64   `json:"current_equity"`
	TradingEnabled                 bool      `json:"trading_enabled"`
	EmergencyLiquidationInProgress bool      `json:"emergency_liquidation_in_progress"`
	DisabledReason                 string    `json:"disabled_reason,omitempty"`
	DisabledAt                     time.Time `json:"disabled_at,omitempty"`
	DailyStart                     time.Time `json:"daily_start"`
	DailyStartEquity               float64   `json:"daily_start_equity"`
	ConsecutiveLosses              int       `json:"consecutive_losses"`
}

// RiskRejection explains why a new trade was refused.
type RiskRejection struct {
	Rule   string
	Detail string
}

func (r *RiskRejection) Error() string { return fmt.Sprintf("risk rejection (%s): %s", r.Rule, r.Detail) }

// RiskCommandKind enumerates governor commands.
type RiskCommandKind int

const RiskEmergencyLiquidate RiskCommandKind = 1

// RiskCommand is issued by OnCycle for the orchestrator to apply.
type RiskCommand struct {
	Kind        RiskCommandKind
	DrawdownPct float64
	Reason      string
}

// ExposureSource reports aggregate open size across tracked stacks.
type ExposureSource interface {
	TotalExposure() float64
}

type RiskGovernor struct {
	cfg      RiskConfig
	state    RiskState
	exposure ExposureSource
	now      func() time.Time
	log      *zap.Logger
}

func NewRiskGovernor(cfg RiskConfig, exposure ExposureSource, logger *zap.Logger) *RiskGovernor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RiskGovernor{
		cfg:      cfg,
		state:    RiskState{TradingEnabled: true},
		exposure: exposure,
		now:      func() time.Time { return time.Now().UTC() },
		log:      logger,
	}
}

// Restore loads persisted state. A restored peak never lowers the live one.
func (g *RiskGovernor) Restore(st RiskState) {
	peak := g.state.PeakEquity
	g.state = st
	if peak > g.state.PeakEquity {
		g.state.PeakEquity = peak
	}
	setRiskMetrics(g.state, g.drawdownPct(g.state.CurrentEquity))
}

func (g *RiskGovernor) State() RiskState { return g.state }

// DrawdownPct is the percentage drop of equity from the peak.
func (g *RiskGovernor) DrawdownPct(equity float64) float64 { return g.drawdownPct(equity) }

func (g *RiskGovernor) drawdownPct(equity float64) float64 {
	peak := g.state.PeakEquity
	if equity > peak {
		peak = equity
	}
	if peak <= 0 {
		return 0
	}
	dd := decimal.NewFromFloat(peak).Sub(decimal.NewFromFloat(equity)).
		Div(decimal.NewFromFloat(peak)).Mul(decimal.NewFromInt(100))
	f, _ := dd.Float64()
	return f
}

// ValidateNewTrade returns a *RiskRejection when a trade of size may not open.
func (g *RiskGovernor) ValidateNewTrade(acct AccountState, size float64) error {
	reject := func(rule, format string, args ...any) error {
		mtxRiskRejections.WithLabelValues(rule).Inc()
		return &RiskRejection{Rule: rule, Detail: fmt.Sprintf(format, args...)}
	}
	if !g.state.TradingEnabled {
		return reject("trading_disabled", "trading disabled since %s (%s)", g.state.DisabledAt.Format(time.RFC3339), g.state.DisabledReason)
	}
	if g.state.EmergencyLiquidationInProgress {
		return reject("liquidating", "emergency liquidation in progress")
	}
	if dd := g.drawdownPct(acct.Equity); g.cfg.MaxDrawdownPct > 0 && dd >= g.cfg.MaxDrawdownPct {
		return reject("max_drawdown", "drawdown %.2f%% >= %.2f%%", dd, g.cfg.MaxDrawdownPct)
	}
	if g.cfg.MaxTotalExposure > 0 && g.exposure != nil {
		cur := decimal.NewFromFloat(g.exposure.TotalExposure())
		next := cur.Add(decimal.NewFromFloat(size))
		if next.GreaterThan(decimal.NewFromFloat(g.cfg.MaxTotalExposure)) {
			return reject("max_exposure", "exposure %s + %.2f > %.2f", cur.StringFixed(2), size, g.cfg.MaxTotalExposure)
		}
	}
	if acct.FreeMargin < g.cfg.MinFreeMargin {
		return reject("free_margin", "free margin %.2f < %.2f", acct.FreeMargin, g.cfg.MinFreeMargin)
	}
	if g.cfg.MaxDailyLossPct > 0 && g.state.DailyStartEquity > 0 {
		loss := (g.state.DailyStartEquity - acct.Equity) / g.state.DailyStartEquity * 100
		if loss >= g.cfg.MaxDailyLossPct {
			return reject("daily_loss", "daily loss %.2f%% >= %.2f%%", loss, g.cfg.MaxDailyLossPct)
		}
	}
	if g.cfg.MaxConsecutiveLosses > 0 && g.state.ConsecutiveLosses >= g.cfg.MaxConsecutiveLosses {
		return reject("loss_streak", "%d consecutive losing stacks", g.state.ConsecutiveLosses)
	}
	return nil
}

// OnCycle folds the latest account snapshot into the governor.
func (g *RiskGovernor) OnCycle(acct AccountState) (RiskCommand, bool) {
	now := g.now()
	g.state.CurrentEquity = acct.Equity
	if acct.Equity > g.state.PeakEquity {
		g.state.PeakEquity = acct.Equity
	}
	if day := midnightUTC(now); !day.Equal(g.state.DailyStart) {
		g.state.DailyStart = day
		g.state.DailyStartEquity = acct.Equity
	}

	dd := g.drawdownPct(acct.Equity)
	setRiskMetrics(g.state, dd)

	if g.cfg.MaxDrawdownPct <= 0 || dd < g.cfg.MaxDrawdownPct {
		return RiskCommand{}, false
	}
	if g.state.EmergencyLiquidationInProgress || !g.state.TradingEnabled {
		return RiskCommand{}, false
	}
	g.state.EmergencyLiquidationInProgress = true
	mtxEmergencyLiquidations.Inc()
	reason := fmt.Sprintf("drawdown %.2f%% >= %.2f%% (peak %.2f equity %.2f)", dd, g.cfg.MaxDrawdownPct, g.state.PeakEquity, acct.Equity)
	g.log.Error("[RISK] emergency liquidation", zap.String("reason", reason))
	return RiskCommand{Kind: RiskEmergencyLiquidate, DrawdownPct: dd, Reason: reason}, true
}

// CompleteLiquidation latches trading off once every member is closed.
func (g *RiskGovernor) CompleteLiquidation() {
	g.state.EmergencyLiquidationInProgress = false
	g.state.TradingEnabled = false
	g.state.DisabledAt = g.now()
	g.state.DisabledReason = "emergency liquidation"
	setRiskMetrics(g.state, g.drawdownPct(g.state.CurrentEquity))
	g.log.Error("[RISK] trading disabled until explicit reset")
}

// Reset is the explicit external release. With rebasePeak the peak is set to
// the current equity, acknowledging the realized loss.
func (g *RiskGovernor) Reset(rebasePeak bool) {
	g.state.TradingEnabled = true
	g.state.EmergencyLiquidationInProgress = false
	g.state.DisabledReason = ""
	g.state.DisabledAt = time.Time{}
	g.state.ConsecutiveLosses = 0
	if rebasePeak && g.state.CurrentEquity > 0 {
		g.log.Warn("[RISK] peak equity rebased by operator",
			zap.Float64("old_peak", g.state.PeakEquity), zap.Float64("new_peak", g.state.CurrentEquity))
		g.state.PeakEquity = g.state.CurrentEquity
	}
	setRiskMetrics(g.state, g.drawdownPct(g.state.CurrentEquity))
	g.log.Info("[RISK] trading re-enabled", zap.Bool("rebase_peak", rebasePeak))
}

// RecordRealized feeds the loss streak with a closed stack's result.
func (g *RiskGovernor) RecordRealized(pnl float64) {
	if pnl < 0 {
		g.state.ConsecutiveLosses++
		return
	}
	g.state.ConsecutiveLosses = 0
}

func midnightUTC(ts time.Time) time.Time {
	y, m, d := ts.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
