// FILE: metrics.go
// Package main – Prometheus metrics for observability.
//
// Exposes the metrics the engine updates during operation:
//   • bot_stacks_tracked                     – open stacks (gauge)
//   • bot_orphans                            – unresolved orphan positions (gauge)
//   • bot_recovery_proposals_total{kind}     – escalation proposals issued
//   • bot_recovery_suppressed_total{kind,reason} – proposals blocked (exposure_cap|dca_depth|risk|annotation)
//   • bot_orders_total{kind,result}          – orders sent to the broker (ok|error)
//   • bot_exit_decisions_total{decision,reason}
//   • bot_reconcile_events_total{event}      – adopted|attached|ghost|stale
//   • bot_risk_rejections_total{rule}
//   • bot_emergency_liquidations_total
//   • bot_equity_usd / bot_peak_equity_usd / bot_drawdown_pct / bot_trading_enabled
//   • bot_blacklisted_instruments            – active blacklist entries (gauge)
//   • bot_cycle_duration_seconds             – cycle latency histogram
//   • bot_broker_breaker_state               – 0 closed, 1 half-open, 2 open
//
// These are registered in init() and served by the HTTP handler started in main.go
// at /metrics (Prometheus text exposition format).

package main

import "github.com/prometheus/client_golang/prometheus"

var (
	mtxStacks = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bot_stacks_tracked",
		Help: "Stacks currently tracked",
	})

	mtxOrphans = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bot_orphans",
		Help: "Broker positions with unresolved linkage",
	})

	mtxRecoveryProposals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_recovery_proposals_total",
			Help: "Escalation proposals issued",
		},
		[]string{"kind"},
	)

	mtxRecoverySuppressed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_recovery_suppressed_total",
			Help: "Escalations blocked before reaching the broker",
		},
		[]string{"kind", "reason"},
	)

	mtxOrders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_orders_total",
			Help: "Orders sent to the broker",
		},
		[]string{"kind", "result"}, // kind: root|grid|hedge|dca|close|close_partial
	)

	// Counts exit decisions split by decision shape and reason.
	mtxExitDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_exit_decisions_total",
			Help: "Exit decisions by decision and reason",
		},
		[]string{"decision", "reason"},
	)

	mtxReconcile = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_reconcile_events_total",
			Help: "Reconciliation outcomes",
		},
		[]string{"event"},
	)

	mtxRiskRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_risk_rejections_total",
			Help: "New trades refused by the risk governor",
		},
		[]string{"rule"},
	)

	mtxEmergencyLiquidations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bot_emergency_liquidations_total",
		Help: "Emergency liquidations issued",
	})

	mtxEquity = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bot_equity_usd",
		Help: "Account equity",
	})

	mtxPeakEquity = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bot_peak_equity_usd",
		Help: "Monotonic peak equity",
	})

	mtxDrawdown = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bot_drawdown_pct",
		Help: "Drawdown from peak equity in percent",
	})

	mtxTradingEnabled = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bot_trading_enabled",
		Help: "1 when new trades are allowed",
	})

	mtxBlacklisted = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bot_blacklisted_instruments",
		Help: "Instruments closed to new stacks",
	})

	mtxCycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "bot_cycle_duration_seconds",
		Help:    "Duration of one decision cycle",
		Buckets: prometheus.DefBuckets,
	})

	mtxBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bot_broker_breaker_state",
			Help: "Broker circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)
)

func init() {
	prometheus.MustRegister(mtxStacks, mtxOrphans)
	prometheus.MustRegister(mtxRecoveryProposals, mtxRecoverySuppressed, mtxOrders)
	prometheus.MustRegister(mtxExitDecisions, mtxReconcile, mtxRiskRejections, mtxEmergencyLiquidations)
	prometheus.MustRegister(mtxEquity, mtxPeakEquity, mtxDrawdown, mtxTradingEnabled, mtxBlacklisted)
	prometheus.MustRegister(mtxCycleDuration, mtxBreakerState)
}

func setRiskMetrics(st RiskState, drawdownPct float64) {
	mtxEquity.Set(st.CurrentEquity)
	mtxPeakEquity.Set(st.PeakEquity)
	mtxDrawdown.Set(drawdownPct)
	if st.TradingEnabled {
		mtxTradingEnabled.Set(1)
	} else {
		mtxTradingEnabled.Set(0)
	}
}

func observeReconcile(rep ReconciliationReport) {
	mtxReconcile.WithLabelValues("adopted").Add(float64(len(rep.AdoptedRoots)))
	mtxReconcile.WithLabelValues("attached").Add(float64(len(rep.Attached)))
	mtxReconcile.WithLabelValues("ghost").Add(float64(len(rep.GhostsRemoved)))
	mtxReconcile.WithLabelValues("stale").Add(float64(len(rep.StaleMembers)))
	mtxOrphans.Set(float64(len(rep.Orphans)))
}

func orderResult(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
