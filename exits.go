// FILE: exits.go
// Package main – StackExitEvaluator: when a stack (or one member) should close.
//
// Checks run in strict priority and the first match wins:
//   0. drawdown kill   – net P&L below −(tp_pips · pip_value · root size · mult)
//      (only here is the regime classifier consulted; a trending, aligned
//      market also blacklists the instrument)
//   1. profit target   – net P&L ≥ balance · profit_target_pct / 100
//   2. time limit      – stack older than max hold
//   2b. partial close  – bank a slice of volume at profit milestones (opt-in)
//   3. reversion exit  – a recovery member entered on the adverse side of the
//      reference mean and price has crossed back through it
//
// Money comparisons go through decimal so thresholds are exact.
package main

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ExitKind is the shape of an exit decision.
type ExitKind int

const (
	ExitKillStack ExitKind = iota
	ExitCloseStack
	ExitCloseMember
	ExitPartialClose
)

func (k ExitKind) String() string {
	switch k {
	case ExitKillStack:
		return "kill_stack"
	case ExitCloseStack:
		return "close_stack"
	case ExitCloseMember:
		return "close_member"
	default:
		return "partial_close"
	}
}

func (k ExitKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Exit reasons, also used as metric labels.
const (
	ReasonDrawdownKill = "drawdown_kill"
	ReasonPartialClose = "partial_close"
	ReasonProfitTarget = "profit_target"
	ReasonTimeLimit    = "time_limit"
	ReasonReversion    = "reversion"
)

// BlacklistInstrument asks the orchestrator to stop opening new stacks on an
// instrument until Until.
type BlacklistInstrument struct {
	Instrument string    `json:"instrument"`
	Until      time.Time `json:"until"`
	Reason     string    `json:"reason"`
}

// MemberClose is one close order of a partial-close decision. Partial is
// false when the whole member goes.
type MemberClose struct {
	ID      PositionID `json:"id"`
	Size    float64    `json:"size"`
	Partial bool       `json:"partial"`
}

// ExitDecision is the single exit action for a stack in one cycle.
type ExitDecision struct {
	Kind         ExitKind              `json:"kind"`
	StackID      PositionID            `json:"stack_id"`
	MemberID     PositionID            `json:"member_id,omitempty"`
	Reason       string                `json:"reason"`
	Closes       []MemberClose         `json:"closes,omitempty"`
	PartialLevel float64               `json:"partial_level,omitempty"`
	Blacklist    *BlacklistInstrument  `json:"blacklist,omitempty"`
	Regime       *MarketRegimeSnapshot `json:"regime,omitempty"`
}

// ExitInputs is the market context for one evaluation.
type ExitInputs struct {
	Now           time.Time
	Price         float64
	ReferenceMean float64
	HasMean       bool
	History       []Candle
}

// ExitEvaluator decides stack exits.
type ExitEvaluator struct {
	classifier   RegimeClassifier
	blacklistFor time.Duration
	log          *zap.Logger
}

func NewExitEvaluator(classifier RegimeClassifier, blacklistFor time.Duration, logger *zap.Logger) *ExitEvaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if blacklistFor <= 0 {
		blacklistFor = 4 * time.Hour
	}
	return &ExitEvaluator{classifier: classifier, blacklistFor: blacklistFor, log: logger}
}

// Evaluate returns at most one decision for st.
func (x *ExitEvaluator) Evaluate(st Stack, acct AccountState, cfg InstrumentConfig, in ExitInputs) (ExitDecision, bool) {
	net := decimal.NewFromFloat(st.NetUnrealized)

	// 0. drawdown kill
	expected := decimal.NewFromFloat(cfg.TakeProfitPips).
		Mul(decimal.NewFromFloat(cfg.PipValue)).
		Mul(decimal.NewFromFloat(st.Root.Size))
	threshold := expected.Mul(decimal.NewFromFloat(cfg.DrawdownMultiplier)).Neg()
	if net.LessThan(threshold) {
		d := ExitDecision{Kind: ExitKillStack, StackID: st.ID(), Reason: ReasonDrawdownKill}
		if x.classifier != nil {
			regime := x.classifier.Classify(in.History)
			d.Regime = &regime
			if regime.Label == RegimeTrending && regime.Aligned {
				d.Blacklist = &BlacklistInstrument{
					Instrument: st.Instrument,
					Until:      in.Now.Add(x.blacklistFor),
					Reason:     "trending kill",
				}
			}
		}
		x.log.Warn("[EXIT] drawdown kill",
			zap.Int64("stack", int64(st.ID())), zap.String("instrument", st.Instrument),
			zap.String("net", net.StringFixed(2)), zap.String("threshold", threshold.StringFixed(2)),
			zap.Bool("blacklist", d.Blacklist != nil))
		return d, true
	}

	target := decimal.NewFromFloat(acct.Balance).
		Mul(decimal.NewFromFloat(cfg.ProfitTargetPct)).
		Div(decimal.NewFromInt(100))

	// 1. profit target
	if target.IsPositive() && net.GreaterThanOrEqual(target) {
		return ExitDecision{Kind: ExitCloseStack, StackID: st.ID(), Reason: ReasonProfitTarget}, true
	}

	// 2. time limit
	if cfg.MaxHold > 0 && !st.OpenTime.IsZero() && in.Now.Sub(st.OpenTime) >= cfg.MaxHold {
		return ExitDecision{Kind: ExitCloseStack, StackID: st.ID(), Reason: ReasonTimeLimit}, true
	}

	// 2b. partial close at milestones below the full target
	if cfg.PartialClose && net.IsPositive() && net.LessThan(target) {
		if d, ok := x.partialClose(st, cfg, net, target); ok {
			return d, true
		}
	}

	// 3. reversion exit
	if in.HasMean && in.Price > 0 {
		mean := in.ReferenceMean
		for _, m := range st.RecoveryMembers() {
			reverted := false
			switch m.Side {
			case SideLong:
				reverted = m.EntryPrice < mean && in.Price >= mean
			case SideShort:
				reverted = m.EntryPrice > mean && in.Price <= mean
			}
			if reverted {
				return ExitDecision{Kind: ExitCloseMember, StackID: st.ID(), MemberID: m.ID, Reason: ReasonReversion}, true
			}
		}
	}
	return ExitDecision{}, false
}

// partialClose picks the lowest unbanked milestone that net P&L has reached
// and spreads the volume to close over members, recovery members first.
func (x *ExitEvaluator) partialClose(st Stack, cfg InstrumentConfig, net, target decimal.Decimal) (ExitDecision, bool) {
	levels := append([]PartialCloseLevel(nil), cfg.PartialLevels...)
	sort.Slice(levels, func(i, j int) bool { return levels[i].TriggerFraction < levels[j].TriggerFraction })

	for _, lvl := range levels {
		if containsFloat(st.PartialLevelsHit, lvl.TriggerFraction) {
			continue
		}
		if net.LessThan(target.Mul(decimal.NewFromFloat(lvl.TriggerFraction))) {
			return ExitDecision{}, false
		}
		want := decimal.NewFromFloat(st.TotalSize).Mul(decimal.NewFromFloat(lvl.ClosePct)).Div(decimal.NewFromInt(100))
		closes := allocateCloses(st, want, cfg)
		if len(closes) == 0 {
			return ExitDecision{}, false
		}
		return ExitDecision{
			Kind: ExitPartialClose, StackID: st.ID(), Reason: ReasonPartialClose,
			Closes: closes, PartialLevel: lvl.TriggerFraction,
		}, true
	}
	return ExitDecision{}, false
}

// allocateCloses takes volume from the newest dca and grid levels, then the
// hedge, then the root.
func allocateCloses(st Stack, want decimal.Decimal, cfg InstrumentConfig) []MemberClose {
	order := make([]StackMember, 0, len(st.DcaLevels)+len(st.GridLevels)+len(st.HedgeMembers)+1)
	for i := len(st.DcaLevels) - 1; i >= 0; i-- {
		order = append(order, st.DcaLevels[i])
	}
	for i := len(st.GridLevels) - 1; i >= 0; i-- {
		order = append(order, st.GridLevels[i])
	}
	order = append(order, st.HedgeMembers...)
	order = append(order, st.Root)

	var out []MemberClose
	remaining := want
	for _, m := range order {
		if !remaining.IsPositive() {
			break
		}
		size := decimal.NewFromFloat(m.Size)
		take := decimal.Min(size, remaining)
		if cfg.VolumeStep > 0 {
			step := decimal.NewFromFloat(cfg.VolumeStep)
			take = take.Div(step).Floor().Mul(step)
		}
		if !take.IsPositive() || (cfg.MinVolume > 0 && take.LessThan(decimal.NewFromFloat(cfg.MinVolume))) {
			continue
		}
		f, _ := take.Float64()
		out = append(out, MemberClose{ID: m.ID, Size: f, Partial: take.LessThan(size)})
		remaining = remaining.Sub(take)
	}
	return out
}

func containsFloat(xs []float64, v float64) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}
