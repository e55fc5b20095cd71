// FILE: recovery.go
// Package main – RecoveryTriggerEngine: escalation proposals for losing stacks.
//
// Evaluate looks at one stack and the current price and proposes at most one
// action per kind, in the fixed order Grid → Hedge → Dca:
//   • Grid  – adverse ≥ spacing·(levels+1), same side, fixed size
//   • Hedge – adverse ≥ hedge trigger, opposite side, root size · ratio, once
//   • Dca   – adverse ≥ trigger·(levels+1), same side, root size · mult^(levels+1)
//
// Trigger state is derived from the stack's levels_used. A small pending
// ledger keyed by (stack, kind, level) stops the same level from being
// proposed twice while its order is in flight. Release clears it once the
// fill is recorded (levels_used carries the level from then on) or when the
// broker rejects the order, so the next cycle retries from the live price.
package main

import (
	"math"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ProposedAction is an escalation order the orchestrator may place.
type ProposedAction struct {
	StackID     PositionID `json:"stack_id"`
	Instrument  string     `json:"instrument"`
	Kind        MemberKind `json:"-"`
	Level       int        `json:"level"`
	Side        Side       `json:"side"`
	Size        float64    `json:"size"`
	Price       float64    `json:"price"`
	AdversePips float64    `json:"adverse_pips"`
}

type pendingKey struct {
	stack PositionID
	kind  MemberKind
	level int
}

// RecoveryEngine evaluates escalation triggers.
type RecoveryEngine struct {
	pending map[pendingKey]struct{}
	log     *zap.Logger
}

func NewRecoveryEngine(logger *zap.Logger) *RecoveryEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RecoveryEngine{pending: make(map[pendingKey]struct{}), log: logger}
}

// Evaluate returns the escalation proposals for st at price.
func (e *RecoveryEngine) Evaluate(st Stack, price, pipSize float64, cfg InstrumentConfig) []ProposedAction {
	e.prune(st)
	if price <= 0 || pipSize <= 0 {
		return nil
	}
	adverse := st.AdversePips(price, pipSize)
	if adverse <= 0 {
		return nil
	}

	var out []ProposedAction
	projected := decimal.NewFromFloat(st.TotalSize)
	limit := decimal.NewFromFloat(cfg.MaxStackExposure)

	for _, kind := range recoveryKinds {
		used := st.LevelsUsed(kind)
		p := ProposedAction{
			StackID: st.ID(), Instrument: st.Instrument, Kind: kind,
			Level: used + 1, Price: price, AdversePips: adverse,
		}
		switch kind {
		case KindGrid:
			if used >= cfg.MaxGridLevels || adverse < cfg.GridSpacingPips*float64(used+1) {
				continue
			}
			p.Side = st.Root.Side
			p.Size = cfg.GridSize
		case KindHedge:
			if used >= 1 || adverse < cfg.HedgeTriggerPips {
				continue
			}
			p.Side = st.Root.Side.Opposite()
			p.Size = st.Root.Size * cfg.HedgeRatio
		case KindDca:
			if used >= cfg.MaxDcaLevels || adverse < cfg.DcaTriggerPips*float64(used+1) {
				continue
			}
			if cfg.DcaMaxAdversePips > 0 && adverse > cfg.DcaMaxAdversePips {
				mtxRecoverySuppressed.WithLabelValues(kind.Label(), "dca_depth").Inc()
				continue
			}
			p.Side = st.Root.Side
			p.Size = st.Root.Size * math.Pow(cfg.DcaMultiplier, float64(used+1))
		}

		p.Size = roundVolume(p.Size, cfg)
		if p.Size <= 0 {
			continue
		}
		key := pendingKey{stack: p.StackID, kind: kind, level: p.Level}
		if _, inFlight := e.pending[key]; inFlight {
			continue
		}
		size := decimal.NewFromFloat(p.Size)
		if projected.Add(size).GreaterThan(limit) {
			mtxRecoverySuppressed.WithLabelValues(kind.Label(), "exposure_cap").Inc()
			e.log.Info("[RECOVERY] suppressed by stack exposure cap",
				zap.Int64("stack", int64(p.StackID)), zap.String("kind", kind.String()),
				zap.Float64("size", p.Size), zap.String("projected", projected.String()),
				zap.Float64("cap", cfg.MaxStackExposure))
			continue
		}
		projected = projected.Add(size)
		e.pending[key] = struct{}{}
		mtxRecoveryProposals.WithLabelValues(kind.Label()).Inc()
		out = append(out, p)
	}
	return out
}

// Release clears an in-flight proposal after a failed placement.
func (e *RecoveryEngine) Release(p ProposedAction) {
	delete(e.pending, pendingKey{stack: p.StackID, kind: p.Kind, level: p.Level})
}

// Forget drops every pending entry of a closed stack.
func (e *RecoveryEngine) Forget(stackID PositionID) {
	for k := range e.pending {
		if k.stack == stackID {
			delete(e.pending, k)
		}
	}
}

// prune drops ledger entries the stack has already filled. An entry above
// levels_used+1 means a member was closed underneath it and is dropped too.
func (e *RecoveryEngine) prune(st Stack) {
	for k := range e.pending {
		if k.stack != st.ID() {
			continue
		}
		if used := st.LevelsUsed(k.kind); k.level != used+1 {
			delete(e.pending, k)
		}
	}
}

// roundVolume snaps a lot size to the instrument volume step and clamps it
// to the min/max volume.
func roundVolume(size float64, cfg InstrumentConfig) float64 {
	d := decimal.NewFromFloat(size)
	if cfg.VolumeStep > 0 {
		step := decimal.NewFromFloat(cfg.VolumeStep)
		d = d.Div(step).Round(0).Mul(step)
	}
	v, _ := d.Float64()
	if cfg.MinVolume > 0 && v < cfg.MinVolume {
		v = cfg.MinVolume
	}
	if cfg.MaxVolume > 0 && v > cfg.MaxVolume {
		v = cfg.MaxVolume
	}
	return v
}
