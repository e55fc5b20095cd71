// FILE: engine.go
// Package main – The cycle orchestrator.
//
// Engine owns every component and is the only goroutine that mutates stack,
// recovery, risk and blacklist state. One Cycle:
//   1) apply queued operator commands (risk reset)
//   2) account + positions from the broker, reconcile the tracker
//   3) RiskGovernor.OnCycle; while a liquidation is in progress, close
//      everything and skip the rest
//   4) per instrument (sorted) and per stack: observe price, evaluate exits,
//      and only if no exit fired, evaluate recovery escalations. A stack
//      whose close was decided but did not complete is latched: it only
//      retries the remaining closes until it is gone.
//   5) open roots for queued entry signals
//   6) persist risk state + blacklist, publish the status snapshot
//
// HTTP handlers only read the published snapshot or push into the Inbox.
// A cycle is never cut short by shutdown; callers stop between cycles.
package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EngineStatus is the read-only view served on /status.
type EngineStatus struct {
	CycleID     string                    `json:"cycle_id"`
	UpdatedAt   time.Time                 `json:"updated_at"`
	Broker      string                    `json:"broker"`
	Account     AccountState              `json:"account"`
	Risk        RiskState                 `json:"risk"`
	DrawdownPct float64                   `json:"drawdown_pct"`
	Stacks      []Stack                   `json:"stacks"`
	Orphans     []Orphan                  `json:"orphans"`
	Blacklist   map[string]time.Time      `json:"blacklist"`
	Exits       []ExitDecision            `json:"exits,omitempty"`
	Closing     map[PositionID]CloseLatch `json:"closing,omitempty"`
	Reconcile   ReconciliationReport      `json:"reconcile"`
	LastError   string                    `json:"last_error,omitempty"`
}

// CloseLatch latches a stack whose close was decided. Realized keeps the
// P&L of members already closed so the final tally covers the whole stack.
type CloseLatch struct {
	Reason   string    `json:"reason"`
	Since    time.Time `json:"since"`
	Realized float64   `json:"realized"`
}

type Engine struct {
	cfg         Config
	instruments map[string]InstrumentConfig
	symbols     []string
	broker      Broker
	store       StateStore
	inbox       *Inbox

	tracker    *PositionTracker
	recovery   *RecoveryEngine
	classifier RegimeClassifier
	exits      *ExitEvaluator
	risk       *RiskGovernor
	blacklist  *Blacklist
	closing    map[PositionID]CloseLatch

	now func() time.Time
	log *zap.Logger

	mu     sync.RWMutex
	status EngineStatus
}

func NewEngine(cfg Config, instruments map[string]InstrumentConfig, broker Broker, store StateStore, inbox *Inbox, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if inbox == nil {
		inbox = NewInbox(cfg.SignalQueueSize)
	}
	tracker := NewPositionTracker(cfg.Magic, logger.Named("tracker"))
	classifier := NewHurstADXClassifier(RegimeConfig{ADXThreshold: cfg.ADXThreshold})
	e := &Engine{
		cfg:         cfg,
		instruments: instruments,
		symbols:     SortedSymbols(instruments),
		broker:      broker,
		store:       store,
		inbox:       inbox,
		tracker:     tracker,
		recovery:    NewRecoveryEngine(logger.Named("recovery")),
		classifier:  classifier,
		exits:       NewExitEvaluator(classifier, cfg.BlacklistFor, logger.Named("exits")),
		risk:        NewRiskGovernor(cfg.Risk, tracker, logger.Named("risk")),
		blacklist:   NewBlacklist(),
		closing:     make(map[PositionID]CloseLatch),
		now:         func() time.Time { return time.Now().UTC() },
		log:         logger,
	}
	return e
}

// Start restores persisted state and rebuilds the stack cache from the
// broker. It must succeed before the first Cycle.
func (e *Engine) Start(ctx context.Context) error {
	st, err := e.store.Load(ctx)
	switch {
	case errors.Is(err, ErrNoState):
		e.log.Info("[BOOT] no persisted state, starting fresh")
	case err != nil:
		return fmt.Errorf("load state: %w", err)
	default:
		e.risk.Restore(st.Risk)
		for inst, until := range st.Blacklist {
			e.blacklist.Add(inst, until)
		}
		for id, c := range st.Closing {
			e.closing[id] = c
		}
		e.log.Info("[BOOT] state restored",
			zap.Float64("peak_equity", st.Risk.PeakEquity),
			zap.Bool("trading_enabled", st.Risk.TradingEnabled),
			zap.Bool("liquidating", st.Risk.EmergencyLiquidationInProgress),
			zap.Int("blacklisted", len(st.Blacklist)),
			zap.Int("closing", len(st.Closing)),
			zap.Time("saved_at", st.SavedAt))
	}

	positions, err := e.broker.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("initial positions: %w", err)
	}
	rep := e.tracker.Reconcile(positions, e.now())
	observeReconcile(rep)
	e.pruneClosing(e.log)
	mtxStacks.Set(float64(e.tracker.Len()))
	e.log.Info("[BOOT] stacks rebuilt from broker",
		zap.Int("positions", len(positions)), zap.Int("stacks", e.tracker.Len()),
		zap.Int("attached", len(rep.Attached)), zap.Int("orphans", len(rep.Orphans)),
		zap.Int("foreign", rep.Foreign))
	e.publish(EngineStatus{UpdatedAt: e.now(), Reconcile: rep}, nil)
	return nil
}

// Cycle runs one full evaluation pass. Cancelling ctx does not stop a cycle
// that has started; broker calls are bounded by their own timeouts.
func (e *Engine) Cycle(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	began := time.Now()
	defer func() { mtxCycleDuration.Observe(time.Since(began).Seconds()) }()

	cycleID := uuid.NewString()
	log := e.log.With(zap.String("cycle", cycleID))
	now := e.now()
	status := EngineStatus{CycleID: cycleID, UpdatedAt: now}

	signals, controls := e.inbox.Drain()
	for _, c := range controls {
		e.applyControl(c, log)
	}

	acct, err := e.broker.GetAccountState(ctx)
	if err != nil {
		e.publish(status, err)
		return fmt.Errorf("account: %w", err)
	}
	positions, err := e.broker.GetPositions(ctx)
	if err != nil {
		e.publish(status, err)
		return fmt.Errorf("positions: %w", err)
	}
	status.Account = acct
	status.Reconcile = e.tracker.Reconcile(positions, now)
	observeReconcile(status.Reconcile)
	for _, id := range status.Reconcile.GhostsRemoved {
		e.recovery.Forget(id)
	}
	e.pruneClosing(log)

	if cmd, ok := e.risk.OnCycle(acct); ok && cmd.Kind == RiskEmergencyLiquidate {
		log.Error("[RISK] liquidating all stacks", zap.String("reason", cmd.Reason), zap.Float64("drawdown_pct", cmd.DrawdownPct))
	}
	if e.risk.State().EmergencyLiquidationInProgress {
		if len(signals) > 0 {
			log.Warn("[SIGNAL] dropped during liquidation", zap.Int("count", len(signals)))
		}
		e.liquidate(ctx, log)
		e.finish(ctx, status, log)
		return nil
	}

	if expired := e.blacklist.Prune(now); len(expired) > 0 {
		log.Info("[BLACKLIST] expired", zap.Strings("instruments", expired))
	}

	for _, sym := range e.symbols {
		status.Exits = append(status.Exits, e.manageInstrument(ctx, sym, acct, now, log)...)
	}
	e.openRoots(ctx, signals, acct, now, log)
	e.finish(ctx, status, log)
	return nil
}

// setClock drives engine and governor time from one source (replays, tests).
func (e *Engine) setClock(now func() time.Time) {
	e.now = now
	e.risk.now = now
}

// Inbox is where HTTP handlers queue signals and commands.
func (e *Engine) Inbox() *Inbox { return e.inbox }

// Status returns the last published snapshot.
func (e *Engine) Status() EngineStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

func (e *Engine) applyControl(c ControlCommand, log *zap.Logger) {
	switch c.Kind {
	case ControlRiskReset:
		log.Warn("[RISK] operator reset applied", zap.Bool("rebase_peak", c.RebasePeak))
		e.risk.Reset(c.RebasePeak)
	default:
		log.Warn("[CONTROL] unknown command", zap.Int("kind", int(c.Kind)))
	}
}

// liquidate closes every member of every stack (recovery members before
// roots) and every orphan we own. The latch is released only once nothing
// is left open.
func (e *Engine) liquidate(ctx context.Context, log *zap.Logger) {
	failed := 0
	for _, st := range e.tracker.Stacks() {
		if _, done := e.closeStack(ctx, st, "liquidate", "liquidate", log); !done {
			failed++
		}
	}
	for _, o := range e.tracker.Orphans() {
		err := e.broker.ClosePosition(ctx, o.ID)
		mtxOrders.WithLabelValues("liquidate", orderResult(err)).Inc()
		if err != nil {
			failed++
			log.Error("[RISK] orphan close failed", zap.Int64("id", int64(o.ID)), zap.Error(err))
		}
	}
	if failed > 0 {
		log.Error("[RISK] liquidation incomplete, retrying next cycle", zap.Int("failed", failed))
		return
	}
	e.risk.CompleteLiquidation()
}

// manageInstrument runs exits then escalations for every stack of sym.
func (e *Engine) manageInstrument(ctx context.Context, sym string, acct AccountState, now time.Time, log *zap.Logger) []ExitDecision {
	stacks := e.tracker.StacksFor(sym)
	if len(stacks) == 0 {
		return nil
	}
	cfg := e.instruments[sym]
	log = log.With(zap.String("instrument", sym))

	price, err := e.broker.GetNowPrice(ctx, sym)
	if err != nil || price <= 0 {
		log.Warn("[CYCLE] no price, skipping instrument", zap.Error(err))
		return nil
	}
	history, err := e.broker.GetRecentCandles(ctx, sym, e.cfg.Granularity, e.cfg.HistoryCandles)
	if err != nil {
		log.Warn("[CYCLE] candles unavailable", zap.Error(err))
	}
	mean, hasMean := referenceMean(history, e.cfg.ReferenceMeanPeriod)

	var (
		decisions []ExitDecision
		regime    *MarketRegimeSnapshot
	)
	for _, s := range stacks {
		e.tracker.ObservePrice(s.ID(), price, cfg.PipSize)
		st, ok := e.tracker.Snapshot(s.ID())
		if !ok {
			continue
		}
		if c, latched := e.closing[st.ID()]; latched {
			log.Info("[EXIT] retrying close", zap.Int64("stack", int64(st.ID())),
				zap.String("reason", c.Reason), zap.Time("since", c.Since))
			if net, done := e.closeStack(ctx, st, "close", c.Reason, log); done {
				e.risk.RecordRealized(net)
				log.Info("[EXIT] stack closed", zap.Int64("stack", int64(st.ID())), zap.Float64("net", net))
			}
			continue
		}
		d, fired := e.exits.Evaluate(st, acct, cfg, ExitInputs{
			Now: now, Price: price, ReferenceMean: mean, HasMean: hasMean, History: history,
		})
		if fired {
			e.applyExit(ctx, st, d, log)
			decisions = append(decisions, d)
			continue
		}
		if e.cfg.GateRecoveryOnTrend {
			if regime == nil {
				r := e.classifier.Classify(history)
				regime = &r
			}
			if regime.Label == RegimeTrending {
				log.Info("[RECOVERY] held back in trending market",
					zap.Int64("stack", int64(st.ID())), zap.Float64("adx", regime.TrendStrength))
				continue
			}
		}
		e.escalate(ctx, st, price, cfg, acct, log)
	}
	mtxStacks.Set(float64(e.tracker.Len()))
	return decisions
}

func (e *Engine) applyExit(ctx context.Context, st Stack, d ExitDecision, log *zap.Logger) {
	mtxExitDecisions.WithLabelValues(d.Kind.String(), d.Reason).Inc()
	log = log.With(zap.Int64("stack", int64(st.ID())), zap.String("reason", d.Reason))

	switch d.Kind {
	case ExitKillStack, ExitCloseStack:
		if net, done := e.closeStack(ctx, st, "close", d.Reason, log); done {
			e.risk.RecordRealized(net)
			log.Info("[EXIT] stack closed", zap.Float64("net", net), zap.Int("members", len(st.Members())))
		}
		if b := d.Blacklist; b != nil {
			e.blacklist.Add(b.Instrument, b.Until)
			log.Warn("[BLACKLIST] instrument blocked for new stacks", zap.Time("until", b.Until), zap.String("why", b.Reason))
		}

	case ExitCloseMember:
		err := e.broker.ClosePosition(ctx, d.MemberID)
		mtxOrders.WithLabelValues("close", orderResult(err)).Inc()
		if err != nil {
			log.Error("[EXIT] member close failed", zap.Int64("member", int64(d.MemberID)), zap.Error(err))
			return
		}
		if err := e.tracker.RemoveMember(d.MemberID); err != nil {
			log.Warn("[EXIT] member closed but not tracked", zap.Int64("member", int64(d.MemberID)), zap.Error(err))
		}
		log.Info("[EXIT] member closed", zap.Int64("member", int64(d.MemberID)))

	case ExitPartialClose:
		banked := 0
		for _, c := range d.Closes {
			var err error
			if c.Partial {
				err = e.broker.ClosePartial(ctx, c.ID, c.Size)
			} else {
				err = e.broker.ClosePosition(ctx, c.ID)
			}
			mtxOrders.WithLabelValues("partial_close", orderResult(err)).Inc()
			if err != nil {
				log.Error("[EXIT] partial close failed", zap.Int64("member", int64(c.ID)), zap.Float64("size", c.Size), zap.Error(err))
				continue
			}
			if err := e.tracker.ReduceMember(c.ID, c.Size); err != nil {
				log.Warn("[EXIT] partial close not folded", zap.Int64("member", int64(c.ID)), zap.Error(err))
			}
			banked++
		}
		if banked > 0 {
			e.tracker.MarkPartialLevel(st.ID(), d.PartialLevel)
			log.Info("[EXIT] profit milestone banked", zap.Float64("level", d.PartialLevel), zap.Int("orders", banked))
		}
		if _, open := e.tracker.Snapshot(st.ID()); !open {
			e.recovery.Forget(st.ID())
		}
	}
}

// closeStack closes recovery members first and the root last. The stack is
// latched before the first order so a partial failure never hands it back
// to exit or recovery evaluation; the next cycle retries what is left. The
// root stays open while any member is open. On success it returns the
// realized P&L of the whole stack.
func (e *Engine) closeStack(ctx context.Context, st Stack, kind, reason string, log *zap.Logger) (float64, bool) {
	c, latched := e.closing[st.ID()]
	if !latched {
		c = CloseLatch{Reason: reason, Since: e.now()}
	}
	failed := false
	for _, m := range st.RecoveryMembers() {
		err := e.broker.ClosePosition(ctx, m.ID)
		mtxOrders.WithLabelValues(kind, orderResult(err)).Inc()
		if err != nil {
			failed = true
			log.Error("[EXIT] member close failed", zap.Int64("stack", int64(st.ID())), zap.Int64("member", int64(m.ID)), zap.Error(err))
			continue
		}
		c.Realized += m.Unrealized
		_ = e.tracker.RemoveMember(m.ID)
	}
	e.closing[st.ID()] = c
	if failed {
		return 0, false
	}
	err := e.broker.ClosePosition(ctx, st.ID())
	mtxOrders.WithLabelValues(kind, orderResult(err)).Inc()
	if err != nil {
		log.Error("[EXIT] root close failed, stack latched for retry", zap.Int64("stack", int64(st.ID())), zap.Error(err))
		return 0, false
	}
	_ = e.tracker.Untrack(st.ID())
	e.recovery.Forget(st.ID())
	delete(e.closing, st.ID())
	return c.Realized + st.Root.Unrealized, true
}

// pruneClosing drops latches of stacks reconciliation no longer tracks.
func (e *Engine) pruneClosing(log *zap.Logger) {
	for id, c := range e.closing {
		if _, ok := e.tracker.Snapshot(id); ok {
			continue
		}
		delete(e.closing, id)
		log.Info("[EXIT] close latch cleared, stack gone at broker",
			zap.Int64("stack", int64(id)), zap.String("reason", c.Reason))
	}
}

// escalate places the recovery proposals for one stack. Every failure path
// releases the proposal so the next cycle re-evaluates from the live price.
func (e *Engine) escalate(ctx context.Context, st Stack, price float64, cfg InstrumentConfig, acct AccountState, log *zap.Logger) {
	for _, p := range e.recovery.Evaluate(st, price, cfg.PipSize, cfg) {
		plog := log.With(zap.Int64("stack", int64(p.StackID)), zap.String("kind", p.Kind.String()), zap.Int("level", p.Level))
		if err := e.risk.ValidateNewTrade(acct, p.Size); err != nil {
			e.recovery.Release(p)
			mtxRecoverySuppressed.WithLabelValues(p.Kind.Label(), "risk").Inc()
			plog.Info("[RECOVERY] rejected by risk governor", zap.Error(err))
			continue
		}
		note, err := EncodeAnnotation(p.Kind, p.StackID, e.cfg.MaxAnnotationLen)
		if err != nil {
			e.recovery.Release(p)
			mtxRecoverySuppressed.WithLabelValues(p.Kind.Label(), "annotation").Inc()
			plog.Error("[RECOVERY] annotation does not fit, order not sent", zap.Error(err))
			continue
		}
		id, err := e.broker.PlaceOrder(ctx, p.Instrument, p.Side, p.Size, note)
		mtxOrders.WithLabelValues(p.Kind.Label(), orderResult(err)).Inc()
		if err != nil {
			e.recovery.Release(p)
			plog.Error("[RECOVERY] order failed", zap.Float64("size", p.Size), zap.Error(err))
			continue
		}
		fill := Fill{ID: id, EntryPrice: p.Price, Size: p.Size, OpenTime: e.now()}
		if err := e.tracker.RecordMember(p, fill); err != nil {
			// the annotation lets the next reconcile attach it
			plog.Warn("[RECOVERY] fill not recorded", zap.Int64("member", int64(id)), zap.Error(err))
			continue
		}
		e.recovery.Release(p) // levels_used now carries it
		plog.Info("[RECOVERY] member opened",
			zap.Int64("member", int64(id)), zap.String("side", string(p.Side)),
			zap.Float64("size", p.Size), zap.Float64("adverse_pips", p.AdversePips), zap.String("annotation", note))
	}
}

// openRoots turns queued entry signals into new stacks.
func (e *Engine) openRoots(ctx context.Context, signals []Signal, acct AccountState, now time.Time, log *zap.Logger) {
	for _, s := range signals {
		slog := log.With(zap.String("instrument", s.Instrument), zap.String("side", string(s.Side)), zap.String("source", s.Source))
		cfg, ok := e.instruments[s.Instrument]
		if !ok {
			slog.Warn("[SIGNAL] unknown instrument")
			continue
		}
		if e.blacklist.Active(s.Instrument, now) {
			slog.Info("[SIGNAL] instrument blacklisted")
			continue
		}
		if max := e.cfg.MaxStacksPerInstrument; max > 0 && len(e.tracker.StacksFor(s.Instrument)) >= max {
			slog.Info("[SIGNAL] stack limit reached", zap.Int("max", max))
			continue
		}
		size := s.Size
		if size <= 0 {
			size = e.cfg.RootLot
		}
		size = roundVolume(size, cfg)
		if err := e.risk.ValidateNewTrade(acct, size); err != nil {
			slog.Info("[SIGNAL] rejected by risk governor", zap.Error(err))
			continue
		}
		price, err := e.broker.GetNowPrice(ctx, s.Instrument)
		if err != nil {
			slog.Warn("[SIGNAL] no price", zap.Error(err))
			continue
		}
		id, err := e.broker.PlaceOrder(ctx, s.Instrument, s.Side, size, "")
		mtxOrders.WithLabelValues("root", orderResult(err)).Inc()
		if err != nil {
			slog.Error("[SIGNAL] root order failed", zap.Error(err))
			continue
		}
		if _, err := e.tracker.Track(id, s.Instrument, s.Side, price, size, now); err != nil {
			slog.Warn("[SIGNAL] root not tracked, reconcile will adopt it", zap.Int64("id", int64(id)), zap.Error(err))
		}
	}
	mtxStacks.Set(float64(e.tracker.Len()))
}

// finish persists state and publishes the cycle snapshot.
func (e *Engine) finish(ctx context.Context, status EngineStatus, log *zap.Logger) {
	ps := PersistedState{Risk: e.risk.State(), Blacklist: e.blacklist.Entries(), Closing: e.closingEntries(), SavedAt: e.now()}
	var err error
	if err = e.store.Save(context.WithoutCancel(ctx), ps); err != nil {
		log.Error("[STATE] save failed", zap.Error(err))
	}
	mtxBlacklisted.Set(float64(e.blacklist.Len()))
	mtxStacks.Set(float64(e.tracker.Len()))
	e.publish(status, err)
}

func (e *Engine) publish(status EngineStatus, err error) {
	status.Broker = e.broker.Name()
	status.Risk = e.risk.State()
	status.DrawdownPct = e.risk.DrawdownPct(status.Risk.CurrentEquity)
	status.Stacks = e.tracker.Stacks()
	status.Orphans = e.tracker.Orphans()
	status.Blacklist = e.blacklist.Entries()
	status.Closing = e.closingEntries()
	if err != nil {
		status.LastError = err.Error()
	}
	e.mu.Lock()
	e.status = status
	e.mu.Unlock()
}

func (e *Engine) closingEntries() map[PositionID]CloseLatch {
	if len(e.closing) == 0 {
		return nil
	}
	out := make(map[PositionID]CloseLatch, len(e.closing))
	for id, c := range e.closing {
		out[id] = c
	}
	return out
}

// referenceMean is the SMA of the last period closes.
func referenceMean(history []Candle, period int) (float64, bool) {
	if period <= 0 || len(history) < period {
		return 0, false
	}
	sma := SMA(history, period)
	last := sma[len(sma)-1]
	if math.IsNaN(last) || last <= 0 {
		return 0, false
	}
	return last, true
}
