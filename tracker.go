// FILE: tracker.go
// Package main – PositionTracker: the stack registry and broker reconciliation.
//
// The tracker owns every Stack and the member→stack linkage table. It is the
// only writer of stack state:
//   • Track / Untrack           – root lifecycle
//   • RecordMember              – fold a filled escalation order into its stack
//   • RemoveMember / ReduceMember – fold full and partial member closes
//   • Reconcile                 – rebuild/repair the cache from broker truth
//
// Readers get deep copies (Snapshot, Stacks, StacksFor). The tracker is not
// safe for concurrent use; the orchestrator drives it from one goroutine.
package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Orphan is a broker position whose linkage could not be resolved exactly.
// Orphans are reported and never escalated or adopted as roots.
type Orphan struct {
	ID         PositionID `json:"id"`
	Instrument string     `json:"instrument"`
	Side       Side       `json:"side"`
	Size       float64    `json:"size"`
	Annotation string     `json:"annotation"`
	Reason     string     `json:"reason"`
	FirstSeen  time.Time  `json:"first_seen"`
}

// ReconciliationReport summarizes one Reconcile pass.
type ReconciliationReport struct {
	AdoptedRoots  []PositionID `json:"adopted_roots"`
	Attached      []PositionID `json:"attached"`
	Orphans       []Orphan     `json:"orphans"`
	GhostsRemoved []PositionID `json:"ghosts_removed"`
	StaleMembers  []PositionID `json:"stale_members"`
	Foreign       int          `json:"foreign"`
}

// Fill is the broker confirmation of an escalation order.
type Fill struct {
	ID         PositionID
	EntryPrice float64
	Size       float64
	OpenTime   time.Time
}

// PositionTracker is the registry of stacks keyed by root id.
type PositionTracker struct {
	stacks  map[PositionID]*Stack
	owner   map[PositionID]PositionID // member id (root included) → stack id
	orphans map[PositionID]Orphan
	magic   int64 // 0 accepts every broker position
	log     *zap.Logger
}

func NewPositionTracker(magic int64, logger *zap.Logger) *PositionTracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PositionTracker{
		stacks:  make(map[PositionID]*Stack),
		owner:   make(map[PositionID]PositionID),
		orphans: make(map[PositionID]Orphan),
		magic:   magic,
		log:     logger,
	}
}

// Track registers a new stack root and returns its stack id.
func (t *PositionTracker) Track(id PositionID, instrument string, side Side, entryPrice, size float64, openTime time.Time) (PositionID, error) {
	switch {
	case id <= 0:
		return 0, &InvalidPositionError{Field: "id", Reason: fmt.Sprintf("%d is not positive", id)}
	case !side.Valid():
		return 0, &InvalidPositionError{Field: "side", Reason: fmt.Sprintf("%q is not long or short", side)}
	case entryPrice <= 0:
		return 0, &InvalidPositionError{Field: "entry_price", Reason: fmt.Sprintf("%g is not positive", entryPrice)}
	case size <= 0:
		return 0, &InvalidPositionError{Field: "size", Reason: fmt.Sprintf("%g is not positive", size)}
	case instrument == "":
		return 0, &InvalidPositionError{Field: "instrument", Reason: "is empty"}
	}
	if _, ok := t.owner[id]; ok {
		return 0, fmt.Errorf("track %d: %w", id, ErrDuplicateID)
	}
	if _, ok := t.orphans[id]; ok {
		return 0, fmt.Errorf("track %d: %w", id, ErrOrphanPosition)
	}

	st := &Stack{
		Instrument: instrument,
		Root: StackMember{
			ID: id, StackID: id, Kind: KindOriginal, KindLabel: KindOriginal.Label(),
			EntryPrice: entryPrice, Size: size, Side: side, OpenTime: openTime,
		},
	}
	st.recompute()
	t.stacks[id] = st
	t.owner[id] = id
	t.log.Info("[TRACK] stack opened",
		zap.Int64("stack", int64(id)), zap.String("instrument", instrument),
		zap.String("side", string(side)), zap.Float64("entry", entryPrice), zap.Float64("size", size))
	return id, nil
}

// Untrack forgets a stack and every member linkage.
func (t *PositionTracker) Untrack(stackID PositionID) error {
	st, ok := t.stacks[stackID]
	if !ok {
		return fmt.Errorf("untrack %d: %w", stackID, ErrUnknownStack)
	}
	for _, m := range st.Members() {
		delete(t.owner, m.ID)
	}
	delete(t.stacks, stackID)
	return nil
}

// RecordMember attaches a filled escalation order. The proposal level must be
// the next free level of its kind, otherwise the fill is stale.
func (t *PositionTracker) RecordMember(p ProposedAction, f Fill) error {
	st, ok := t.stacks[p.StackID]
	if !ok {
		return fmt.Errorf("record member %d: %w", f.ID, ErrUnknownStack)
	}
	if f.ID <= 0 {
		return &InvalidPositionError{Field: "id", Reason: fmt.Sprintf("%d is not positive", f.ID)}
	}
	if f.Size <= 0 {
		return &InvalidPositionError{Field: "size", Reason: fmt.Sprintf("%g is not positive", f.Size)}
	}
	if _, dup := t.owner[f.ID]; dup {
		return fmt.Errorf("record member %d: %w", f.ID, ErrDuplicateID)
	}
	if want := st.LevelsUsed(p.Kind) + 1; p.Level != want {
		return fmt.Errorf("record member %d: %s level %d is stale, next is %d", f.ID, p.Kind, p.Level, want)
	}
	if p.Kind == KindHedge && len(st.HedgeMembers) > 0 {
		return fmt.Errorf("record member %d: stack %d already hedged", f.ID, p.StackID)
	}
	entry := f.EntryPrice
	if entry <= 0 {
		entry = p.Price
	}
	t.insertMember(st, StackMember{
		ID: f.ID, StackID: p.StackID, Kind: p.Kind, EntryPrice: entry,
		Size: f.Size, Side: p.Side, OpenTime: f.OpenTime,
	})
	return nil
}

// RemoveMember forgets a closed recovery member. Roots leave only via Untrack.
func (t *PositionTracker) RemoveMember(id PositionID) error {
	sid, ok := t.owner[id]
	if !ok {
		return fmt.Errorf("remove member %d: %w", id, ErrUnknownMember)
	}
	if sid == id {
		return fmt.Errorf("remove member %d: is a stack root, untrack the stack instead", id)
	}
	st := t.stacks[sid]
	m, _ := st.Member(id)
	list := st.kindSlice(m.Kind)
	for i := range *list {
		if (*list)[i].ID == id {
			*list = append((*list)[:i], (*list)[i+1:]...)
			break
		}
	}
	delete(t.owner, id)
	renumber(*list)
	st.recompute()
	return nil
}

// ReduceMember folds a partial close. A member reduced to nothing is removed;
// a root reduced to nothing closes its stack.
func (t *PositionTracker) ReduceMember(id PositionID, closed float64) error {
	sid, ok := t.owner[id]
	if !ok {
		return fmt.Errorf("reduce member %d: %w", id, ErrUnknownMember)
	}
	st := t.stacks[sid]
	left := decimal.Zero
	t.mutateMember(st, id, func(m *StackMember) {
		left = decimal.NewFromFloat(m.Size).Sub(decimal.NewFromFloat(closed))
		m.Size, _ = left.Float64()
	})
	if left.IsPositive() {
		st.recompute()
		return nil
	}
	if sid == id {
		return t.Untrack(sid)
	}
	return t.RemoveMember(id)
}

// ObservePrice ratchets the stack's worst adverse excursion.
func (t *PositionTracker) ObservePrice(stackID PositionID, price, pipSize float64) {
	st, ok := t.stacks[stackID]
	if !ok {
		return
	}
	if adv := st.AdversePips(price, pipSize); adv > st.MaxAdversePips {
		st.MaxAdversePips = adv
	}
}

// MarkPartialLevel records that a profit milestone has been banked.
func (t *PositionTracker) MarkPartialLevel(stackID PositionID, fraction float64) {
	if st, ok := t.stacks[stackID]; ok {
		st.PartialLevelsHit = append(st.PartialLevelsHit, fraction)
	}
}

// Reconcile folds the broker's list of open positions into the registry.
// It is idempotent and independent of the order of positions.
func (t *PositionTracker) Reconcile(positions []BrokerPosition, now time.Time) ReconciliationReport {
	var rep ReconciliationReport

	present := make(map[PositionID]BrokerPosition, len(positions))
	for _, p := range positions {
		if t.magic != 0 && p.Magic != t.magic {
			rep.Foreign++
			continue
		}
		present[p.ID] = p
	}
	ids := make([]PositionID, 0, len(present))
	for id := range present {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	// ghosts and stale members
	for _, sid := range t.stackIDs() {
		st := t.stacks[sid]
		if _, ok := present[sid]; !ok {
			_ = t.Untrack(sid)
			rep.GhostsRemoved = append(rep.GhostsRemoved, sid)
			t.log.Warn("[RECONCILE] ghost stack removed", zap.Int64("stack", int64(sid)), zap.String("instrument", st.Instrument))
			continue
		}
		for _, m := range st.RecoveryMembers() {
			if _, ok := present[m.ID]; !ok {
				_ = t.RemoveMember(m.ID)
				rep.StaleMembers = append(rep.StaleMembers, m.ID)
				t.log.Info("[RECONCILE] member closed at broker", zap.Int64("stack", int64(sid)), zap.Int64("member", int64(m.ID)))
			}
		}
	}

	// roots first so members never depend on list order
	parsed := make(map[PositionID]parsedAnnotation, len(ids))
	for _, id := range ids {
		p := present[id]
		pa := ParseAnnotation(p.Annotation)
		parsed[id] = pa
		if _, owned := t.owner[id]; owned {
			t.refreshMember(p)
			continue
		}
		if pa.class != annotationNone {
			continue
		}
		if _, err := t.Track(p.ID, p.Instrument, p.Side, p.EntryPrice, p.Size, p.OpenTime); err != nil {
			t.log.Warn("[RECONCILE] cannot adopt root", zap.Int64("id", int64(p.ID)), zap.Error(err))
			continue
		}
		t.refreshMember(p)
		rep.AdoptedRoots = append(rep.AdoptedRoots, p.ID)
	}

	for _, id := range ids {
		if _, owned := t.owner[id]; owned {
			continue
		}
		p := present[id]
		pa := parsed[id]
		if pa.class == annotationNone {
			continue
		}
		reason := t.linkageProblem(p, pa, present)
		if reason != "" {
			o, seen := t.orphans[id]
			if !seen {
				o = Orphan{ID: id, FirstSeen: now}
				t.log.Warn("[RECONCILE] orphan position",
					zap.Int64("id", int64(id)), zap.String("annotation", p.Annotation), zap.String("reason", reason))
			}
			o.Instrument, o.Side, o.Size, o.Annotation, o.Reason = p.Instrument, p.Side, p.Size, p.Annotation, reason
			t.orphans[id] = o
			continue
		}
		delete(t.orphans, id)
		st := t.stacks[pa.parent]
		t.insertMember(st, StackMember{
			ID: id, StackID: pa.parent, Kind: pa.kind, EntryPrice: p.EntryPrice,
			Size: p.Size, Side: p.Side, OpenTime: p.OpenTime, Unrealized: p.Profit,
		})
		rep.Attached = append(rep.Attached, id)
		t.log.Info("[RECONCILE] member attached",
			zap.Int64("stack", int64(pa.parent)), zap.Int64("member", int64(id)), zap.String("kind", pa.kind.String()))
	}

	for id := range t.orphans {
		if _, ok := present[id]; !ok {
			delete(t.orphans, id)
		}
	}
	rep.Orphans = t.Orphans()
	return rep
}

// linkageProblem returns why a recovery-annotated position cannot be attached,
// or "" when the linkage is exact.
func (t *PositionTracker) linkageProblem(p BrokerPosition, pa parsedAnnotation, present map[PositionID]BrokerPosition) string {
	if pa.class == annotationMalformed {
		return pa.reason
	}
	st, ok := t.stacks[pa.parent]
	if !ok {
		if _, isMember := t.owner[pa.parent]; isMember {
			return fmt.Sprintf("parent %d is a recovery member, not a root", pa.parent)
		}
		return fmt.Sprintf("parent %d is not a tracked stack root", pa.parent)
	}
	if _, ok := present[pa.parent]; !ok {
		return fmt.Sprintf("parent %d is not open at the broker", pa.parent)
	}
	if st.Instrument != p.Instrument {
		return fmt.Sprintf("instrument %s differs from parent %s", p.Instrument, st.Instrument)
	}
	if !p.Side.Valid() || p.Size <= 0 {
		return "invalid side or size"
	}
	if pa.kind == KindHedge && len(st.HedgeMembers) > 0 {
		return fmt.Sprintf("stack %d already has hedge %d", pa.parent, st.HedgeMembers[0].ID)
	}
	return ""
}

// refreshMember folds broker marks into a tracked member. Size only shrinks;
// growth would be an external mutation of engine exposure.
func (t *PositionTracker) refreshMember(p BrokerPosition) {
	sid := t.owner[p.ID]
	st := t.stacks[sid]
	t.mutateMember(st, p.ID, func(m *StackMember) {
		m.Unrealized = p.Profit
		if p.EntryPrice > 0 {
			m.EntryPrice = p.EntryPrice // fill price beats the quote we ordered at
		}
		if p.Size > 0 && p.Size < m.Size {
			m.Size = p.Size
		} else if p.Size > m.Size+1e-9 {
			t.log.Warn("[RECONCILE] broker size above tracked size, keeping tracked",
				zap.Int64("member", int64(p.ID)), zap.Float64("broker", p.Size), zap.Float64("tracked", m.Size))
		}
	})
	st.recompute()
}

func (t *PositionTracker) mutateMember(st *Stack, id PositionID, fn func(*StackMember)) {
	if st.Root.ID == id {
		fn(&st.Root)
		return
	}
	for _, k := range recoveryKinds {
		list := st.kindSlice(k)
		for i := range *list {
			if (*list)[i].ID == id {
				fn(&(*list)[i])
				return
			}
		}
	}
}

func (t *PositionTracker) insertMember(st *Stack, m StackMember) {
	m.KindLabel = m.Kind.Label()
	list := st.kindSlice(m.Kind)
	*list = append(*list, m)
	renumber(*list)
	t.owner[m.ID] = st.Root.ID
	st.recompute()
}

// renumber orders members of one kind by open time (then id) and assigns
// levels 1..n.
func renumber(list []StackMember) {
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].OpenTime.Equal(list[j].OpenTime) {
			return list[i].OpenTime.Before(list[j].OpenTime)
		}
		return list[i].ID < list[j].ID
	})
	for i := range list {
		list[i].Level = i + 1
	}
}

func (t *PositionTracker) stackIDs() []PositionID {
	ids := make([]PositionID, 0, len(t.stacks))
	for id := range t.stacks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ---- read side ----

func (t *PositionTracker) Snapshot(stackID PositionID) (Stack, bool) {
	st, ok := t.stacks[stackID]
	if !ok {
		return Stack{}, false
	}
	return st.Clone(), true
}

// Stacks returns copies of every stack ordered by id.
func (t *PositionTracker) Stacks() []Stack {
	out := make([]Stack, 0, len(t.stacks))
	for _, id := range t.stackIDs() {
		out = append(out, t.stacks[id].Clone())
	}
	return out
}

func (t *PositionTracker) StacksFor(instrument string) []Stack {
	var out []Stack
	for _, id := range t.stackIDs() {
		if st := t.stacks[id]; st.Instrument == instrument {
			out = append(out, st.Clone())
		}
	}
	return out
}

func (t *PositionTracker) Orphans() []Orphan {
	out := make([]Orphan, 0, len(t.orphans))
	for _, o := range t.orphans {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// StackOf returns the stack id owning a position.
func (t *PositionTracker) StackOf(id PositionID) (PositionID, bool) {
	sid, ok := t.owner[id]
	return sid, ok
}

// TotalExposure sums the size of every tracked stack.
func (t *PositionTracker) TotalExposure() float64 {
	total := 0.0
	for _, st := range t.stacks {
		total += st.TotalSize
	}
	return total
}

func (t *PositionTracker) Len() int { return len(t.stacks) }
