// FILE: stack.go
// Package main – Stack data model shared by the tracker, trigger engine and exit evaluator.
//
// A Stack is one root position (the Original member) plus every recovery
// position opened on its behalf:
//   • GridLevels   – same-side averaging at fixed pip spacing
//   • HedgeMembers – opposite-side offset, at most one
//   • DcaLevels    – same-side averaging with geometric sizing
//
// Only the PositionTracker mutates these values. Everyone else gets a deep
// copy through Stack.Clone (see tracker.go).
package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PositionID is the broker-assigned identifier of an open position.
type PositionID int64

// Side is the direction of a position.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// ParseSide accepts long/short and the broker spellings buy/sell.
func ParseSide(s string) (Side, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "long", "buy":
		return SideLong, true
	case "short", "sell":
		return SideShort, true
	default:
		return "", false
	}
}

func (s Side) Valid() bool { return s == SideLong || s == SideShort }

// Opposite returns the hedging direction.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// MemberKind tags a stack member. The root is always KindOriginal.
type MemberKind int

const (
	KindOriginal MemberKind = iota
	KindGrid
	KindHedge
	KindDca
)

// recoveryKinds is the fixed evaluation order for escalation.
var recoveryKinds = []MemberKind{KindGrid, KindHedge, KindDca}

func (k MemberKind) String() string {
	switch k {
	case KindOriginal:
		return "ORIGINAL"
	case KindGrid:
		return "GRID"
	case KindHedge:
		return "HEDGE"
	case KindDca:
		return "DCA"
	default:
		return fmt.Sprintf("KIND(%d)", int(k))
	}
}

// Label is the lowercase form used in metrics and JSON.
func (k MemberKind) Label() string { return strings.ToLower(k.String()) }

// StackMember is one broker position that belongs to a stack.
type StackMember struct {
	ID         PositionID `json:"id"`
	StackID    PositionID `json:"stack_id"`
	Kind       MemberKind `json:"-"`
	KindLabel  string     `json:"kind"`
	Level      int        `json:"level"`
	EntryPrice float64    `json:"entry_price"`
	Size       float64    `json:"size"`
	Side       Side       `json:"side"`
	OpenTime   time.Time  `json:"open_time"`
	Unrealized float64    `json:"unrealized"`
}

// Stack groups a root position with its recovery members.
type Stack struct {
	Instrument   string        `json:"instrument"`
	Root         StackMember   `json:"root"`
	GridLevels   []StackMember `json:"grid_levels"`
	HedgeMembers []StackMember `json:"hedge_members"`
	DcaLevels    []StackMember `json:"dca_levels"`

	TotalSize      float64   `json:"total_size"`
	NetUnrealized  float64   `json:"net_unrealized"`
	MaxAdversePips float64   `json:"max_adverse_pips"`
	OpenTime       time.Time `json:"open_time"`

	// profit milestones (fraction of target) already banked by partial closes
	PartialLevelsHit []float64 `json:"partial_levels_hit,omitempty"`
}

// ID is the stack identifier, which is the root position id.
func (s *Stack) ID() PositionID { return s.Root.ID }

// LevelsUsed is the number of open members of the given recovery kind.
func (s *Stack) LevelsUsed(k MemberKind) int {
	switch k {
	case KindGrid:
		return len(s.GridLevels)
	case KindHedge:
		return len(s.HedgeMembers)
	case KindDca:
		return len(s.DcaLevels)
	case KindOriginal:
		return 1
	default:
		return 0
	}
}

// Members returns every member, root first, then grid, hedge and dca.
func (s *Stack) Members() []StackMember {
	out := make([]StackMember, 0, 1+len(s.GridLevels)+len(s.HedgeMembers)+len(s.DcaLevels))
	out = append(out, s.Root)
	out = append(out, s.GridLevels...)
	out = append(out, s.HedgeMembers...)
	out = append(out, s.DcaLevels...)
	return out
}

// RecoveryMembers returns non-root members in grid, hedge, dca order.
func (s *Stack) RecoveryMembers() []StackMember {
	all := s.Members()
	return all[1:]
}

// Member finds a member by id.
func (s *Stack) Member(id PositionID) (StackMember, bool) {
	for _, m := range s.Members() {
		if m.ID == id {
			return m, true
		}
	}
	return StackMember{}, false
}

// kindSlice returns a pointer to the member list of a recovery kind.
func (s *Stack) kindSlice(k MemberKind) *[]StackMember {
	switch k {
	case KindGrid:
		return &s.GridLevels
	case KindHedge:
		return &s.HedgeMembers
	case KindDca:
		return &s.DcaLevels
	default:
		return nil
	}
}

// Clone returns a deep copy safe to hand to other components.
func (s *Stack) Clone() Stack {
	c := *s
	c.GridLevels = append([]StackMember(nil), s.GridLevels...)
	c.HedgeMembers = append([]StackMember(nil), s.HedgeMembers...)
	c.DcaLevels = append([]StackMember(nil), s.DcaLevels...)
	c.PartialLevelsHit = append([]float64(nil), s.PartialLevelsHit...)
	return c
}

// recompute refreshes the derived aggregates. MaxAdversePips is a running
// maximum and is left alone here.
func (s *Stack) recompute() {
	total, net := decimal.Zero, decimal.Zero
	for _, m := range s.Members() {
		total = total.Add(decimal.NewFromFloat(m.Size))
		net = net.Add(decimal.NewFromFloat(m.Unrealized))
	}
	s.TotalSize, _ = total.Float64()
	s.NetUnrealized, _ = net.Float64()
	s.OpenTime = s.Root.OpenTime
}

// AdversePips is the signed distance of price from the root entry in the
// unfavourable direction. Negative values mean the stack is in profit.
func (s *Stack) AdversePips(price, pipSize float64) float64 {
	if pipSize <= 0 {
		return 0
	}
	entry := decimal.NewFromFloat(s.Root.EntryPrice)
	px := decimal.NewFromFloat(price)
	diff := entry.Sub(px)
	if s.Root.Side == SideShort {
		diff = px.Sub(entry)
	}
	pips, _ := diff.Div(decimal.NewFromFloat(pipSize)).Float64()
	return pips
}

// BreakevenPrice is the size-weighted entry of members on the root side.
// Hedges are excluded since they offset rather than average.
func (s *Stack) BreakevenPrice() float64 {
	var num, den float64
	for _, m := range s.Members() {
		if m.Side != s.Root.Side {
			continue
		}
		num += m.EntryPrice * m.Size
		den += m.Size
	}
	if den == 0 {
		return 0
	}
	return num / den
}

// ---- Errors ----

var (
	ErrInvalidPosition    = errors.New("invalid position")
	ErrDuplicateID        = errors.New("duplicate position id")
	ErrOrphanPosition     = errors.New("position is a recorded orphan")
	ErrUnknownStack       = errors.New("unknown stack")
	ErrUnknownMember      = errors.New("unknown stack member")
	ErrAnnotationOverflow = errors.New("annotation exceeds broker maximum length")
	ErrBrokerUnavailable  = errors.New("broker unavailable")
)

// InvalidPositionError reports which field failed validation in Track.
type InvalidPositionError struct {
	Field  string
	Reason string
}

func (e *InvalidPositionError) Error() string {
	return fmt.Sprintf("invalid position: %s %s", e.Field, e.Reason)
}

func (e *InvalidPositionError) Is(target error) bool { return target == ErrInvalidPosition }
