// FILE: signals.go
// Package main – Entry signals and operator commands handed to the engine.
//
// Both arrive from HTTP handlers on other goroutines and are drained by the
// engine at the top of a cycle, so stack and risk state are still only ever
// mutated from the cycle goroutine.
package main

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Signal asks for a new stack root. Size 0 uses the configured root lot.
type Signal struct {
	Instrument string  `json:"instrument"`
	Side       Side    `json:"side"`
	Size       float64 `json:"size,omitempty"`
	Strength   float64 `json:"strength,omitempty"`
	Source     string  `json:"source,omitempty"`
}

func (s *Signal) normalize() error {
	s.Instrument = strings.ToUpper(strings.TrimSpace(s.Instrument))
	if s.Instrument == "" {
		return errors.New("instrument is required")
	}
	side, ok := ParseSide(string(s.Side))
	if !ok {
		return fmt.Errorf("side %q is not long or short", s.Side)
	}
	s.Side = side
	if s.Size < 0 {
		return fmt.Errorf("size %g is negative", s.Size)
	}
	return nil
}

// ErrQueueFull is returned when the engine has not drained pending items.
var ErrQueueFull = errors.New("queue full")

// ControlKind enumerates operator commands.
type ControlKind int

const ControlRiskReset ControlKind = 1

// ControlCommand is an operator action applied between cycles.
type ControlCommand struct {
	Kind       ControlKind
	RebasePeak bool
}

// Inbox buffers signals and commands for the engine.
type Inbox struct {
	mu       sync.Mutex
	signals  []Signal
	controls []ControlCommand
	max      int
}

func NewInbox(max int) *Inbox {
	if max <= 0 {
		max = 64
	}
	return &Inbox{max: max}
}

func (q *Inbox) PushSignal(s Signal) error {
	if err := s.normalize(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.signals) >= q.max {
		return ErrQueueFull
	}
	q.signals = append(q.signals, s)
	return nil
}

func (q *Inbox) PushControl(c ControlCommand) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.controls = append(q.controls, c)
}

// Drain hands over everything queued so far.
func (q *Inbox) Drain() ([]Signal, []ControlCommand) {
	q.mu.Lock()
	defer q.mu.Unlock()
	s, c := q.signals, q.controls
	q.signals, q.controls = nil, nil
	return s, c
}

func (q *Inbox) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.signals) + len(q.controls)
}
