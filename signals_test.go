package main

import (
	"errors"
	"testing"
)

func TestInbox(t *testing.T) {
	q := NewInbox(2)
	if err := q.PushSignal(Signal{Instrument: " gbpusd ", Side: "SELL", Size: 0.1}); err != nil {
		t.Fatal(err)
	}
	bad := []Signal{
		{Side: SideLong},
		{Instrument: "EURUSD", Side: "flat"},
		{Instrument: "EURUSD", Side: SideLong, Size: -1},
	}
	for _, s := range bad {
		if err := q.PushSignal(s); err == nil {
			t.Errorf("accepted %+v", s)
		}
	}
	if err := q.PushSignal(Signal{Instrument: "EURUSD", Side: SideLong}); err != nil {
		t.Fatal(err)
	}
	if err := q.PushSignal(Signal{Instrument: "EURUSD", Side: SideLong}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("full queue: %v", err)
	}
	q.PushControl(ControlCommand{Kind: ControlRiskReset})
	if q.Pending() != 3 {
		t.Fatalf("pending %d", q.Pending())
	}

	signals, controls := q.Drain()
	if len(signals) != 2 || len(controls) != 1 || q.Pending() != 0 {
		t.Fatalf("drain %d %d pending %d", len(signals), len(controls), q.Pending())
	}
	if signals[0].Instrument != "GBPUSD" || signals[0].Side != SideShort {
		t.Fatalf("not normalized: %+v", signals[0])
	}
}
