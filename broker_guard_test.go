package main

import (
	"context"
	"errors"
	"testing"
	"time"
)

// scriptedBroker fails account calls with err and counts them.
type scriptedBroker struct {
	Broker
	err   error
	calls int
}

func (s *scriptedBroker) GetAccountState(ctx context.Context) (AccountState, error) {
	s.calls++
	if s.err != nil {
		return AccountState{}, s.err
	}
	return AccountState{Balance: 1, Equity: 1}, nil
}

func TestGuardTripsOnOutage(t *testing.T) {
	inner := &scriptedBroker{Broker: newTestPaper(t), err: errors.New("connection refused")}
	g := NewGuardedBroker(inner, GuardConfig{MinRequests: 3, FailureRatio: 0.5, Timeout: time.Minute}, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := g.GetAccountState(ctx); err == nil || errors.Is(err, ErrBrokerUnavailable) {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	_, err := g.GetAccountState(ctx)
	if !errors.Is(err, ErrBrokerUnavailable) {
		t.Fatalf("open breaker: %v", err)
	}
	if inner.calls != 3 {
		t.Fatalf("inner called %d times through an open breaker", inner.calls)
	}
}

func TestGuardIgnoresRejections(t *testing.T) {
	inner := &scriptedBroker{Broker: newTestPaper(t), err: &BridgeStatusError{Op: "account", Status: 422, Body: "market closed"}}
	g := NewGuardedBroker(inner, GuardConfig{MinRequests: 2, FailureRatio: 0.5, Timeout: time.Minute}, nil)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := g.GetAccountState(ctx)
		var se *BridgeStatusError
		if !errors.As(err, &se) {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	inner.err = nil
	if acct, err := g.GetAccountState(ctx); err != nil || acct.Equity != 1 {
		t.Fatalf("healthy call %v %v", acct, err)
	}
}

func TestGuardPassesThrough(t *testing.T) {
	pb := newTestPaper(t)
	pb.SetPrice("EURUSD", 1.1)
	g := NewGuardedBroker(pb, GuardConfig{OrdersPerSec: 1000, OrderBurst: 10}, nil)
	ctx := context.Background()

	id, err := g.PlaceOrder(ctx, "EURUSD", SideLong, 0.04, "")
	if err != nil {
		t.Fatal(err)
	}
	pos, err := g.GetPositions(ctx)
	if err != nil || len(pos) != 1 || pos[0].ID != id {
		t.Fatalf("positions %v %v", pos, err)
	}
	if err := g.ClosePosition(ctx, id); err != nil {
		t.Fatal(err)
	}
	if g.Name() != "paper" {
		t.Fatalf("name %q", g.Name())
	}
}
