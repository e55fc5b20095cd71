package main

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func newTestPaper(t *testing.T) *PaperBroker {
	t.Helper()
	pb, err := NewPaperBroker(10000, map[string]InstrumentConfig{"EURUSD": testInstrument()}, 7)
	if err != nil {
		t.Fatal(err)
	}
	pb.SetClock(func() time.Time { return t0 })
	return pb
}

func TestPaperOrderLifecycle(t *testing.T) {
	ctx := context.Background()
	pb := newTestPaper(t)

	if _, err := pb.PlaceOrder(ctx, "EURUSD", SideLong, 0.04, ""); err == nil {
		t.Fatal("order without a price")
	}
	pb.SetPrice("EURUSD", 1.1000)
	long := strings.Repeat("x", 40)
	id, err := pb.PlaceOrder(ctx, "EURUSD", SideLong, 0.04, long)
	if err != nil {
		t.Fatal(err)
	}
	pos, _ := pb.GetPositions(ctx)
	if len(pos) != 1 || pos[0].ID != id || pos[0].EntryPrice != 1.1 || pos[0].Magic != 7 || !pos[0].OpenTime.Equal(t0) {
		t.Fatalf("positions %+v", pos)
	}
	if len(pos[0].Annotation) != DefaultMaxAnnotationLen {
		t.Fatalf("annotation not truncated: %q", pos[0].Annotation)
	}

	pb.SetPrice("EURUSD", 1.0990)
	acct, _ := pb.GetAccountState(ctx)
	if acct.Equity != 9996 || acct.Balance != 10000 || !almostEqual(acct.FreeMargin, 9956) {
		t.Fatalf("account %+v", acct)
	}

	if err := pb.ClosePartial(ctx, id, 0.02); err != nil {
		t.Fatal(err)
	}
	pos, _ = pb.GetPositions(ctx)
	if !almostEqual(pos[0].Size, 0.02) || !almostEqual(pos[0].Profit, -2) {
		t.Fatalf("after partial %+v", pos[0])
	}
	if err := pb.ClosePartial(ctx, id, 0.05); err == nil {
		t.Fatal("partial close above size")
	}
	if err := pb.ClosePosition(ctx, id); err != nil {
		t.Fatal(err)
	}
	acct, _ = pb.GetAccountState(ctx)
	if !almostEqual(acct.Balance, 9996) || !almostEqual(acct.Equity, 9996) {
		t.Fatalf("account after close %+v", acct)
	}
	if err := pb.ClosePosition(ctx, id); err == nil {
		t.Fatal("double close")
	}
}

func TestPaperFailNext(t *testing.T) {
	ctx := context.Background()
	pb := newTestPaper(t)
	pb.SetPrice("EURUSD", 1.1)
	boom := errors.New("boom")
	pb.FailNext("place", boom)
	if _, err := pb.PlaceOrder(ctx, "EURUSD", SideShort, 0.04, ""); !errors.Is(err, boom) {
		t.Fatalf("first place: %v", err)
	}
	if _, err := pb.PlaceOrder(ctx, "EURUSD", SideShort, 0.04, ""); err != nil {
		t.Fatalf("second place: %v", err)
	}
}

func TestPaperInjectAndCandles(t *testing.T) {
	ctx := context.Background()
	pb := newTestPaper(t)
	pb.SetPrice("EURUSD", 1.2)
	pb.Inject(BrokerPosition{Instrument: "EURUSD", Side: SideShort, Size: 0.1, EntryPrice: 1.2010, Annotation: "manual"})
	pos, _ := pb.GetPositions(ctx)
	if len(pos) != 1 || pos[0].ID == 0 || pos[0].Profit != 10 {
		t.Fatalf("injected %+v", pos)
	}

	if _, err := pb.GetRecentCandles(ctx, "EURUSD", "M15", 10); err == nil {
		t.Fatal("candles before SetCandles")
	}
	pb.SetCandles("EURUSD", trendCandles(30, 1.1, 0.0001))
	c, err := pb.GetRecentCandles(ctx, "EURUSD", "M15", 10)
	if err != nil || len(c) != 10 || !c[9].Time.Equal(t0.Add(29*15*time.Minute)) {
		t.Fatalf("candles %d %v", len(c), err)
	}
}

func TestPaperFeed(t *testing.T) {
	ctx := context.Background()
	feed := newTestPaper(t)
	feed.SetPrice("EURUSD", 1.0950)
	feed.SetCandles("EURUSD", trendCandles(5, 1.09, 0.001))

	pb := newTestPaper(t).WithFeed(feed)
	pb.Inject(BrokerPosition{Instrument: "EURUSD", Side: SideLong, Size: 0.04, EntryPrice: 1.1000})
	px, err := pb.GetNowPrice(ctx, "EURUSD")
	if err != nil || px != 1.0950 {
		t.Fatalf("price %v %v", px, err)
	}
	pos, _ := pb.GetPositions(ctx)
	if pos[0].Profit != -20 {
		t.Fatalf("not marked from feed: %+v", pos[0])
	}
	if c, err := pb.GetRecentCandles(ctx, "EURUSD", "M15", 0); err != nil || len(c) != 5 {
		t.Fatalf("feed candles %d %v", len(c), err)
	}
}
