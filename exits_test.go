package main

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

// lossStack is a long root with one grid level and the given net P&L.
func lossStack(net float64) Stack {
	st := Stack{
		Instrument: "EURUSD",
		Root: StackMember{ID: 100, StackID: 100, Kind: KindOriginal, EntryPrice: 1.1000, Size: 0.04, Side: SideLong, OpenTime: t0},
		GridLevels: []StackMember{
			{ID: 101, StackID: 100, Kind: KindGrid, Level: 1, EntryPrice: 1.0990, Size: 0.04, Side: SideLong, OpenTime: t0.Add(time.Minute)},
		},
	}
	st.recompute()
	st.NetUnrealized = net
	return st
}

var acct10k = AccountState{Balance: 10000, Equity: 10000, FreeMargin: 9000}

func TestDrawdownKillThresholdIsStrict(t *testing.T) {
	cfg := testInstrument() // threshold 12 · 10 · 0.04 · 4 = 19.20
	cls := &stubClassifier{snap: MarketRegimeSnapshot{Label: RegimeRanging}}
	x := NewExitEvaluator(cls, time.Hour, nil)
	in := ExitInputs{Now: t0.Add(time.Hour)}

	if d, ok := x.Evaluate(lossStack(-19.20), acct10k, cfg, in); ok {
		t.Fatalf("-19.20 fired %v", d.Kind)
	}
	if cls.calls != 0 {
		t.Fatalf("classifier consulted without a kill: %d", cls.calls)
	}
	d, ok := x.Evaluate(lossStack(-19.21), acct10k, cfg, in)
	if !ok || d.Kind != ExitKillStack || d.Reason != ReasonDrawdownKill || d.StackID != 100 {
		t.Fatalf("-19.21: %+v %v", d, ok)
	}
	if cls.calls != 1 || d.Regime == nil {
		t.Fatalf("classifier calls = %d regime = %v", cls.calls, d.Regime)
	}
	if d.Blacklist != nil {
		t.Fatal("ranging kill blacklisted")
	}
}

func TestTrendingKillBlacklists(t *testing.T) {
	cfg := testInstrument()
	now := t0.Add(2 * time.Hour)
	cases := []struct {
		name string
		snap MarketRegimeSnapshot
		want bool
	}{
		{"trending aligned", MarketRegimeSnapshot{Label: RegimeTrending, Aligned: true}, true},
		{"trending not aligned", MarketRegimeSnapshot{Label: RegimeTrending}, false},
		{"early trend aligned", MarketRegimeSnapshot{Label: RegimeEarlyTrend, Aligned: true}, false},
		{"conflicting", MarketRegimeSnapshot{Label: RegimeConflicting}, false},
	}
	for _, c := range cases {
		x := NewExitEvaluator(&stubClassifier{snap: c.snap}, 4*time.Hour, nil)
		d, ok := x.Evaluate(lossStack(-50), acct10k, cfg, ExitInputs{Now: now})
		if !ok || d.Kind != ExitKillStack {
			t.Fatalf("%s: no kill", c.name)
		}
		if got := d.Blacklist != nil; got != c.want {
			t.Errorf("%s: blacklist = %v, want %v", c.name, got, c.want)
			continue
		}
		if c.want && (d.Blacklist.Instrument != "EURUSD" || !d.Blacklist.Until.Equal(now.Add(4*time.Hour))) {
			t.Errorf("%s: blacklist %+v", c.name, d.Blacklist)
		}
	}
}

func TestKillWithoutClassifier(t *testing.T) {
	x := NewExitEvaluator(nil, 0, nil)
	d, ok := x.Evaluate(lossStack(-100), acct10k, testInstrument(), ExitInputs{Now: t0})
	if !ok || d.Kind != ExitKillStack || d.Regime != nil || d.Blacklist != nil {
		t.Fatalf("decision %+v", d)
	}
}

func TestProfitTarget(t *testing.T) {
	cfg := testInstrument() // 10000 · 0.5 / 100 = 50
	x := NewExitEvaluator(nil, 0, nil)
	in := ExitInputs{Now: t0.Add(time.Hour)}
	if _, ok := x.Evaluate(lossStack(49.99), acct10k, cfg, in); ok {
		t.Fatal("49.99 closed the stack")
	}
	d, ok := x.Evaluate(lossStack(50), acct10k, cfg, in)
	if !ok || d.Kind != ExitCloseStack || d.Reason != ReasonProfitTarget {
		t.Fatalf("decision %+v", d)
	}
}

func TestTimeLimit(t *testing.T) {
	cfg := testInstrument()
	x := NewExitEvaluator(nil, 0, nil)
	if _, ok := x.Evaluate(lossStack(-5), acct10k, cfg, ExitInputs{Now: t0.Add(12*time.Hour - time.Second)}); ok {
		t.Fatal("closed before max hold")
	}
	d, ok := x.Evaluate(lossStack(-5), acct10k, cfg, ExitInputs{Now: t0.Add(12 * time.Hour)})
	if !ok || d.Kind != ExitCloseStack || d.Reason != ReasonTimeLimit {
		t.Fatalf("decision %+v", d)
	}
}

func TestKillOutranksTimeLimit(t *testing.T) {
	cls := &stubClassifier{}
	x := NewExitEvaluator(cls, 0, nil)
	d, ok := x.Evaluate(lossStack(-30), acct10k, testInstrument(), ExitInputs{Now: t0.Add(48 * time.Hour)})
	if !ok || d.Kind != ExitKillStack {
		t.Fatalf("decision %+v", d)
	}
}

func TestReversionExit(t *testing.T) {
	cfg := testInstrument()
	x := NewExitEvaluator(nil, 0, nil)
	st := lossStack(-1) // grid entered at 1.0990, below a 1.0995 mean

	if _, ok := x.Evaluate(st, acct10k, cfg, ExitInputs{Now: t0.Add(time.Hour), Price: 1.0994, ReferenceMean: 1.0995, HasMean: true}); ok {
		t.Fatal("reverted before crossing the mean")
	}
	d, ok := x.Evaluate(st, acct10k, cfg, ExitInputs{Now: t0.Add(time.Hour), Price: 1.0996, ReferenceMean: 1.0995, HasMean: true})
	if !ok || d.Kind != ExitCloseMember || d.MemberID != 101 || d.Reason != ReasonReversion {
		t.Fatalf("decision %+v", d)
	}
	if _, ok := x.Evaluate(st, acct10k, cfg, ExitInputs{Now: t0.Add(time.Hour), Price: 1.0996, ReferenceMean: 1.0995}); ok {
		t.Fatal("reversion without a reference mean")
	}

	short := Stack{
		Instrument: "EURUSD",
		Root:       StackMember{ID: 200, StackID: 200, EntryPrice: 1.2500, Size: 0.04, Side: SideShort, OpenTime: t0},
		DcaLevels:  []StackMember{{ID: 201, StackID: 200, Kind: KindDca, Level: 1, EntryPrice: 1.2520, Size: 0.08, Side: SideShort, OpenTime: t0}},
	}
	short.recompute()
	d, ok = x.Evaluate(short, acct10k, cfg, ExitInputs{Now: t0.Add(time.Hour), Price: 1.2509, ReferenceMean: 1.2510, HasMean: true})
	if !ok || d.MemberID != 201 {
		t.Fatalf("short reversion %+v", d)
	}
}

func TestPartialClose(t *testing.T) {
	cfg := testInstrument()
	cfg.PartialClose = true
	cfg.PartialLevels = []PartialCloseLevel{{TriggerFraction: 0.8, ClosePct: 25}, {TriggerFraction: 0.5, ClosePct: 50}}
	x := NewExitEvaluator(nil, 0, nil)
	in := ExitInputs{Now: t0.Add(time.Hour)}

	if _, ok := x.Evaluate(lossStack(20), acct10k, cfg, in); ok {
		t.Fatal("partial close below first milestone")
	}

	d, ok := x.Evaluate(lossStack(25), acct10k, cfg, in)
	if !ok || d.Kind != ExitPartialClose || d.PartialLevel != 0.5 {
		t.Fatalf("decision %+v", d)
	}
	if len(d.Closes) != 1 || d.Closes[0].ID != 101 || !almostEqual(d.Closes[0].Size, 0.04) || d.Closes[0].Partial {
		t.Fatalf("closes %+v", d.Closes)
	}

	banked := lossStack(25)
	banked.PartialLevelsHit = []float64{0.5}
	if _, ok := x.Evaluate(banked, acct10k, cfg, in); ok {
		t.Fatal("banked milestone fired again")
	}

	banked.NetUnrealized = 40
	d, ok = x.Evaluate(banked, acct10k, cfg, in)
	if !ok || d.PartialLevel != 0.8 {
		t.Fatalf("second milestone %+v", d)
	}
	if len(d.Closes) != 1 || d.Closes[0].ID != 101 || !almostEqual(d.Closes[0].Size, 0.02) || !d.Closes[0].Partial {
		t.Fatalf("closes %+v", d.Closes)
	}
}

func TestTimeLimitBeforePartialClose(t *testing.T) {
	cfg := testInstrument()
	cfg.PartialClose = true
	cfg.PartialLevels = []PartialCloseLevel{{TriggerFraction: 0.5, ClosePct: 50}}
	x := NewExitEvaluator(nil, 0, nil)

	d, ok := x.Evaluate(lossStack(25), acct10k, cfg, ExitInputs{Now: t0.Add(cfg.MaxHold)})
	if !ok || d.Kind != ExitCloseStack || d.Reason != ReasonTimeLimit {
		t.Fatalf("expired stack with an unbanked milestone: %+v", d)
	}
	d, ok = x.Evaluate(lossStack(25), acct10k, cfg, ExitInputs{Now: t0.Add(cfg.MaxHold - time.Minute)})
	if !ok || d.Kind != ExitPartialClose {
		t.Fatalf("before max hold: %+v", d)
	}
}

func TestAllocateClosesSpillsToRoot(t *testing.T) {
	cfg := testInstrument()
	st := lossStack(0)
	closes := allocateCloses(st, decimal.NewFromFloat(0.06), cfg)
	if len(closes) != 2 || closes[0].ID != 101 || closes[1].ID != 100 || !almostEqual(closes[1].Size, 0.02) || !closes[1].Partial {
		t.Fatalf("closes %+v", closes)
	}
}
