package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func sampleState() PersistedState {
	return PersistedState{
		Risk: RiskState{
			PeakEquity: 10500, CurrentEquity: 9300, TradingEnabled: false,
			DisabledReason: "emergency liquidation", DisabledAt: t0,
			DailyStart: time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC), DailyStartEquity: 10100,
			ConsecutiveLosses: 2,
		},
		Blacklist: map[string]time.Time{"EURUSD": t0.Add(4 * time.Hour)},
		SavedAt:   t0,
	}
}

func assertStateEqual(t *testing.T, got, want PersistedState) {
	t.Helper()
	g, w := got.Risk, want.Risk
	if g.PeakEquity != w.PeakEquity || g.CurrentEquity != w.CurrentEquity || g.TradingEnabled != w.TradingEnabled ||
		g.DisabledReason != w.DisabledReason || !g.DisabledAt.Equal(w.DisabledAt) || !g.DailyStart.Equal(w.DailyStart) ||
		g.DailyStartEquity != w.DailyStartEquity || g.ConsecutiveLosses != w.ConsecutiveLosses {
		t.Fatalf("risk state\ngot  %+v\nwant %+v", g, w)
	}
	if len(got.Blacklist) != len(want.Blacklist) {
		t.Fatalf("blacklist %v", got.Blacklist)
	}
	for k, v := range want.Blacklist {
		if !got.Blacklist[k].Equal(v) {
			t.Fatalf("blacklist[%s] = %v", k, got.Blacklist[k])
		}
	}
}

func TestFileStateStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", "risk_state.json")
	fs := NewFileStateStore(path)

	if _, err := fs.Load(ctx); !errors.Is(err, ErrNoState) {
		t.Fatalf("missing file: %v", err)
	}
	if err := fs.Save(ctx, sampleState()); err != nil {
		t.Fatal(err)
	}
	got, err := fs.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	assertStateEqual(t, got, sampleState())
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("tmp file left behind: %v", err)
	}

	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := fs.Load(ctx); err == nil || errors.Is(err, ErrNoState) {
		t.Fatalf("corrupt file: %v", err)
	}
}

func TestMemoryStateStore(t *testing.T) {
	ctx := context.Background()
	ms := NewMemoryStateStore()
	if _, err := ms.Load(ctx); !errors.Is(err, ErrNoState) {
		t.Fatalf("empty store: %v", err)
	}
	if err := ms.Save(ctx, sampleState()); err != nil {
		t.Fatal(err)
	}
	got, err := ms.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	assertStateEqual(t, got, sampleState())
}

func TestRedisStateStore(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx := context.Background()
	rs := NewRedisStateStore(addr, os.Getenv("REDIS_PASSWORD"), 0, "recoverybot:test:"+t.Name())
	defer rs.Close()
	defer rs.rdb.Del(ctx, rs.key)

	if _, err := rs.Load(ctx); !errors.Is(err, ErrNoState) {
		t.Fatalf("empty key: %v", err)
	}
	if err := rs.Save(ctx, sampleState()); err != nil {
		t.Fatal(err)
	}
	got, err := rs.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	assertStateEqual(t, got, sampleState())
}

func TestShouldFatalNoStateMount(t *testing.T) {
	if shouldFatalNoStateMount("  ") {
		t.Fatal("empty path should not be fatal")
	}
	dir := t.TempDir()
	existing := filepath.Join(dir, "risk_state.json")
	if err := os.WriteFile(existing, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	if shouldFatalNoStateMount(existing) {
		t.Fatal("existing state file should not be fatal")
	}
	if !shouldFatalNoStateMount(filepath.Join(dir, "missing", "risk_state.json")) {
		t.Fatal("missing state dir should be fatal")
	}
}
