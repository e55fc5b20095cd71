package main

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func writeInstruments(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "instruments.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestBuiltinInstruments(t *testing.T) {
	m, err := LoadInstruments("")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(SortedSymbols(m), []string{"EURUSD", "GBPUSD"}) {
		t.Fatalf("symbols %v", SortedSymbols(m))
	}
	eu := m["EURUSD"]
	if eu.GridSpacingPips != 12 || eu.DcaMultiplier != 1.5 || eu.MaxDcaLevels != 3 || eu.MaxHedges != 1 {
		t.Fatalf("EURUSD %+v", eu)
	}
	if eu.MaxHold != 12*time.Hour || eu.PipSize != 0.0001 || len(eu.PartialLevels) != 2 {
		t.Fatalf("EURUSD defaults %+v", eu)
	}
	if gu := m["GBPUSD"]; gu.GridSpacingPips != 18 || gu.DcaMultiplier != 2 {
		t.Fatalf("GBPUSD %+v", gu)
	}
}

func TestInstrumentFilePrecedence(t *testing.T) {
	path := writeInstruments(t, `
defaults:
  grid_spacing_pips: 10
  max_hold: 6h
instruments:
  - symbol: eurusd
    grid_spacing_pips: 14
  - symbol: USDJPY
    pip_size: 0.01
    partial_close: true
`)
	m, err := LoadInstruments(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(m) != 2 {
		t.Fatalf("instruments %v", SortedSymbols(m))
	}
	eu := m["EURUSD"]
	if eu.GridSpacingPips != 14 || eu.MaxHold != 6*time.Hour || eu.HedgeTriggerPips != 8 {
		t.Fatalf("EURUSD %+v", eu)
	}
	jp := m["USDJPY"]
	if jp.GridSpacingPips != 10 || jp.PipSize != 0.01 || !jp.PartialClose {
		t.Fatalf("USDJPY %+v", jp)
	}
}

func TestInstrumentFileErrors(t *testing.T) {
	cases := map[string]string{
		"two hedges": `
instruments:
  - symbol: EURUSD
    max_hedges: 2
`,
		"duplicate": `
instruments:
  - symbol: EURUSD
  - symbol: eurusd
`,
		"grid above cap": `
instruments:
  - symbol: EURUSD
    grid_size: 20
`,
		"no symbol": `
instruments:
  - grid_spacing_pips: 5
`,
		"empty": `
defaults:
  pip_size: 0.01
`,
		"duplicate partial level": `
instruments:
  - symbol: EURUSD
    partial_levels:
      - {trigger_fraction: 0.5, close_pct: 20}
      - {trigger_fraction: 0.5, close_pct: 30}
`,
	}
	for name, body := range cases {
		if _, err := LoadInstruments(writeInstruments(t, body)); err == nil {
			t.Errorf("%s: no error", name)
		}
	}
	if _, err := LoadInstruments(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file: no error")
	}
}

func TestInstrumentValidate(t *testing.T) {
	ic := testInstrument()
	if err := ic.Validate(); err != nil {
		t.Fatal(err)
	}
	ic.MinVolume, ic.MaxVolume = 5, 1
	if err := ic.Validate(); err == nil || !strings.Contains(err.Error(), "min_volume") {
		t.Fatalf("min above max: %v", err)
	}
}
