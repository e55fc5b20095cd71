package main

import (
	"reflect"
	"testing"
	"time"
)

func TestBlacklist(t *testing.T) {
	b := NewBlacklist()
	b.Add("eurusd", t0.Add(4*time.Hour))
	if !b.Active("EURUSD", t0) || !b.Active("eurusd", t0.Add(3*time.Hour)) {
		t.Fatal("entry not active")
	}
	if b.Active("EURUSD", t0.Add(4*time.Hour)) {
		t.Fatal("entry active at expiry")
	}

	b.Add("EURUSD", t0.Add(time.Hour))
	if got := b.Entries()["EURUSD"]; !got.Equal(t0.Add(4 * time.Hour)) {
		t.Fatalf("expiry shortened to %v", got)
	}
	b.Add("EURUSD", t0.Add(6*time.Hour))
	b.Add("GBPUSD", t0.Add(2*time.Hour))

	if got := b.Prune(t0.Add(time.Hour)); len(got) != 0 {
		t.Fatalf("pruned early: %v", got)
	}
	if got := b.Prune(t0.Add(6 * time.Hour)); !reflect.DeepEqual(got, []string{"EURUSD", "GBPUSD"}) {
		t.Fatalf("pruned %v", got)
	}
	if b.Len() != 0 {
		t.Fatal("entries left after prune")
	}
}
