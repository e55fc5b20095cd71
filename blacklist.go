// FILE: blacklist.go
// Package main – Instruments temporarily closed to new stacks.
//
// Entries only come from drawdown kills in a trending market (see exits.go).
// The list is advisory for signal intake and survives restarts through the
// persisted risk state.
package main

import (
	"sort"
	"strings"
	"time"
)

type Blacklist struct {
	until map[string]time.Time
}

func NewBlacklist() *Blacklist { return &Blacklist{until: make(map[string]time.Time)} }

// Add extends an entry; an earlier expiry never shortens an existing one.
func (b *Blacklist) Add(instrument string, until time.Time) {
	key := strings.ToUpper(instrument)
	if cur, ok := b.until[key]; ok && cur.After(until) {
		return
	}
	b.until[key] = until
}

func (b *Blacklist) Active(instrument string, now time.Time) bool {
	u, ok := b.until[strings.ToUpper(instrument)]
	return ok && now.Before(u)
}

// Prune drops expired entries and returns their instruments.
func (b *Blacklist) Prune(now time.Time) []string {
	var out []string
	for k, u := range b.until {
		if !now.Before(u) {
			delete(b.until, k)
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// Entries returns a copy keyed by instrument.
func (b *Blacklist) Entries() map[string]time.Time {
	out := make(map[string]time.Time, len(b.until))
	for k, v := range b.until {
		out[k] = v
	}
	return out
}

func (b *Blacklist) Len() int { return len(b.until) }
