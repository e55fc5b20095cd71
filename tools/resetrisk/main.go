// tools/resetrisk/main.go
// CLI to release the risk latch in a persisted state file while the bot is stopped.
//
// Usage:
//   go run ./tools/resetrisk -state /opt/recoverybot/state/risk_state.json
//   go run ./tools/resetrisk -state <file> -rebase-peak -clear-blacklist
//
// Notes:
// - A running bot overwrites the file every cycle; use POST /risk/reset instead.
// - The previous file is kept as <file>.bak.
// - Unknown fields are preserved.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"
)

func main() {
	path := flag.String("state", "", "path to the persisted state JSON")
	rebase := flag.Bool("rebase-peak", false, "set peak equity to the last seen equity")
	clearBL := flag.Bool("clear-blacklist", false, "drop every blacklisted instrument")
	dryRun := flag.Bool("dry-run", false, "print the result without writing")
	flag.Parse()

	if *path == "" {
		exitf("missing -state <file>")
	}
	raw, err := os.ReadFile(*path)
	if err != nil {
		exitf("read state: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		exitf("parse state JSON: %v", err)
	}
	risk, ok := doc["risk"].(map[string]any)
	if !ok {
		exitf("state has no risk section")
	}

	fmt.Printf("before: trading_enabled=%v liquidating=%v peak=%v equity=%v reason=%v\n",
		risk["trading_enabled"], risk["emergency_liquidation_in_progress"],
		risk["peak_equity"], risk["current_equity"], risk["disabled_reason"])

	risk["trading_enabled"] = true
	risk["emergency_liquidation_in_progress"] = false
	risk["consecutive_losses"] = 0
	delete(risk, "disabled_reason")
	delete(risk, "disabled_at")
	if *rebase {
		if eq, ok := risk["current_equity"].(float64); ok && eq > 0 {
			risk["peak_equity"] = eq
		} else {
			exitf("cannot rebase: current_equity missing or not positive")
		}
	}
	if *clearBL {
		delete(doc, "blacklist")
	}
	doc["risk"] = risk
	doc["saved_at"] = time.Now().UTC().Format(time.RFC3339Nano)

	out, err := json.MarshalIndent(doc, "", " ")
	if err != nil {
		exitf("marshal state: %v", err)
	}
	if *dryRun {
		fmt.Println(string(out))
		return
	}
	if err := os.WriteFile(*path+".bak", raw, 0644); err != nil {
		exitf("create backup: %v", err)
	}
	if err := os.WriteFile(*path, out, 0644); err != nil {
		exitf("write state: %v", err)
	}
	fmt.Printf("risk latch released (rebase_peak=%v clear_blacklist=%v). Backup: %s.bak\n", *rebase, *clearBL, *path)
}

func exitf(format string, a ...any) {
	fmt.Fprintf(os.Stderr, "resetrisk: "+format+"\n", a...)
	os.Exit(1)
}
