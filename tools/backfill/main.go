// Fetch candles from the MT5 bridge and write CSV for replays (-backtest).
//
// Usage examples:
//   # In Docker Compose (inside the same network as the bridge):
//   docker compose run --rm bot go run ./tools/backfill \
//     -symbol EURUSD -timeframe M15 -limit 5000 -out data/EURUSD.csv
//
//   # On host (if bridge is published on localhost:8787):
//   BRIDGE_URL=http://localhost:8787 go run ./tools/backfill -symbol GBPUSD -out data/GBPUSD.csv
//
// Notes:
// - Bridge /candles returns objects with time (UNIX seconds or RFC3339),
//   open, high, low, close, volume as numbers or strings.
// - The CSV header is: time,open,high,low,close,volume (what loadCSV wants).
package main

import (
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

type candleRow struct {
	Time   time.Time
	Open   string
	High   string
	Low    string
	Close  string
	Volume string
}

func main() {
	symbol := flag.String("symbol", "EURUSD", "Instrument symbol")
	timeframe := flag.String("timeframe", "M15", "MT5 timeframe (M1, M5, M15, H1, ...)")
	limit := flag.Int("limit", 5000, "Candles to fetch")
	outPath := flag.String("out", "", "Output CSV path (default data/<SYMBOL>.csv)")
	timeout := flag.Duration("timeout", 60*time.Second, "HTTP timeout")
	flag.Parse()

	sym := strings.ToUpper(strings.TrimSpace(*symbol))
	if *outPath == "" {
		*outPath = filepath.Join("data", sym+".csv")
	}
	base := os.Getenv("BRIDGE_URL")
	if base == "" {
		base = "http://bridge:8787" // compose service name
	}

	rows, err := fetchCandles(&http.Client{Timeout: *timeout}, base, sym, *timeframe, *limit)
	if err != nil {
		exitf("%v", err)
	}
	if err := writeCandleCSV(*outPath, rows); err != nil {
		exitf("%v", err)
	}
	fmt.Printf("backfill: %s %s -> %s (%d rows, %s .. %s)\n", sym, *timeframe, *outPath, len(rows),
		rows[0].Time.Format(time.RFC3339), rows[len(rows)-1].Time.Format(time.RFC3339))
}

// fetchCandles pulls one page from the bridge and returns it oldest first.
func fetchCandles(hc *http.Client, base, symbol, timeframe string, limit int) ([]candleRow, error) {
	q := url.Values{"symbol": {symbol}, "timeframe": {timeframe}, "limit": {strconv.Itoa(limit)}}
	endpoint := strings.TrimRight(base, "/") + "/candles?" + q.Encode()

	resp, err := hc.Get(endpoint)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("bridge /candles: status %d", resp.StatusCode)
	}

	// A bare array is the norm; {"candles":[...]} is accepted too.
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode /candles: %w", err)
	}
	rows := normalizeList(raw)
	if len(rows) == 0 {
		return nil, fmt.Errorf("bridge returned no candles for %s %s", symbol, timeframe)
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Time.Before(rows[j].Time) })
	return rows, nil
}

// writeCandleCSV writes the header loadCSV expects followed by rows.
func writeCandleCSV(path string, rows []candleRow) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	records := make([][]string, 0, len(rows)+1)
	records = append(records, []string{"time", "open", "high", "low", "close", "volume"})
	for _, r := range rows {
		records = append(records, []string{r.Time.Format(time.RFC3339), r.Open, r.High, r.Low, r.Close, r.Volume})
	}
	if err := w.WriteAll(records); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

func exitf(format string, a ...any) {
	fmt.Fprintf(os.Stderr, "backfill: "+format+"\n", a...)
	os.Exit(1)
}

func normalizeList(raw any) []candleRow {
	switch v := raw.(type) {
	case []any:
		return toRows(v)
	case map[string]any:
		if c, ok := v["candles"]; ok {
			if arr, ok := c.([]any); ok {
				return toRows(arr)
			}
		}
	}
	return nil
}

func toRows(arr []any) []candleRow {
	out := make([]candleRow, 0, len(arr))
	for _, it := range arr {
		m, ok := it.(map[string]any)
		if !ok {
			continue
		}
		ts, ok := parseTime(m["time"])
		if !ok {
			continue
		}
		out = append(out, candleRow{
			Time:   ts,
			Open:   asString(m["open"]),
			High:   asString(m["high"]),
			Low:    asString(m["low"]),
			Close:  asString(m["close"]),
			Volume: asString(m["volume"]),
		})
	}
	return out
}

func parseTime(v any) (time.Time, bool) {
	s := strings.TrimSpace(asString(v))
	if s == "" {
		return time.Time{}, false
	}
	if sec, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(sec, 0).UTC(), true
	}
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts.UTC(), true
	}
	return time.Time{}, false
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}
