// FILE: broker_bridge.go
// Package main – HTTP broker that talks to the local MT5 bridge sidecar.
//
// The sidecar fronts a MetaTrader 5 terminal and exposes a small JSON API:
//   • GetPositions:     GET  /positions                 -> [{ticket,symbol,type,volume,...}]
//   • GetAccountState:  GET  /account                   -> {balance,equity,margin_free}
//   • PlaceOrder:       POST /order {symbol,side,volume,comment,magic,client_order_id} -> {ticket}
//   • ClosePosition:    POST /positions/{ticket}/close  {}
//   • ClosePartial:     POST /positions/{ticket}/close  {volume}
//   • GetNowPrice:      GET  /price/{symbol}            -> {bid,ask}
//   • GetRecentCandles: GET  /candles?symbol=...&timeframe=...&limit=...
//
// Numbers may arrive as JSON numbers or strings; both are accepted.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// BridgeStatusError is a non-2xx answer from the sidecar.
type BridgeStatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *BridgeStatusError) Error() string {
	return fmt.Sprintf("bridge %s %d: %s", e.Op, e.Status, e.Body)
}

// Rejected reports a request the terminal refused (bad volume, market
// closed); those are not broker outages.
func (e *BridgeStatusError) Rejected() bool { return e.Status >= 400 && e.Status < 500 }

// BridgeBroker talks to the MT5 bridge.
type BridgeBroker struct {
	base  string
	hc    *http.Client
	magic int64
}

func NewBridgeBroker(base string, magic int64) *BridgeBroker {
	base = strings.TrimSpace(base)
	if i := strings.IndexAny(base, " \t#"); i >= 0 { // cut trailing comment/space
		base = strings.TrimSpace(base[:i])
	}
	if base == "" {
		base = "http://127.0.0.1:8787"
	}
	base = strings.TrimRight(base, "/")
	return &BridgeBroker{
		base:  base,
		hc:    &http.Client{Timeout: 15 * time.Second},
		magic: magic,
	}
}

func (bb *BridgeBroker) Name() string { return "mt5-bridge" }

func (bb *BridgeBroker) do(ctx context.Context, op, method, path string, body any, out any) error {
	var rd io.Reader
	if body != nil {
		bs, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s: %w", op, err)
		}
		rd = bytes.NewReader(bs)
	}
	u := bb.base + path
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return fmt.Errorf("newrequest %s: %w (url=%s)", op, err, u)
	}
	req.Header.Set("User-Agent", "recoverybot/bridge")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := bb.hc.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode >= 300 {
		b, _ := io.ReadAll(res.Body)
		return &BridgeStatusError{Op: op, Status: res.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, res.Body)
		return nil
	}
	dec := json.NewDecoder(res.Body)
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", op, err)
	}
	return nil
}

// --- Positions & account ---

type bridgePosition struct {
	Ticket       any    `json:"ticket"`
	Symbol       string `json:"symbol"`
	Type         string `json:"type"`
	Volume       any    `json:"volume"`
	PriceOpen    any    `json:"price_open"`
	PriceCurrent any    `json:"price_current"`
	Profit       any    `json:"profit"`
	Time         any    `json:"time"`
	Comment      string `json:"comment"`
	Magic        any    `json:"magic"`
}

func (bb *BridgeBroker) GetPositions(ctx context.Context) ([]BrokerPosition, error) {
	var rows []bridgePosition
	if err := bb.do(ctx, "positions", http.MethodGet, "/positions", nil, &rows); err != nil {
		return nil, err
	}
	out := make([]BrokerPosition, 0, len(rows))
	for _, r := range rows {
		side, ok := ParseSide(r.Type)
		if !ok {
			side = Side(strings.ToLower(r.Type)) // left invalid; the tracker refuses it
		}
		out = append(out, BrokerPosition{
			ID:           parseID(r.Ticket),
			Instrument:   strings.ToUpper(strings.TrimSpace(r.Symbol)),
			Side:         side,
			Size:         parseF(r.Volume),
			EntryPrice:   parseF(r.PriceOpen),
			CurrentPrice: parseF(r.PriceCurrent),
			Profit:       parseF(r.Profit),
			OpenTime:     parseT(r.Time),
			Annotation:   r.Comment,
			Magic:        int64(parseID(r.Magic)),
		})
	}
	return out, nil
}

func (bb *BridgeBroker) GetAccountState(ctx context.Context) (AccountState, error) {
	var out struct {
		Balance    any `json:"balance"`
		Equity     any `json:"equity"`
		MarginFree any `json:"margin_free"`
	}
	if err := bb.do(ctx, "account", http.MethodGet, "/account", nil, &out); err != nil {
		return AccountState{}, err
	}
	return AccountState{Balance: parseF(out.Balance), Equity: parseF(out.Equity), FreeMargin: parseF(out.MarginFree)}, nil
}

// --- Orders ---

func (bb *BridgeBroker) PlaceOrder(ctx context.Context, instrument string, side Side, size float64, annotation string) (PositionID, error) {
	body := map[string]any{
		"symbol":          instrument,
		"side":            map[Side]string{SideLong: "buy", SideShort: "sell"}[side],
		"volume":          strconv.FormatFloat(size, 'f', 2, 64),
		"comment":         annotation,
		"magic":           bb.magic,
		"client_order_id": uuid.New().String(), // dedupe-safe id for retries
	}
	var out struct {
		Ticket any `json:"ticket"`
	}
	if err := bb.do(ctx, "order", http.MethodPost, "/order", body, &out); err != nil {
		return 0, err
	}
	id := parseID(out.Ticket)
	if id <= 0 {
		return 0, fmt.Errorf("bridge order: no ticket in response")
	}
	return id, nil
}

func (bb *BridgeBroker) ClosePosition(ctx context.Context, id PositionID) error {
	path := fmt.Sprintf("/positions/%d/close", id)
	return bb.do(ctx, "close", http.MethodPost, path, map[string]any{}, nil)
}

func (bb *BridgeBroker) ClosePartial(ctx context.Context, id PositionID, size float64) error {
	path := fmt.Sprintf("/positions/%d/close", id)
	body := map[string]any{"volume": strconv.FormatFloat(size, 'f', 2, 64)}
	return bb.do(ctx, "close_partial", http.MethodPost, path, body, nil)
}

// --- Market data ---

func (bb *BridgeBroker) GetNowPrice(ctx context.Context, instrument string) (float64, error) {
	var out struct {
		Bid   any `json:"bid"`
		Ask   any `json:"ask"`
		Price any `json:"price"`
	}
	if err := bb.do(ctx, "price", http.MethodGet, "/price/"+url.PathEscape(instrument), nil, &out); err != nil {
		return 0, err
	}
	if p := parseF(out.Price); p > 0 {
		return p, nil
	}
	bid, ask := parseF(out.Bid), parseF(out.Ask)
	if bid <= 0 || ask <= 0 {
		return 0, fmt.Errorf("bridge price %s: no quote", instrument)
	}
	return (bid + ask) / 2, nil
}

func (bb *BridgeBroker) GetRecentCandles(ctx context.Context, instrument, granularity string, limit int) ([]Candle, error) {
	q := url.Values{}
	q.Set("symbol", instrument)
	q.Set("timeframe", granularity)
	if limit <= 0 {
		limit = 350
	}
	q.Set("limit", strconv.Itoa(limit))

	type row struct {
		Time   any `json:"time"`
		Open   any `json:"open"`
		High   any `json:"high"`
		Low    any `json:"low"`
		Close  any `json:"close"`
		Volume any `json:"volume"`
	}
	var rows []row
	if err := bb.do(ctx, "candles", http.MethodGet, "/candles?"+q.Encode(), nil, &rows); err != nil {
		return nil, err
	}
	candles := make([]Candle, 0, len(rows))
	for _, r := range rows {
		candles = append(candles, Candle{
			Time:   parseT(r.Time),
			Open:   parseF(r.Open),
			High:   parseF(r.High),
			Low:    parseF(r.Low),
			Close:  parseF(r.Close),
			Volume: parseF(r.Volume),
		})
	}
	sort.SliceStable(candles, func(i, j int) bool { return candles[i].Time.Before(candles[j].Time) })
	return candles, nil
}

// --- small helpers local to this file ---

func parseF(v any) float64 {
	switch t := v.(type) {
	case json.Number:
		f, _ := t.Float64()
		return f
	case float64:
		return t
	case string:
		f, _ := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f
	default:
		return 0
	}
}

// parseID keeps 64-bit tickets exact.
func parseID(v any) PositionID {
	var s string
	switch t := v.(type) {
	case json.Number:
		s = t.String()
	case string:
		s = strings.TrimSpace(t)
	case float64:
		return PositionID(t)
	default:
		return 0
	}
	if id, err := strconv.ParseInt(s, 10, 64); err == nil {
		return PositionID(id)
	}
	return PositionID(parseF(s))
}

// parseT accepts RFC3339 strings and unix seconds (number or string).
func parseT(v any) time.Time {
	if n, ok := v.(json.Number); ok {
		v = n.String()
	}
	switch t := v.(type) {
	case float64:
		if t <= 0 {
			return time.Time{}
		}
		return time.Unix(int64(t), 0).UTC()
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return time.Time{}
		}
		if ts, err := time.Parse(time.RFC3339, s); err == nil {
			return ts.UTC()
		}
		if sec, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.Unix(sec, 0).UTC()
		}
	}
	return time.Time{}
}
