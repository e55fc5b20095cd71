// FILE: server.go
// Package main – HTTP surface: health, metrics, status, signals, risk reset.
//
// Routes:
//   GET  /healthz      – liveness ("ok")
//   GET  /metrics      – Prometheus exposition
//   GET  /status       – last published EngineStatus (JSON)
//   POST /signals      – queue an entry signal {instrument, side, size?}
//   POST /risk/reset   – queue an operator risk reset {rebase_peak?}
//
// Writes never touch engine state directly; they go through the Inbox and
// are applied at the start of the next cycle.
package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type statusSource interface {
	Status() EngineStatus
	Inbox() *Inbox
}

func newRouter(src statusSource, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, src.Status())
	})

	r.Post("/signals", func(w http.ResponseWriter, req *http.Request) {
		var s Signal
		if err := decodeBody(req, &s); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		if err := src.Inbox().PushSignal(s); err != nil {
			code := http.StatusBadRequest
			if errors.Is(err, ErrQueueFull) {
				code = http.StatusTooManyRequests
			}
			writeJSON(w, code, map[string]string{"error": err.Error()})
			return
		}
		logger.Info("[SIGNAL] queued",
			zap.String("instrument", s.Instrument), zap.String("side", string(s.Side)),
			zap.String("request_id", middleware.GetReqID(req.Context())))
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
	})

	r.Post("/risk/reset", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			RebasePeak bool `json:"rebase_peak"`
		}
		if err := decodeBody(req, &body); err != nil && !errors.Is(err, io.EOF) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		src.Inbox().PushControl(ControlCommand{Kind: ControlRiskReset, RebasePeak: body.RebasePeak})
		logger.Warn("[RISK] reset requested", zap.Bool("rebase_peak", body.RebasePeak),
			zap.String("remote", req.RemoteAddr))
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
	})
	return r
}

func decodeBody(req *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(req.Body, 1<<16))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
