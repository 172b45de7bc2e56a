// Dovetail Counts - Podcast Download Reconciliation and Analytics Delivery
// Copyright 2026 PRX (prx.org)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/PRX/dovetail-counts

// Package api provides the operational HTTP surface: health probes and
// Prometheus metrics. There is no data-plane API; impressions leave the
// process through the outbound stream, not HTTP.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/PRX/dovetail-counts/internal/logging"
)

// ConnChecker reports whether the messaging connection is usable.
// Satisfied by *nats.Conn.
type ConnChecker interface {
	IsConnected() bool
}

// Router serves the operational endpoints.
type Router struct {
	conn      ConnChecker
	startTime time.Time
}

// NewRouter creates a Router. conn may be nil, in which case readiness
// reports the messaging connection as down.
func NewRouter(conn ConnChecker) *Router {
	return &Router{
		conn:      conn,
		startTime: time.Now(),
	}
}

// Handler builds the chi handler with the global middleware stack.
func (rt *Router) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(requestLogging)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", rt.HealthLive)
	r.Get("/readyz", rt.HealthReady)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// HealthLive handles liveness probe requests (Kubernetes-style).
// Returns 200 OK if the process is alive, regardless of dependencies.
func (rt *Router) HealthLive(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "alive",
		"uptime": time.Since(rt.startTime).Seconds(),
	})
}

// HealthReady handles readiness probe requests (Kubernetes-style).
// Returns 200 OK only when the messaging connection is up; the process
// cannot consume byte events or deliver impressions without it.
func (rt *Router) HealthReady(w http.ResponseWriter, r *http.Request) {
	connected := rt.conn != nil && rt.conn.IsConnected()

	statusCode := http.StatusOK
	status := "ready"
	if !connected {
		statusCode = http.StatusServiceUnavailable
		status = "not_ready"
	}

	respondJSON(w, statusCode, map[string]interface{}{
		"status":         status,
		"nats_connected": connected,
		"uptime":         time.Since(rt.startTime).Seconds(),
	})
}

func respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Warn().Err(err).Msg("failed to encode response")
	}
}

// requestLogging attaches a correlation ID to each request and logs it
// on completion. The ID is echoed in the X-Request-ID response header so
// probes and operators can tie a response back to the log line.
func requestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = logging.GenerateCorrelationID()
		}
		w.Header().Set("X-Request-ID", id)

		ctx := logging.ContextWithCorrelationID(r.Context(), id)
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r.WithContext(ctx))

		logging.Ctx(ctx).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}
