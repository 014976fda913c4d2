package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eugeniagram_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"route", "method", "status"},
	)

	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "eugeniagram_api_request_duration_seconds",
			Help:    "API request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)

	realtimeConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "eugeniagram_realtime_connections",
			Help: "Open realtime websocket connections",
		},
	)

	realtimeEventsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "eugeniagram_realtime_events_sent_total",
			Help: "Realtime events written to websocket clients",
		},
	)

	realtimeFramesLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "eugeniagram_realtime_frames_rate_limited_total",
			Help: "Client frames rejected by the per connection rate limit",
		},
	)
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// observe records request counts and latency per route template
func observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := "unmatched"
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}

		// websocket upgrades need the raw writer for hijacking
		if r.Header.Get("Upgrade") == "websocket" {
			next.ServeHTTP(w, r)
			requestsTotal.WithLabelValues(route, r.Method, "101").Inc()
			return
		}

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		requestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).Inc()
		requestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}
