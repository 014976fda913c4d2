package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	fetchFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eugeniagram_app_fetch_failures_total",
			Help: "Cache fetches that failed and reset the cache",
		},
		[]string{"entity"},
	)

	staleResponses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eugeniagram_app_stale_responses_total",
			Help: "Fetch responses discarded because a newer fetch had started",
		},
		[]string{"entity"},
	)

	mutations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eugeniagram_app_mutations_total",
			Help: "Optimistic mutations by outcome",
		},
		[]string{"op", "result"},
	)

	realtimeEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eugeniagram_app_realtime_events_total",
			Help: "Realtime message events by reconciliation outcome",
		},
		[]string{"outcome"},
	)

	backgroundTasks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eugeniagram_app_background_tasks_total",
			Help: "Fire and forget tasks completed",
		},
		[]string{"task"},
	)
)
