// Package metrics exposes the server's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectedClients tracks the number of open WebSocket connections.
	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "racetrack_connected_clients",
		Help: "Number of currently connected WebSocket clients.",
	})

	// IntentsTotal counts client intents by name, including rejected ones.
	IntentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "racetrack_intents_total",
		Help: "Total client intents received, by intent name.",
	}, []string{"intent"})

	// LapsRecordedTotal counts recorded lap-line crossings.
	LapsRecordedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "racetrack_laps_recorded_total",
		Help: "Total lap records appended.",
	})

	// BroadcastsTotal counts events broadcast to all clients, by event name.
	BroadcastsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "racetrack_broadcasts_total",
		Help: "Total events broadcast to connected clients, by event name.",
	}, []string{"event"})
)
