// Package metrics exposes session, messaging and transcript activity as
// Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MikeSquared-Agency/voxlink/internal/events"
	"github.com/MikeSquared-Agency/voxlink/internal/messaging"
)

const namespace = "voxlink"

var (
	connectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_connects_total",
			Help:      "Total connect attempts by outcome",
		},
		[]string{"outcome"}, // connected, connected_degraded, failed
	)

	connectDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_connect_duration_seconds",
			Help:      "Duration of the connect sequence in seconds",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)

	sessionConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_connected",
			Help:      "1 while agent, room and messaging are all ready",
		},
	)

	healthPingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_pings_total",
			Help:      "Total agent health pings by status",
		},
		[]string{"status"}, // success, error
	)

	messagingPhase = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "messaging_phase",
			Help:      "1 for the messaging client's current phase, 0 otherwise",
		},
		[]string{"phase"},
	)

	messagesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messaging_messages_total",
			Help:      "Total messages on the messaging feed by type",
		},
		[]string{"type"},
	)

	messagesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messaging_dropped_total",
			Help:      "Total inbound messages dropped by reason",
		},
		[]string{"reason"},
	)

	presenceEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messaging_presence_events_total",
			Help:      "Total presence events by type",
		},
		[]string{"event_type"},
	)

	transcriptEntries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcript_entries_total",
			Help:      "Total transcript entries by source and speaker",
		},
		[]string{"source", "speaker"},
	)

	roomErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "room_connection_errors_total",
			Help:      "Total media room connection errors",
		},
	)
)

var allMetrics = []prometheus.Collector{
	connectsTotal,
	connectDuration,
	sessionConnected,
	healthPingsTotal,
	messagingPhase,
	messagesReceived,
	messagesDropped,
	presenceEvents,
	transcriptEntries,
	roomErrors,
}

// NewRegistry returns a registry holding every voxlink collector plus the Go
// runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	for _, c := range allMetrics {
		reg.MustRegister(c)
	}
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// Handler serves reg in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func RecordConnect(outcome string, durationSeconds float64) {
	connectsTotal.WithLabelValues(outcome).Inc()
	connectDuration.Observe(durationSeconds)
}

func SetConnected(connected bool) {
	if connected {
		sessionConnected.Set(1)
		return
	}
	sessionConnected.Set(0)
}

func RecordHealthPing(ok bool) {
	if ok {
		healthPingsTotal.WithLabelValues(statusSuccess).Inc()
		return
	}
	healthPingsTotal.WithLabelValues(statusError).Inc()
}

var phases = []string{"idle", "logging_in", "subscribing", "joined", "degraded", "destroyed"}

// SetMessagingPhase marks phase as the only active phase.
func SetMessagingPhase(phase string) {
	for _, p := range phases {
		messagingPhase.WithLabelValues(p).Set(0)
	}
	messagingPhase.WithLabelValues(phase).Set(1)
}

// labelOther replaces label values that come from peers and are not known.
const labelOther = "other"

// RecordMessage counts an inbound message by kind. Unknown kinds share one
// label value.
func RecordMessage(kind string) {
	switch events.MessageKind(kind) {
	case events.KindTranscribe, events.KindInputText, events.KindRoomText:
	default:
		kind = labelOther
	}
	messagesReceived.WithLabelValues(kind).Inc()
}

func RecordDropped(reason string) {
	messagesDropped.WithLabelValues(reason).Inc()
}

func RecordPresence(eventType string) {
	switch eventType {
	case messaging.PresenceJoin, messaging.PresenceLeave:
	default:
		eventType = labelOther
	}
	presenceEvents.WithLabelValues(eventType).Inc()
}

func RecordTranscriptEntry(source, speaker string) {
	transcriptEntries.WithLabelValues(source, speaker).Inc()
}

func RecordRoomError() {
	roomErrors.Inc()
}
