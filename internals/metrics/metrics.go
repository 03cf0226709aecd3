package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Rooms and peers
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "meeting_active_rooms",
		Help: "Number of rooms currently held in the registry",
	})

	ActivePeers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "meeting_active_peers",
		Help: "Number of peer sessions across all rooms",
	})

	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meeting_connections_total",
		Help: "Total accepted signaling connections",
	})

	// Signaling
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meeting_requests_total",
		Help: "Total signaling requests by method",
	}, []string{"method"})

	RequestTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meeting_request_timeouts_total",
		Help: "Total signaling requests that hit their deadline",
	})

	RequestDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "meeting_request_duration_seconds",
		Help:    "Time from sending a signaling request to its resolution",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})

	NotificationsSentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meeting_notifications_sent_total",
		Help: "Total notifications queued for delivery",
	})

	NotificationsDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meeting_notifications_dropped_total",
		Help: "Notifications dropped because a send buffer was full or the connection was gone",
	})

	RateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meeting_rate_limited_total",
		Help: "Inbound messages rejected by per-connection rate limiting",
	})

	// Spotlight / activity
	ActiveSpeakerEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meeting_active_speaker_events_total",
		Help: "Active speaker signals received from the media bridge",
	})

	SpotlightChangesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meeting_spotlight_changes_total",
		Help: "Spotlight set recomputations that changed the set",
	})

	// Media bookkeeping
	ProducersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "meeting_producers_active",
		Help: "Live producers across all rooms",
	})

	ConsumersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "meeting_consumers_active",
		Help: "Live consumers across all rooms",
	})

	// Chat / files
	ChatMessagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meeting_chat_messages_total",
		Help: "Chat messages accepted into room history",
	})

	FilesSharedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meeting_files_shared_total",
		Help: "File shares accepted into room history",
	})

	// Cross-instance relay
	RelayMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meeting_relay_messages_total",
		Help: "Cross-instance relay traffic",
	}, []string{"direction"})

	RelayErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meeting_relay_errors_total",
		Help: "Errors publishing or decoding relay messages",
	})
)

// Helper functions

func RecordRequest(method string) {
	RequestsTotal.WithLabelValues(method).Inc()
}

func RecordRequestTimeout() {
	RequestTimeoutsTotal.Inc()
}

func ObserveRequestDuration(method string, seconds float64) {
	RequestDurationSeconds.WithLabelValues(method).Observe(seconds)
}

func RecordNotificationDropped() {
	NotificationsDroppedTotal.Inc()
}

func RecordRelay(direction string) {
	RelayMessagesTotal.WithLabelValues(direction).Inc()
}
