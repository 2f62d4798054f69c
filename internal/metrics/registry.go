// Package metrics exposes the Prometheus instruments of the monitoring core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds all Prometheus metrics. A nil *Registry is valid and records nothing.
type Registry struct {
	sessionConnected     prometheus.Gauge
	reconnectAttempts    prometheus.Counter
	connectFailures      prometheus.Counter
	monitoredItems       prometheus.Gauge
	notifications        prometheus.Counter
	notificationsDropped *prometheus.CounterVec
	readingsPersisted    prometheus.Counter
	readingErrors        prometheus.Counter
	browseRequests       *prometheus.CounterVec
	browseDuration       prometheus.Histogram
	wsClients            prometheus.Gauge
	wsClientsDropped     prometheus.Counter
	eventsPublished      *prometheus.CounterVec
	batchesFlushed       prometheus.Counter
	batchSize            prometheus.Histogram
	pendingRequests      prometheus.Gauge
	requestTimeouts      prometheus.Counter
	lateResponses        prometheus.Counter
}

// NewRegistry creates the metrics and registers them with reg.
// Pass prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewRegistry(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)

	return &Registry{
		sessionConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "opcuagua_session_connected",
			Help: "1 while an OPC UA session is connected, 0 otherwise",
		}),
		reconnectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "opcuagua_reconnect_attempts_total",
			Help: "Total number of automatic reconnection attempts",
		}),
		connectFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "opcuagua_connect_failures_total",
			Help: "Total number of failed connection attempts",
		}),
		monitoredItems: factory.NewGauge(prometheus.GaugeOpts{
			Name: "opcuagua_monitored_items",
			Help: "Current number of live monitored items",
		}),
		notifications: factory.NewCounter(prometheus.CounterOpts{
			Name: "opcuagua_notifications_received_total",
			Help: "Total number of value-change notifications received",
		}),
		notificationsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "opcuagua_notifications_discarded_total",
			Help: "Total number of notifications discarded before persistence",
		}, []string{"reason"}),
		readingsPersisted: factory.NewCounter(prometheus.CounterOpts{
			Name: "opcuagua_readings_persisted_total",
			Help: "Total number of readings written to the store",
		}),
		readingErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "opcuagua_reading_persist_errors_total",
			Help: "Total number of readings that failed to persist",
		}),
		browseRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "opcuagua_browse_requests_total",
			Help: "Total number of browse operations by kind and outcome",
		}, []string{"kind", "outcome"}),
		browseDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "opcuagua_browse_duration_seconds",
			Help:    "Duration of browse operations",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}),
		wsClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "opcuagua_ws_clients",
			Help: "Current number of real-time consumers",
		}),
		wsClientsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "opcuagua_ws_clients_dropped_total",
			Help: "Total number of consumers dropped for slowness or missed liveness checks",
		}),
		eventsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "opcuagua_events_published_total",
			Help: "Total number of events broadcast by type",
		}, []string{"type"}),
		batchesFlushed: factory.NewCounter(prometheus.CounterOpts{
			Name: "opcuagua_batches_flushed_total",
			Help: "Total number of value change batches flushed",
		}),
		batchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "opcuagua_batch_size",
			Help:    "Number of value changes per flushed batch",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500},
		}),
		pendingRequests: factory.NewGauge(prometheus.GaugeOpts{
			Name: "opcuagua_pending_requests",
			Help: "Current number of in-flight correlated requests",
		}),
		requestTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "opcuagua_request_timeouts_total",
			Help: "Total number of correlated requests completed by the expiry sweep",
		}),
		lateResponses: factory.NewCounter(prometheus.CounterOpts{
			Name: "opcuagua_late_responses_total",
			Help: "Total number of responses that arrived after their request completed",
		}),
	}
}

// SetSessionConnected records the session state
func (r *Registry) SetSessionConnected(connected bool) {
	if r == nil {
		return
	}
	if connected {
		r.sessionConnected.Set(1)
	} else {
		r.sessionConnected.Set(0)
	}
}

// IncReconnectAttempts increments the reconnect attempts counter
func (r *Registry) IncReconnectAttempts() {
	if r == nil {
		return
	}
	r.reconnectAttempts.Inc()
}

// IncConnectFailures increments the connect failures counter
func (r *Registry) IncConnectFailures() {
	if r == nil {
		return
	}
	r.connectFailures.Inc()
}

// SetMonitoredItems sets the live monitored item count
func (r *Registry) SetMonitoredItems(n int) {
	if r == nil {
		return
	}
	r.monitoredItems.Set(float64(n))
}

// IncNotifications increments the notifications counter
func (r *Registry) IncNotifications() {
	if r == nil {
		return
	}
	r.notifications.Inc()
}

// IncNotificationsDiscarded counts a discarded notification by reason
func (r *Registry) IncNotificationsDiscarded(reason string) {
	if r == nil {
		return
	}
	r.notificationsDropped.WithLabelValues(reason).Inc()
}

// IncReadingsPersisted increments the persisted readings counter
func (r *Registry) IncReadingsPersisted() {
	if r == nil {
		return
	}
	r.readingsPersisted.Inc()
}

// IncReadingErrors increments the reading persistence errors counter
func (r *Registry) IncReadingErrors() {
	if r == nil {
		return
	}
	r.readingErrors.Inc()
}

// ObserveBrowse records a browse operation
func (r *Registry) ObserveBrowse(kind string, err error, seconds float64) {
	if r == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	r.browseRequests.WithLabelValues(kind, outcome).Inc()
	r.browseDuration.Observe(seconds)
}

// SetWSClients sets the consumer count
func (r *Registry) SetWSClients(n int) {
	if r == nil {
		return
	}
	r.wsClients.Set(float64(n))
}

// IncWSClientsDropped increments the dropped consumers counter
func (r *Registry) IncWSClientsDropped() {
	if r == nil {
		return
	}
	r.wsClientsDropped.Inc()
}

// IncEventsPublished counts a broadcast event
func (r *Registry) IncEventsPublished(eventType string) {
	if r == nil {
		return
	}
	r.eventsPublished.WithLabelValues(eventType).Inc()
}

// ObserveBatch records a flushed batch
func (r *Registry) ObserveBatch(size int) {
	if r == nil {
		return
	}
	r.batchesFlushed.Inc()
	r.batchSize.Observe(float64(size))
}

// SetPendingRequests sets the in-flight correlated request count
func (r *Registry) SetPendingRequests(n int) {
	if r == nil {
		return
	}
	r.pendingRequests.Set(float64(n))
}

// IncRequestTimeouts increments the expired requests counter
func (r *Registry) IncRequestTimeouts() {
	if r == nil {
		return
	}
	r.requestTimeouts.Inc()
}

// IncLateResponses increments the late responses counter
func (r *Registry) IncLateResponses() {
	if r == nil {
		return
	}
	r.lateResponses.Inc()
}
