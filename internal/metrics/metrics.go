package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry for the API
	Registry = prometheus.NewRegistry()
	// HTTPRequests counts requests by method, path, and status
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
	// HTTPDuration records request durations in seconds
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)

	// Transitions counts committed status transitions.
	Transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "request_transitions_total", Help: "Committed service request transitions."},
		[]string{"from", "to"},
	)
	// AcceptOutcomes counts accept attempts by outcome (won, lost, forbidden, error).
	AcceptOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "request_accept_total", Help: "Accept attempts by outcome."},
		[]string{"outcome"},
	)
	// DispatchCandidates records how many mechanics each broadcast reached.
	DispatchCandidates = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "dispatch_candidates", Help: "Mechanics notified per broadcast request.", Buckets: []float64{0, 1, 2, 5, 10, 20}},
	)
	// EstimateFailures counts estimator calls that produced no quotation.
	EstimateFailures = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "estimate_failures_total", Help: "Quotation estimates that failed or timed out."},
	)

	// EventsPublished counts fan-out events by type and result.
	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "events_published_total", Help: "Fan-out events by type and result."},
		[]string{"type", "result"},
	)
	// EventsDropped counts events not delivered to a slow local subscriber.
	EventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "events_dropped_total", Help: "Events dropped because a subscriber buffer was full."},
	)
	// PresentMechanics is the size of the local view of the available pool.
	PresentMechanics = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "available_mechanics_connected", Help: "Mechanics currently in the available pool."},
	)

	// NotificationDeliveries counts delivery outcomes by kind, sink and status
	NotificationDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "notification_deliveries_total", Help: "Notification deliveries by kind, sink and status."},
		[]string{"kind", "sink", "status"},
	)
	// NotificationLatency tracks delivery latencies in milliseconds
	NotificationLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "notification_delivery_latency_ms", Help: "Notification delivery latency in ms.", Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000}},
		[]string{"sink", "status"},
	)
	// NotificationsDropped counts notifications refused by a full intake buffer.
	NotificationsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "notifications_dropped_total", Help: "Notifications refused because the intake buffer was full."},
	)
)

// RegisterDefault registers collectors to the default registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests, HTTPDuration)
		Registry.MustRegister(Transitions, AcceptOutcomes, DispatchCandidates, EstimateFailures)
		Registry.MustRegister(EventsPublished, EventsDropped, PresentMechanics)
		Registry.MustRegister(NotificationDeliveries, NotificationLatency, NotificationsDropped)
		// Go/process collectors on our registry
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once
