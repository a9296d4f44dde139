// Package metrics provides prometheus instrumentation for the registrar.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all registrar metrics.
type Registry struct {
	// SSDP metrics
	SSDPPackets   *prometheus.CounterVec
	SearchesSent  prometheus.Counter
	APsDiscovered prometheus.Counter
	APsExpired    prometheus.Counter
	APsRemoved    prometheus.Counter
	ActiveAPs     prometheus.Gauge

	// UPnP control metrics
	SOAPRequests  *prometheus.CounterVec
	Subscriptions *prometheus.CounterVec

	// Event endpoint metrics
	WLANEvents    *prometheus.CounterVec
	EventNotifies *prometheus.CounterVec

	// Station metrics
	ActiveStations prometheus.Gauge
	RepliesDropped prometheus.Counter
}

// Get returns the global metrics registry, creating it if necessary.
func Get() *Registry {
	once.Do(func() {
		registry = newRegistry()
	})
	return registry
}

func newRegistry() *Registry {
	r := &Registry{}

	r.SSDPPackets = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wpser",
		Subsystem: "ssdp",
		Name:      "packets_total",
		Help:      "SSDP datagrams received, by disposition.",
	}, []string{"result"})

	r.SearchesSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "wpser",
		Subsystem: "ssdp",
		Name:      "searches_sent_total",
		Help:      "M-SEARCH requests sent.",
	})

	r.APsDiscovered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "wpser",
		Subsystem: "registry",
		Name:      "aps_discovered_total",
		Help:      "Access points added to the registry.",
	})

	r.APsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "wpser",
		Subsystem: "registry",
		Name:      "aps_expired_total",
		Help:      "Access points removed because their advertisement timed out.",
	})

	r.APsRemoved = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "wpser",
		Subsystem: "registry",
		Name:      "aps_removed_total",
		Help:      "Access points removed for any reason.",
	})

	r.ActiveAPs = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "wpser",
		Subsystem: "registry",
		Name:      "active_aps",
		Help:      "Access points currently in the registry.",
	})

	r.SOAPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wpser",
		Subsystem: "upnp",
		Name:      "soap_requests_total",
		Help:      "SOAP actions sent, by action and result.",
	}, []string{"action", "result"})

	r.Subscriptions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wpser",
		Subsystem: "upnp",
		Name:      "subscriptions_total",
		Help:      "GENA subscription attempts, by kind and result.",
	}, []string{"kind", "result"})

	r.WLANEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wpser",
		Subsystem: "events",
		Name:      "wlan_events_total",
		Help:      "WLANEvent payloads processed, by type.",
	}, []string{"type"})

	r.EventNotifies = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wpser",
		Subsystem: "events",
		Name:      "notifies_total",
		Help:      "HTTP NOTIFY requests received, by status.",
	}, []string{"status"})

	r.ActiveStations = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "wpser",
		Subsystem: "stations",
		Name:      "active",
		Help:      "Enrollee sessions currently tracked.",
	})

	r.RepliesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "wpser",
		Subsystem: "stations",
		Name:      "replies_dropped_total",
		Help:      "Registrar replies dropped because an HTTP exchange was in flight.",
	})

	return r
}

// Handler returns the HTTP handler serving the default prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
