// Package metrics exposes the engine's prometheus collectors. A nil
// *Metrics is valid and records nothing, so library users of the
// engine do not need a registry.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	events            *prometheus.CounterVec
	untrusted         *prometheus.CounterVec
	exportDepth       *prometheus.GaugeVec
	magazineExhausted *prometheus.CounterVec
	mapDuration       prometheus.Histogram
	pcrFailures       prometheus.Counter
}

// New registers the engine collectors with reg, or the default
// registerer when reg is nil.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tsem_events_total",
			Help: "Security events modeled, by domain and event type.",
		}, []string{"domain", "type"}),
		untrusted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tsem_events_untrusted_total",
			Help: "Events that left the acting task untrusted.",
		}, []string{"domain"}),
		exportDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tsem_export_queue_depth",
			Help: "Records waiting in a domain's export queue.",
		}, []string{"domain"}),
		magazineExhausted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tsem_magazine_exhausted_total",
			Help: "Locked-context allocations that found a magazine empty.",
		}, []string{"magazine"}),
		mapDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "tsem_map_duration_seconds",
			Help:    "Time spent deriving event coefficients.",
			Buckets: prometheus.ExponentialBuckets(1e-6, 4, 10),
		}),
		pcrFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "tsem_pcr_extend_failures_total",
			Help: "PCR extensions that failed or were dropped.",
		}),
	}
}

func domainLabel(id uint64) string { return strconv.FormatUint(id, 10) }

// IncEvent counts one modeled event.
func (m *Metrics) IncEvent(domain uint64, eventType string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(domainLabel(domain), eventType).Inc()
}

// IncUntrusted counts an event that left its task untrusted.
func (m *Metrics) IncUntrusted(domain uint64) {
	if m == nil {
		return
	}
	m.untrusted.WithLabelValues(domainLabel(domain)).Inc()
}

// SetExportDepth records the current export queue depth of a domain.
func (m *Metrics) SetExportDepth(domain uint64, depth int) {
	if m == nil {
		return
	}
	m.exportDepth.WithLabelValues(domainLabel(domain)).Set(float64(depth))
}

// DropExportDepth removes a released domain's depth series.
func (m *Metrics) DropExportDepth(domain uint64) {
	if m == nil {
		return
	}
	m.exportDepth.DeleteLabelValues(domainLabel(domain))
}

// IncMagazineExhausted counts a failed locked-context allocation.
func (m *Metrics) IncMagazineExhausted(magazine string) {
	if m == nil {
		return
	}
	m.magazineExhausted.WithLabelValues(magazine).Inc()
}

// ObserveMapDuration records one coefficient derivation.
func (m *Metrics) ObserveMapDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.mapDuration.Observe(d.Seconds())
}

// IncPCRExtendFailure counts a failed or dropped PCR extension.
func (m *Metrics) IncPCRExtendFailure() {
	if m == nil {
		return
	}
	m.pcrFailures.Inc()
}
