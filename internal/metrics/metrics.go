// Package metrics exposes Prometheus collectors for the signing pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "deedsign"

// Collectors groups the signing pipeline metrics. A nil *Collectors is valid and
// records nothing.
type Collectors struct {
	sessionsCreated    prometheus.Counter
	otpVerifications   *prometheus.CounterVec
	signaturesCaptured *prometheus.CounterVec
	signatureConflicts prometheus.Counter
	exports            *prometheus.CounterVec
	renderDuration     *prometheus.HistogramVec
	paymentEvents      *prometheus.CounterVec
	gatherer           prometheus.Gatherer
}

// New registers the collectors on a fresh registry.
func New() (*Collectors, error) {
	registry := prometheus.NewRegistry()
	return NewWithRegistry(registry, registry)
}

// NewWithRegistry registers the collectors on the supplied registerer.
func NewWithRegistry(registerer prometheus.Registerer, gatherer prometheus.Gatherer) (*Collectors, error) {
	collectors := &Collectors{
		sessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signing_sessions_created_total",
			Help:      "Signing sessions created.",
		}),
		otpVerifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "otp_verifications_total",
			Help:      "OTP verification attempts by outcome.",
		}, []string{"outcome"}),
		signaturesCaptured: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signatures_captured_total",
			Help:      "Signatures persisted by document type.",
		}, []string{"document_type"}),
		signatureConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signature_conflicts_total",
			Help:      "Signature submissions rejected as duplicates.",
		}),
		exports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dld_exports_total",
			Help:      "Bundle export attempts by outcome.",
		}, []string{"outcome"}),
		renderDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pdf_render_duration_seconds",
			Help:      "PDF render latency by document type and mode.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"document_type", "mode"}),
		paymentEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_events_total",
			Help:      "Payment completion events by outcome.",
		}, []string{"outcome"}),
		gatherer: gatherer,
	}

	for _, collector := range []prometheus.Collector{
		collectors.sessionsCreated,
		collectors.otpVerifications,
		collectors.signaturesCaptured,
		collectors.signatureConflicts,
		collectors.exports,
		collectors.renderDuration,
		collectors.paymentEvents,
	} {
		if err := registerer.Register(collector); err != nil {
			return nil, err
		}
	}
	return collectors, nil
}

// Handler serves the registered metrics.
func (c *Collectors) Handler() http.Handler {
	if c == nil || c.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

func (c *Collectors) SessionCreated() {
	if c == nil {
		return
	}
	c.sessionsCreated.Inc()
}

func (c *Collectors) OTPVerification(outcome string) {
	if c == nil {
		return
	}
	c.otpVerifications.WithLabelValues(outcome).Inc()
}

func (c *Collectors) SignatureCaptured(documentType string) {
	if c == nil {
		return
	}
	c.signaturesCaptured.WithLabelValues(documentType).Inc()
}

func (c *Collectors) SignatureConflict() {
	if c == nil {
		return
	}
	c.signatureConflicts.Inc()
}

func (c *Collectors) Export(outcome string) {
	if c == nil {
		return
	}
	c.exports.WithLabelValues(outcome).Inc()
}

// ObserveRender records the time elapsed since start.
func (c *Collectors) ObserveRender(documentType, mode string, start time.Time) {
	if c == nil {
		return
	}
	c.renderDuration.WithLabelValues(documentType, mode).Observe(time.Since(start).Seconds())
}

func (c *Collectors) PaymentEvent(outcome string) {
	if c == nil {
		return
	}
	c.paymentEvents.WithLabelValues(outcome).Inc()
}
