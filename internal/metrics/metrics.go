package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tendant/pet-image-sync/internal/model"
)

const namespace = "petsync"

// Metrics holds the pipeline's Prometheus collectors. All methods are safe
// on a nil receiver so components can run without metrics.
type Metrics struct {
	petOutcomes     *prometheus.CounterVec
	captureAttempts *prometheus.CounterVec
	storeWrites     *prometheus.CounterVec
	convertedBytes  *prometheus.CounterVec
	webpSavings     prometheus.Histogram
	batchDuration   prometheus.Histogram
	mismatches      *prometheus.CounterVec
	fixed           prometheus.Counter
	readiness       *prometheus.GaugeVec
	served          *prometheus.CounterVec
}

// New creates and registers the collectors on reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		petOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "pet_outcomes_total",
			Help: "Per-pet pipeline results by terminal state.",
		}, []string{"state", "reason"}),
		captureAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "capture_attempts_total",
			Help: "Capture attempts by result (element, page-area, error).",
		}, []string{"result"}),
		storeWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "store_writes_total",
			Help: "Object store writes by variant and result.",
		}, []string{"variant", "result"}),
		convertedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "converted_bytes_total",
			Help: "Encoded output bytes by format.",
		}, []string{"format"}),
		webpSavings: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "webp_savings_percent",
			Help:    "Size saving of WebP relative to JPEG.",
			Buckets: prometheus.LinearBuckets(-20, 10, 12),
		}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "batch_duration_seconds",
			Help:    "Wall time of orchestrator batches.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		mismatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "reconcile_mismatches_total",
			Help: "Status flags found disagreeing with the object store.",
		}, []string{"format"}),
		fixed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "reconcile_fixed_total",
			Help: "Pets whose status flags were corrected.",
		}),
		readiness: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "readiness",
			Help: "Last computed readiness snapshot values.",
		}, []string{"field"}),
		served: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "images_served_total",
			Help: "Image requests by format and response code.",
		}, []string{"format", "code"}),
	}

	reg.MustRegister(
		m.petOutcomes, m.captureAttempts, m.storeWrites, m.convertedBytes, m.webpSavings,
		m.batchDuration, m.mismatches, m.fixed, m.readiness, m.served,
	)
	return m
}

func (m *Metrics) PetOutcome(state, reason string) {
	if m == nil {
		return
	}
	m.petOutcomes.WithLabelValues(state, reason).Inc()
}

func (m *Metrics) CaptureAttempt(result string) {
	if m == nil {
		return
	}
	m.captureAttempts.WithLabelValues(result).Inc()
}

func (m *Metrics) StoreWrite(variant string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.storeWrites.WithLabelValues(variant, result).Inc()
}

func (m *Metrics) Converted(jpegSize, webpSize int, savings float64) {
	if m == nil {
		return
	}
	m.convertedBytes.WithLabelValues("jpeg").Add(float64(jpegSize))
	m.convertedBytes.WithLabelValues("webp").Add(float64(webpSize))
	m.webpSavings.Observe(savings)
}

func (m *Metrics) BatchDone(d time.Duration) {
	if m == nil {
		return
	}
	m.batchDuration.Observe(d.Seconds())
}

func (m *Metrics) Reconciled(jpegMismatches, webpMismatches, fixed int) {
	if m == nil {
		return
	}
	m.mismatches.WithLabelValues("jpeg").Add(float64(jpegMismatches))
	m.mismatches.WithLabelValues("webp").Add(float64(webpMismatches))
	m.fixed.Add(float64(fixed))
}

func (m *Metrics) Readiness(s *model.ReadinessSnapshot) {
	if m == nil || s == nil {
		return
	}
	ready := 0.0
	if s.IsReady {
		ready = 1
	}
	m.readiness.WithLabelValues("total_pets").Set(float64(s.TotalPets))
	m.readiness.WithLabelValues("total_dogs").Set(float64(s.TotalDogs))
	m.readiness.WithLabelValues("total_cats").Set(float64(s.TotalCats))
	m.readiness.WithLabelValues("pets_with_jpeg").Set(float64(s.PetsWithJPEG))
	m.readiness.WithLabelValues("pets_with_webp").Set(float64(s.PetsWithWebP))
	m.readiness.WithLabelValues("image_coverage").Set(s.ImageCoverage)
	m.readiness.WithLabelValues("is_ready").Set(ready)
}

func (m *Metrics) Served(format string, code int) {
	if m == nil {
		return
	}
	m.served.WithLabelValues(format, statusText(code)).Inc()
}

func statusText(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code == 404:
		return "404"
	case code == 202:
		return "202"
	case code >= 200 && code < 300:
		return "2xx"
	default:
		return "4xx"
	}
}
