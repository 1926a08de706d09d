// Package observability exposes Prometheus metrics and structured event emission.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	syncMutations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fitsync",
		Subsystem: "sync",
		Name:      "mutations_total",
		Help:      "Sync mutations processed, labelled by result status.",
	}, []string{"status"})
	qrVerifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fitsync",
		Subsystem: "qr",
		Name:      "verifications_total",
		Help:      "QR verification attempts, labelled by outcome.",
	}, []string{"result"})
	qrRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fitsync",
		Subsystem: "qr",
		Name:      "rejections_total",
		Help:      "QR verification rejections, labelled by reason code.",
	}, []string{"reason"})
	keyRotations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fitsync",
		Subsystem: "qr",
		Name:      "key_rotations_total",
		Help:      "QR signing keys rotated by the background sweep.",
	})
	sessionPersistGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fitsync",
		Subsystem: "sync",
		Name:      "last_session_persisted_timestamp_seconds",
		Help:      "Unix timestamp of the most recent session write.",
	})
	auditPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fitsync",
		Subsystem: "audit",
		Name:      "relay_published_total",
		Help:      "Audit entries delivered to Kafka.",
	})
	auditFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fitsync",
		Subsystem: "audit",
		Name:      "relay_failed_total",
		Help:      "Audit relay delivery failures.",
	})
)

func init() {
	prometheus.MustRegister(syncMutations, qrVerifications, qrRejections, keyRotations, sessionPersistGauge, auditPublished, auditFailed)
}

// RecordSyncMutation counts one processed mutation by result status.
func RecordSyncMutation(status string) {
	syncMutations.WithLabelValues(status).Inc()
}

// RecordVerification counts one QR verification outcome.
func RecordVerification(result string) {
	qrVerifications.WithLabelValues(result).Inc()
}

// RecordRejection counts one QR rejection by reason code.
func RecordRejection(reason string) {
	qrRejections.WithLabelValues(reason).Inc()
}

// RecordKeyRotation counts one rotated key.
func RecordKeyRotation() {
	keyRotations.Inc()
}

// RecordSessionPersisted updates the persistence watermark gauge.
func RecordSessionPersisted(ts time.Time) {
	if ts.IsZero() {
		return
	}
	sessionPersistGauge.Set(float64(ts.Unix()))
}

// RecordAuditPublished counts delivered audit entries.
func RecordAuditPublished(n int) {
	auditPublished.Add(float64(n))
}

// RecordAuditFailed counts failed audit deliveries.
func RecordAuditFailed(n int) {
	auditFailed.Add(float64(n))
}
