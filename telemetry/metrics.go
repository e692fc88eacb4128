// Package telemetry provides Prometheus metrics, tracing, logging setup and
// correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Delivery results used as the "result" label on DeliveriesTotal.
const (
	DeliverySent   = "sent"
	DeliveryFailed = "failed"
	DeliveryRetry  = "retry"
)

var (
	once sync.Once

	// Counters
	ReconcilePasses         prometheus.Counter
	StatusFetchErrors       prometheus.Counter
	PersistenceErrors       prometheus.Counter
	NotificationsDispatched prometheus.Counter
	DeliveriesTotal         *prometheus.CounterVec

	// Histograms (seconds)
	PassDuration  prometheus.Observer
	FetchDuration prometheus.Observer

	// Gauges
	TrackedStreamers prometheus.Gauge
	LiveStreamers    prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		ReconcilePasses = promauto.NewCounter(prometheus.CounterOpts{Name: "kick_notifier_reconcile_passes_total", Help: "Number of completed reconciliation passes"})
		StatusFetchErrors = promauto.NewCounter(prometheus.CounterOpts{Name: "kick_notifier_status_fetch_errors_total", Help: "Kick status lookups that failed transiently"})
		PersistenceErrors = promauto.NewCounter(prometheus.CounterOpts{Name: "kick_notifier_persistence_errors_total", Help: "Streamer iterations aborted by a store failure"})
		NotificationsDispatched = promauto.NewCounter(prometheus.CounterOpts{Name: "kick_notifier_notifications_total", Help: "Live sessions announced (one per streamer per session)"})
		DeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "kick_notifier_deliveries_total", Help: "Per-channel message deliveries by result"}, []string{"result"})
		PassDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "kick_notifier_pass_duration_seconds", Help: "Reconciliation pass duration seconds", Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120}})
		FetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "kick_notifier_fetch_duration_seconds", Help: "Kick status lookup duration seconds", Buckets: prometheus.DefBuckets})
		TrackedStreamers = promauto.NewGauge(prometheus.GaugeOpts{Name: "kick_notifier_tracked_streamers", Help: "Distinct streamers in the last pass"})
		LiveStreamers = promauto.NewGauge(prometheus.GaugeOpts{Name: "kick_notifier_live_streamers", Help: "Streamers observed live in the last pass"})
	})
}

// The helpers below are safe to call before Init (tests construct components without metrics).

func IncPasses() { inc(ReconcilePasses) }

func IncFetchErrors() { inc(StatusFetchErrors) }

func IncPersistenceErrors() { inc(PersistenceErrors) }

func IncNotifications() { inc(NotificationsDispatched) }

// RecordDelivery counts one delivery outcome.
func RecordDelivery(result string) {
	if DeliveriesTotal != nil {
		DeliveriesTotal.WithLabelValues(result).Inc()
	}
}

// SetPassGauges records the streamer universe and live count of a finished pass.
func SetPassGauges(tracked, live int) {
	if TrackedStreamers != nil {
		TrackedStreamers.Set(float64(tracked))
	}
	if LiveStreamers != nil {
		LiveStreamers.Set(float64(live))
	}
}

func inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context carrying id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
