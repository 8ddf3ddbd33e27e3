// Package telemetry holds the Prometheus metrics shared by the API and the
// sync client, plus request-id aware logging helpers.
package telemetry

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	once sync.Once

	Registrations   *prometheus.CounterVec
	Logins          *prometheus.CounterVec
	ChatProvisions  *prometheus.CounterVec
	SyncEvents      *prometheus.CounterVec
	MessagesSent    *prometheus.CounterVec
	HTTPDuration    *prometheus.HistogramVec
	PendingMessages prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		Registrations = promauto.NewCounterVec(prometheus.CounterOpts{Name: "workplace_registrations_total", Help: "App registrations by chat provider and result"}, []string{"provider", "result"})
		Logins = promauto.NewCounterVec(prometheus.CounterOpts{Name: "workplace_logins_total", Help: "Login attempts by result"}, []string{"result"})
		ChatProvisions = promauto.NewCounterVec(prometheus.CounterOpts{Name: "workplace_chat_provision_total", Help: "Chat account create-or-login calls"}, []string{"provider", "result"})
		SyncEvents = promauto.NewCounterVec(prometheus.CounterOpts{Name: "workplace_sync_events_total", Help: "Remote chat events applied to the local cache"}, []string{"kind"})
		MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{Name: "workplace_messages_sent_total", Help: "Outgoing messages by delivery result"}, []string{"result"})
		HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "workplace_http_request_duration_seconds", Help: "API request latency", Buckets: prometheus.DefBuckets}, []string{"method", "status"})
		PendingMessages = promauto.NewGauge(prometheus.GaugeOpts{Name: "workplace_sync_pending_messages", Help: "Local messages not yet confirmed by the chat server"})
	})
}

func RecordRegistration(provider, result string) {
	if Registrations != nil {
		Registrations.WithLabelValues(provider, result).Inc()
	}
}

func RecordLogin(result string) {
	if Logins != nil {
		Logins.WithLabelValues(result).Inc()
	}
}

func RecordProvision(provider, result string) {
	if ChatProvisions != nil {
		ChatProvisions.WithLabelValues(provider, result).Inc()
	}
}

func ObserveHTTP(method string, status int, d time.Duration) {
	if HTTPDuration != nil {
		HTTPDuration.WithLabelValues(method, strconv.Itoa(status)).Observe(d.Seconds())
	}
}

// SyncObserver feeds reconciliation activity into the sync metrics. The zero
// value is ready to use; calls before Init are dropped.
type SyncObserver struct{}

func (SyncObserver) EventApplied(kind string) {
	if SyncEvents != nil {
		SyncEvents.WithLabelValues(kind).Inc()
	}
}

func (SyncObserver) MessageSent(result string) {
	if MessagesSent != nil {
		MessagesSent.WithLabelValues(result).Inc()
	}
}

func (SyncObserver) PendingMessages(n int) {
	if PendingMessages != nil {
		PendingMessages.Set(float64(n))
	}
}

type requestIDKey struct{}

// WithRequestID returns a context carrying the request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the request id or empty string.
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

// Logger returns log with a request_id field if ctx carries one.
func Logger(ctx context.Context, log zerolog.Logger) zerolog.Logger {
	if id := RequestID(ctx); id != "" {
		return log.With().Str("request_id", id).Logger()
	}
	return log
}
