package gateway

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/modelfront/ollabridge/pkg/catalog"
)

// metrics collects on a private registry so tests can build servers
// without tripping duplicate registration.
type metrics struct {
	requests       *prometheus.CounterVec
	duration       *prometheus.HistogramVec
	streamFrames   *prometheus.CounterVec
	tapDropped     prometheus.Counter
	catalogEntries *prometheus.CounterVec
}

func newMetrics(reg *prometheus.Registry) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ollabridge_requests_total",
			Help: "Requests handled, by route, method and status code.",
		}, []string{"route", "method", "status"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ollabridge_request_duration_seconds",
			Help:    "Request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		streamFrames: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ollabridge_stream_frames_total",
			Help: "Chat stream frames emitted, split by terminal flag.",
		}, []string{"terminal"}),
		tapDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "ollabridge_tap_dropped_chunks_total",
			Help: "Diagnostic tap chunks dropped under backpressure.",
		}),
		catalogEntries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ollabridge_catalog_entries_total",
			Help: "Model list entries classified, by entry shape.",
		}, []string{"shape"}),
	}
}

func (m *metrics) observeRequest(route, method string, status int, elapsed time.Duration) {
	m.requests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.duration.WithLabelValues(route).Observe(elapsed.Seconds())
}

func (m *metrics) observeFrame(terminal bool) {
	m.streamFrames.WithLabelValues(strconv.FormatBool(terminal)).Inc()
}

func (m *metrics) observeTapDropped(n int) {
	m.tapDropped.Add(float64(n))
}

func (m *metrics) observeCatalogEntry(sh catalog.Shape) {
	m.catalogEntries.WithLabelValues(sh.String()).Inc()
}
