package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus collectors for the indexer.
type Metrics struct {
	blocksProcessed prometheus.Counter
	eventsAppended  prometheus.Counter
	duplicates      prometheus.Counter
	decodeErrors    prometheus.Counter
	aggregateErrors prometheus.Counter
	reorgs          prometheus.Counter
	notifications   *prometheus.CounterVec
	dropped         prometheus.Counter
	errors          prometheus.Counter
	headBlock       prometheus.Gauge
	finalizedBlock  prometheus.Gauge
}

var (
	once    sync.Once
	metrics *Metrics
)

// Init initializes global metrics (idempotent).
func Init() *Metrics {
	once.Do(func() {
		metrics = &Metrics{
			blocksProcessed: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "game_indexer_blocks_processed_total",
				Help: "Total number of blocks processed",
			}),
			eventsAppended: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "game_indexer_events_appended_total",
				Help: "Total number of events appended to the event store",
			}),
			duplicates: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "game_indexer_duplicate_events_total",
				Help: "Total number of re-delivered events ignored by the event store",
			}),
			decodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "game_indexer_decode_errors_total",
				Help: "Total number of logs skipped because they did not decode",
			}),
			aggregateErrors: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "game_indexer_aggregate_errors_total",
				Help: "Total number of events rejected by a game invariant",
			}),
			reorgs: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "game_indexer_reorgs_total",
				Help: "Total number of chain reorganizations handled",
			}),
			notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "game_indexer_notifications_sent_total",
				Help: "Total number of notifications sent to sinks",
			}, []string{"kind"}),
			dropped: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "game_indexer_notifications_dropped_total",
				Help: "Total number of notifications dropped by rate limits",
			}),
			errors: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "game_indexer_errors_total",
				Help: "Total number of errors encountered",
			}),
			headBlock: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "game_indexer_head_block",
				Help: "Highest block appended to the event store",
			}),
			finalizedBlock: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "game_indexer_finalized_block",
				Help: "Finality watermark of the committed view",
			}),
		}
		prometheus.MustRegister(
			metrics.blocksProcessed,
			metrics.eventsAppended,
			metrics.duplicates,
			metrics.decodeErrors,
			metrics.aggregateErrors,
			metrics.reorgs,
			metrics.notifications,
			metrics.dropped,
			metrics.errors,
			metrics.headBlock,
			metrics.finalizedBlock,
		)
	})
	return metrics
}

// BlocksProcessed increments the blocks processed counter.
func (m *Metrics) BlocksProcessed() {
	if m != nil {
		m.blocksProcessed.Inc()
	}
}

// EventsAppended adds n newly stored events.
func (m *Metrics) EventsAppended(n int) {
	if m != nil {
		m.eventsAppended.Add(float64(n))
	}
}

// Duplicates adds n ignored re-deliveries.
func (m *Metrics) Duplicates(n int) {
	if m != nil {
		m.duplicates.Add(float64(n))
	}
}

func (m *Metrics) DecodeError() {
	if m != nil {
		m.decodeErrors.Inc()
	}
}

func (m *Metrics) AggregateError() {
	if m != nil {
		m.aggregateErrors.Inc()
	}
}

func (m *Metrics) Reorg() {
	if m != nil {
		m.reorgs.Inc()
	}
}

// NotificationSent counts one delivered notification of the given kind.
func (m *Metrics) NotificationSent(kind string) {
	if m != nil {
		m.notifications.WithLabelValues(kind).Inc()
	}
}

// NotificationDropped increments the dropped notifications counter.
func (m *Metrics) NotificationDropped() {
	if m != nil {
		m.dropped.Inc()
	}
}

// Errors increments the errors counter.
func (m *Metrics) Errors() {
	if m != nil {
		m.errors.Inc()
	}
}

// Watermarks records the head and finalized heights.
func (m *Metrics) Watermarks(head, finalized uint64) {
	if m != nil {
		m.headBlock.Set(float64(head))
		m.finalizedBlock.Set(float64(finalized))
	}
}

// Handler returns an HTTP handler for /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
