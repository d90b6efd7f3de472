package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "auctionctl"

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	transportRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "requests_total",
			Help:      "Envelopes handled, by role, request kind and reply kind.",
		},
		[]string{"role", "kind", "reply"},
	)
	transportDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "request_duration_seconds",
			Help:      "Envelope handling duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"role", "kind"},
	)
	transportErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "errors_total",
			Help:      "Transport failures by operation.",
		},
		[]string{"role", "op"},
	)
	bids = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auction",
			Name:      "bids_total",
			Help:      "Bid decisions by house and outcome.",
		},
		[]string{"house", "outcome"},
	)
	lotsSold = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auction",
			Name:      "lots_sold_total",
			Help:      "Lots finalized as sold, by settlement result.",
		},
		[]string{"house", "settled"},
	)
	ledgerOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "operations_total",
			Help:      "Ledger operations by name and result.",
		},
		[]string{"op", "result"},
	)
	notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "pushes_total",
			Help:      "Push notifications by kind and result.",
		},
		[]string{"kind", "result"},
	)
	eventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "events_dropped_total",
			Help:      "Agent events dropped because the subscriber lagged.",
		},
		[]string{"agent"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			transportRequests,
			transportDuration,
			transportErrors,
			bids,
			lotsSold,
			ledgerOps,
			notifications,
			eventsDropped,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordTransportRequest(role, kind, reply string, duration time.Duration) {
	RegisterMetrics()
	transportRequests.WithLabelValues(role, kind, reply).Inc()
	transportDuration.WithLabelValues(role, kind).Observe(duration.Seconds())
}

func RecordTransportError(role, op string) {
	RegisterMetrics()
	transportErrors.WithLabelValues(role, op).Inc()
}

func RecordBid(house, outcome string) {
	RegisterMetrics()
	bids.WithLabelValues(house, outcome).Inc()
}

func RecordLotSold(house string, settled bool) {
	RegisterMetrics()
	lotsSold.WithLabelValues(house, strconv.FormatBool(settled)).Inc()
}

func RecordLedgerOp(op string, err error) {
	RegisterMetrics()
	result := "ok"
	if err != nil {
		result = "error"
	}
	ledgerOps.WithLabelValues(op, result).Inc()
}

func RecordNotification(kind string, delivered bool) {
	RegisterMetrics()
	result := "delivered"
	if !delivered {
		result = "failed"
	}
	notifications.WithLabelValues(kind, result).Inc()
}

func RecordEventDropped(agent string) {
	RegisterMetrics()
	eventsDropped.WithLabelValues(agent).Inc()
}
