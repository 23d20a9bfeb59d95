package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry = prometheus.NewRegistry()
	once     sync.Once

	matchingLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "matching_latency_seconds",
		Help:    "Latency of order matching in seconds.",
		Buckets: prometheus.DefBuckets,
	})
	tradesCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trades_created_total",
			Help: "Total number of trades created.",
		},
		[]string{"symbol"},
	)
	orderbookDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orderbook_depth",
			Help: "Current orderbook depth.",
		},
		[]string{"symbol", "side"},
	)
	matchingThroughput = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "matching_throughput",
		Help: "Total number of orders processed by matching.",
	})
	engineHalted = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "matching_engine_halted",
			Help: "1 when the engine for a symbol is halted.",
		},
		[]string{"symbol"},
	)
	streamErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_errors_total",
			Help: "Total number of stream processing errors.",
		},
		[]string{"stream", "group"},
	)
	streamPending = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stream_pending",
			Help: "Number of pending messages in the consumer group.",
		},
		[]string{"stream", "group"},
	)
	streamDLQ = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_dlq_total",
			Help: "Total number of messages sent to the dead letter queue.",
		},
		[]string{"stream", "group"},
	)
)

// Init registers metrics with the registry once.
func Init() {
	once.Do(func() {
		registry.MustRegister(
			prometheus.NewGoCollector(),
			prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
			matchingLatency,
			tradesCreated,
			orderbookDepth,
			matchingThroughput,
			engineHalted,
			streamErrors,
			streamPending,
			streamDLQ,
		)
	})
}

// Handler exposes the Prometheus metrics endpoint handler.
func Handler() http.Handler {
	Init()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObserveMatchingLatency records a matching latency duration.
func ObserveMatchingLatency(d time.Duration) {
	Init()
	matchingLatency.Observe(d.Seconds())
}

// IncTradesCreated increments the trades created counter for a symbol.
func IncTradesCreated(symbol string) {
	Init()
	tradesCreated.WithLabelValues(symbol).Inc()
}

// SetOrderbookDepth sets the current orderbook depth for a symbol and side.
func SetOrderbookDepth(symbol, side string, depth float64) {
	Init()
	orderbookDepth.WithLabelValues(symbol, side).Set(depth)
}

// AddMatchingThroughput increments the matching throughput counter by n.
func AddMatchingThroughput(n int) {
	Init()
	if n <= 0 {
		return
	}
	matchingThroughput.Add(float64(n))
}

// SetEngineHalted flags whether a symbol's engine is halted.
func SetEngineHalted(symbol string, halted bool) {
	Init()
	v := 0.0
	if halted {
		v = 1.0
	}
	engineHalted.WithLabelValues(symbol).Set(v)
}

// IncStreamError increments the stream error counter.
func IncStreamError(stream, group string) {
	Init()
	streamErrors.WithLabelValues(stream, group).Inc()
}

// SetStreamPending sets the pending message gauge for a consumer group.
func SetStreamPending(stream, group string, count int64) {
	Init()
	streamPending.WithLabelValues(stream, group).Set(float64(count))
}

// IncStreamDLQ increments the dead letter counter.
func IncStreamDLQ(stream, group string) {
	Init()
	streamDLQ.WithLabelValues(stream, group).Inc()
}
