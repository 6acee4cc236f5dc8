package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(
		streamDeltas,
		streamTokensIn,
		streamDurationMs,
		streamFailures,
		decodeFramesDropped,
	)
}

var (
	streamDeltas = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_deltas_total",
			Help: "Content deltas folded into placeholder messages, per model.",
		},
		[]string{"model"},
	)

	streamTokensIn = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_prompt_tokens",
			Help: "Sum of prompt tokens counted before each completion request.",
		},
		[]string{"model"},
	)

	streamDurationMs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stream_duration_ms",
			Help:    "Open-to-sentinel stream duration in milliseconds.",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000},
		},
		[]string{"model", "success"},
	)

	streamFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_failures_total",
			Help: "Streams that ended in rollback, by failure class.",
		},
		[]string{"kind"}, // 'remote', 'transport', 'canceled'
	)

	decodeFramesDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "decode_frames_dropped_total",
			Help: "Malformed SSE frames silently skipped by the decoder.",
		},
	)
)

func ObserveDelta(model string) {
	streamDeltas.WithLabelValues(norm(model)).Inc()
}

func ObservePromptTokens(model string, tokens int) {
	streamTokensIn.WithLabelValues(norm(model)).Add(float64(tokens))
}

func ObserveStream(model string, durationMs int64, success bool) {
	streamDurationMs.WithLabelValues(norm(model), strconv.FormatBool(success)).
		Observe(float64(durationMs))
}

func IncStreamFailure(kind string) {
	streamFailures.WithLabelValues(norm(kind)).Inc()
}

func IncDroppedFrame() {
	decodeFramesDropped.Inc()
}
