package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(storeOps, storeSnapshots, cacheHits, dbPoolStats)
}

var (
	storeOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_store_ops_total",
			Help: "Session store operations by kind and outcome.",
		},
		[]string{"op", "outcome"}, // op: 'create','save','get','delete','list'
	)

	storeSnapshots = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "session_store_snapshots_total",
			Help: "Full session-list snapshots pushed to subscribers.",
		},
	)

	cacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_cache_requests_total",
			Help: "Session cache lookups by result.",
		},
		[]string{"result"}, // 'hit', 'miss'
	)

	dbPoolStats = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "db_pool_stats",
			Help: "Current state of the database connection pool.",
		},
		[]string{"state"}, // 'total', 'idle', 'in_use'
	)
)

func IncStoreOp(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	storeOps.WithLabelValues(norm(op), outcome).Inc()
}

func IncSnapshot() { storeSnapshots.Inc() }

func IncCache(hit bool) {
	if hit {
		cacheHits.WithLabelValues("hit").Inc()
		return
	}
	cacheHits.WithLabelValues("miss").Inc()
}

func SetDBPoolStats(total, idle, inUse int32) {
	dbPoolStats.WithLabelValues("total").Set(float64(total))
	dbPoolStats.WithLabelValues("idle").Set(float64(idle))
	dbPoolStats.WithLabelValues("in_use").Set(float64(inUse))
}
