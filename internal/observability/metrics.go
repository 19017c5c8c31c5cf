package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for PerpOptions.
type Metrics struct {
	// --- Core ---
	CoreOpsApplied   *prometheus.CounterVec
	CoreOpsRejected  *prometheus.CounterVec
	CoreOpDuration   *prometheus.HistogramVec
	CoreJournals     *prometheus.CounterVec
	CoreStateHashDur prometheus.Histogram
	CoreSequence     prometheus.Gauge

	// --- Rent & liquidity ---
	RentCollected     *prometheus.CounterVec
	RentShortfall     prometheus.Counter
	RewardsClaimed    *prometheus.CounterVec
	LiquidityProvided *prometheus.GaugeVec
	LiquidityUtilized *prometheus.GaugeVec
	OpenContracts     prometheus.Gauge

	// --- Liquidation ---
	LiquidationCompleted  *prometheus.CounterVec
	LiquidationPenalty    prometheus.Counter
	LiquidationCandidates prometheus.Gauge

	// --- Router ---
	RouterPlans *prometheus.CounterVec
	RouterLegs  *prometheus.CounterVec

	// --- Oracle ---
	PriceUpdates  *prometheus.CounterVec
	PriceRejected *prometheus.CounterVec
	PriceGaps     *prometheus.CounterVec

	// --- Channel & Backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter
	ProjectionDrops     prometheus.Counter

	// --- Idempotency ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Counter

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistBatchDur        prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistLastSequence    prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge

	// --- Projection ---
	ProjectionLastSeq prometheus.Gauge
	ProjectionGaps    prometheus.Counter
	ProjectionErrors  prometheus.Counter

	// --- HTTP API ---
	APIRequests *prometheus.CounterVec
	APIDuration *prometheus.HistogramVec
}

// NewMetrics creates all metrics and registers them with reg.
// Pass prometheus.DefaultRegisterer in the service and a fresh
// prometheus.NewRegistry() in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		CoreOpsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perpopt_core_ops_applied_total",
			Help: "Operations committed by the engine",
		}, []string{"op"}),

		CoreOpsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perpopt_core_ops_rejected_total",
			Help: "Operations rejected, by error kind",
		}, []string{"op", "kind"}),

		CoreOpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perpopt_core_op_duration_seconds",
			Help:    "Time to plan, validate and commit one operation",
			Buckets: latencyBuckets,
		}, []string{"op"}),

		CoreJournals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perpopt_core_journals_generated_total",
			Help: "Journal entries generated",
		}, []string{"journal_type"}),

		CoreStateHashDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perpopt_core_state_hash_duration_seconds",
			Help:    "Time to compute state hash",
			Buckets: latencyBuckets,
		}),

		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "perpopt_core_sequence",
			Help: "Current global sequence number",
		}),

		RentCollected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perpopt_rent_collected_total",
			Help: "Rent forwarded from collateral to strike books, in quote units",
		}, []string{"market"}),

		RentShortfall: f.NewCounter(prometheus.CounterOpts{
			Name: "perpopt_rent_shortfall_total",
			Help: "Rent that could not be charged because the balance was exhausted",
		}),

		RewardsClaimed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perpopt_rewards_claimed_total",
			Help: "Rent rewards paid to LPs, in quote units",
		}, []string{"market"}),

		LiquidityProvided: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perpopt_book_liquidity_provided",
			Help: "LP of a strike book in its native unit",
		}, []string{"market", "strike_index", "side"}),

		LiquidityUtilized: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perpopt_book_liquidity_utilized",
			Help: "LU of a strike book in its native unit",
		}, []string{"market", "strike_index", "side"}),

		OpenContracts: f.NewGauge(prometheus.GaugeOpts{
			Name: "perpopt_open_contracts",
			Help: "Number of open contracts",
		}),

		LiquidationCompleted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perpopt_liquidation_completed_total",
			Help: "Contracts closed by liquidation",
		}, []string{"market"}),

		LiquidationPenalty: f.NewCounter(prometheus.CounterOpts{
			Name: "perpopt_liquidation_penalty_total",
			Help: "Penalties paid to liquidators, in quote units",
		}),

		LiquidationCandidates: f.NewGauge(prometheus.GaugeOpts{
			Name: "perpopt_liquidation_candidates",
			Help: "Liquidatable contracts found by the last scan",
		}),

		RouterPlans: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perpopt_router_plans_total",
			Help: "Router plans computed",
		}, []string{"fulfilled"}),

		RouterLegs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perpopt_router_legs_total",
			Help: "Router legs executed, by outcome",
		}, []string{"status"}),

		PriceUpdates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perpopt_price_updates_total",
			Help: "Price updates accepted by the oracle store",
		}, []string{"market"}),

		PriceRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perpopt_price_rejected_total",
			Help: "Price updates rejected",
		}, []string{"reason"}),

		PriceGaps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perpopt_price_sequence_gaps_total",
			Help: "Gaps detected in per-market price sequences",
		}, []string{"market"}),

		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perpopt_channel_size",
			Help: "Current channel occupancy",
		}, []string{"channel"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perpopt_channel_capacity",
			Help: "Channel capacity",
		}, []string{"channel"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "perpopt_publish_drops_total",
			Help: "Outbound events dropped because the publish channel was full",
		}),

		PersistBackpressure: f.NewCounter(prometheus.CounterOpts{
			Name: "perpopt_persist_backpressure_total",
			Help: "Times the engine blocked on a full persist channel",
		}),

		ProjectionDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "perpopt_projection_drops_total",
			Help: "Outputs dropped because the projection channel was full",
		}),

		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perpopt_idempotency_duplicates_total",
			Help: "Requests rejected as duplicates",
		}, []string{"op", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "perpopt_dedup_lru_size",
			Help: "Idempotency keys held in memory",
		}),

		DedupLRUEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "perpopt_dedup_lru_evictions_total",
			Help: "Idempotency keys evicted from memory",
		}),

		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "perpopt_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "perpopt_persist_journals_written_total",
			Help: "Journals written to Postgres",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perpopt_persist_batch_size",
			Help:    "Events per flushed batch",
			Buckets: []float64{1, 5, 10, 50, 100, 250, 500, 1000},
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perpopt_persist_batch_duration_seconds",
			Help:    "Time to write one batch",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perpopt_persist_errors_total",
			Help: "Persistence errors by stage",
		}, []string{"stage"}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "perpopt_persist_last_sequence",
			Help: "Last sequence durably written",
		}),

		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "perpopt_snapshot_taken_total",
			Help: "Snapshots saved",
		}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perpopt_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "perpopt_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "perpopt_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		ProjectionLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "perpopt_projection_last_sequence",
			Help: "Last sequence applied to the balance projection",
		}),

		ProjectionGaps: f.NewCounter(prometheus.CounterOpts{
			Name: "perpopt_projection_gaps_total",
			Help: "Sequence gaps seen by the projection worker",
		}),

		ProjectionErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "perpopt_projection_errors_total",
			Help: "Failed projection updates",
		}),

		APIRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perpopt_api_requests_total",
			Help: "HTTP API requests",
		}, []string{"route", "status"}),

		APIDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perpopt_api_duration_seconds",
			Help:    "HTTP API latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"route"}),
	}
}

// SetChannelMetrics updates channel occupancy metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
}
