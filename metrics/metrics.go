// Package metrics exposes the orchestrator's Prometheus instrumentation.
// Every metric is registered against a caller-supplied
// prometheus.Registerer rather than the global default registry — the
// same discipline the pack's consensus metrics package follows — so an
// embedding application controls exactly what gets exported.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collector holds every gauge/counter the node orchestrator, engine, and
// sync sessions report against.
type Collector struct {
	NodesApplied       *prometheus.CounterVec
	NodesRejected      *prometheus.CounterVec
	SpeculativeQueue   *prometheus.GaugeVec
	SyncRoundsStarted  prometheus.Counter
	IbltDecodeFailures *prometheus.CounterVec
	IbltTierPromotions *prometheus.CounterVec
	PowChallengesSent  prometheus.Counter
	PowSolutionsValid  prometheus.Counter
	PowSolutionsBad    prometheus.Counter
	FetchBatchSize     prometheus.Histogram
	BlobChunksSent     prometheus.Counter
	BlobChunksRecv     prometheus.Counter
	ActiveConversations prometheus.Gauge
}

// NewCollector builds and registers every metric against reg. Reg is
// typically a fresh prometheus.NewRegistry() per node instance, never
// prometheus.DefaultRegisterer, so running many nodes in one process
// (as the test suite does) never collides on metric names.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		NodesApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mtox_nodes_applied_total",
			Help: "Nodes successfully applied to the engine, by track.",
		}, []string{"track"}),
		NodesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mtox_nodes_rejected_total",
			Help: "Nodes rejected during verification, by reason.",
		}, []string{"reason"}),
		SpeculativeQueue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mtox_speculative_queue_depth",
			Help: "Current count of speculatively-held, not-yet-verified nodes per conversation.",
		}, []string{"conversation"}),
		SyncRoundsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mtox_sync_rounds_started_total",
			Help: "Reconciliation rounds initiated across all peer sessions.",
		}),
		IbltDecodeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mtox_iblt_decode_failures_total",
			Help: "IBLT decode attempts that left a non-empty residual, by tier.",
		}, []string{"tier"}),
		IbltTierPromotions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mtox_iblt_tier_promotions_total",
			Help: "Tier promotions after a failed decode, by resulting tier.",
		}, []string{"tier"}),
		PowChallengesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mtox_pow_challenges_sent_total",
			Help: "Proof-of-work challenges issued to throttle reconciliation requests.",
		}),
		PowSolutionsValid: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mtox_pow_solutions_valid_total",
			Help: "Proof-of-work solutions that passed verification.",
		}),
		PowSolutionsBad: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mtox_pow_solutions_invalid_total",
			Help: "Proof-of-work solutions that failed verification or expired.",
		}),
		FetchBatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mtox_fetch_batch_size",
			Help:    "Size of outbound FetchBatchReq batches.",
			Buckets: prometheus.LinearBuckets(0, 4, 9),
		}),
		BlobChunksSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mtox_blob_chunks_sent_total",
			Help: "Blob chunks served to peers.",
		}),
		BlobChunksRecv: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mtox_blob_chunks_received_total",
			Help: "Blob chunks received from peers.",
		}),
		ActiveConversations: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mtox_active_conversations",
			Help: "Conversations currently loaded in the engine.",
		}),
	}

	reg.MustRegister(
		c.NodesApplied,
		c.NodesRejected,
		c.SpeculativeQueue,
		c.SyncRoundsStarted,
		c.IbltDecodeFailures,
		c.IbltTierPromotions,
		c.PowChallengesSent,
		c.PowSolutionsValid,
		c.PowSolutionsBad,
		c.FetchBatchSize,
		c.BlobChunksSent,
		c.BlobChunksRecv,
		c.ActiveConversations,
	)

	return c
}
