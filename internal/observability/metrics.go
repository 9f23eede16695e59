package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus metric exported by the engine.
type Metrics struct {
	// --- Trading ---
	TradesExecuted *prometheus.CounterVec
	TradesRejected *prometheus.CounterVec
	TradeDuration  *prometheus.HistogramVec
	SpotPrice      *prometheus.GaugeVec
	OpenInterest   *prometheus.GaugeVec
	FundingIndex   *prometheus.GaugeVec

	// --- Pricing ---
	QuoteDuration   *prometheus.HistogramVec
	SolverFailures  *prometheus.CounterVec
	InvariantFaults *prometheus.CounterVec

	// --- Chains ---
	ChainsCommitted  prometheus.Counter
	ChainsRolledBack *prometheus.CounterVec
	ChainDepth       prometheus.Histogram
	ChainCommitDur   prometheus.Histogram

	// --- Liquidation ---
	LiquidationsExecuted *prometheus.CounterVec
	LiquidationQueueSize prometheus.Gauge
	LiquidationShortfall prometheus.Counter
	InsuranceFundBalance prometheus.Gauge
	InsuranceFundDebt    prometheus.Gauge

	// --- Risk ---
	BreakerTrips  *prometheus.CounterVec
	BreakerRearms *prometheus.CounterVec
	HaltedMarkets prometheus.Gauge

	// --- Event pipeline ---
	EventsEmitted       *prometheus.CounterVec
	EventSequence       prometheus.Gauge
	ProjectionDrops     prometheus.Counter
	PersistBackpressure prometheus.Counter
	PersistBatchSize    prometheus.Histogram
	PersistBatchDur     prometheus.Histogram
	PersistErrors       *prometheus.CounterVec
}

// NewMetrics creates and registers all engine metrics on the default
// registry.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000005, 0.00001, 0.000025, 0.00005, 0.0001,
		0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		TradesExecuted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lever_trades_executed_total",
			Help: "Positions opened or closed",
		}, []string{"market_id", "kind"}),

		TradesRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lever_trades_rejected_total",
			Help: "Trades rejected (halt, leverage, collateral, pricing)",
		}, []string{"market_id", "reason"}),

		TradeDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lever_trade_duration_seconds",
			Help:    "End-to-end trade pipeline duration",
			Buckets: latencyBuckets,
		}, []string{"kind"}),

		SpotPrice: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lever_spot_price",
			Help: "Current outcome spot price",
		}, []string{"market_id", "outcome"}),

		OpenInterest: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lever_open_interest",
			Help: "Open interest per side",
		}, []string{"market_id", "side"}),

		FundingIndex: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lever_funding_index",
			Help: "Cumulative funding accumulator",
		}, []string{"market_id"}),

		QuoteDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lever_quote_duration_seconds",
			Help:    "AMM quote computation duration",
			Buckets: latencyBuckets,
		}, []string{"model"}),

		SolverFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lever_solver_failures_total",
			Help: "Solver divergence and integration failures",
		}, []string{"kind"}),

		InvariantFaults: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lever_amm_invariant_faults_total",
			Help: "Rejected quotes whose post-trade prices broke the simplex invariant",
		}, []string{"market_id"}),

		ChainsCommitted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lever_chains_committed_total",
			Help: "Chains committed",
		}),

		ChainsRolledBack: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lever_chains_rolled_back_total",
			Help: "Chains rolled back, by failure reason",
		}, []string{"reason"}),

		ChainDepth: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "lever_chain_depth",
			Help:    "Steps per committed chain",
			Buckets: []float64{2, 3, 4, 5, 6, 7, 8, 9, 10},
		}),

		ChainCommitDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "lever_chain_commit_duration_seconds",
			Help:    "Chain commit duration including locking",
			Buckets: latencyBuckets,
		}),

		LiquidationsExecuted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lever_liquidations_executed_total",
			Help: "Forced closes executed",
		}, []string{"market_id"}),

		LiquidationQueueSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "lever_liquidation_queue_size",
			Help: "Queued liquidation candidates",
		}),

		LiquidationShortfall: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lever_liquidation_shortfall_total",
			Help: "Liquidations that left a deficit",
		}),

		InsuranceFundBalance: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "lever_insurance_fund_balance",
			Help: "Insurance fund balance",
		}),

		InsuranceFundDebt: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "lever_insurance_fund_debt",
			Help: "Uncovered shortfall carried by the fund",
		}),

		BreakerTrips: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lever_breaker_trips_total",
			Help: "Circuit breaker trips",
		}, []string{"market_id", "kind"}),

		BreakerRearms: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lever_breaker_rearms_total",
			Help: "Circuit breaker automatic re-arms",
		}, []string{"market_id", "kind"}),

		HaltedMarkets: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "lever_halted_markets",
			Help: "Markets currently halted by a breaker",
		}),

		EventsEmitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lever_events_emitted_total",
			Help: "Audit events emitted",
		}, []string{"event_type"}),

		EventSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "lever_event_sequence",
			Help: "Current global event sequence",
		}),

		ProjectionDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lever_projection_drops_total",
			Help: "Events dropped on the full projection channel",
		}),

		PersistBackpressure: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lever_persist_backpressure_total",
			Help: "Times the engine blocked on the persist channel",
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "lever_persist_batch_size",
			Help:    "Rows per event-log batch write",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "lever_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lever_persist_errors_total",
			Help: "Event-log write failures",
		}, []string{"kind"}),
	}
}
