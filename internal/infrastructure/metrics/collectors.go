package metrics

import (
	"net/http"
	"time"

	"whale-flow-analyzer/internal/domain/entity"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors holds every pipeline metric on a private registry. All methods are safe on a
// nil receiver so components can run without metrics.
type Collectors struct {
	registry *prometheus.Registry

	FetchRequests  *prometheus.CounterVec
	FetchRetries   *prometheus.CounterVec
	FetchCoverage  prometheus.Gauge
	FetchDropped   *prometheus.CounterVec
	Classified     *prometheus.CounterVec
	CoinJoins      *prometheus.CounterVec
	CacheLookups   *prometheus.CounterVec
	LateTx         *prometheus.CounterVec
	WindowNetFlow  *prometheus.GaugeVec
	WindowStrength *prometheus.GaugeVec
	FusionScore    prometheus.Gauge
	Clusters       *prometheus.GaugeVec
	BlockDuration  prometheus.Histogram
	BlocksAnalyzed *prometheus.CounterVec
}

// NewCollectors creates and registers the pipeline metrics
func NewCollectors() *Collectors {
	c := &Collectors{
		registry: prometheus.NewRegistry(),

		FetchRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "whaleflow_fetch_requests_total",
				Help: "Transaction fetches per source tier",
			},
			[]string{"tier", "status"}, // status: success|transient|permanent|malformed
		),
		FetchRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "whaleflow_fetch_retries_total",
				Help: "Retried transaction fetches per source tier",
			},
			[]string{"tier"},
		),
		FetchCoverage: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "whaleflow_fetch_coverage_ratio",
				Help: "Resolved/total transactions of the last fetched block",
			},
		),
		FetchDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "whaleflow_fetch_dropped_total",
				Help: "Transactions left out of analysis",
			},
			[]string{"reason"}, // reason: unresolved|malformed
		),
		Classified: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "whaleflow_classified_transactions_total",
				Help: "Classified transactions per flow label",
			},
			[]string{"label"},
		),
		CoinJoins: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "whaleflow_coinjoins_total",
				Help: "Transactions with a positive CoinJoin verdict per variant",
			},
			[]string{"variant"},
		),
		CacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "whaleflow_coinjoin_cache_lookups_total",
				Help: "CoinJoin cache lookups",
			},
			[]string{"result"}, // result: hit|miss|error
		),
		LateTx: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "whaleflow_late_transactions_total",
				Help: "Transactions carried into a later window because their own had closed",
			},
			[]string{"width"},
		),
		WindowNetFlow: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "whaleflow_window_net_flow_btc",
				Help: "Net flow (outflow - inflow) of the last closed window",
			},
			[]string{"width"},
		),
		WindowStrength: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "whaleflow_window_strength",
				Help: "Strength of the last closed window",
			},
			[]string{"width"},
		),
		FusionScore: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "whaleflow_fusion_score",
				Help: "Combined score of the last fusion decision",
			},
		),
		Clusters: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "whaleflow_entity_clusters",
				Help: "Entity resolver forest size",
			},
			[]string{"kind"}, // kind: addresses|clusters|largest|exchange
		),
		BlockDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "whaleflow_block_duration_seconds",
				Help:    "End to end analysis duration per block",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
		),
		BlocksAnalyzed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "whaleflow_blocks_analyzed_total",
				Help: "Analyzed blocks",
			},
			[]string{"status"}, // status: success|error
		),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.FetchRequests,
		c.FetchRetries,
		c.FetchCoverage,
		c.FetchDropped,
		c.Classified,
		c.CoinJoins,
		c.CacheLookups,
		c.LateTx,
		c.WindowNetFlow,
		c.WindowStrength,
		c.FusionScore,
		c.Clusters,
		c.BlockDuration,
		c.BlocksAnalyzed,
	)
	return c
}

// Registry returns the private registry
func (c *Collectors) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format
func (c *Collectors) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveFetch records one tier attempt outcome
func (c *Collectors) ObserveFetch(tier, status string) {
	if c == nil {
		return
	}
	c.FetchRequests.WithLabelValues(tier, status).Inc()
}

// ObserveRetry records a retried request
func (c *Collectors) ObserveRetry(tier string) {
	if c == nil {
		return
	}
	c.FetchRetries.WithLabelValues(tier).Inc()
}

// ObserveFetchResult records coverage and dropped transactions of a block fetch
func (c *Collectors) ObserveFetchResult(result *entity.FetchResult) {
	if c == nil || result == nil {
		return
	}
	c.FetchCoverage.Set(result.Coverage())
	c.FetchDropped.WithLabelValues("unresolved").Add(float64(len(result.Unresolved)))
	c.FetchDropped.WithLabelValues("malformed").Add(float64(len(result.Malformed)))
}

// ObserveClassified records a classified transaction
func (c *Collectors) ObserveClassified(ct *entity.ClassifiedTransaction) {
	if c == nil || ct == nil {
		return
	}
	c.Classified.WithLabelValues(ct.Label.String()).Inc()
	if ct.CoinJoin != nil && ct.CoinJoin.Verdict {
		c.CoinJoins.WithLabelValues(string(ct.CoinJoin.Variant)).Inc()
	}
}

// ObserveCacheLookup records a CoinJoin cache lookup
func (c *Collectors) ObserveCacheLookup(result string) {
	if c == nil {
		return
	}
	c.CacheLookups.WithLabelValues(result).Inc()
}

// ObserveLate records a transaction carried past its closed window
func (c *Collectors) ObserveLate(width time.Duration) {
	if c == nil {
		return
	}
	c.LateTx.WithLabelValues(width.String()).Inc()
}

// ObserveMetric records a closed window
func (c *Collectors) ObserveMetric(m *entity.NetFlowMetric) {
	if c == nil || m == nil {
		return
	}
	width := m.Window.Width.String()
	c.WindowNetFlow.WithLabelValues(width).Set(m.Net.Float())
	c.WindowStrength.WithLabelValues(width).Set(m.Strength)
}

// ObserveDecision records a fusion decision
func (c *Collectors) ObserveDecision(d *entity.FusionDecision) {
	if c == nil || d == nil {
		return
	}
	c.FusionScore.Set(d.Score)
}

// ObserveResolver records the resolver forest size
func (c *Collectors) ObserveResolver(stats entity.ResolverStats) {
	if c == nil {
		return
	}
	c.Clusters.WithLabelValues("addresses").Set(float64(stats.Addresses))
	c.Clusters.WithLabelValues("clusters").Set(float64(stats.Clusters))
	c.Clusters.WithLabelValues("largest").Set(float64(stats.LargestCluster))
	c.Clusters.WithLabelValues("exchange").Set(float64(stats.ExchangeClusters))
}

// ObserveBlock records the outcome and duration of one block analysis
func (c *Collectors) ObserveBlock(duration time.Duration, err error) {
	if c == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	c.BlocksAnalyzed.WithLabelValues(status).Inc()
	c.BlockDuration.Observe(duration.Seconds())
}
