// Package metrics exports engine signals as prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warp/affiliate-engine/affiliate"
)

const namespace = "affiliate"

// Metrics implements affiliate.Instrumentation.
type Metrics struct {
	gatherer prometheus.Gatherer

	LedgerAppendsTotal    *prometheus.CounterVec
	LedgerRetriesTotal    *prometheus.CounterVec
	ConsistencyViolations *prometheus.CounterVec
	RankChangesTotal      *prometheus.CounterVec
	SaleDuration          *prometheus.HistogramVec
	EventsSkippedTotal    *prometheus.CounterVec

	ResetRunsTotal      prometheus.Counter
	ResetAccountsTotal  *prometheus.CounterVec
	LeaseForcedTotal    prometheus.Counter
	ResetLastSuccessUTC prometheus.Gauge
}

// New registers the collectors with reg. Each registry can hold one
// Metrics, so tests use a fresh prometheus.NewRegistry().
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		gatherer: reg,

		LedgerAppendsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_appends_total",
			Help:      "Ledger entries appended, by kind.",
		}, []string{"kind"}),

		LedgerRetriesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_append_retries_total",
			Help:      "Transient append failures that were retried, by kind.",
		}, []string{"kind"}),

		ConsistencyViolations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consistency_violations_total",
			Help:      "Reconciliation mismatches detected, by field.",
		}, []string{"field"}),

		RankChangesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rank_changes_total",
			Help:      "Rank promotions, by new rank.",
		}, []string{"rank"}),

		SaleDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sale_processing_seconds",
			Help:      "Time to process a sale, reversal or purchase event, by outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),

		EventsSkippedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_skipped_total",
			Help:      "Inbound events committed without being applied, by reason.",
		}, []string{"reason"}),

		ResetRunsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reset_runs_total",
			Help:      "Monthly reset runs that executed (not skipped).",
		}),

		ResetAccountsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reset_accounts_total",
			Help:      "Accounts processed by the monthly reset, by result.",
		}, []string{"result"}),

		LeaseForcedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reset_lease_forced_total",
			Help:      "Expired reset leases taken over from a stalled run.",
		}),

		ResetLastSuccessUTC: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reset_last_success_timestamp_seconds",
			Help:      "Finish time of the last reset run with no failed accounts.",
		}),
	}
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) EntryAppended(kind affiliate.Kind) {
	m.LedgerAppendsTotal.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) AppendRetried(kind affiliate.Kind) {
	m.LedgerRetriesTotal.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) ConsistencyViolation(err *affiliate.ConsistencyViolationError) {
	field := string(err.Field)
	if field == "" {
		field = "graph"
	}
	m.ConsistencyViolations.WithLabelValues(field).Inc()
}

func (m *Metrics) RankChanged(ev affiliate.RankChanged) {
	m.RankChangesTotal.WithLabelValues(string(ev.NewRank)).Inc()
}

func (m *Metrics) SaleProcessed(outcome string, elapsed time.Duration) {
	m.SaleDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

func (m *Metrics) ResetRun(r affiliate.ResetReport) {
	m.ResetRunsTotal.Inc()
	m.ResetAccountsTotal.WithLabelValues("reset").Add(float64(r.Reset))
	m.ResetAccountsTotal.WithLabelValues("failed").Add(float64(len(r.Failed)))
	if len(r.Failed) == 0 {
		m.ResetLastSuccessUTC.Set(float64(r.FinishedAt.Unix()))
	}
}

func (m *Metrics) ResetLeaseForced() {
	m.LeaseForcedTotal.Inc()
}

func (m *Metrics) EventSkipped(reason string) {
	m.EventsSkippedTotal.WithLabelValues(reason).Inc()
}

var _ affiliate.Instrumentation = (*Metrics)(nil)
