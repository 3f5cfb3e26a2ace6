package metrics_test

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/affiliate-engine/affiliate"
	"github.com/warp/affiliate-engine/metrics"
)

func TestMetrics_CountEngineSignals(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())

	m.EntryAppended(affiliate.KindSale)
	m.EntryAppended(affiliate.KindSale)
	m.EntryAppended(affiliate.KindCommission)
	m.AppendRetried(affiliate.KindSale)
	m.RankChanged(affiliate.RankChanged{AccountID: 1, OldRank: affiliate.RankGuest, NewRank: affiliate.RankStaff})
	m.ConsistencyViolation(&affiliate.ConsistencyViolationError{AccountID: 1, Field: affiliate.FieldBonus, Detail: "drift"})
	m.SaleProcessed("sale_ok", 5*time.Millisecond)
	m.EventSkipped("consistency")
	m.EventSkipped("rejected")
	m.EventSkipped("rejected")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.LedgerAppendsTotal.WithLabelValues("SALE")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LedgerAppendsTotal.WithLabelValues("COMMISSION")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LedgerRetriesTotal.WithLabelValues("SALE")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RankChangesTotal.WithLabelValues("STAFF")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConsistencyViolations.WithLabelValues("bonus")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.SaleDuration))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsSkippedTotal.WithLabelValues("consistency")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.EventsSkippedTotal.WithLabelValues("rejected")))
}

func TestMetrics_ResetRuns(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	finished := time.Date(2025, time.February, 1, 0, 10, 0, 0, time.UTC)

	m.ResetRun(affiliate.ResetReport{Reset: 3, FinishedAt: finished})
	m.ResetRun(affiliate.ResetReport{Reset: 1, Failed: []affiliate.ResetFailure{{AccountID: 4, Error: "x"}}, FinishedAt: finished.Add(time.Hour)})
	m.ResetLeaseForced()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ResetRunsTotal))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.ResetAccountsTotal.WithLabelValues("reset")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ResetAccountsTotal.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LeaseForcedTotal))
	assert.Equal(t, float64(finished.Unix()), testutil.ToFloat64(m.ResetLastSuccessUTC), "a run with failures does not count as success")
}

func TestMetrics_Handler(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	m.EntryAppended(affiliate.KindBonus)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `affiliate_ledger_appends_total{kind="BONUS"} 1`)
}
