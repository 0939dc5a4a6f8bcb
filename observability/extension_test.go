package observability

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/unitledger/invoice"
	"github.com/xraph/unitledger/payment"
	"github.com/xraph/unitledger/subscription"
	"github.com/xraph/unitledger/types"
)

func value(t *testing.T, c Counter) float64 {
	t.Helper()
	col, ok := c.(prometheus.Collector)
	require.True(t, ok)
	return testutil.ToFloat64(col)
}

func TestMetricsExtensionCounts(t *testing.T) {
	ctx := context.Background()
	m := NewMetricsExtension(NewPrometheusFactory(nil))

	require.NoError(t, m.OnUsageRecorded(ctx, nil, &subscription.Receipt{Units: 40}))
	require.NoError(t, m.OnUsageRecorded(ctx, nil, &subscription.Receipt{Units: 2}))
	require.NoError(t, m.OnConcurrencyConflict(ctx, "subscription", "acme", 1))
	require.NoError(t, m.OnInvoiceGenerated(ctx, &invoice.Invoice{TotalAmount: types.USD("106")}))
	require.NoError(t, m.OnPaymentStatusChanged(ctx, &payment.Payment{Status: payment.StatusCompleted}, payment.StatusPending))
	require.NoError(t, m.OnPaymentStatusChanged(ctx, &payment.Payment{Status: payment.StatusPartiallyRefunded}, payment.StatusCompleted))
	require.NoError(t, m.OnPaymentApplied(ctx, nil, nil, types.USD("60")))

	assert.Equal(t, 2.0, value(t, m.UsageRecorded))
	assert.Equal(t, 42.0, value(t, m.UnitsConsumed))
	assert.Equal(t, 1.0, value(t, m.ConcurrencyConflicts))
	assert.Equal(t, 1.0, value(t, m.InvoiceGenerated))
	assert.Equal(t, 1.0, value(t, m.PaymentSettled))
	assert.Equal(t, 1.0, value(t, m.PaymentRefunded))
	assert.Equal(t, 0.0, value(t, m.PaymentFailed))
	assert.Equal(t, 1.0, value(t, m.PaymentApplied))
}

func TestPrometheusFactoryReusesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	f := NewPrometheusFactory(reg)

	a := f.Counter("unitledger.usage.recorded")
	b := f.Counter("unitledger.usage.recorded")
	a.Inc()
	b.Inc()
	f.Histogram("unitledger.invoice.total_amount").Observe(106)

	families, err := reg.Gather()
	require.NoError(t, err)

	names := map[string]bool{}
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	assert.True(t, names["unitledger_usage_recorded_total"])
	assert.True(t, names["unitledger_invoice_total_amount"])
	assert.Equal(t, 2.0, value(t, a))
}

func TestPrometheusHandler(t *testing.T) {
	f := NewPrometheusFactory(nil)
	m := NewMetricsExtension(f)
	require.NoError(t, m.OnInvoicePaid(context.Background(), &invoice.Invoice{}))

	rec := httptest.NewRecorder()
	f.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, string(body), "unitledger_invoice_paid_total 1")
}
