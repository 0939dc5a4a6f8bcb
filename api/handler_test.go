package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/unitledger"
	"github.com/xraph/unitledger/invoice"
	"github.com/xraph/unitledger/payment"
	"github.com/xraph/unitledger/store/memory"
	"github.com/xraph/unitledger/subscription"
	"github.com/xraph/unitledger/types"
)

var now = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := func() time.Time { return now }

	l := unitledger.New(memory.New(),
		unitledger.WithLogger(logger),
		unitledger.WithClock(clock),
		unitledger.WithTaxRate(decimal.RequireFromString("0.06")),
	)
	srv := httptest.NewServer(New(l, WithLogger(logger), WithClock(clock)))
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, srv *httptest.Server, method, path string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func createAcme(t *testing.T, srv *httptest.Server) {
	t.Helper()
	var sub subscription.Subscription
	code := do(t, srv, http.MethodPost, "/subscriptions", map[string]any{
		"company_id":              "acme",
		"unit_type":               "page",
		"units_per_period":        1000,
		"promotional_units_total": 100,
		"price_per_unit":          "0.10",
		"start_date":              now,
		"payment_terms_days":      30,
	}, &sub)
	require.Equal(t, http.StatusCreated, code)
	require.Len(t, sub.Periods, 12)
}

func TestCreateSubscription(t *testing.T) {
	srv := newServer(t)
	createAcme(t, srv)

	var sub subscription.Subscription
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/subscriptions/acme", nil, &sub))
	assert.Equal(t, "acme", sub.CompanyID)
	assert.Equal(t, int64(9), sub.Periods[0].PromotionalUnits)
	assert.True(t, sub.PricePerUnit.Equal(types.USD("0.10")))

	var body errorBody
	code := do(t, srv, http.MethodPost, "/subscriptions", map[string]any{
		"company_id":     "acme",
		"unit_type":      "page",
		"price_per_unit": "0.10",
		"start_date":     now,
	}, &body)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "already_exists", body.Error)
}

func TestCreateSubscriptionValidation(t *testing.T) {
	srv := newServer(t)

	var body errorBody
	code := do(t, srv, http.MethodPost, "/subscriptions", map[string]any{
		"company_id":     "acme",
		"unit_type":      "tokens",
		"price_per_unit": "0.10",
		"start_date":     now,
	}, &body)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid_request", body.Error)
	assert.Equal(t, "UnitType", body.Field)

	code = do(t, srv, http.MethodPost, "/subscriptions", map[string]any{"company_id": "acme", "bogus": 1}, &body)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid_json", body.Error)
}

func TestRecordUsageWireShape(t *testing.T) {
	srv := newServer(t)
	createAcme(t, srv)

	var raw map[string]any
	code := do(t, srv, http.MethodPost, "/subscriptions/acme/usage", map[string]any{
		"units_consumed": 950,
		"as_of":          now,
		"transaction_id": "txn-1",
	}, &raw)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, raw["success"])
	assert.Nil(t, raw["shortfall"])

	touched, ok := raw["periods_touched"].([]any)
	require.True(t, ok)
	require.Len(t, touched, 1)
	first := touched[0].(map[string]any)
	assert.EqualValues(t, 1, first["period_number"])
	assert.EqualValues(t, 950, first["units_deducted"])

	var bal balanceResponse
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/subscriptions/acme/balance", nil, &bal))
	assert.Equal(t, int64(12*1000+100-950), bal.AvailableBalance)

	var body errorBody
	code = do(t, srv, http.MethodPost, "/subscriptions/acme/usage", map[string]any{
		"units_consumed": 5,
		"transaction_id": "txn-1",
	}, &body)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "duplicate_event", body.Error)
}

func TestRecordUsageInsufficient(t *testing.T) {
	srv := newServer(t)
	createAcme(t, srv)

	var resp usageResponse
	code := do(t, srv, http.MethodPost, "/subscriptions/acme/usage", map[string]any{"units_consumed": 20000}, &resp)
	require.Equal(t, http.StatusPaymentRequired, code)
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Shortfall)
	assert.Equal(t, int64(20000-12100), *resp.Shortfall)
	assert.Empty(t, resp.PeriodsTouched)

	var d unitledger.Decision
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodPost, "/subscriptions/acme/check", map[string]any{"units": 20000}, &d))
	assert.False(t, d.Allowed)
	assert.Equal(t, int64(7900), d.Shortfall)
}

func TestRecordUsageErrors(t *testing.T) {
	srv := newServer(t)
	createAcme(t, srv)

	var body errorBody
	assert.Equal(t, http.StatusBadRequest,
		do(t, srv, http.MethodPost, "/subscriptions/acme/usage", map[string]any{"units_consumed": 0}, &body))
	assert.Equal(t, "UnitsConsumed", body.Field)

	assert.Equal(t, http.StatusNotFound,
		do(t, srv, http.MethodPost, "/subscriptions/globex/usage", map[string]any{"units_consumed": 1}, &body))
	assert.Equal(t, "not_found", body.Error)

	var sub subscription.Subscription
	require.Equal(t, http.StatusOK,
		do(t, srv, http.MethodPut, "/subscriptions/acme/status", map[string]any{"status": "inactive"}, &sub))
	assert.Equal(t, subscription.StatusInactive, sub.Status)

	assert.Equal(t, http.StatusBadRequest,
		do(t, srv, http.MethodPost, "/subscriptions/acme/usage", map[string]any{"units_consumed": 1}, &body))
	assert.Equal(t, "status", body.Field)
}

func TestInvoicePaymentFlow(t *testing.T) {
	srv := newServer(t)
	createAcme(t, srv)

	var inv invoice.Invoice
	require.Equal(t, http.StatusCreated,
		do(t, srv, http.MethodPost, "/subscriptions/acme/invoices", map[string]any{"period_numbers": []int{1}}, &inv))
	assert.Equal(t, invoice.StatusSent, inv.Status)
	assert.True(t, inv.TotalAmount.Equal(types.USD("106")), inv.TotalAmount.String())
	require.Len(t, inv.LineItems, 1)
	assert.Equal(t, []int{1}, inv.LineItems[0].PeriodNumbers)

	var dup errorBody
	require.Equal(t, http.StatusConflict,
		do(t, srv, http.MethodPost, "/subscriptions/acme/invoices", map[string]any{"period_numbers": []int{1, 2}}, &dup))
	assert.Equal(t, "duplicate_invoice", dup.Error)
	assert.Equal(t, []int{1}, dup.PeriodNumbers)
	assert.Equal(t, inv.InvoiceNumber, dup.InvoiceNumber)

	var pay payment.Payment
	require.Equal(t, http.StatusCreated,
		do(t, srv, http.MethodPost, "/payments", map[string]any{"company_id": "acme", "amount": "60.00"}, &pay))
	assert.Equal(t, payment.StatusPending, pay.Status)

	var state errorBody
	path := "/invoices/" + inv.ID.String() + "/payments"
	require.Equal(t, http.StatusConflict,
		do(t, srv, http.MethodPost, path, map[string]any{"payment_id": pay.ID.String(), "amount": "60"}, &state))
	assert.Equal(t, "invalid_state", state.Error)

	require.Equal(t, http.StatusOK, do(t, srv, http.MethodPost, "/payments/"+pay.ID.String()+"/confirm", nil, &pay))
	assert.Equal(t, payment.StatusCompleted, pay.Status)

	require.Equal(t, http.StatusOK,
		do(t, srv, http.MethodPost, path, map[string]any{"payment_id": pay.ID.String(), "amount": "60"}, &inv))
	assert.Equal(t, invoice.StatusPartiallyPaid, inv.Status)
	assert.True(t, inv.AmountPaid.Equal(types.USD("60")))

	var got invoice.Invoice
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/invoices/"+inv.ID.String(), nil, &got))
	assert.Equal(t, inv.InvoiceNumber, got.InvoiceNumber)

	var list listResponse[*invoice.Invoice]
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/invoices?company_id=acme", nil, &list))
	assert.Len(t, list.Items, 1)
}

func TestCancelInvoiceReleasesPeriods(t *testing.T) {
	srv := newServer(t)
	createAcme(t, srv)

	var inv invoice.Invoice
	require.Equal(t, http.StatusCreated,
		do(t, srv, http.MethodPost, "/subscriptions/acme/invoices", map[string]any{"period_numbers": []int{1}, "draft": true}, &inv))
	assert.Equal(t, invoice.StatusDraft, inv.Status)

	require.Equal(t, http.StatusOK,
		do(t, srv, http.MethodPost, "/invoices/"+inv.ID.String()+"/cancel", map[string]any{"reason": "wrong terms"}, &inv))
	assert.Equal(t, invoice.StatusCancelled, inv.Status)

	require.Equal(t, http.StatusCreated,
		do(t, srv, http.MethodPost, "/subscriptions/acme/invoices", map[string]any{"period_numbers": []int{1}}, &inv))
}

func TestMarkOverdue(t *testing.T) {
	srv := newServer(t)
	createAcme(t, srv)

	var inv invoice.Invoice
	require.Equal(t, http.StatusCreated,
		do(t, srv, http.MethodPost, "/subscriptions/acme/invoices", map[string]any{"period_numbers": []int{1}}, &inv))

	var resp overdueResponse
	require.Equal(t, http.StatusOK,
		do(t, srv, http.MethodPost, "/invoices/mark-overdue", map[string]any{"now": now.AddDate(0, 2, 0)}, &resp))
	assert.Equal(t, 1, resp.Marked)
}

func TestMalformedIDs(t *testing.T) {
	srv := newServer(t)

	var body errorBody
	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodGet, "/invoices/not-an-id", nil, &body))
	assert.Equal(t, "invoice_id", body.Field)
	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodGet, "/payments/inv_01h455vb4pex5vsknk084sn02q", nil, &body))
	assert.Equal(t, "payment_id", body.Field)
}

func TestStripeWebhookRejectsBadSignature(t *testing.T) {
	l := unitledger.New(memory.New(), unitledger.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	h := New(l, WithStripeWebhookSecret("whsec_test"), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewBufferString(`{"id":"evt_1"}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=deadbeef")
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Without a secret the route is not mounted.
	rec = httptest.NewRecorder()
	New(l).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/stripe", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
