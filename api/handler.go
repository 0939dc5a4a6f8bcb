// Package api exposes the unitledger engine over HTTP with chi.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/xraph/unitledger"
	"github.com/xraph/unitledger/id"
	"github.com/xraph/unitledger/invoice"
	"github.com/xraph/unitledger/payment"
	"github.com/xraph/unitledger/subscription"
	"github.com/xraph/unitledger/types"
)

// maxBody caps request bodies, webhooks included.
const maxBody = 1 << 20

// Engine is the subset of *unitledger.Ledger the handlers call.
type Engine interface {
	CreateSubscription(ctx context.Context, t unitledger.Terms) (*subscription.Subscription, error)
	GetSubscription(ctx context.Context, companyID string) (*subscription.Subscription, error)
	ListSubscriptions(ctx context.Context, opts subscription.ListOpts) ([]*subscription.Subscription, error)
	SetStatus(ctx context.Context, companyID string, status subscription.Status) (*subscription.Subscription, error)
	RegeneratePeriods(ctx context.Context, companyID string, t unitledger.Terms) (*subscription.Subscription, error)
	Balance(ctx context.Context, companyID string) (int64, error)
	CheckUsage(ctx context.Context, companyID string, units int64) (unitledger.Decision, error)
	RecordUsage(ctx context.Context, req unitledger.UsageRequest) (*subscription.Receipt, error)

	DraftInvoice(ctx context.Context, companyID string, periodNumbers []int) (*invoice.Invoice, error)
	GenerateInvoice(ctx context.Context, companyID string, periodNumbers []int) (*invoice.Invoice, error)
	GenerateDueInvoices(ctx context.Context, companyID string, now time.Time) ([]*invoice.Invoice, error)
	SendInvoice(ctx context.Context, invID id.InvoiceID) (*invoice.Invoice, error)
	GetInvoice(ctx context.Context, invID id.InvoiceID) (*invoice.Invoice, error)
	ListInvoices(ctx context.Context, opts invoice.ListOpts) ([]*invoice.Invoice, error)
	CancelInvoice(ctx context.Context, invID id.InvoiceID, reason string) (*invoice.Invoice, error)
	MarkOverdue(ctx context.Context, now time.Time) (int, error)
	ApplyPayment(ctx context.Context, invID id.InvoiceID, payID id.PaymentID, amount types.Money) (*invoice.Invoice, error)

	RecordPayment(ctx context.Context, req unitledger.PaymentRequest) (*payment.Payment, error)
	GetPayment(ctx context.Context, payID id.PaymentID) (*payment.Payment, error)
	ListPayments(ctx context.Context, opts payment.ListOpts) ([]*payment.Payment, error)
	ConfirmPayment(ctx context.Context, payID id.PaymentID) (*payment.Payment, error)
	FailPayment(ctx context.Context, payID id.PaymentID, reason string) (*payment.Payment, error)
	RefundPayment(ctx context.Context, payID id.PaymentID, amount types.Money) (*payment.Payment, error)
	HandleProcessorEvent(ctx context.Context, ev *payment.ProcessorEvent) (*payment.Payment, error)
}

var _ Engine = (*unitledger.Ledger)(nil)

// Handler serves the ledger API.
type Handler struct {
	engine   Engine
	validate *validator.Validate
	logger   *slog.Logger

	currency      string
	webhookSecret string
	clock         func() time.Time
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// WithCurrency sets the currency used when a request omits one.
func WithCurrency(c string) Option {
	return func(h *Handler) { h.currency = c }
}

// WithStripeWebhookSecret enables POST /webhooks/stripe.
func WithStripeWebhookSecret(secret string) Option {
	return func(h *Handler) { h.webhookSecret = secret }
}

// WithClock overrides the time source used for sweeps.
func WithClock(clock func() time.Time) Option {
	return func(h *Handler) { h.clock = clock }
}

// New creates a Handler.
func New(engine Engine, opts ...Option) *Handler {
	h := &Handler{
		engine:   engine,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   slog.Default(),
		currency: "usd",
		clock:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes returns the chi router for the API.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/subscriptions", func(r chi.Router) {
		r.Get("/", h.listSubscriptions)
		r.Post("/", h.createSubscription)
		r.Route("/{company}", func(r chi.Router) {
			r.Get("/", h.getSubscription)
			r.Put("/status", h.setStatus)
			r.Post("/regenerate", h.regenerate)
			r.Get("/balance", h.balance)
			r.Post("/check", h.check)
			r.Post("/usage", h.recordUsage)
			r.Post("/invoices", h.generateInvoice)
			r.Post("/invoices/due", h.generateDue)
		})
	})

	r.Route("/invoices", func(r chi.Router) {
		r.Get("/", h.listInvoices)
		r.Post("/mark-overdue", h.markOverdue)
		r.Route("/{invoice}", func(r chi.Router) {
			r.Get("/", h.getInvoice)
			r.Post("/send", h.sendInvoice)
			r.Post("/cancel", h.cancelInvoice)
			r.Post("/payments", h.applyPayment)
		})
	})

	r.Route("/payments", func(r chi.Router) {
		r.Get("/", h.listPayments)
		r.Post("/", h.recordPayment)
		r.Route("/{payment}", func(r chi.Router) {
			r.Get("/", h.getPayment)
			r.Post("/confirm", h.confirmPayment)
			r.Post("/fail", h.failPayment)
			r.Post("/refund", h.refundPayment)
		})
	})

	if h.webhookSecret != "" {
		r.Post("/webhooks/stripe", h.stripeWebhook)
	}

	return r
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.Routes().ServeHTTP(w, r)
}

// ──────────────────────────────────────────────────
// Subscriptions
// ──────────────────────────────────────────────────

func (h *Handler) createSubscription(w http.ResponseWriter, r *http.Request) {
	var req termsRequest
	if !h.decode(w, r, &req) {
		return
	}
	t, err := req.terms(h.currency)
	if err != nil {
		h.fail(w, r, &unitledger.ValidationError{Field: "price_per_unit", Message: err.Error()})
		return
	}
	sub, err := h.engine.CreateSubscription(r.Context(), t)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (h *Handler) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	limit, offset := page(r)
	subs, err := h.engine.ListSubscriptions(r.Context(), subscription.ListOpts{
		Status: subscription.Status(r.URL.Query().Get("status")),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[*subscription.Subscription]{Items: subs, Limit: limit, Offset: offset})
}

func (h *Handler) getSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := h.engine.GetSubscription(r.Context(), chi.URLParam(r, "company"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (h *Handler) setStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if !h.decode(w, r, &req) {
		return
	}
	sub, err := h.engine.SetStatus(r.Context(), chi.URLParam(r, "company"), subscription.Status(req.Status))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (h *Handler) regenerate(w http.ResponseWriter, r *http.Request) {
	var req termsRequest
	if !h.decode(w, r, &req) {
		return
	}
	company := chi.URLParam(r, "company")
	if req.CompanyID != company {
		h.fail(w, r, &unitledger.ValidationError{Field: "company_id", Message: "must match the path"})
		return
	}
	t, err := req.terms(h.currency)
	if err != nil {
		h.fail(w, r, &unitledger.ValidationError{Field: "price_per_unit", Message: err.Error()})
		return
	}
	sub, err := h.engine.RegeneratePeriods(r.Context(), company, t)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (h *Handler) balance(w http.ResponseWriter, r *http.Request) {
	company := chi.URLParam(r, "company")
	bal, err := h.engine.Balance(r.Context(), company)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{CompanyID: company, AvailableBalance: bal})
}

func (h *Handler) check(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if !h.decode(w, r, &req) {
		return
	}
	d, err := h.engine.CheckUsage(r.Context(), chi.URLParam(r, "company"), req.Units)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *Handler) recordUsage(w http.ResponseWriter, r *http.Request) {
	var req usageRequest
	if !h.decode(w, r, &req) {
		return
	}
	ur := unitledger.UsageRequest{
		CompanyID:     chi.URLParam(r, "company"),
		Units:         req.UnitsConsumed,
		TransactionID: req.TransactionID,
	}
	if req.AsOf != nil {
		ur.AsOf = *req.AsOf
	}

	receipt, err := h.engine.RecordUsage(r.Context(), ur)
	var insufficient *unitledger.InsufficientUnitsError
	switch {
	case errors.As(err, &insufficient):
		writeJSON(w, http.StatusPaymentRequired, usageResponse{
			Success:        false,
			Shortfall:      &insufficient.Shortfall,
			PeriodsTouched: []subscription.Deduction{},
		})
		return
	case err != nil:
		h.fail(w, r, err)
		return
	}

	resp := usageResponse{
		Success:          true,
		PeriodsTouched:   receipt.Periods,
		BalanceAfter:     &receipt.BalanceAfter,
		OverdraftWarning: receipt.OverdraftWarning,
		ReceiptID:        receipt.ID.String(),
	}
	if receipt.Shortfall > 0 {
		resp.Shortfall = &receipt.Shortfall
	}
	writeJSON(w, http.StatusOK, resp)
}

// ──────────────────────────────────────────────────
// Invoices
// ──────────────────────────────────────────────────

func (h *Handler) generateInvoice(w http.ResponseWriter, r *http.Request) {
	var req invoiceRequest
	if !h.decode(w, r, &req) {
		return
	}
	company := chi.URLParam(r, "company")

	var (
		inv *invoice.Invoice
		err error
	)
	if req.Draft {
		inv, err = h.engine.DraftInvoice(r.Context(), company, req.PeriodNumbers)
	} else {
		inv, err = h.engine.GenerateInvoice(r.Context(), company, req.PeriodNumbers)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, inv)
}

func (h *Handler) generateDue(w http.ResponseWriter, r *http.Request) {
	var req dueRequest
	if !h.decode(w, r, &req) {
		return
	}
	now := h.clock()
	if req.Now != nil {
		now = *req.Now
	}
	invs, err := h.engine.GenerateDueInvoices(r.Context(), chi.URLParam(r, "company"), now)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[*invoice.Invoice]{Items: invs, Limit: len(invs)})
}

func (h *Handler) listInvoices(w http.ResponseWriter, r *http.Request) {
	limit, offset := page(r)
	q := r.URL.Query()
	invs, err := h.engine.ListInvoices(r.Context(), invoice.ListOpts{
		CompanyID: q.Get("company_id"),
		Status:    invoice.Status(q.Get("status")),
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[*invoice.Invoice]{Items: invs, Limit: limit, Offset: offset})
}

func (h *Handler) getInvoice(w http.ResponseWriter, r *http.Request) {
	invID, ok := h.invoiceID(w, r)
	if !ok {
		return
	}
	inv, err := h.engine.GetInvoice(r.Context(), invID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

func (h *Handler) sendInvoice(w http.ResponseWriter, r *http.Request) {
	invID, ok := h.invoiceID(w, r)
	if !ok {
		return
	}
	inv, err := h.engine.SendInvoice(r.Context(), invID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

func (h *Handler) cancelInvoice(w http.ResponseWriter, r *http.Request) {
	invID, ok := h.invoiceID(w, r)
	if !ok {
		return
	}
	var req cancelRequest
	if !h.decode(w, r, &req) {
		return
	}
	inv, err := h.engine.CancelInvoice(r.Context(), invID, req.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

func (h *Handler) applyPayment(w http.ResponseWriter, r *http.Request) {
	invID, ok := h.invoiceID(w, r)
	if !ok {
		return
	}
	var req applyRequest
	if !h.decode(w, r, &req) {
		return
	}
	payID, err := id.ParsePaymentID(req.PaymentID)
	if err != nil {
		h.fail(w, r, &unitledger.ValidationError{Field: "payment_id", Message: err.Error()})
		return
	}
	pay, err := h.engine.GetPayment(r.Context(), payID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	amount, err := types.Parse(req.Amount, pay.Currency())
	if err != nil {
		h.fail(w, r, &unitledger.ValidationError{Field: "amount", Message: err.Error()})
		return
	}
	inv, err := h.engine.ApplyPayment(r.Context(), invID, payID, amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

func (h *Handler) markOverdue(w http.ResponseWriter, r *http.Request) {
	var req overdueRequest
	if !h.decode(w, r, &req) {
		return
	}
	now := h.clock()
	if req.Now != nil {
		now = *req.Now
	}
	n, err := h.engine.MarkOverdue(r.Context(), now)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, overdueResponse{Marked: n})
}

// ──────────────────────────────────────────────────
// Payments
// ──────────────────────────────────────────────────

func (h *Handler) recordPayment(w http.ResponseWriter, r *http.Request) {
	var req paymentRequest
	if !h.decode(w, r, &req) {
		return
	}
	currency := req.Currency
	if currency == "" {
		currency = h.currency
	}
	amount, err := types.Parse(req.Amount, currency)
	if err != nil {
		h.fail(w, r, &unitledger.ValidationError{Field: "amount", Message: err.Error()})
		return
	}
	pay, err := h.engine.RecordPayment(r.Context(), unitledger.PaymentRequest{
		CompanyID: req.CompanyID,
		IntentID:  req.IntentID,
		Amount:    amount,
		Metadata:  req.Metadata,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, pay)
}

func (h *Handler) listPayments(w http.ResponseWriter, r *http.Request) {
	limit, offset := page(r)
	q := r.URL.Query()
	opts := payment.ListOpts{
		CompanyID: q.Get("company_id"),
		Status:    payment.Status(q.Get("status")),
		Limit:     limit,
		Offset:    offset,
	}
	if v := q.Get("invoice_id"); v != "" {
		invID, err := id.ParseInvoiceID(v)
		if err != nil {
			h.fail(w, r, &unitledger.ValidationError{Field: "invoice_id", Message: err.Error()})
			return
		}
		opts.InvoiceID = invID
	}
	pays, err := h.engine.ListPayments(r.Context(), opts)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[*payment.Payment]{Items: pays, Limit: limit, Offset: offset})
}

func (h *Handler) getPayment(w http.ResponseWriter, r *http.Request) {
	payID, ok := h.paymentID(w, r)
	if !ok {
		return
	}
	pay, err := h.engine.GetPayment(r.Context(), payID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pay)
}

func (h *Handler) confirmPayment(w http.ResponseWriter, r *http.Request) {
	payID, ok := h.paymentID(w, r)
	if !ok {
		return
	}
	pay, err := h.engine.ConfirmPayment(r.Context(), payID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pay)
}

func (h *Handler) failPayment(w http.ResponseWriter, r *http.Request) {
	payID, ok := h.paymentID(w, r)
	if !ok {
		return
	}
	var req failRequest
	if !h.decode(w, r, &req) {
		return
	}
	pay, err := h.engine.FailPayment(r.Context(), payID, req.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pay)
}

func (h *Handler) refundPayment(w http.ResponseWriter, r *http.Request) {
	payID, ok := h.paymentID(w, r)
	if !ok {
		return
	}
	var req refundRequest
	if !h.decode(w, r, &req) {
		return
	}
	pay, err := h.engine.GetPayment(r.Context(), payID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	amount, err := types.Parse(req.Amount, pay.Currency())
	if err != nil {
		h.fail(w, r, &unitledger.ValidationError{Field: "amount", Message: err.Error()})
		return
	}
	pay, err = h.engine.RefundPayment(r.Context(), payID, amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pay)
}

// stripeWebhook verifies and applies a Stripe notification. Engine
// failures still answer 200 so Stripe does not redeliver an event the
// ledger has already rejected.
func (h *Handler) stripeWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	ev, err := payment.ParseStripeWebhook(body, r.Header.Get("Stripe-Signature"), h.webhookSecret)
	if err != nil {
		h.logger.Warn("invalid stripe webhook", "error", err)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	h.logger.Info("received payment webhook",
		"event_type", ev.Type,
		"kind", string(ev.Kind),
		"intent_id", ev.IntentID,
	)

	if _, err := h.engine.HandleProcessorEvent(r.Context(), ev); err != nil {
		h.logger.Error("failed to handle webhook event",
			"event_type", ev.Type,
			"intent_id", ev.IntentID,
			"error", err,
		)
	}
	w.WriteHeader(http.StatusOK)
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

// decode reads a JSON body into v and validates it. An empty body decodes
// as the zero value. It writes the error response and returns false on
// failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_json", Message: err.Error()})
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		h.fail(w, r, err)
		return false
	}
	return true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, body := statusFor(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		h.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err,
		)
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, body)
}

func (h *Handler) invoiceID(w http.ResponseWriter, r *http.Request) (id.InvoiceID, bool) {
	invID, err := id.ParseInvoiceID(chi.URLParam(r, "invoice"))
	if err != nil {
		h.fail(w, r, &unitledger.ValidationError{Field: "invoice_id", Message: err.Error()})
		return id.InvoiceID{}, false
	}
	return invID, true
}

func (h *Handler) paymentID(w http.ResponseWriter, r *http.Request) (id.PaymentID, bool) {
	payID, err := id.ParsePaymentID(chi.URLParam(r, "payment"))
	if err != nil {
		h.fail(w, r, &unitledger.ValidationError{Field: "payment_id", Message: err.Error()})
		return id.PaymentID{}, false
	}
	return payID, true
}

func page(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
