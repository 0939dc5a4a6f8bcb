package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/unitledger"
	audithook "github.com/xraph/unitledger/audit_hook"
	"github.com/xraph/unitledger/config"
	"github.com/xraph/unitledger/store/sqlite"
	"github.com/xraph/unitledger/types"
)

var start = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func memoryConfig() config.Config {
	cfg := config.Default()
	cfg.Store.Driver = "memory"
	return cfg
}

type auditSink struct {
	mu      sync.Mutex
	actions []string
}

func (a *auditSink) Record(_ context.Context, e *audithook.AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.actions = append(a.actions, e.Action)
	return nil
}

func (a *auditSink) has(action string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, got := range a.actions {
		if got == action {
			return true
		}
	}
	return false
}

func post(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, &buf))
	return rec
}

func TestServerEndToEnd(t *testing.T) {
	ctx := context.Background()
	audit := &auditSink{}

	s := New(memoryConfig(),
		WithLogger(quiet()),
		WithClock(func() time.Time { return start }),
		WithAuditRecorder(audit),
	)
	require.NoError(t, s.Open(ctx))
	require.NoError(t, s.Start(ctx))
	t.Cleanup(func() { assert.NoError(t, s.Stop()) })

	h := s.Handler()

	rec := post(t, h, "/v1/subscriptions", map[string]any{
		"company_id":       "acme",
		"unit_type":        "word",
		"units_per_period": 500,
		"price_per_unit":   "0.02",
		"start_date":       start,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = post(t, h, "/v1/subscriptions/acme/usage", map[string]any{"units_consumed": 120, "transaction_id": "txn-9"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = post(t, h, "/v1/subscriptions/acme/usage", map[string]any{"units_consumed": 120, "transaction_id": "txn-9"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	health := httptest.NewRecorder()
	h.ServeHTTP(health, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, health.Code)
	assert.Contains(t, health.Body.String(), "unitledger")

	metrics := httptest.NewRecorder()
	h.ServeHTTP(metrics, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, metrics.Code)
	assert.Contains(t, metrics.Body.String(), "unitledger_usage_recorded_total 1")
	assert.Contains(t, metrics.Body.String(), "unitledger_usage_units_total 120")

	assert.True(t, audit.has(audithook.ActionSubscriptionCreated))
	assert.True(t, audit.has(audithook.ActionUsageRecorded))
}

func TestServerRedisGuard(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	cfg := memoryConfig()
	cfg.Idempotency.Driver = "redis"
	cfg.Idempotency.Addr = mr.Addr()
	cfg.Metrics.Enabled = false

	s := New(cfg, WithLogger(quiet()))
	require.NoError(t, s.Open(ctx))
	t.Cleanup(func() { _ = s.Stop() })
	require.NoError(t, s.Health(ctx))
	assert.Nil(t, s.Metrics())

	_, err := s.Engine().CreateSubscription(ctx, unitledger.Terms{
		CompanyID:        "acme",
		UnitType:         "page",
		UnitsPerPeriod:   10,
		PricePerUnit:     types.USD("1"),
		StartDate:        start,
		BillingFrequency: "monthly",
	})
	require.NoError(t, err)

	_, err = s.Engine().RecordUsage(ctx, unitledger.UsageRequest{CompanyID: "acme", Units: 1, TransactionID: "txn-1"})
	require.NoError(t, err)
	assert.True(t, mr.Exists("unitledger:txn:acme:txn-1"))

	mr.Close()
	assert.Error(t, s.Health(ctx))
}

func TestServerRedisUnreachable(t *testing.T) {
	cfg := memoryConfig()
	cfg.Idempotency.Driver = "redis"
	cfg.Idempotency.Addr = "127.0.0.1:1"

	s := New(cfg, WithLogger(quiet()))
	err := s.Open(context.Background())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "redis"))
}

func TestOpenStoreUnknownDriver(t *testing.T) {
	_, err := OpenStore(context.Background(), config.StoreConfig{Driver: "cassandra"})
	require.ErrorIs(t, err, unitledger.ErrConfiguration)
}

func TestOpenStoreSQLite(t *testing.T) {
	ctx := context.Background()
	st, err := OpenStore(ctx, config.StoreConfig{Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(ctx))
	assert.NoError(t, st.Ping(ctx))
}

func TestStoreFromGrove(t *testing.T) {
	ctx := context.Background()
	st, err := sqlite.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	got, err := StoreFromGrove(st.DB())
	require.NoError(t, err)
	require.IsType(t, &sqlite.Store{}, got)
	require.NoError(t, got.Migrate(ctx))
	assert.NoError(t, got.Ping(ctx))
}

func TestAPIHandlerServesWithoutBasePath(t *testing.T) {
	s := New(memoryConfig(), WithLogger(quiet()))
	require.NoError(t, s.Open(context.Background()))
	t.Cleanup(func() { _ = s.Stop() })

	rec := httptest.NewRecorder()
	s.APIHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/subscriptions/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStartRequiresOpen(t *testing.T) {
	assert.Error(t, New(memoryConfig()).Start(context.Background()))
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(config.LoggingConfig{Level: "warn", Format: "json"}, &buf).Info("dropped")
	assert.Empty(t, buf.String())

	NewLogger(config.LoggingConfig{Level: "debug", Format: "text"}, &buf).Debug("kept", "k", 1)
	assert.Contains(t, buf.String(), "msg=kept")
}
