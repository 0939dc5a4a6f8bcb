package plugin

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/unitledger/subscription"
	"github.com/xraph/unitledger/types"
)

type usagePlugin struct {
	name  string
	calls atomic.Int32
	err   error
	delay time.Duration
}

func (p *usagePlugin) Name() string { return p.name }

func (p *usagePlugin) OnUsageRecorded(context.Context, *subscription.Subscription, *subscription.Receipt) error {
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	p.calls.Add(1)
	return p.err
}

type flatTax struct{ name string }

func (f flatTax) Name() string { return f.name }

func (f flatTax) CalculateTax(_ context.Context, subtotal types.Money, _ string) (types.Money, error) {
	return subtotal, nil
}

func quietRegistry(buf *bytes.Buffer) *Registry {
	return NewRegistry().WithLogger(slog.New(slog.NewTextHandler(buf, nil)))
}

func TestRegisterRejectsDuplicateName(t *testing.T) {
	var buf bytes.Buffer
	r := quietRegistry(&buf)

	require.NoError(t, r.Register(&usagePlugin{name: "meter"}))
	err := r.Register(&usagePlugin{name: "meter"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate registration")
	assert.Equal(t, 1, r.Count())
	assert.Contains(t, buf.String(), "interfaces=[OnUsageRecorded]")
}

func TestGetAndList(t *testing.T) {
	var buf bytes.Buffer
	r := quietRegistry(&buf)

	a := &usagePlugin{name: "a"}
	require.NoError(t, r.Register(a))
	require.NoError(t, r.Register(flatTax{name: "tax"}))

	assert.Same(t, a, r.Get("a"))
	assert.Nil(t, r.Get("missing"))
	assert.Len(t, r.List(), 2)
}

func TestEmitDispatchesToImplementers(t *testing.T) {
	var buf bytes.Buffer
	r := quietRegistry(&buf)

	a := &usagePlugin{name: "a"}
	b := &usagePlugin{name: "b", err: errors.New("sink offline")}
	require.NoError(t, r.Register(a))
	require.NoError(t, r.Register(b))
	require.NoError(t, r.Register(flatTax{name: "tax"}))

	r.EmitUsageRecorded(context.Background(), &subscription.Subscription{}, &subscription.Receipt{Units: 5})

	assert.Equal(t, int32(1), a.calls.Load())
	assert.Equal(t, int32(1), b.calls.Load())
	assert.Contains(t, buf.String(), "plugin OnUsageRecorded failed")
	assert.Contains(t, buf.String(), "sink offline")
}

func TestEmitTimesOut(t *testing.T) {
	var buf bytes.Buffer
	r := quietRegistry(&buf).WithTimeout(10 * time.Millisecond)

	slow := &usagePlugin{name: "slow", delay: 200 * time.Millisecond}
	require.NoError(t, r.Register(slow))

	start := time.Now()
	r.EmitUsageRecorded(context.Background(), &subscription.Subscription{}, &subscription.Receipt{})

	assert.Less(t, time.Since(start), 150*time.Millisecond)
	assert.Contains(t, buf.String(), "plugin timeout: slow")
}

func TestTaxCalculatorFirstWins(t *testing.T) {
	var buf bytes.Buffer
	r := quietRegistry(&buf)

	_, ok := r.TaxCalculator()
	assert.False(t, ok)

	require.NoError(t, r.Register(flatTax{name: "first"}))
	require.NoError(t, r.Register(flatTax{name: "second"}))

	calc, ok := r.TaxCalculator()
	require.True(t, ok)
	assert.Equal(t, "first", calc.Name())
}
