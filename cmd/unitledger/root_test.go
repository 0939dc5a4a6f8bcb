package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xraph/forge"

	"github.com/xraph/unitledger/config"
	"github.com/xraph/unitledger/id"
	"github.com/xraph/unitledger/store/memory"
	"github.com/xraph/unitledger/subscription"
	"github.com/xraph/unitledger/types"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "unitledger.yaml")
	body := `
store:
  driver: memory
  migrate: true
logging:
  level: error
metrics:
  enabled: false
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestValidateCommand(t *testing.T) {
	out, err := run(t, "--config", writeConfig(t), "--env-file", "missing.env", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "configuration valid")
	assert.Contains(t, out, "store:       memory")
}

func TestValidateCommand_MissingExplicitConfig(t *testing.T) {
	_, err := run(t, "--config", filepath.Join(t.TempDir(), "nope.yaml"), "--env-file", "missing.env", "validate")
	require.Error(t, err)
}

func TestMarkOverdueCommand(t *testing.T) {
	out, err := run(t, "--config", writeConfig(t), "--env-file", "missing.env",
		"invoices", "mark-overdue", "--at", "2025-03-01T00:00:00Z")
	require.NoError(t, err)
	assert.Contains(t, out, "marked 0 invoice(s) overdue")
}

func TestMarkOverdueCommand_BadInstant(t *testing.T) {
	_, err := run(t, "--config", writeConfig(t), "--env-file", "missing.env",
		"invoices", "mark-overdue", "--at", "yesterday")
	require.ErrorContains(t, err, "--at")
	invoicesAt = ""
}

func TestTermsFromFlags(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(1, 0, 0)
	sub := &subscription.Subscription{
		ID:               id.NewSubscriptionID(),
		CompanyID:        "acme",
		UnitType:         subscription.UnitPage,
		UnitsPerPeriod:   1000,
		PricePerUnit:     types.USD("0.10"),
		StartDate:        start,
		EndDate:          &end,
		BillingFrequency: subscription.BillingMonthly,
		PaymentTermsDays: 30,
		Periods:          make([]subscription.UsagePeriod, 12),
	}

	require.NoError(t, regenerateCmd.Flags().Parse([]string{
		"--units-per-period", "2000",
		"--price", "0.08",
		"--end", "",
	}))

	terms, err := termsFromFlags(regenerateCmd, sub)
	require.NoError(t, err)
	assert.Equal(t, "acme", terms.CompanyID)
	assert.Equal(t, subscription.UnitPage, terms.UnitType)
	assert.Equal(t, int64(2000), terms.UnitsPerPeriod)
	assert.True(t, terms.PricePerUnit.Equal(types.USD("0.08")))
	assert.Nil(t, terms.EndDate)
	assert.Equal(t, start, terms.StartDate)
	assert.Equal(t, 30, terms.PaymentTermsDays)
	assert.Equal(t, 12, terms.Horizon)
}

func TestNewExtensionMapsConfig(t *testing.T) {
	cfg, err := config.Load(writeConfig(t))
	require.NoError(t, err)
	cfg.Server.BasePath = "/api"
	cfg.Billing.MaxRetries = 9

	appCfg := forge.DefaultAppConfig()
	appCfg.Logger = forge.NewNoopLogger()
	appCfg.EnableConfigAutoDiscovery = false
	appCfg.EnableEnvConfig = false

	ext := newExtension(cfg, memory.New())
	require.NoError(t, ext.Register(forge.NewApp(appCfg)))
	t.Cleanup(func() { _ = ext.Stop(context.Background()) })

	assert.Equal(t, "unitledger", ext.Name())
	assert.Equal(t, "/api", ext.Config().BasePath)
	assert.Equal(t, 9, ext.Config().MaxRetries)
	assert.False(t, ext.Config().DisableMigrate)
	require.NotNil(t, ext.Engine())
	assert.IsType(t, memory.New(), ext.Engine().Store())
}
