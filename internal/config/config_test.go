package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
database:
  user: u
  password: p
  name: donations
  host: db
  port: "5432"
  ssl-mode: disable
gateways:
  paypal:
    base-url: https://api-m.sandbox.paypal.com
    client-id: ""
    client-secret: secret
    min-amount: "1"
  epayco:
    public-key: pk
    customer-id: "12345"
    p-key: k
    test: true
outbox:
  fetch-size: 200
`

func writeConfig(t *testing.T) string {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(testConfig), 0o600))
	return dir
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t))
	require.NoError(t, err)

	assert.Equal(t, "db", cfg.Database.Host)
	assert.Equal(t, 200, cfg.Outbox.FetchSize)
	assert.Equal(t, "https://api-m.sandbox.paypal.com", cfg.Gateways.PayPal.BaseURL)
	assert.False(t, cfg.Gateways.PayPal.Enabled())
	assert.True(t, cfg.Gateways.Epayco.Enabled())
	assert.True(t, cfg.Gateways.Epayco.Test)
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	t.Setenv("GATEWAYS_PAYPAL_CLIENT_ID", "from-env")

	cfg, err := LoadConfig(writeConfig(t))
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Gateways.PayPal.ClientID)
	assert.True(t, cfg.Gateways.PayPal.Enabled())
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(t.TempDir())
	assert.Error(t, err)
}

func TestAmount(t *testing.T) {
	assert.True(t, Amount("").IsZero())
	assert.True(t, Amount("abc").IsZero())
	assert.True(t, decimal.RequireFromString("5000").Equal(Amount("5000")))
}
