package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("TAX_RATE", "")
	t.Setenv("PROVIDER_TIMEOUT_SECONDS", "")

	cfg := Load()

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.True(t, cfg.Business.TaxRate.Equal(decimal.RequireFromString("0.12")))
	assert.Equal(t, 30*time.Second, cfg.Business.ProviderTimeout)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.GreaterOrEqual(t, cfg.Business.OrderLockTTL, cfg.ShipmentTimeout())
}

func TestLoadInvalidDecimalFallsBack(t *testing.T) {
	t.Setenv("FLAT_SHIPPING_FEE", "fifty")

	cfg := Load()

	assert.True(t, cfg.Business.FlatShippingFee.Equal(decimal.NewFromInt(50)))
}

func TestValidate(t *testing.T) {
	t.Run("development tolerates missing provider secrets", func(t *testing.T) {
		cfg := Load()
		cfg.Server.Env = "development"
		cfg.Auth.JWTSecret = "dev-secret"
		cfg.Payment.WebhookSecret = ""

		require.NoError(t, cfg.Validate())
	})

	t.Run("jwt secret required in every environment", func(t *testing.T) {
		cfg := Load()
		cfg.Server.Env = "development"
		cfg.Auth.JWTSecret = ""

		err := cfg.Validate()

		require.Error(t, err)
		assert.Contains(t, err.Error(), "JWT_SECRET")
	})

	t.Run("lock ttl must cover shipment creation", func(t *testing.T) {
		cfg := Load()
		cfg.Auth.JWTSecret = "dev-secret"
		cfg.Business.ProviderTimeout = 30 * time.Second
		cfg.Business.OrderLockTTL = time.Minute

		err := cfg.Validate()

		require.Error(t, err)
		assert.Contains(t, err.Error(), "ORDER_LOCK_TTL_SECONDS")
		assert.Equal(t, 70*time.Second, cfg.ShipmentTimeout())
	})

	t.Run("production requires secrets", func(t *testing.T) {
		cfg := Load()
		cfg.Server.Env = "production"
		cfg.Auth.JWTSecret = ""
		cfg.Payment.WebhookSecret = ""

		err := cfg.Validate()

		require.Error(t, err)
		assert.Contains(t, err.Error(), "JWT_SECRET")
		assert.Contains(t, err.Error(), "PAYMENT_WEBHOOK_SECRET")
	})

	t.Run("rejects negative tax rate", func(t *testing.T) {
		cfg := Load()
		cfg.Auth.JWTSecret = "dev-secret"
		cfg.Business.TaxRate = decimal.NewFromFloat(-0.1)

		assert.Error(t, cfg.Validate())
	})
}
