package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_WithValidConfig(t *testing.T) {
	setEnv(t, "ENV", "development")
	setEnv(t, "JWT_SECRET", testSecret)
	setEnv(t, "PORT", "9090")
	setEnv(t, "CORS_ORIGIN", "https://app.example.test/")
	setEnv(t, "APP_URL", "")
	setEnv(t, "BILLING_TIMEOUT", "3s")
	setEnv(t, "AUTO_MIGRATE", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, testSecret, cfg.JWTSecret)
	assert.Equal(t, DefaultJWTIssuer, cfg.JWTIssuer)
	assert.Equal(t, "https://app.example.test", cfg.AppURL)
	assert.Equal(t, 3*time.Second, cfg.BillingTimeout)
	assert.Equal(t, DefaultDBQueryTimeout, cfg.DBQueryTimeout)
	assert.True(t, cfg.AutoMigrate, "development defaults to auto-migrate")
}

func TestLoad_MissingJWTSecret(t *testing.T) {
	setEnv(t, "ENV", "development")
	setEnv(t, "JWT_SECRET", "")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET is required")
}

func TestLoad_ShortJWTSecret(t *testing.T) {
	setEnv(t, "ENV", "development")
	setEnv(t, "JWT_SECRET", "tooshort")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "at least 32 bytes")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{
			name:    "valid development config",
			config:  Config{Env: "development", JWTSecret: testSecret, BillingTimeout: time.Second, DBQueryTimeout: time.Second},
			wantErr: "",
		},
		{
			name:    "missing secret",
			config:  Config{Env: "development", BillingTimeout: time.Second, DBQueryTimeout: time.Second},
			wantErr: "JWT_SECRET is required",
		},
		{
			name:    "zero billing timeout",
			config:  Config{Env: "development", JWTSecret: testSecret, DBQueryTimeout: time.Second},
			wantErr: "BILLING_TIMEOUT",
		},
		{
			name:    "production without database",
			config:  Config{Env: "production", JWTSecret: testSecret, BillingTimeout: time.Second, DBQueryTimeout: time.Second},
			wantErr: "DATABASE_URL is required",
		},
		{
			name: "production without stripe key",
			config: Config{
				Env: "production", JWTSecret: testSecret, BillingTimeout: time.Second, DBQueryTimeout: time.Second,
				DatabaseURL: "postgres://localhost/db",
			},
			wantErr: "STRIPE_SECRET_KEY is required",
		},
		{
			name: "production without webhook secret",
			config: Config{
				Env: "production", JWTSecret: testSecret, BillingTimeout: time.Second, DBQueryTimeout: time.Second,
				DatabaseURL: "postgres://localhost/db", StripeSecretKey: "sk_live_x",
			},
			wantErr: "STRIPE_WEBHOOK_SECRET is required",
		},
		{
			name: "complete production config",
			config: Config{
				Env: "production", JWTSecret: testSecret, BillingTimeout: time.Second, DBQueryTimeout: time.Second,
				DatabaseURL: "postgres://localhost/db", StripeSecretKey: "sk_live_x", StripeWebhookSecret: "whsec_x",
			},
			wantErr: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnv(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // Falls back on parse error
}

func TestGetEnvBoolAndDuration(t *testing.T) {
	setEnv(t, "TEST_BOOL", "false")
	setEnv(t, "TEST_DURATION", "250ms")
	setEnv(t, "TEST_BAD_DURATION", "soon")

	assert.False(t, getEnvBool("TEST_BOOL", true))
	assert.True(t, getEnvBool("NONEXISTENT_VAR", true))
	assert.Equal(t, 250*time.Millisecond, getEnvDuration("TEST_DURATION", time.Second))
	assert.Equal(t, time.Second, getEnvDuration("TEST_BAD_DURATION", time.Second))
}

func TestLoad_TrustedProxies(t *testing.T) {
	setEnv(t, "JWT_SECRET", testSecret)

	setEnv(t, "TRUSTED_PROXIES", "")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Nil(t, cfg.TrustedProxies, "no proxies are trusted by default")

	setEnv(t, "TRUSTED_PROXIES", " 10.0.0.0/8, ,192.168.1.7 ")
	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.0/8", "192.168.1.7"}, cfg.TrustedProxies)
}
