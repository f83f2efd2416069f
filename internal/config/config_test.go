package config

import (
	"testing"
	"time"
)

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")
	t.Setenv("PESAPAL_CONSUMER_KEY", "")
	t.Setenv("PESAPAL_CONSUMER_SECRET", "")

	cfg := Load()
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
	if cfg.GatewayEnabled() {
		t.Fatalf("expected gateway disabled without credentials")
	}
}

func TestLoadFallsBackOnInvalidNumbers(t *testing.T) {
	t.Setenv("ACCESS_TOKEN_TTL_MINUTES", "-5")
	t.Setenv("PAYMENT_SWEEP_WORKERS", "many")
	t.Setenv("GATEWAY_TIMEOUT_SECONDS", "30")

	cfg := Load()
	if cfg.AccessTokenTTLMinutes != 480 {
		t.Fatalf("expected default token ttl, got %d", cfg.AccessTokenTTLMinutes)
	}
	if cfg.SweepWorkers != 4 {
		t.Fatalf("expected default sweep workers, got %d", cfg.SweepWorkers)
	}
	if cfg.GatewayTimeout() != 30*time.Second {
		t.Fatalf("expected 30s gateway timeout, got %s", cfg.GatewayTimeout())
	}
}

func TestGatewayEnabledNeedsBothCredentials(t *testing.T) {
	t.Setenv("PESAPAL_CONSUMER_KEY", "key")
	t.Setenv("PESAPAL_CONSUMER_SECRET", "")

	if Load().GatewayEnabled() {
		t.Fatalf("expected gateway disabled with only a consumer key")
	}

	t.Setenv("PESAPAL_CONSUMER_SECRET", "secret")
	cfg := Load()
	if !cfg.GatewayEnabled() {
		t.Fatalf("expected gateway enabled")
	}
	if cfg.PaymentCurrency != "KES" || cfg.PaymentCountryCode != "KE" {
		t.Fatalf("unexpected payment defaults: %s/%s", cfg.PaymentCurrency, cfg.PaymentCountryCode)
	}
}
