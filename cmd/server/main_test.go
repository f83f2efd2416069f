package main

import (
	"testing"

	"pharmapos/backend/internal/config"
)

const strongSecret = "0123456789abcdef0123456789abcdef"

func TestValidateSecurityConfigRejectsWeakValues(t *testing.T) {
	err := validateSecurityConfig(config.Config{AuthSecret: "short"})
	if err == nil {
		t.Fatalf("expected weak security config to be rejected")
	}
}

func TestValidateSecurityConfigAcceptsStrongValues(t *testing.T) {
	err := validateSecurityConfig(config.Config{AuthSecret: strongSecret})
	if err != nil {
		t.Fatalf("expected strong config to pass, got %v", err)
	}
}

func TestValidateSecurityConfigRequiresCompleteGatewayCredentials(t *testing.T) {
	if err := validateSecurityConfig(config.Config{AuthSecret: strongSecret, PesapalConsumerKey: "key"}); err == nil {
		t.Fatalf("expected a lone consumer key to be rejected")
	}
	if err := validateSecurityConfig(config.Config{AuthSecret: strongSecret, PesapalConsumerKey: "key", PesapalConsumerSecret: "secret"}); err == nil {
		t.Fatalf("expected missing IPN id to be rejected")
	}
	cfg := config.Config{AuthSecret: strongSecret, PesapalConsumerKey: "key", PesapalConsumerSecret: "secret", PesapalIPNID: "ipn-1"}
	if err := validateSecurityConfig(cfg); err != nil {
		t.Fatalf("expected complete gateway config to pass, got %v", err)
	}
}
