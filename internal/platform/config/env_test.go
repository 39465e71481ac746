package config

import (
	"strings"
	"testing"
)

type testEnvConfig struct {
	Port int `env:"LOREKEEP_TEST_PORT" envDefault:"123"`
}

func TestParseEnvDefaults(t *testing.T) {
	var cfg testEnvConfig
	if err := ParseEnv(&cfg); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.Port != 123 {
		t.Fatalf("port = %d, want 123", cfg.Port)
	}
}

func TestParseEnvOverride(t *testing.T) {
	t.Setenv("LOREKEEP_TEST_PORT", "9090")
	var cfg testEnvConfig
	if err := ParseEnv(&cfg); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.Port != 9090 {
		t.Fatalf("port = %d, want 9090", cfg.Port)
	}
}

func TestParseEnvNilTarget(t *testing.T) {
	if err := ParseEnv(nil); err == nil {
		t.Fatal("expected error for nil target")
	}
}

func TestParseEnvInvalidValue(t *testing.T) {
	t.Setenv("LOREKEEP_TEST_PORT", "not-a-number")
	var cfg testEnvConfig
	err := ParseEnv(&cfg)
	if err == nil {
		t.Fatal("expected parse error for invalid port")
	}
	if !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("error = %q, want parse env prefix", err.Error())
	}
}
