package otelx

import (
	"context"
	"testing"
)

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("OTEL_ENABLED", "false")
	t.Setenv("OTEL_SAMPLING_RATIO", "0.25")
	cfg, err := ConfigFromEnv("appointments")
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if cfg.Enabled || cfg.SampleRatio != 0.25 || cfg.ServiceName != "appointments" {
		t.Fatalf("unexpected config %+v", cfg)
	}

	shutdown, err := Setup(context.Background(), cfg)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestConfigFromEnvRejectsRatio(t *testing.T) {
	t.Setenv("OTEL_SAMPLING_RATIO", "2")
	if _, err := ConfigFromEnv("appointments"); err == nil {
		t.Fatal("expected error for ratio above 1")
	}
}
