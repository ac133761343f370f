package telemetry_test

import (
	"context"
	"testing"

	"github.com/tomasbasham/eoa/internal/telemetry"
)

func TestSetupNoopWithoutEndpoint(t *testing.T) {
	shutdown, err := telemetry.Setup(context.Background(), "eoa-test", "", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := shutdown(ctx); err != nil {
		t.Fatalf("noop shutdown should not error: %v", err)
	}
}

func TestSetupWithEndpoint(t *testing.T) {
	// Non-routable, so nothing is exported before shutdown.
	shutdown, err := telemetry.Setup(context.Background(), "eoa-test", "v0.0.1", "http://192.0.2.1:4318")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
}
