package logging

import (
	"context"
	"testing"
	"time"

	"rebalancer/pkg/telemetry"
)

func TestZapLogger_OTelBridge(t *testing.T) {
	tel, err := telemetry.Setup("test-logger")
	if err != nil {
		t.Fatalf("OTel setup failed: %v", err)
	}
	defer func() {
		_ = tel.Shutdown(context.Background())
	}()

	logger, err := NewZapLogger("DEBUG")
	if err != nil {
		t.Fatalf("Zap logger creation failed: %v", err)
	}

	logger.Info("Test OTel bridging", "key", "value")

	// Wait a bit for OTel batching (if any)
	time.Sleep(500 * time.Millisecond)

	logger.Debug("Debug message", "status", "testing")

	_ = logger.Sync() // stdout may not support sync, ignore error
}

func TestZapLogger_WithField(t *testing.T) {
	logger, err := NewZapLogger("INFO")
	if err != nil {
		t.Fatalf("Zap logger creation failed: %v", err)
	}

	child := logger.WithField("component", "test")
	if child == nil {
		t.Fatal("WithField returned nil")
	}
	child.Info("message from child logger")
}
