package health

import (
	"errors"
	"strings"
	"testing"
)

func TestManagerAggregates(t *testing.T) {
	m := NewManager(nil)

	m.Register("broker", func() error { return nil })
	m.Register("settlement_store", func() error { return nil })

	if !m.IsHealthy() {
		t.Error("all checks pass, manager must be healthy")
	}

	m.Register("broker", func() error { return errors.New("connection refused") })

	if m.IsHealthy() {
		t.Error("a failing check must make the manager unhealthy")
	}

	status := m.GetStatus()
	if status["settlement_store"] != "Healthy" {
		t.Errorf("settlement_store = %q, want Healthy", status["settlement_store"])
	}
	if !strings.HasPrefix(status["broker"], "Unhealthy") {
		t.Errorf("broker = %q, want Unhealthy prefix", status["broker"])
	}
}

func TestManagerEmpty(t *testing.T) {
	m := NewManager(nil)
	if !m.IsHealthy() {
		t.Error("manager with no checks is healthy")
	}
	if len(m.GetStatus()) != 0 {
		t.Error("empty manager reports no components")
	}
}
