package alert

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"rebalancer/internal/core"
)

type mockChannel struct {
	name     string
	sent     []AlertPayload
	sendFunc func(ctx context.Context, alert AlertPayload) error
	mu       sync.Mutex
}

func (m *mockChannel) Name() string {
	return m.name
}

func (m *mockChannel) Send(ctx context.Context, alert AlertPayload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, alert)
	if m.sendFunc != nil {
		return m.sendFunc(ctx, alert)
	}
	return nil
}

func (m *mockChannel) getSent() []AlertPayload {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := make([]AlertPayload, len(m.sent))
	copy(res, m.sent)
	return res
}

type mockLogger struct{}

func (m *mockLogger) Debug(msg string, f ...interface{})               {}
func (m *mockLogger) Info(msg string, f ...interface{})                {}
func (m *mockLogger) Warn(msg string, f ...interface{})                {}
func (m *mockLogger) Error(msg string, f ...interface{})               {}
func (m *mockLogger) Fatal(msg string, f ...interface{})               {}
func (m *mockLogger) WithField(k string, v interface{}) core.ILogger   { return m }
func (m *mockLogger) WithFields(f map[string]interface{}) core.ILogger { return m }

func TestManagerFansOut(t *testing.T) {
	am := NewManager(&mockLogger{})

	ch1 := &mockChannel{name: "mock1"}
	ch2 := &mockChannel{name: "mock2"}
	am.AddChannel(ch1)
	am.AddChannel(ch2)

	am.Alert(context.Background(), "Plan blocked", "failed sells over threshold",
		map[string]string{"plan_id": "plan-1"})

	// Delivery is async.
	time.Sleep(100 * time.Millisecond)

	sent1 := ch1.getSent()
	sent2 := ch2.getSent()
	if len(sent1) != 1 || len(sent2) != 1 {
		t.Fatalf("deliveries = %d/%d, want 1/1", len(sent1), len(sent2))
	}

	payload := sent1[0]
	if payload.Title != "Plan blocked" {
		t.Errorf("title = %q", payload.Title)
	}
	if payload.Level != Critical {
		t.Errorf("level = %s, want CRITICAL (sink alerts are always critical)", payload.Level)
	}
	if payload.Fields["plan_id"] != "plan-1" {
		t.Errorf("plan_id field = %q", payload.Fields["plan_id"])
	}
}

func TestManagerRetriesFlakyChannel(t *testing.T) {
	am := NewManager(&mockLogger{})

	var calls int
	var mu sync.Mutex
	ch := &mockChannel{
		name: "flaky",
		sendFunc: func(ctx context.Context, alert AlertPayload) error {
			mu.Lock()
			defer mu.Unlock()
			calls++
			if calls == 1 {
				return errors.New("webhook hiccup")
			}
			return nil
		},
	}
	am.AddChannel(ch)

	am.Notify(context.Background(), Warning, "Sell retry", "resubmitting", nil)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(ch.getSent()) >= 2 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Errorf("deliveries = %d, want a retry after the first failure", len(ch.getSent()))
}
