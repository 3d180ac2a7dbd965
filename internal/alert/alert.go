// Package alert fans operator notifications out to the configured
// channels. The rebalancer raises very few alerts; the one that matters is
// a plan blocked at the settlement gate, which always goes out Critical.
package alert

import (
	"context"
	"sync"
	"time"

	"rebalancer/pkg/retry"

	"rebalancer/internal/core"
)

type AlertLevel string

const (
	Info     AlertLevel = "INFO"
	Warning  AlertLevel = "WARNING"
	Error    AlertLevel = "ERROR"
	Critical AlertLevel = "CRITICAL"
)

type AlertPayload struct {
	Level     AlertLevel
	Title     string
	Message   string
	Timestamp time.Time
	Fields    map[string]string
}

type AlertChannel interface {
	Send(ctx context.Context, alert AlertPayload) error
	Name() string
}

// Manager delivers alerts to every channel concurrently, off the execution
// path. Flaky webhook deliveries are retried with jittered backoff.
type Manager struct {
	channels []AlertChannel
	logger   core.ILogger
	policy   retry.RetryPolicy
	mu       sync.RWMutex
}

func NewManager(logger core.ILogger) *Manager {
	return &Manager{
		channels: make([]AlertChannel, 0),
		logger:   logger.WithField("component", "alert_manager"),
		policy:   retry.DefaultPolicy,
	}
}

func (m *Manager) AddChannel(ch AlertChannel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
	m.logger.Info("alert channel added", "name", ch.Name())
}

// Alert implements core.IAlertSink. Everything routed through the sink is
// operator-actionable, so it goes out Critical.
func (m *Manager) Alert(ctx context.Context, title, message string, fields map[string]string) {
	m.Notify(ctx, Critical, title, message, fields)
}

// Notify sends an alert at an explicit level. Delivery is asynchronous:
// a blocked plan must never wait on a webhook.
func (m *Manager) Notify(ctx context.Context, level AlertLevel, title, message string, fields map[string]string) {
	payload := AlertPayload{
		Level:     level,
		Title:     title,
		Message:   message,
		Timestamp: time.Now(),
		Fields:    fields,
	}

	m.logger.Info("triggering alert", "title", title, "level", string(level))

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ch := range m.channels {
		go m.deliver(ctx, ch, payload)
	}
}

func (m *Manager) deliver(ctx context.Context, ch AlertChannel, payload AlertPayload) {
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	err := retry.Do(sendCtx, m.policy,
		func(error) bool { return true },
		func() error { return ch.Send(sendCtx, payload) },
	)
	if err != nil {
		m.logger.Error("alert delivery failed", "channel", ch.Name(), "error", err)
	}
}
