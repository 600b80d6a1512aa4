package homeassistant

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/biotinker/viam-homeassistant/internal/connection"
)

// HealthStatus is the overall bridge status.
type HealthStatus string

// Bridge health values.
const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthStopping HealthStatus = "stopping"
)

// defaultHealthInterval is used when no interval is configured.
const defaultHealthInterval = 30 * time.Second

// HealthMessage is published retained to {base}/{entry}/health.
type HealthMessage struct {
	Status        HealthStatus      `json:"status"`
	Reason        string            `json:"reason,omitempty"`
	Robot         connection.Health `json:"robot"`
	MQTTConnected bool              `json:"mqtt_connected"`
	Subscriptions int               `json:"subscriptions"`
	Covers        int               `json:"covers"`
	Sensors       int               `json:"sensors"`
	Version       string            `json:"version,omitempty"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Timestamp     time.Time         `json:"timestamp"`
}

// HealthReporter publishes HealthMessage at a fixed interval.
type HealthReporter struct {
	bridge    *Bridge
	interval  time.Duration
	startTime time.Time

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func newHealthReporter(b *Bridge, interval time.Duration) *HealthReporter {
	if interval <= 0 {
		interval = defaultHealthInterval
	}
	return &HealthReporter{
		bridge:    b,
		interval:  interval,
		startTime: time.Now(),
		done:      make(chan struct{}),
	}
}

// Start begins periodic reporting until ctx is cancelled or Stop is called.
func (h *HealthReporter) Start(ctx context.Context) {
	h.wg.Add(1)
	go h.reportLoop(ctx)
}

// Stop ends reporting and publishes a final stopping status.
// Safe to call multiple times.
func (h *HealthReporter) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.wg.Wait()

		//nolint:errcheck // Best-effort during shutdown
		h.publish(HealthStopping, "bridge stopping")
	})
}

// PublishNow publishes the current status immediately.
func (h *HealthReporter) PublishNow() error {
	status, reason := h.determineStatus()
	return h.publish(status, reason)
}

func (h *HealthReporter) reportLoop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	if err := h.PublishNow(); err != nil {
		h.bridge.logger.Warn("failed to publish initial health", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case <-ticker.C:
			if err := h.PublishNow(); err != nil {
				h.bridge.logger.Warn("failed to publish health", "error", err)
			}
		}
	}
}

// determineStatus is degraded while the broker or the robot is unreachable,
// or while cover commands are not subscribed.
func (h *HealthReporter) determineStatus() (HealthStatus, string) {
	if !h.bridge.pub.IsConnected() {
		return HealthDegraded, "MQTT disconnected"
	}
	if !h.bridge.pub.HasSubscription(h.bridge.topics.CoverCommands()) {
		return HealthDegraded, "cover commands not subscribed"
	}
	if h.bridge.health != nil {
		if hs := h.bridge.health.HealthStatus(); !hs.Connected {
			if hs.LastErrorKind != "" {
				return HealthDegraded, "robot " + string(hs.LastErrorKind)
			}
			return HealthDegraded, "robot disconnected"
		}
	}
	return HealthHealthy, ""
}

// Message builds the message for status without publishing it.
func (h *HealthReporter) Message(status HealthStatus, reason string) HealthMessage {
	b := h.bridge
	msg := HealthMessage{
		Status:        status,
		Reason:        reason,
		MQTTConnected: b.pub.IsConnected(),
		Subscriptions: b.pub.SubscriptionCount(),
		Version:       b.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Timestamp:     time.Now().UTC(),
	}
	if b.health != nil {
		msg.Robot = b.health.HealthStatus()
	}
	if b.covers != nil {
		msg.Covers = len(b.covers.Snapshots())
	}
	if b.sensors != nil {
		msg.Sensors = len(b.sensors.All())
	}
	return msg
}

func (h *HealthReporter) publish(status HealthStatus, reason string) error {
	payload, err := json.Marshal(h.Message(status, reason))
	if err != nil {
		return fmt.Errorf("marshalling health: %w", err)
	}
	return h.bridge.pub.Publish(h.bridge.topics.Health(), payload, 1, true)
}
