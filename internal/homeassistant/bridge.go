package homeassistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/biotinker/viam-homeassistant/internal/connection"
	"github.com/biotinker/viam-homeassistant/internal/cover"
	"github.com/biotinker/viam-homeassistant/internal/entity"
	"github.com/biotinker/viam-homeassistant/internal/infrastructure/logging"
	"github.com/biotinker/viam-homeassistant/internal/infrastructure/mqtt"
	"github.com/biotinker/viam-homeassistant/internal/sensor"
)

// queueSize bounds pending publish work.
const queueSize = 512

// Publisher is the MQTT surface the bridge needs. *mqtt.Client satisfies it.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	HasSubscription(topic string) bool
	SubscriptionCount() int
	IsConnected() bool
	StatusTopic() string
}

// Covers lists and commands covers. *cover.Controller satisfies it.
type Covers interface {
	Snapshots() []cover.Snapshot
	Dispatch(ctx context.Context, motor string, intent cover.Intent) (cover.Command, error)
}

// Sensors lists presented sensors. *sensor.Aggregator satisfies it.
type Sensors interface {
	All() []sensor.Presented
}

// HealthSource reports the robot session health. *connection.Manager
// satisfies it.
type HealthSource interface {
	HealthStatus() connection.Health
}

// Options configures a Bridge.
type Options struct {
	Topics         mqtt.Topics
	Device         entity.Device
	QoS            byte
	Version        string
	HealthInterval time.Duration
	Logger         *logging.Logger
}

// Bridge mirrors covers and sensors into Home Assistant.
//
// Thread Safety:
//   - Notification methods may be called from any goroutine. They queue
//     work that Run publishes in order.
type Bridge struct {
	pub     Publisher
	covers  Covers
	sensors Sensors
	health  HealthSource

	topics  mqtt.Topics
	device  entity.Device
	qos     byte
	version string
	logger  *logging.Logger

	// motors maps command topic segments to motor names.
	motors map[string]string

	mu sync.Mutex
	// announced holds the state class last announced per sensor.
	announced map[string]string

	queue    chan func()
	reporter *HealthReporter
}

// New creates a Bridge. Call Start once MQTT is connected, and Run to
// process updates.
func New(pub Publisher, covers Covers, sensors Sensors, health HealthSource, opts Options) *Bridge {
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.QoS > 2 {
		opts.QoS = 1
	}

	b := &Bridge{
		pub:       pub,
		covers:    covers,
		sensors:   sensors,
		health:    health,
		topics:    opts.Topics,
		device:    opts.Device,
		qos:       opts.QoS,
		version:   opts.Version,
		logger:    opts.Logger.With("component", "homeassistant"),
		motors:    make(map[string]string),
		announced: make(map[string]string),
		queue:     make(chan func(), queueSize),
	}
	if covers != nil {
		for _, s := range covers.Snapshots() {
			b.motors[mqtt.Segment(s.Motor)] = s.Motor
		}
	}
	b.reporter = newHealthReporter(b, opts.HealthInterval)
	return b
}

// Health returns the bridge's health reporter.
func (b *Bridge) Health() *HealthReporter {
	return b.reporter
}

// Start subscribes to cover commands and announces every entity. Calling
// it again only re-announces.
//
// Returns:
//   - error: if the command subscription fails
func (b *Bridge) Start() error {
	topic := b.topics.CoverCommands()
	if !b.pub.HasSubscription(topic) {
		if err := b.pub.Subscribe(topic, b.qos, b.handleCommand); err != nil {
			return fmt.Errorf("subscribing to cover commands: %w", err)
		}
	}
	b.Announce()
	return nil
}

// Run publishes queued updates and health until ctx is cancelled. On
// shutdown pending updates are flushed and cover commands unsubscribed
// before a final stopping health message.
func (b *Bridge) Run(ctx context.Context) {
	b.reporter.Start(ctx)
	defer b.reporter.Stop()

	for {
		select {
		case fn := <-b.queue:
			fn()
		case <-ctx.Done():
			b.drain()
			b.stopCommands()
			return
		}
	}
}

func (b *Bridge) drain() {
	for {
		select {
		case fn := <-b.queue:
			fn()
		default:
			return
		}
	}
}

// stopCommands drops the command subscription so no command arrives while
// the covers shut down.
func (b *Bridge) stopCommands() {
	topic := b.topics.CoverCommands()
	if !b.pub.HasSubscription(topic) || !b.pub.IsConnected() {
		return
	}
	if err := b.pub.Unsubscribe(topic); err != nil {
		b.logger.Warn("unsubscribing from cover commands failed", "error", err)
	}
}

// enqueue schedules fn on the Run goroutine. Without a queue fn runs inline.
func (b *Bridge) enqueue(what string, fn func()) {
	if b.queue == nil {
		fn()
		return
	}
	select {
	case b.queue <- fn:
	default:
		b.logger.Warn("publish queue full, dropping update", "update", what)
	}
}

// Announce republishes discovery configs, states and availability for every
// entity. It is registered as the MQTT on-connect callback so Home Assistant
// sees a full picture after broker restarts.
func (b *Bridge) Announce() {
	b.enqueue("announce", b.announce)
}

func (b *Bridge) announce() {
	b.mu.Lock()
	b.announced = make(map[string]string)
	b.mu.Unlock()

	b.publishRobotAvailability(b.robotConnected())

	if b.covers != nil {
		for _, s := range b.covers.Snapshots() {
			b.publishCoverConfig(s)
			b.publishCover(s)
		}
	}
	if b.sensors != nil {
		for _, p := range b.sensors.All() {
			b.publishSensor(p)
		}
	}
	b.logger.Info("announced entities to home assistant", "entry", b.device.EntryID)
}

// CoverTransition publishes the current state of the transitioned cover.
func (b *Bridge) CoverTransition(t cover.Transition) {
	motor := t.Motor
	b.enqueue("cover "+motor, func() {
		if s, ok := b.snapshot(motor); ok {
			b.publishCover(s)
		}
	})
}

// CoverChanged publishes s, typically after an availability change.
func (b *Bridge) CoverChanged(s cover.Snapshot) {
	b.enqueue("cover "+s.Motor, func() { b.publishCover(s) })
}

// SensorUpdated publishes p, announcing the sensor first when it is new or
// its state class changed.
func (b *Bridge) SensorUpdated(p sensor.Presented) {
	b.enqueue("sensor "+p.SensorName, func() { b.publishSensor(p) })
}

// SensorRemoved deletes the sensor entity by publishing an empty retained
// discovery config.
func (b *Bridge) SensorRemoved(name string) {
	b.enqueue("remove "+name, func() {
		b.mu.Lock()
		delete(b.announced, name)
		b.mu.Unlock()

		b.publish(b.topics.DiscoveryConfig("sensor", name), []byte{})
		b.publish(b.topics.SensorState(name), []byte{})
		b.publish(b.topics.SensorAttributes(name), []byte{})
		b.logger.Info("removed sensor entity", "sensor", name)
	})
}

// ConnectionChanged publishes robot availability for a session event.
func (b *Bridge) ConnectionChanged(ev connection.Event) {
	online := ev.State == connection.StateConnected
	b.enqueue("availability", func() {
		b.publishRobotAvailability(online)
		if err := b.reporter.PublishNow(); err != nil {
			b.logger.Debug("health publish failed", "error", err)
		}
	})
}

// handleCommand dispatches an OPEN, CLOSE or STOP payload. Dispatch returns
// immediately; the outcome arrives as a cover transition.
func (b *Bridge) handleCommand(topic string, payload []byte) error {
	seg, ok := b.topics.MotorFromCommand(topic)
	if !ok {
		return fmt.Errorf("unexpected command topic %q", topic)
	}
	motor, ok := b.motors[seg]
	if !ok {
		b.logger.Warn("command for unknown cover", "topic", topic)
		return nil
	}

	intent, err := parseCommand(payload)
	if err != nil {
		b.logger.Warn("ignoring cover command", "motor", motor, "payload", string(payload))
		return nil
	}

	cmd, err := b.covers.Dispatch(context.Background(), motor, intent)
	switch {
	case err == nil:
		b.logger.Info("cover command dispatched", "motor", motor, "intent", intent, "command_id", cmd.ID)
	case cover.IsRejected(err), errors.Is(err, cover.ErrUnknownMotor):
		b.logger.Warn("cover command rejected", "motor", motor, "intent", intent, "error", err)
	default:
		b.logger.Error("cover command failed", "motor", motor, "intent", intent, "error", err)
	}
	return nil
}

// parseCommand maps a Home Assistant payload to an intent.
func parseCommand(payload []byte) (cover.Intent, error) {
	s := strings.TrimSpace(string(payload))
	switch strings.ToUpper(s) {
	case PayloadOpen:
		return cover.IntentOpen, nil
	case PayloadClose:
		return cover.IntentClose, nil
	case PayloadStop:
		return cover.IntentStop, nil
	}
	return cover.ParseIntent(s)
}

func (b *Bridge) snapshot(motor string) (cover.Snapshot, bool) {
	if b.covers == nil {
		return cover.Snapshot{}, false
	}
	for _, s := range b.covers.Snapshots() {
		if s.Motor == motor {
			return s, true
		}
	}
	return cover.Snapshot{}, false
}

func (b *Bridge) robotConnected() bool {
	return b.health != nil && b.health.HealthStatus().Connected
}

func (b *Bridge) publishRobotAvailability(online bool) {
	b.publish(b.topics.Availability(), []byte(onlinePayload(online)))
}

func (b *Bridge) publishCoverConfig(s cover.Snapshot) {
	e := entity.Cover(b.device, s)
	cfg := coverConfig(b.topics, b.pub.StatusTopic(), b.device, b.version, s.Motor, e)
	b.publishJSON(b.topics.DiscoveryConfig("cover", s.Motor), cfg)
}

func (b *Bridge) publishCover(s cover.Snapshot) {
	e := entity.Cover(b.device, s)
	state := e.State
	if state == "" {
		state = PayloadUnknownState
	}
	b.publish(b.topics.CoverState(s.Motor), []byte(state))
	b.publishJSON(b.topics.CoverAttributes(s.Motor), e.Attributes)
	b.publish(b.topics.CoverAvailability(s.Motor), []byte(onlinePayload(e.Available)))
}

func (b *Bridge) publishSensor(p sensor.Presented) {
	e := entity.Sensor(b.device, p)

	b.mu.Lock()
	class, seen := b.announced[p.SensorName]
	b.announced[p.SensorName] = e.StateClass
	b.mu.Unlock()

	if !seen || class != e.StateClass {
		cfg := sensorConfig(b.topics, b.pub.StatusTopic(), b.device, b.version, p.SensorName, e)
		b.publishJSON(b.topics.DiscoveryConfig("sensor", p.SensorName), cfg)
	}

	b.publishJSON(b.topics.SensorState(p.SensorName), map[string]any{"value": e.Value})
	b.publishJSON(b.topics.SensorAttributes(p.SensorName), e.Attributes)
}

func (b *Bridge) publishJSON(topic string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		b.logger.Error("encoding payload", "topic", topic, "error", err)
		return
	}
	b.publish(topic, payload)
}

// publish sends a retained message. Failures are logged; the next announce
// restores retained state.
func (b *Bridge) publish(topic string, payload []byte) {
	if err := b.pub.Publish(topic, payload, b.qos, true); err != nil {
		b.logger.Debug("publish failed", "topic", topic, "error", err)
	}
}

func onlinePayload(online bool) string {
	if online {
		return mqtt.PayloadOnline
	}
	return mqtt.PayloadOffline
}
