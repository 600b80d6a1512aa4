package homeassistant

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/biotinker/viam-homeassistant/internal/connection"
	"github.com/biotinker/viam-homeassistant/internal/cover"
	"github.com/biotinker/viam-homeassistant/internal/entity"
	"github.com/biotinker/viam-homeassistant/internal/infrastructure/mqtt"
	"github.com/biotinker/viam-homeassistant/internal/robot"
	"github.com/biotinker/viam-homeassistant/internal/sensor"
)

type publishedMessage struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

type mockPublisher struct {
	mu         sync.Mutex
	messages   []publishedMessage
	connected  bool
	handlers   map[string]mqtt.MessageHandler
	publishErr error
}

func newMockPublisher() *mockPublisher {
	return &mockPublisher{connected: true, handlers: make(map[string]mqtt.MessageHandler)}
}

func (m *mockPublisher) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publishErr != nil {
		return m.publishErr
	}
	m.messages = append(m.messages, publishedMessage{Topic: topic, Payload: payload, QoS: qos, Retained: retained})
	return nil
}

func (m *mockPublisher) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[topic] = handler
	return nil
}

func (m *mockPublisher) Unsubscribe(topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, topic)
	return nil
}

func (m *mockPublisher) HasSubscription(topic string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.handlers[topic]
	return ok
}

func (m *mockPublisher) SubscriptionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handlers)
}

func (m *mockPublisher) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *mockPublisher) StatusTopic() string {
	return "viam/entry1/status"
}

// last returns the most recent message on topic.
func (m *mockPublisher) last(topic string) (publishedMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.messages) - 1; i >= 0; i-- {
		if m.messages[i].Topic == topic {
			return m.messages[i], true
		}
	}
	return publishedMessage{}, false
}

func (m *mockPublisher) count(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, msg := range m.messages {
		if msg.Topic == topic {
			n++
		}
	}
	return n
}

type dispatched struct {
	motor  string
	intent cover.Intent
}

type fakeCovers struct {
	mu        sync.Mutex
	snapshots []cover.Snapshot
	calls     []dispatched
	err       error
}

func (f *fakeCovers) Snapshots() []cover.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]cover.Snapshot(nil), f.snapshots...)
}

func (f *fakeCovers) Dispatch(_ context.Context, motor string, intent cover.Intent) (cover.Command, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, dispatched{motor, intent})
	if f.err != nil {
		return cover.Command{}, f.err
	}
	return cover.Command{ID: "cmd-1", Intent: intent}, nil
}

type fakeSensors struct {
	presented []sensor.Presented
}

func (f *fakeSensors) All() []sensor.Presented {
	return f.presented
}

type fakeHealth struct {
	health connection.Health
}

func (f *fakeHealth) HealthStatus() connection.Health {
	return f.health
}

type fixture struct {
	bridge  *Bridge
	pub     *mockPublisher
	covers  *fakeCovers
	sensors *fakeSensors
	health  *fakeHealth
	topics  mqtt.Topics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		pub: newMockPublisher(),
		covers: &fakeCovers{snapshots: []cover.Snapshot{
			{Motor: "door", State: cover.StateClosed, Available: true, OpenTime: 10 * time.Second, CloseTime: 10 * time.Second},
		}},
		sensors: &fakeSensors{presented: []sensor.Presented{
			{SensorName: "temp", Source: sensor.SourceDirect, Values: robot.Readings{"celsius": 21.5}, ObservedAt: time.Now()},
		}},
		health: &fakeHealth{health: connection.Health{State: connection.StateConnected, Connected: true}},
		topics: mqtt.NewTopics("homeassistant", "viam", "entry1"),
	}
	f.bridge = New(f.pub, f.covers, f.sensors, f.health, Options{
		Topics:  f.topics,
		Device:  entity.Device{EntryID: "entry1", Name: "garage", Model: "Viam Robot"},
		QoS:     1,
		Version: "1.0.0",
	})
	// Run work inline so assertions see published messages immediately.
	f.bridge.queue = nil
	return f
}

func decode[T any](t *testing.T, msg publishedMessage) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(msg.Payload, &v); err != nil {
		t.Fatalf("decoding %s: %v", msg.Topic, err)
	}
	return v
}

func TestBridge_StartSubscribesAndAnnounces(t *testing.T) {
	f := newFixture(t)

	if err := f.bridge.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if _, ok := f.pub.handlers["viam/entry1/cover/+/set"]; !ok {
		t.Errorf("command subscription missing, handlers = %v", f.pub.handlers)
	}

	msg, ok := f.pub.last("homeassistant/cover/entry1/door/config")
	if !ok {
		t.Fatal("cover discovery config not published")
	}
	if !msg.Retained {
		t.Error("discovery config should be retained")
	}
	cfg := decode[CoverConfig](t, msg)
	if cfg.UniqueID != "entry1_door" || cfg.DeviceClass != "garage" {
		t.Errorf("cover config identity = %q/%q", cfg.UniqueID, cfg.DeviceClass)
	}
	if cfg.CommandTopic != "viam/entry1/cover/door/set" || cfg.StateTopic != "viam/entry1/cover/door/state" {
		t.Errorf("cover config topics = %q, %q", cfg.CommandTopic, cfg.StateTopic)
	}
	if cfg.PayloadOpen != "OPEN" || cfg.PayloadClose != "CLOSE" || cfg.PayloadStop != "STOP" {
		t.Errorf("cover config payloads = %+v", cfg)
	}
	if cfg.AvailabilityMode != "all" || len(cfg.Availability) != 3 {
		t.Errorf("cover availability = %s %+v", cfg.AvailabilityMode, cfg.Availability)
	}
	if cfg.Availability[0].Topic != "viam/entry1/status" {
		t.Errorf("first availability topic = %q, want bridge status", cfg.Availability[0].Topic)
	}
	if len(cfg.Device.Identifiers) != 1 || cfg.Device.Identifiers[0] != "entry1" || cfg.Device.Manufacturer != "Viam" {
		t.Errorf("cover device = %+v", cfg.Device)
	}

	if msg, _ := f.pub.last("viam/entry1/cover/door/state"); string(msg.Payload) != "closed" {
		t.Errorf("cover state = %q, want closed", msg.Payload)
	}
	if msg, _ := f.pub.last("viam/entry1/cover/door/availability"); string(msg.Payload) != "online" {
		t.Errorf("cover availability = %q, want online", msg.Payload)
	}
	if msg, _ := f.pub.last("viam/entry1/availability"); string(msg.Payload) != "online" {
		t.Errorf("robot availability = %q, want online", msg.Payload)
	}

	msg, ok = f.pub.last("homeassistant/sensor/entry1/temp/config")
	if !ok {
		t.Fatal("sensor discovery config not published")
	}
	scfg := decode[SensorConfig](t, msg)
	if scfg.StateClass != entity.StateClassMeasurement || scfg.ValueTemplate != "{{ value_json.value }}" {
		t.Errorf("sensor config = %+v", scfg)
	}

	msg, _ = f.pub.last("viam/entry1/sensor/temp/state")
	state := decode[map[string]any](t, msg)
	if state["value"] != 21.5 {
		t.Errorf("sensor state = %v, want value 21.5", state)
	}
}

func TestBridge_UnknownCoverStatePublishesNone(t *testing.T) {
	f := newFixture(t)

	f.bridge.CoverChanged(cover.Snapshot{Motor: "door", State: cover.StateUnknown, Available: false})

	if msg, _ := f.pub.last("viam/entry1/cover/door/state"); string(msg.Payload) != "None" {
		t.Errorf("cover state = %q, want None", msg.Payload)
	}
	if msg, _ := f.pub.last("viam/entry1/cover/door/availability"); string(msg.Payload) != "offline" {
		t.Errorf("cover availability = %q, want offline", msg.Payload)
	}
}

func TestBridge_CoverTransitionPublishesCurrentSnapshot(t *testing.T) {
	f := newFixture(t)
	f.covers.snapshots[0].State = cover.StateOpening

	f.bridge.CoverTransition(cover.Transition{Motor: "door", From: cover.StateClosed, To: cover.StateOpening})

	if msg, _ := f.pub.last("viam/entry1/cover/door/state"); string(msg.Payload) != "opening" {
		t.Errorf("cover state = %q, want opening", msg.Payload)
	}
	msg, _ := f.pub.last("viam/entry1/cover/door/attributes")
	attrs := decode[map[string]any](t, msg)
	if attrs["motor"] != "door" {
		t.Errorf("cover attributes = %v", attrs)
	}

	f.bridge.CoverTransition(cover.Transition{Motor: "gate"})
	if n := f.pub.count("viam/entry1/cover/gate/state"); n != 0 {
		t.Errorf("unknown motor published %d states", n)
	}
}

func TestBridge_SensorConfigAnnouncedOnce(t *testing.T) {
	f := newFixture(t)
	configTopic := "homeassistant/sensor/entry1/humidity/config"

	p := sensor.Presented{SensorName: "humidity", Source: sensor.SourceCloud, Values: robot.Readings{"value": 40.0}}
	f.bridge.SensorUpdated(p)
	f.bridge.SensorUpdated(p)
	if n := f.pub.count(configTopic); n != 1 {
		t.Errorf("config published %d times, want 1", n)
	}
	if n := f.pub.count("viam/entry1/sensor/humidity/state"); n != 2 {
		t.Errorf("state published %d times, want 2", n)
	}

	// A string value drops the measurement state class and re-announces.
	f.bridge.SensorUpdated(sensor.Presented{SensorName: "humidity", Values: robot.Readings{"value": "dry"}})
	if n := f.pub.count(configTopic); n != 2 {
		t.Fatalf("config published %d times after class change, want 2", n)
	}
	msg, _ := f.pub.last(configTopic)
	if cfg := decode[SensorConfig](t, msg); cfg.StateClass != "" {
		t.Errorf("state class = %q, want empty", cfg.StateClass)
	}
}

func TestBridge_SensorRemoved(t *testing.T) {
	f := newFixture(t)
	f.bridge.SensorUpdated(f.sensors.presented[0])

	f.bridge.SensorRemoved("temp")

	msg, ok := f.pub.last("homeassistant/sensor/entry1/temp/config")
	if !ok || len(msg.Payload) != 0 || !msg.Retained {
		t.Errorf("removal config = %+v, want empty retained payload", msg)
	}

	// Re-adding announces again.
	f.bridge.SensorUpdated(f.sensors.presented[0])
	if n := f.pub.count("homeassistant/sensor/entry1/temp/config"); n != 3 {
		t.Errorf("config published %d times, want 3", n)
	}
}

func TestBridge_ConnectionChanged(t *testing.T) {
	f := newFixture(t)
	f.health.health = connection.Health{State: connection.StateBackoff, LastErrorKind: connection.KindUnreachable}

	f.bridge.ConnectionChanged(connection.Event{State: connection.StateBackoff, Kind: connection.KindUnreachable})

	if msg, _ := f.pub.last("viam/entry1/availability"); string(msg.Payload) != "offline" {
		t.Errorf("robot availability = %q, want offline", msg.Payload)
	}
	msg, ok := f.pub.last("viam/entry1/health")
	if !ok {
		t.Fatal("health not published")
	}
	hm := decode[HealthMessage](t, msg)
	if hm.Status != HealthDegraded || hm.Reason != "robot unreachable" {
		t.Errorf("health = %s %q, want degraded robot unreachable", hm.Status, hm.Reason)
	}

	f.bridge.ConnectionChanged(connection.Event{State: connection.StateConnected})
	if msg, _ := f.pub.last("viam/entry1/availability"); string(msg.Payload) != "online" {
		t.Errorf("robot availability = %q, want online", msg.Payload)
	}
}

func TestBridge_HandleCommand(t *testing.T) {
	tests := []struct {
		name    string
		topic   string
		payload string
		want    []dispatched
		wantErr bool
	}{
		{"open", "viam/entry1/cover/door/set", "OPEN", []dispatched{{"door", cover.IntentOpen}}, false},
		{"close lowercase", "viam/entry1/cover/door/set", "close", []dispatched{{"door", cover.IntentClose}}, false},
		{"stop", "viam/entry1/cover/door/set", " STOP ", []dispatched{{"door", cover.IntentStop}}, false},
		{"unknown payload", "viam/entry1/cover/door/set", "TOGGLE", nil, false},
		{"unknown motor", "viam/entry1/cover/gate/set", "OPEN", nil, false},
		{"foreign topic", "other/entry1/cover/door/set", "OPEN", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			err := f.bridge.handleCommand(tt.topic, []byte(tt.payload))
			if (err != nil) != tt.wantErr {
				t.Fatalf("handleCommand() error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(f.covers.calls) != len(tt.want) {
				t.Fatalf("dispatched %v, want %v", f.covers.calls, tt.want)
			}
			for i := range tt.want {
				if f.covers.calls[i] != tt.want[i] {
					t.Errorf("dispatch[%d] = %v, want %v", i, f.covers.calls[i], tt.want[i])
				}
			}
		})
	}
}

func TestBridge_HandleCommandRejectionIsNotAnError(t *testing.T) {
	f := newFixture(t)
	f.covers.err = errors.New("motor busy")

	if err := f.bridge.handleCommand("viam/entry1/cover/door/set", []byte("OPEN")); err != nil {
		t.Errorf("handleCommand() error = %v, want nil", err)
	}
}

func TestBridge_PublishFailureIsLogged(t *testing.T) {
	f := newFixture(t)
	f.pub.publishErr = mqtt.ErrNotConnected

	// Must not panic or block.
	f.bridge.Announce()
	f.bridge.SensorRemoved("temp")
}

func TestBridge_RunDrainsQueueAndStops(t *testing.T) {
	f := newFixture(t)
	f.bridge.queue = make(chan func(), queueSize)

	f.bridge.CoverChanged(f.covers.snapshots[0])
	f.bridge.SensorUpdated(f.sensors.presented[0])

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f.bridge.Run(ctx)

	if _, ok := f.pub.last("viam/entry1/cover/door/state"); !ok {
		t.Error("queued cover update was not published")
	}
	if _, ok := f.pub.last("viam/entry1/sensor/temp/state"); !ok {
		t.Error("queued sensor update was not published")
	}
	msg, ok := f.pub.last("viam/entry1/health")
	if !ok {
		t.Fatal("final health not published")
	}
	if hm := decode[HealthMessage](t, msg); hm.Status != HealthStopping {
		t.Errorf("final health status = %s, want stopping", hm.Status)
	}
}

func TestBridge_StartIsIdempotentAndRunUnsubscribes(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 2; i++ {
		if err := f.bridge.Start(); err != nil {
			t.Fatalf("Start() #%d error = %v", i+1, err)
		}
	}
	if n := f.pub.SubscriptionCount(); n != 1 {
		t.Errorf("subscriptions after two starts = %d, want 1", n)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f.bridge.Run(ctx)

	if f.pub.HasSubscription(f.topics.CoverCommands()) {
		t.Error("cover command subscription still present after Run returned")
	}
	msg, ok := f.pub.last("viam/entry1/health")
	if !ok {
		t.Fatal("final health not published")
	}
	if hm := decode[HealthMessage](t, msg); hm.Subscriptions != 0 {
		t.Errorf("final health subscriptions = %d, want 0", hm.Subscriptions)
	}
}

func TestBridge_EnqueueDropsWhenFull(t *testing.T) {
	f := newFixture(t)
	f.bridge.queue = make(chan func(), 1)

	f.bridge.CoverChanged(f.covers.snapshots[0])
	f.bridge.CoverChanged(f.covers.snapshots[0])

	if n := len(f.bridge.queue); n != 1 {
		t.Errorf("queue length = %d, want 1", n)
	}
}

func TestHealthReporter_DetermineStatus(t *testing.T) {
	f := newFixture(t)
	h := f.bridge.Health()

	if status, reason := h.determineStatus(); status != HealthDegraded || reason != "cover commands not subscribed" {
		t.Errorf("status before Start = %s %q, want degraded", status, reason)
	}
	if err := f.bridge.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if status, _ := h.determineStatus(); status != HealthHealthy {
		t.Errorf("status = %s, want healthy", status)
	}

	f.health.health = connection.Health{State: connection.StateDisconnected}
	if status, reason := h.determineStatus(); status != HealthDegraded || reason != "robot disconnected" {
		t.Errorf("status = %s %q, want degraded robot disconnected", status, reason)
	}

	f.pub.connected = false
	if status, reason := h.determineStatus(); status != HealthDegraded || reason != "MQTT disconnected" {
		t.Errorf("status = %s %q, want degraded MQTT disconnected", status, reason)
	}
}

func TestHealthReporter_Message(t *testing.T) {
	f := newFixture(t)
	if err := f.bridge.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	msg := f.bridge.Health().Message(HealthHealthy, "")
	if msg.Covers != 1 || msg.Sensors != 1 || !msg.MQTTConnected || !msg.Robot.Connected {
		t.Errorf("Message() = %+v", msg)
	}
	if msg.Subscriptions != 1 {
		t.Errorf("Subscriptions = %d, want 1", msg.Subscriptions)
	}
	if msg.Version != "1.0.0" {
		t.Errorf("Version = %q, want 1.0.0", msg.Version)
	}
}

func TestHealthReporter_DefaultInterval(t *testing.T) {
	f := newFixture(t)
	if f.bridge.Health().interval != defaultHealthInterval {
		t.Errorf("interval = %v, want %v", f.bridge.Health().interval, defaultHealthInterval)
	}
}

func TestParseCommand(t *testing.T) {
	if _, err := parseCommand([]byte("toggle")); !errors.Is(err, cover.ErrInvalidIntent) {
		t.Errorf("parseCommand(toggle) error = %v, want ErrInvalidIntent", err)
	}
	if got, err := parseCommand([]byte("open")); err != nil || got != cover.IntentOpen {
		t.Errorf("parseCommand(open) = %v, %v", got, err)
	}
}
