package mqtt

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/magicstartrace/micloud-bridge/internal/config"
	"github.com/magicstartrace/micloud-bridge/internal/micloud"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testPublisher(handler CommandHandler) *Publisher {
	cfg := config.MQTTConfig{
		Enabled:         true,
		Broker:          "mqtt://localhost:1883",
		DeviceName:      "Mi Cloud Bridge",
		DiscoveryPrefix: "homeassistant",
	}
	return New(cfg, "instance-123", NewDailyActivity(time.UTC), handler, testLogger())
}

func testSnapshot() micloud.Snapshot {
	lat, lon := 39.901, 116.406
	acc := 24
	battery := 67
	return micloud.Snapshot{
		IMEI:               "86000001",
		Model:              "Mi 9",
		Version:            "V12",
		Battery:            &battery,
		Status:             "online",
		Latitude:           &lat,
		Longitude:          &lon,
		Accuracy:           &acc,
		CoordinateType:     "google",
		LocationUpdateTime: "2024-06-04 20:00:00",
	}
}

func TestLoadOrCreateInstanceID_CreatesFile(t *testing.T) {
	dir := t.TempDir()

	id, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateInstanceID() error = %v", err)
	}
	if id == "" {
		t.Fatal("LoadOrCreateInstanceID() returned empty string")
	}

	data, err := os.ReadFile(filepath.Join(dir, "instance_id"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != id {
		t.Errorf("file content = %q, want %q", got, id)
	}
}

func TestLoadOrCreateInstanceID_ReturnsExisting(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("first call error = %v", err)
	}
	second, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("second call error = %v", err)
	}
	if second != first {
		t.Errorf("second = %q, want %q (should be stable)", second, first)
	}
}

func TestPublisher_TopicPaths(t *testing.T) {
	p := testPublisher(nil)

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"baseTopic", p.baseTopic(), "micloud/mi_cloud_bridge"},
		{"availabilityTopic", p.availabilityTopic(), "micloud/mi_cloud_bridge/availability"},
		{"commandTopic", p.commandTopic(), "micloud/mi_cloud_bridge/command"},
		{"phoneTopic", p.phoneTopic("mi_9", "battery"), "micloud/mi_cloud_bridge/mi_9/battery"},
		{"discoveryTopic tracker", p.discoveryTopic("device_tracker", "mi_9"), "homeassistant/device_tracker/mi_cloud_bridge/mi_9/config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestPublisher_PhoneDefinitions(t *testing.T) {
	p := testPublisher(nil)
	defs := p.phoneDefinitions(testSnapshot())

	if len(defs) != 3 {
		t.Fatalf("got %d definitions, want tracker + battery + status", len(defs))
	}

	tracker, ok := defs[0].payload.(TrackerConfig)
	if !ok {
		t.Fatalf("defs[0] payload is %T, want TrackerConfig", defs[0].payload)
	}
	if tracker.SourceType != "gps" {
		t.Errorf("SourceType = %q, want gps", tracker.SourceType)
	}
	if tracker.JsonAttributesTopic != "micloud/mi_cloud_bridge/mi_9/attributes" {
		t.Errorf("JsonAttributesTopic = %q", tracker.JsonAttributesTopic)
	}
	if tracker.UniqueID != "instance-123_86000001_tracker" {
		t.Errorf("UniqueID = %q", tracker.UniqueID)
	}
	if tracker.Device.Manufacturer != "Xiaomi" {
		t.Errorf("Manufacturer = %q, want Xiaomi", tracker.Device.Manufacturer)
	}
	if tracker.Device.ViaDevice != "instance-123" {
		t.Errorf("ViaDevice = %q, want the bridge instance ID", tracker.Device.ViaDevice)
	}

	battery, ok := defs[1].payload.(SensorConfig)
	if !ok {
		t.Fatalf("defs[1] payload is %T, want SensorConfig", defs[1].payload)
	}
	if battery.DeviceClass != "battery" || battery.UnitOfMeasurement != "%" {
		t.Errorf("battery sensor = %+v", battery)
	}
	if !battery.HasEntityName {
		t.Error("battery sensor missing has_entity_name")
	}

	for _, d := range defs {
		if d.component != "device_tracker" && d.component != "sensor" {
			t.Errorf("unexpected component %q", d.component)
		}
	}
}

func TestPublisher_BridgeDefinitions(t *testing.T) {
	p := testPublisher(nil)
	defs := p.bridgeDefinitions()

	objects := make(map[string]bool)
	for _, d := range defs {
		objects[d.object] = true

		cfg, ok := d.payload.(SensorConfig)
		if !ok {
			t.Fatalf("%s payload is %T", d.object, d.payload)
		}
		if cfg.EntityCategory != "diagnostic" {
			t.Errorf("%s: EntityCategory = %q, want diagnostic", d.object, cfg.EntityCategory)
		}
		if !strings.HasPrefix(cfg.UniqueID, "instance-123_") {
			t.Errorf("%s: UniqueID = %q", d.object, cfg.UniqueID)
		}
		if len(cfg.Device.Identifiers) != 1 || cfg.Device.Identifiers[0] != "instance-123" {
			t.Errorf("%s: Device.Identifiers = %v", d.object, cfg.Device.Identifiers)
		}
	}

	for _, want := range []string{"version", "updates_today", "commands_today"} {
		if !objects[want] {
			t.Errorf("missing bridge sensor %q", want)
		}
	}
}

func TestHandleMessage(t *testing.T) {
	var got micloud.Command
	p := testPublisher(func(cmd micloud.Command) error {
		got = cmd
		return nil
	})

	payload := `{"command":"noise","imei":"86000001"}`
	p.handleMessage(p.commandTopic(), []byte(payload))

	if got.Kind != micloud.KindNoise || got.IMEI != "86000001" {
		t.Errorf("handler got %+v", got)
	}
	if _, commands := p.activity.Snapshot(); commands != 1 {
		t.Errorf("commands today = %d, want 1", commands)
	}
}

func TestHandleMessage_LostPayload(t *testing.T) {
	var got micloud.Command
	p := testPublisher(func(cmd micloud.Command) error {
		got = cmd
		return nil
	})

	payload := `{"command":"lost","imei":"86000002","content":"please call me","phone":"13800000000","online_notify":true}`
	p.handleMessage(p.commandTopic(), []byte(payload))

	if got.Kind != micloud.KindLost || got.Content != "please call me" || !got.OnlineNotify {
		t.Errorf("handler got %+v", got)
	}
}

func TestHandleMessage_Malformed(t *testing.T) {
	called := false
	p := testPublisher(func(micloud.Command) error {
		called = true
		return nil
	})

	p.handleMessage(p.commandTopic(), []byte("not json"))
	if called {
		t.Error("handler must not run for malformed payloads")
	}
	if _, commands := p.activity.Snapshot(); commands != 0 {
		t.Errorf("commands today = %d, want 0", commands)
	}
}

func TestMessageRateLimiter(t *testing.T) {
	r := newMessageRateLimiter(3, time.Minute, testLogger())

	for i := 0; i < 3; i++ {
		if !r.allow() {
			t.Fatalf("message %d should be allowed", i+1)
		}
	}
	if r.allow() {
		t.Error("message over the limit should be dropped")
	}
	if r.dropped.Load() != 1 {
		t.Errorf("dropped = %d, want 1", r.dropped.Load())
	}
}

func TestTrackerConfigJSON(t *testing.T) {
	p := testPublisher(nil)
	tracker := p.phoneDefinitions(testSnapshot())[0].payload

	data, err := json.Marshal(tracker)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	if strings.Contains(string(data), `"state_topic"`) {
		t.Errorf("tracker config must not carry a state topic:\n%s", data)
	}
	if !strings.Contains(string(data), `"json_attributes_topic"`) {
		t.Errorf("tracker config missing json_attributes_topic:\n%s", data)
	}
}

func TestHAPosition_GoogleFrameConverted(t *testing.T) {
	snap := testSnapshot() // coordinate type "google"
	lat, lon := haPosition(snap)

	if lat == nil || lon == nil {
		t.Fatal("haPosition() returned nil coordinates")
	}
	if *lat == *snap.Latitude && *lon == *snap.Longitude {
		t.Error("google-frame fix should be de-shifted to WGS-84")
	}
	// The GCJ-02 offset in mainland China is on the order of a few
	// hundred meters, never degrees.
	if d := *lat - *snap.Latitude; d > 0.01 || d < -0.01 {
		t.Errorf("latitude shift %v too large", d)
	}
}

func TestHAPosition_OriginalPassthrough(t *testing.T) {
	snap := testSnapshot()
	snap.CoordinateType = config.CoordinateOriginal

	lat, lon := haPosition(snap)
	if lat != snap.Latitude || lon != snap.Longitude {
		t.Error("original-frame fix must pass through unchanged")
	}
}

func TestMQTTConfig_Configured(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.MQTTConfig
		want bool
	}{
		{"enabled and set", config.MQTTConfig{Enabled: true, Broker: "mqtt://localhost", DeviceName: "bridge"}, true},
		{"disabled", config.MQTTConfig{Broker: "mqtt://localhost", DeviceName: "bridge"}, false},
		{"missing broker", config.MQTTConfig{Enabled: true, DeviceName: "bridge"}, false},
		{"missing device_name", config.MQTTConfig{Enabled: true, Broker: "mqtt://localhost"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.Configured(); got != tt.want {
				t.Errorf("Configured() = %v, want %v", got, tt.want)
			}
		})
	}
}
