package mqtt

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nugget/relay/internal/config"
)

type fakeStats struct {
	last time.Time
}

func (fakeStats) Uptime() time.Duration        { return 90*time.Minute + 1500*time.Millisecond }
func (fakeStats) Version() string              { return "1.2.3" }
func (fakeStats) DefaultModel() string         { return "gemini-2.5-flash" }
func (fakeStats) OpenConnections() int         { return 4 }
func (fakeStats) MessagesHandled() int64       { return 120 }
func (fakeStats) FailedRequests() int64        { return 3 }
func (fakeStats) TokensToday() int64           { return 4096 }
func (f fakeStats) LastRequestTime() time.Time { return f.last }

func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker:             "mqtt://localhost:1883",
		DeviceName:         "relay-test",
		DiscoveryPrefix:    "homeassistant",
		PublishIntervalSec: 60,
	}
}

func TestLoadOrCreateInstanceID(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")

	first, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateInstanceID() error = %v", err)
	}
	if len(strings.Split(first, "-")) != 5 {
		t.Errorf("id %q does not look like a UUID", first)
	}

	data, err := os.ReadFile(filepath.Join(dir, instanceFile))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != first {
		t.Errorf("file content = %q, want %q", got, first)
	}

	second, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("second call error = %v", err)
	}
	if second != first {
		t.Errorf("second = %q, want %q", second, first)
	}
}

func TestLoadOrCreateInstanceID_EmptyFileRegenerates(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, instanceFile), []byte("  \n"), 0o644); err != nil {
		t.Fatal(err)
	}
	id, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateInstanceID() error = %v", err)
	}
	if id == "" {
		t.Error("empty ID")
	}
}

func TestNewDeviceInfo(t *testing.T) {
	info := NewDeviceInfo("instance-1", "relay-test")
	if info.Name != "relay-test" || info.Model != "Relay" {
		t.Errorf("info = %+v", info)
	}
	if len(info.Identifiers) != 1 || info.Identifiers[0] != "instance-1" {
		t.Errorf("Identifiers = %v", info.Identifiers)
	}
}

func TestPublisher_Topics(t *testing.T) {
	p := New(testConfig(), "id", fakeStats{}, nil)

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"base", p.baseTopic(), "relay/relay-test"},
		{"availability", p.availabilityTopic(), "relay/relay-test/availability"},
		{"state", p.stateTopic("open_connections"), "relay/relay-test/open_connections/state"},
		{"discovery", p.discoveryTopic("uptime"), "homeassistant/sensor/relay-test/uptime/config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestPublisher_SensorConfigs(t *testing.T) {
	cfg := testConfig()
	p := New(cfg, "instance-123", fakeStats{}, nil)

	configs := p.sensorConfigs()
	if len(configs) != len(sensors) {
		t.Fatalf("got %d configs, want %d", len(configs), len(sensors))
	}

	for entity, c := range configs {
		if strings.Contains(c.Name, cfg.DeviceName) {
			t.Errorf("%s: Name %q repeats the device name", entity, c.Name)
		}
		if c.ObjectID != entity || !c.HasEntityName {
			t.Errorf("%s: ObjectID = %q, HasEntityName = %v", entity, c.ObjectID, c.HasEntityName)
		}
		if c.UniqueID != "instance-123_"+entity {
			t.Errorf("%s: UniqueID = %q", entity, c.UniqueID)
		}
		if c.AvailabilityTopic != "relay/relay-test/availability" {
			t.Errorf("%s: AvailabilityTopic = %q", entity, c.AvailabilityTopic)
		}
		if c.StateTopic != p.stateTopic(entity) {
			t.Errorf("%s: StateTopic = %q", entity, c.StateTopic)
		}
	}

	if configs["messages_handled"].StateClass != "total_increasing" {
		t.Errorf("messages_handled state class = %q", configs["messages_handled"].StateClass)
	}
	if c := configs["tokens_today"]; c.UnitOfMeasurement != "tokens" || c.StateClass != "total_increasing" {
		t.Errorf("tokens_today config = %+v", c)
	}
	if configs["version"].EntityCategory != "diagnostic" {
		t.Errorf("version entity category = %q", configs["version"].EntityCategory)
	}
	if configs["open_connections"].EntityCategory != "" {
		t.Errorf("open_connections should not be diagnostic")
	}

	data, err := json.Marshal(configs["uptime"])
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "unit_of_measurement") {
		t.Errorf("empty unit should be omitted: %s", data)
	}
}

func TestPublisher_States(t *testing.T) {
	last := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := New(testConfig(), "id", fakeStats{last: last}, nil)

	want := map[string]string{
		"uptime":           "1h30m1s",
		"version":          "1.2.3",
		"default_model":    "gemini-2.5-flash",
		"open_connections": "4",
		"messages_handled": "120",
		"failed_requests":  "3",
		"tokens_today":     "4096",
		"last_request":     "2026-03-01T12:00:00Z",
	}
	got := p.states()
	for k, v := range want {
		if got[k] != v {
			t.Errorf("states[%s] = %q, want %q", k, got[k], v)
		}
	}
	for _, s := range sensors {
		if _, ok := got[s.entity]; !ok {
			t.Errorf("no state for sensor %s", s.entity)
		}
	}

	never := New(testConfig(), "id", fakeStats{}, nil).states()["last_request"]
	if never != "never" {
		t.Errorf("last_request with no requests = %q", never)
	}
}

func TestPublisher_PingBeforeStart(t *testing.T) {
	p := New(testConfig(), "id", fakeStats{}, nil)
	if err := p.Ping(t.Context()); err == nil {
		t.Error("Ping before Start should fail")
	}
	if err := p.Stop(t.Context()); err != nil {
		t.Errorf("Stop before Start = %v", err)
	}
}
