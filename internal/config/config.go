// Package config handles relay configuration loading.
//
// Configuration comes from a single YAML file (optional) with ${VAR}
// expansion, followed by a small set of environment overrides so the
// relay can run on hosts that only provide environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/relay/config.yaml, /etc/relay/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "relay", "config.yaml"))
	}

	paths = append(paths, "/etc/relay/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns "" with a nil error when no file exists anywhere; the caller
// falls back to [Default].
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", nil
}

// Config holds all relay configuration.
type Config struct {
	Listen     ListenConfig     `yaml:"listen"`
	Generation GenerationConfig `yaml:"generation"`
	Store      StoreConfig      `yaml:"store"`
	Grounding  GroundingConfig  `yaml:"grounding"`
	Memory     MemoryConfig     `yaml:"memory"`
	Liveness   LivenessConfig   `yaml:"liveness"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Tracing    TracingConfig    `yaml:"tracing"`
	DataDir    string           `yaml:"data_dir"`
	LogLevel   string           `yaml:"log_level"`
	LogFormat  string           `yaml:"log_format"` // text or json
}

// ListenConfig defines the HTTP/WebSocket listener.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// GenerationConfig defines the external content-generation service.
type GenerationConfig struct {
	// Provider is the default backend: "gemini" or "ollama".
	Provider string `yaml:"provider"`
	// Model handles chat, data, and vision requests.
	Model string `yaml:"model"`
	// TitleModel generates session titles. Defaults to Model.
	TitleModel string `yaml:"title_model"`
	// APIKey is the Gemini credential. An empty key is not a startup
	// error; requests fail with a generation error instead.
	APIKey string `yaml:"api_key"`
	// BaseURL overrides the Gemini API endpoint.
	BaseURL string `yaml:"base_url"`
	// OllamaURL is the Ollama server for models routed to "ollama".
	OllamaURL string `yaml:"ollama_url"`
	// Models maps additional model names to providers.
	Models []ModelRoute `yaml:"models"`
	// TimeoutSec bounds a single generation call. Zero means no relay
	// deadline; the provider client's own timeout still applies.
	TimeoutSec int `yaml:"timeout_sec"`
}

// ModelRoute maps a model name to the provider that serves it.
type ModelRoute struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"`
}

// Configured reports whether a Gemini credential is present.
func (g GenerationConfig) Configured() bool {
	return g.APIKey != ""
}

// StoreConfig defines the conversation store.
type StoreConfig struct {
	// Path is the SQLite database file. Defaults to <data_dir>/relay.db.
	Path string `yaml:"path"`
	// PoolSize caps open database connections.
	PoolSize int `yaml:"pool_size"`
}

// GroundingConfig defines the read-only domain database used for
// data-mode grounding context.
type GroundingConfig struct {
	// Path is the domain SQLite database. Empty disables grounding; data
	// mode then answers from the "no data" diagnostic.
	Path    string           `yaml:"path"`
	Sources []GroundingTable `yaml:"sources"`
}

// GroundingTable is one domain table rendered into the grounding blob.
type GroundingTable struct {
	Label   string `yaml:"label"`
	Table   string `yaml:"table"`
	OrderBy string `yaml:"order_by"`
	Limit   int    `yaml:"limit"`
}

// MemoryConfig bounds per-session conversational memory.
type MemoryConfig struct {
	HistoryLimit int `yaml:"history_limit"`
}

// LivenessConfig controls the connection liveness monitor.
type LivenessConfig struct {
	IntervalSec int `yaml:"interval_sec"`
}

// MQTTConfig defines the optional MQTT status publisher.
type MQTTConfig struct {
	Broker             string `yaml:"broker"` // e.g. mqtt://host:1883 or mqtts://host:8883
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	DeviceName         string `yaml:"device_name"`
	DiscoveryPrefix    string `yaml:"discovery_prefix"`
	PublishIntervalSec int    `yaml:"publish_interval_sec"`
}

// Configured reports whether a broker is set.
func (m MQTTConfig) Configured() bool {
	return m.Broker != ""
}

// TracingConfig controls OpenTelemetry span export.
type TracingConfig struct {
	// Exporter is "none", "stdout", or "file".
	Exporter string `yaml:"exporter"`
	// Path is the span file for the "file" exporter.
	Path string `yaml:"path"`
	// SampleRatio is the fraction of root spans kept, in (0, 1].
	SampleRatio float64 `yaml:"sample_ratio"`
}

// Enabled reports whether spans are exported.
func (t TracingConfig) Enabled() bool {
	return t.Exporter != "none"
}

// DefaultGroundingSources are the domain tables rendered when the config
// does not list any.
func DefaultGroundingSources() []GroundingTable {
	return []GroundingTable{
		{Label: "Quality reports", Table: "quality_reports", OrderBy: "created_at", Limit: 10},
		{Label: "Production entries", Table: "production_entries", OrderBy: "created_at", Limit: 10},
		{Label: "Shipments", Table: "shipments", OrderBy: "created_at", Limit: 10},
	}
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads configuration from a YAML file, expands ${VAR} references,
// and applies defaults. Environment overrides are separate; see
// [Config.ApplyEnv].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 3000
	}
	if c.DataDir == "" {
		c.DataDir = "./db"
	}
	if c.Generation.Provider == "" {
		c.Generation.Provider = "gemini"
	}
	if c.Generation.Model == "" {
		c.Generation.Model = "gemini-2.5-flash"
	}
	if c.Generation.TitleModel == "" {
		c.Generation.TitleModel = c.Generation.Model
	}
	for i := range c.Generation.Models {
		if c.Generation.Models[i].Provider == "" {
			c.Generation.Models[i].Provider = c.Generation.Provider
		}
	}
	if c.Store.PoolSize == 0 {
		c.Store.PoolSize = 10
	}
	if len(c.Grounding.Sources) == 0 {
		c.Grounding.Sources = DefaultGroundingSources()
	}
	for i := range c.Grounding.Sources {
		if c.Grounding.Sources[i].OrderBy == "" {
			c.Grounding.Sources[i].OrderBy = "created_at"
		}
		if c.Grounding.Sources[i].Limit <= 0 {
			c.Grounding.Sources[i].Limit = 10
		}
		if c.Grounding.Sources[i].Label == "" {
			c.Grounding.Sources[i].Label = c.Grounding.Sources[i].Table
		}
	}
	if c.Memory.HistoryLimit == 0 {
		c.Memory.HistoryLimit = 20
	}
	if c.Liveness.IntervalSec == 0 {
		c.Liveness.IntervalSec = 30
	}
	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = "relay"
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if c.MQTT.PublishIntervalSec == 0 {
		c.MQTT.PublishIntervalSec = 60
	}
	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = "none"
	}
	if c.Tracing.SampleRatio == 0 {
		c.Tracing.SampleRatio = 1
	}
}

// ApplyEnv overlays process environment variables onto the config. The
// lookup function is injected so tests do not touch the real
// environment; pass os.LookupEnv in production.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORT: %w", err)
		}
		c.Listen.Port = port
	}
	if v, ok := lookup("GEMINI_API_KEY"); ok && v != "" {
		c.Generation.APIKey = v
	}
	if v, ok := lookup("RELAY_MODEL"); ok && v != "" {
		c.Generation.Model = v
	}
	if v, ok := lookup("RELAY_STORE_PATH"); ok && v != "" {
		c.Store.Path = v
	}
	if v, ok := lookup("RELAY_STORE_POOL_SIZE"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("RELAY_STORE_POOL_SIZE: %w", err)
		}
		c.Store.PoolSize = n
	}
	if v, ok := lookup("RELAY_DOMAIN_DB"); ok && v != "" {
		c.Grounding.Path = v
	}
	if v, ok := lookup("RELAY_LOG_LEVEL"); ok && v != "" {
		c.LogLevel = v
	}
	if v, ok := lookup("RELAY_TRACING_EXPORTER"); ok && v != "" {
		c.Tracing.Exporter = v
	}
	return nil
}

// StorePath returns the conversation database path, defaulting to a
// file under DataDir.
func (c *Config) StorePath() string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	return filepath.Join(c.DataDir, "relay.db")
}

// UsagePath returns the token usage database path.
func (c *Config) UsagePath() string {
	return filepath.Join(c.DataDir, "usage.db")
}

// Validate checks the configuration for values that would fail later at
// runtime in less obvious ways.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if _, err := ParseLogFormat(c.LogFormat); err != nil {
		return err
	}
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range", c.Listen.Port)
	}
	if !validProvider(c.Generation.Provider) {
		return fmt.Errorf("generation.provider %q (valid: gemini, ollama)", c.Generation.Provider)
	}
	for _, m := range c.Generation.Models {
		if !validProvider(m.Provider) {
			return fmt.Errorf("generation.models[%s].provider %q (valid: gemini, ollama)", m.Name, m.Provider)
		}
	}
	if c.Generation.TimeoutSec < 0 {
		return fmt.Errorf("generation.timeout_sec must not be negative")
	}
	if c.Store.PoolSize < 1 {
		return fmt.Errorf("store.pool_size must be at least 1, got %d", c.Store.PoolSize)
	}
	if c.Memory.HistoryLimit < 1 {
		return fmt.Errorf("memory.history_limit must be at least 1, got %d", c.Memory.HistoryLimit)
	}
	if c.Liveness.IntervalSec < 1 {
		return fmt.Errorf("liveness.interval_sec must be at least 1, got %d", c.Liveness.IntervalSec)
	}
	for _, s := range c.Grounding.Sources {
		if s.Table == "" {
			return fmt.Errorf("grounding source %q has no table", s.Label)
		}
	}
	switch c.Tracing.Exporter {
	case "none", "stdout":
	case "file":
		if c.Tracing.Path == "" {
			return fmt.Errorf("tracing.path is required for the file exporter")
		}
	default:
		return fmt.Errorf("tracing.exporter %q (valid: none, stdout, file)", c.Tracing.Exporter)
	}
	if c.Tracing.SampleRatio <= 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be in (0, 1], got %g", c.Tracing.SampleRatio)
	}
	return nil
}

func validProvider(p string) bool {
	switch strings.ToLower(p) {
	case "gemini", "ollama":
		return true
	}
	return false
}
