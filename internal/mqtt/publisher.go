package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/relay/internal/config"
)

// StatsSource provides the values behind each sensor. main wires an
// adapter over the registry and dispatcher.
type StatsSource interface {
	Uptime() time.Duration
	Version() string
	DefaultModel() string
	OpenConnections() int
	MessagesHandled() int64
	FailedRequests() int64
	TokensToday() int64
	LastRequestTime() time.Time
}

// Sensor names are relative to the device (has_entity_name), so HA
// derives entity IDs like sensor.relay_open_connections.

// Publisher owns the broker connection and the state loop.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	stats      StatsSource
	logger     *slog.Logger
	cm         *autopaho.ConnectionManager
}

// New creates a Publisher. Nothing connects until Start.
func New(cfg config.MQTTConfig, instanceID string, stats StatsSource, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		stats:      stats,
		logger:     logger.With("component", "mqtt"),
	}
}

// Start connects and runs the publish loop until ctx is cancelled.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected", "broker", p.cfg.Broker)
			p.publishDiscovery(ctx, cm)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "relay-" + p.cfg.DeviceName,
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out", "error", err)
	}

	p.runLoop(ctx)
	return nil
}

// Stop publishes "offline" and disconnects.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

// Ping reports whether the broker connection is up. Used as a
// connwatch probe.
func (p *Publisher) Ping(ctx context.Context) error {
	if p.cm == nil {
		return errors.New("mqtt publisher not started")
	}
	return p.cm.AwaitConnection(ctx)
}

func (p *Publisher) baseTopic() string {
	return "relay/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) discoveryTopic(entity string) string {
	return p.cfg.DiscoveryPrefix + "/sensor/" + p.cfg.DeviceName + "/" + entity + "/config"
}

type sensor struct {
	entity     string
	label      string
	icon       string
	unit       string
	stateClass string
	diagnostic bool
}

var sensors = []sensor{
	{entity: "uptime", label: "Uptime", icon: "mdi:clock-outline", diagnostic: true},
	{entity: "version", label: "Version", icon: "mdi:tag", diagnostic: true},
	{entity: "default_model", label: "Default Model", icon: "mdi:brain", diagnostic: true},
	{entity: "open_connections", label: "Open Connections", icon: "mdi:lan-connect", stateClass: "measurement"},
	{entity: "messages_handled", label: "Messages Handled", icon: "mdi:message-processing", unit: "messages", stateClass: "total_increasing"},
	{entity: "failed_requests", label: "Failed Requests", icon: "mdi:alert-circle", stateClass: "total_increasing"},
	{entity: "tokens_today", label: "Tokens Today", icon: "mdi:counter", unit: "tokens", stateClass: "total_increasing"},
	{entity: "last_request", label: "Last Request", icon: "mdi:clock-check", diagnostic: true},
}

func (p *Publisher) sensorConfigs() map[string]SensorConfig {
	out := make(map[string]SensorConfig, len(sensors))
	for _, s := range sensors {
		c := SensorConfig{
			Name:              s.label,
			ObjectID:          s.entity,
			HasEntityName:     true,
			UniqueID:          p.instanceID + "_" + s.entity,
			StateTopic:        p.stateTopic(s.entity),
			AvailabilityTopic: p.availabilityTopic(),
			Device:            p.device,
			Icon:              s.icon,
			UnitOfMeasurement: s.unit,
			StateClass:        s.stateClass,
		}
		if s.diagnostic {
			c.EntityCategory = "diagnostic"
		}
		out[s.entity] = c
	}
	return out
}

func (p *Publisher) publishDiscovery(ctx context.Context, cm *autopaho.ConnectionManager) {
	for entity, cfg := range p.sensorConfigs() {
		payload, err := json.Marshal(cfg)
		if err != nil {
			p.logger.Error("mqtt marshal discovery payload", "entity", entity, "error", err)
			continue
		}
		topic := p.discoveryTopic(entity)
		if _, err := cm.Publish(ctx, &paho.Publish{Topic: topic, Payload: payload, QoS: 1, Retain: true}); err != nil {
			p.logger.Warn("mqtt discovery publish failed", "entity", entity, "topic", topic, "error", err)
		}
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
		return
	}
	p.logger.Info("mqtt availability published", "status", status)
}

func (p *Publisher) runLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(p.cfg.PublishIntervalSec) * time.Second)
	defer ticker.Stop()

	p.publishStates(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishStates(ctx)
		}
	}
}

// states renders the current value of every sensor.
func (p *Publisher) states() map[string]string {
	last := "never"
	if t := p.stats.LastRequestTime(); !t.IsZero() {
		last = t.Format(time.RFC3339)
	}
	return map[string]string{
		"uptime":           p.stats.Uptime().Truncate(time.Second).String(),
		"version":          p.stats.Version(),
		"default_model":    p.stats.DefaultModel(),
		"open_connections": strconv.Itoa(p.stats.OpenConnections()),
		"messages_handled": strconv.FormatInt(p.stats.MessagesHandled(), 10),
		"failed_requests":  strconv.FormatInt(p.stats.FailedRequests(), 10),
		"tokens_today":     strconv.FormatInt(p.stats.TokensToday(), 10),
		"last_request":     last,
	}
}

func (p *Publisher) publishStates(ctx context.Context) {
	if p.cm == nil {
		return
	}
	states := p.states()
	for entity, value := range states {
		if _, err := p.cm.Publish(ctx, &paho.Publish{
			Topic:   p.stateTopic(entity),
			Payload: []byte(value),
			Retain:  true,
		}); err != nil {
			p.logger.Debug("mqtt state publish failed", "entity", entity, "error", err)
		}
	}
	p.logger.Debug("mqtt sensor states published", "entities", len(states))
}
