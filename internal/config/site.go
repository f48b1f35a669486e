package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/banshee-data/presence.report/internal/registry"
)

// Legacy bare-integer payload policies. The historical receivers sometimes
// emit a bare RSSI with no entity id; deployments must opt in to accepting
// those.
const (
	LegacyReject        = "reject"
	LegacyDefaultEntity = "default_entity"
)

// SiteConfig describes one deployment: its beacons, link transports, serving
// addresses, and output integrations.
type SiteConfig struct {
	// Site is a short human-readable deployment name used in logs and MQTT
	// topics.
	Site string `yaml:"site" validate:"required"`

	HTTPAddr string `yaml:"http_addr" validate:"required,hostname_port"`
	DBPath   string `yaml:"db_path" validate:"required"`

	Beacons []BeaconEntry `yaml:"beacons" validate:"required,min=1,dive"`

	Links LinksConfig `yaml:"links"`

	MQTT MQTTConfig `yaml:"mqtt"`

	LegacyPayload LegacyPayloadConfig `yaml:"legacy_payload"`
}

// BeaconEntry is one configured beacon. Position stays a raw "x,y" string
// here; the registry parses it and skips entries it cannot use.
type BeaconEntry struct {
	ID       string `yaml:"id" validate:"required"`
	Name     string `yaml:"name"`
	Position string `yaml:"position" validate:"required"`
}

// LinksConfig declares the notification transports to run.
type LinksConfig struct {
	// UDPListen is the shared datagram listener address; frames carry a
	// beacon-id prefix. Empty disables UDP.
	UDPListen string `yaml:"udp_listen" validate:"omitempty,hostname_port"`

	TCP []TCPLinkConfig `yaml:"tcp" validate:"dive"`

	Serial []SerialLinkConfig `yaml:"serial" validate:"dive"`

	// QueueSize bounds each link's pending-line queue. When full the oldest
	// line is dropped and counted.
	QueueSize int `yaml:"queue_size" validate:"omitempty,min=1"`
}

// TCPLinkConfig is one dialed TCP receiver bridge.
type TCPLinkConfig struct {
	Addr string `yaml:"addr" validate:"required,hostname_port"`
	// BeaconID pins all lines from this link to one beacon; empty means
	// frames carry their own beacon-id prefix.
	BeaconID string `yaml:"beacon_id"`
}

// SerialLinkConfig is one serial-attached receiver bridge.
type SerialLinkConfig struct {
	Port     string `yaml:"port" validate:"required"`
	Baud     int    `yaml:"baud" validate:"omitempty,min=1200"`
	BeaconID string `yaml:"beacon_id"`
}

// MQTTConfig controls the optional position-event publisher.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker" validate:"required_if=Enabled true"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos" validate:"max=2"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
}

// LegacyPayloadConfig resolves how bare-integer payloads are handled.
type LegacyPayloadConfig struct {
	Policy          string `yaml:"policy" validate:"omitempty,oneof=reject default_entity"`
	DefaultEntityID string `yaml:"default_entity_id"`
}

// LoadSiteConfig reads, defaults, and validates a site configuration file.
func LoadSiteConfig(path string) (*SiteConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".yml" && ext != ".yaml" {
		return nil, fmt.Errorf("site config must have .yml or .yaml extension, got %q", ext)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read site config: %w", err)
	}

	var cfg SiteConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse site config YAML: %w", err)
	}

	cfg.applyDefaults()

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid site config: %w", err)
	}
	if cfg.LegacyPayload.Policy == LegacyDefaultEntity && cfg.LegacyPayload.DefaultEntityID == "" {
		return nil, fmt.Errorf("invalid site config: legacy_payload.default_entity_id required for policy %q", LegacyDefaultEntity)
	}

	return &cfg, nil
}

func (c *SiteConfig) applyDefaults() {
	if c.Links.QueueSize == 0 {
		c.Links.QueueSize = 64
	}
	for i := range c.Links.Serial {
		if c.Links.Serial[i].Baud == 0 {
			c.Links.Serial[i].Baud = 115200
		}
	}
	if c.LegacyPayload.Policy == "" {
		c.LegacyPayload.Policy = LegacyReject
	}
	if c.MQTT.Enabled {
		if c.MQTT.TopicPrefix == "" {
			c.MQTT.TopicPrefix = "presence"
		}
		if c.MQTT.ClientID == "" {
			c.MQTT.ClientID = "presence-report"
		}
	}
}

// RegistryEntries converts the configured beacons into registry load entries.
func (c *SiteConfig) RegistryEntries() []registry.Entry {
	entries := make([]registry.Entry, 0, len(c.Beacons))
	for _, b := range c.Beacons {
		entries = append(entries, registry.Entry{ID: b.ID, Name: b.Name, Position: b.Position})
	}
	return entries
}
