// Package mqttpub publishes gated position events to an MQTT broker for
// downstream consumers (dashboards, automations) that should not have to
// poll the HTTP API.
package mqttpub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/banshee-data/presence.report/internal/config"
	"github.com/banshee-data/presence.report/internal/engine"
	"github.com/banshee-data/presence.report/internal/monitoring"
)

const (
	connectTimeout = 30 * time.Second
	publishTimeout = 10 * time.Second

	// Milliseconds paho gets to flush in-flight messages on shutdown.
	disconnectQuiesce = 250
)

var logf = monitoring.Prefixed("[mqtt]")

// Topic levels must not carry separator or wildcard characters.
var topicSanitizer = strings.NewReplacer("/", "_", "+", "_", "#", "_")

// Publisher forwards position events to an MQTT broker. Each estimate is
// published as JSON on <prefix>/position/<entity_id>.
type Publisher struct {
	cfg    config.MQTTConfig
	client mqtt.Client
}

func New(cfg config.MQTTConfig) *Publisher {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		logf("connected to broker %s", cfg.Broker)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logf("connection to broker %s lost: %v", cfg.Broker, err)
	})

	return &Publisher{cfg: cfg, client: mqtt.NewClient(opts)}
}

// Connect establishes the broker session. Auto-reconnect takes over once
// the first connection has succeeded.
func (p *Publisher) Connect(ctx context.Context) error {
	token := p.client.Connect()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-token.Done():
	case <-time.After(connectTimeout):
		return errors.New("broker connect timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("broker connect: %w", err)
	}
	return nil
}

// Publish sends one estimate to its entity topic.
func (p *Publisher) Publish(est engine.PositionEstimate) error {
	data, err := json.Marshal(est)
	if err != nil {
		return fmt.Errorf("marshal position event: %w", err)
	}

	topic := p.Topic(est.EntityID)
	token := p.client.Publish(topic, p.cfg.QoS, false, data)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// Topic returns the publish topic for an entity.
func (p *Publisher) Topic(entityID string) string {
	return fmt.Sprintf("%s/position/%s", p.cfg.TopicPrefix, topicSanitizer.Replace(entityID))
}

// Run publishes every gated position event until ctx ends or the engine
// stream closes. Publish failures are logged, not fatal; the broker being
// down must never stall the engine.
func (p *Publisher) Run(ctx context.Context, eng *engine.Engine) {
	id, events := eng.SubscribeEvents()
	defer eng.UnsubscribeEvents(id)

	for {
		select {
		case <-ctx.Done():
			return
		case est, ok := <-events:
			if !ok {
				return
			}
			if err := p.Publish(est); err != nil {
				logf("%v", err)
			}
		}
	}
}

// Close flushes and drops the broker session.
func (p *Publisher) Close() {
	if p.client.IsConnected() {
		p.client.Disconnect(disconnectQuiesce)
	}
}
