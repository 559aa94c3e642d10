package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/eclipse/paho.golang/paho"
	"github.com/nugget/check-raid/internal/config"
)

// AvailabilityQoS is used for every availability publish and the will
// message regardless of the configured QoS: presence detection depends
// on them surviving broker restarts.
const AvailabilityQoS = 2

// DefaultPublishTimeout bounds a single publish.
const DefaultPublishTimeout = 5 * time.Second

// Client is the part of a broker connection used by the publisher and
// the connection machine. [Session] implements it.
type Client interface {
	Publish(ctx context.Context, p *paho.Publish) error
	Subscribe(ctx context.Context, topic string, qos byte) error
	Disconnect(ctx context.Context) error
}

// PublisherConfig configures a [Publisher].
type PublisherConfig struct {
	Client Client
	// QoS applies to state and discovery publishes.
	QoS               byte
	AvailabilityTopic string
	Online            string
	Offline           string
	// Timeout defaults to [DefaultPublishTimeout].
	Timeout time.Duration
	Logger  *slog.Logger
}

// Publisher emits retained messages. It holds no connection state.
type Publisher struct {
	cfg PublisherConfig
}

// NewPublisher creates a Publisher.
func NewPublisher(cfg PublisherConfig) *Publisher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultPublishTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Publisher{cfg: cfg}
}

// Publish sends payload to topic with the configured QoS, retained.
func (p *Publisher) Publish(ctx context.Context, topic, payload string) error {
	p.cfg.Logger.Debug("mqtt publish", "topic", topic, "payload", payload)
	return p.send(ctx, topic, []byte(payload), p.cfg.QoS)
}

// PublishConfig JSON-encodes v and publishes it to a discovery config
// topic.
func (p *Publisher) PublishConfig(ctx context.Context, topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal discovery payload for %s: %w", topic, err)
	}
	p.cfg.Logger.Log(ctx, config.LevelTrace, "mqtt discovery payload", "topic", topic, "payload", string(payload))
	return p.send(ctx, topic, payload, p.cfg.QoS)
}

// PublishOnline publishes the online payload to the availability topic.
func (p *Publisher) PublishOnline(ctx context.Context) error {
	p.cfg.Logger.Debug("sending online status")
	return p.send(ctx, p.cfg.AvailabilityTopic, []byte(p.cfg.Online), AvailabilityQoS)
}

// PublishOffline publishes the offline payload to the availability topic.
func (p *Publisher) PublishOffline(ctx context.Context) error {
	p.cfg.Logger.Debug("sending offline status")
	return p.send(ctx, p.cfg.AvailabilityTopic, []byte(p.cfg.Offline), AvailabilityQoS)
}

func (p *Publisher) send(ctx context.Context, topic string, payload []byte, qos byte) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	if err := p.cfg.Client.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
		Retain:  true,
	}); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}
