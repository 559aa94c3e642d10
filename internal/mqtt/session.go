package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nugget/check-raid/internal/config"
)

// eventQueueSize bounds the number of connection events that can be
// pending while the scheduler is busy polling.
const eventQueueSize = 32

// reasonUnspecified is reported for drops that carry no reason code.
const reasonUnspecified byte = 0x80

// BrokerConnectError is returned when the initial broker connection
// cannot be established. It is fatal.
type BrokerConnectError struct {
	// Broker is "<account>@<host>:<port>" with the password masked.
	Broker string
	Err    error
}

// Error implements the error interface.
func (e *BrokerConnectError) Error() string {
	return fmt.Sprintf("failed to connect to MQTT: %s: %v", e.Broker, e.Err)
}

// Unwrap returns the underlying cause.
func (e *BrokerConnectError) Unwrap() error {
	return e.Err
}

// SessionConfig configures a [Session].
type SessionConfig struct {
	MQTT config.MQTTConfig
	// AvailabilityTopic receives the will message.
	AvailabilityTopic string
	Logger            *slog.Logger
}

// Session manages the broker connection. Its callbacks only enqueue
// events; consume them from [Session.Events].
type Session struct {
	cfg    SessionConfig
	logger *slog.Logger
	events chan Event
	done   chan struct{}

	mu       sync.Mutex
	cm       *autopaho.ConnectionManager
	up       bool
	everUp   bool
	stopOnce sync.Once
}

// NewSession creates a Session but does not connect. Call
// [Session.Connect] to start the connection manager.
func NewSession(cfg SessionConfig) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		cfg:    cfg,
		logger: logger,
		events: make(chan Event, eventQueueSize),
		done:   make(chan struct{}),
	}
}

// Events returns the connection event queue.
func (s *Session) Events() <-chan Event {
	return s.events
}

// BrokerURL builds the broker URL from the transport, TLS, host and
// port settings.
func BrokerURL(m config.MQTTConfig) *url.URL {
	u := &url.URL{Host: net.JoinHostPort(m.Host, strconv.Itoa(m.Port))}
	switch {
	case m.Transport == "websockets" && m.TLS:
		u.Scheme, u.Path = "wss", "/mqtt"
	case m.Transport == "websockets":
		u.Scheme, u.Path = "ws", "/mqtt"
	case m.TLS:
		u.Scheme = "mqtts"
	default:
		u.Scheme = "mqtt"
	}
	return u
}

// ClientID returns the configured client id, or a random one derived
// from a UUID.
func ClientID(m config.MQTTConfig) string {
	if m.ClientID != "" {
		return m.ClientID
	}
	return "check-raid-" + uuid.NewString()[:8]
}

// Describe renders the broker for log and error output.
func Describe(m config.MQTTConfig) string {
	return fmt.Sprintf("%s@%s:%d", m.Account(), m.Host, m.Port)
}

// clientConfig assembles the autopaho configuration.
func (s *Session) clientConfig() autopaho.ClientConfig {
	m := s.cfg.MQTT
	u := BrokerURL(m)

	cfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{u},
		KeepAlive:                     uint16(m.Keepalive),
		CleanStartOnInitialConnection: true,
		WillMessage: &paho.WillMessage{
			Topic:   s.cfg.AvailabilityTopic,
			Payload: []byte(m.OfflineStatus()),
			QoS:     AvailabilityQoS,
			Retain:  true,
		},
		OnConnectionUp: s.onConnectionUp,
		OnConnectError: s.onConnectError,
		ClientConfig: paho.ClientConfig{
			ClientID: ClientID(m),
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				s.onPublishReceived,
			},
			OnClientError:      s.onClientError,
			OnServerDisconnect: s.onServerDisconnect,
		},
	}

	if m.HasUsername() {
		s.logger.Debug("setting mqtt credentials", "account", m.Account())
		cfg.ConnectUsername = m.Username
		cfg.ConnectPassword = []byte(m.Password)
	}

	if m.TLS {
		cfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	if m.Transport == "websockets" {
		cfg.WebSocketCfg = &autopaho.WebSocketConfig{
			Dialer: func(_ *url.URL, tlsCfg *tls.Config) *websocket.Dialer {
				return &websocket.Dialer{
					Proxy:            http.ProxyFromEnvironment,
					HandshakeTimeout: 30 * time.Second,
					TLSClientConfig:  tlsCfg,
					Subprotocols:     []string{"mqtt"},
				}
			},
		}
	}
	return cfg
}

// Connect starts the connection manager. The connection outlives ctx
// cancellation so that shutdown can still publish the offline payload;
// it ends with [Session.Disconnect].
func (s *Session) Connect(ctx context.Context) error {
	s.logger.Info("connecting to mqtt broker",
		"broker", Describe(s.cfg.MQTT),
		"url", BrokerURL(s.cfg.MQTT).String(),
	)

	cm, err := autopaho.NewConnection(context.WithoutCancel(ctx), s.clientConfig())
	if err != nil {
		return &BrokerConnectError{Broker: Describe(s.cfg.MQTT), Err: err}
	}

	s.mu.Lock()
	s.cm = cm
	s.mu.Unlock()
	return nil
}

func (s *Session) onConnectionUp(_ *autopaho.ConnectionManager, _ *paho.Connack) {
	s.mu.Lock()
	missedDown := s.up
	s.up, s.everUp = true, true
	s.mu.Unlock()

	// autopaho does not report every drop through the client callbacks.
	if missedDown {
		s.enqueue(Event{Kind: EventDisconnect, ReasonCode: reasonUnspecified})
	}
	s.enqueue(Event{Kind: EventConnAck, ReasonCode: 0})
}

func (s *Session) onConnectError(err error) {
	var connackErr *autopaho.ConnackError
	if errors.As(err, &connackErr) {
		s.enqueue(Event{Kind: EventConnAck, ReasonCode: connackErr.ReasonCode})
		return
	}

	s.mu.Lock()
	initial := !s.everUp
	s.mu.Unlock()

	if initial {
		s.enqueue(Event{Kind: EventFatal, Err: &BrokerConnectError{Broker: Describe(s.cfg.MQTT), Err: err}})
		return
	}
	s.logger.Debug("mqtt reconnect attempt failed", "error", err)
}

func (s *Session) onClientError(err error) {
	s.logger.Debug("mqtt client error", "error", err)
	s.down(reasonUnspecified)
}

func (s *Session) onServerDisconnect(d *paho.Disconnect) {
	rc := reasonUnspecified
	if d != nil {
		rc = d.ReasonCode
	}
	s.down(rc)
}

func (s *Session) down(rc byte) {
	s.mu.Lock()
	wasUp := s.up
	s.up = false
	s.mu.Unlock()

	if wasUp {
		s.enqueue(Event{Kind: EventDisconnect, ReasonCode: rc})
	}
}

func (s *Session) onPublishReceived(pr paho.PublishReceived) (bool, error) {
	if pr.Packet == nil {
		return false, nil
	}
	s.enqueue(Event{
		Kind:    EventMessage,
		Topic:   pr.Packet.Topic,
		Payload: append([]byte(nil), pr.Packet.Payload...),
	})
	return true, nil
}

// enqueue blocks until the scheduler accepts ev or the session is closed.
func (s *Session) enqueue(ev Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *Session) manager() (*autopaho.ConnectionManager, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cm == nil {
		return nil, errors.New("mqtt session not connected")
	}
	return s.cm, nil
}

// Publish implements [Client].
func (s *Session) Publish(ctx context.Context, p *paho.Publish) error {
	cm, err := s.manager()
	if err != nil {
		return err
	}
	_, err = cm.Publish(ctx, p)
	return err
}

// Subscribe implements [Client].
func (s *Session) Subscribe(ctx context.Context, topic string, qos byte) error {
	cm, err := s.manager()
	if err != nil {
		return err
	}
	_, err = cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: qos}},
	})
	return err
}

// Disconnect implements [Client]. It stops the connection manager and
// releases any callback blocked on the event queue.
func (s *Session) Disconnect(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.done) })

	cm, err := s.manager()
	if err != nil {
		return nil
	}
	return cm.Disconnect(ctx)
}
