package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrInvalidState is returned when a successful connack arrives while
// the machine already considers itself connected. It indicates a logic
// error and is fatal.
var ErrInvalidState = errors.New("invalid connection state")

// EventKind identifies a connection event.
type EventKind int

const (
	// EventConnAck carries the connack reason code.
	EventConnAck EventKind = iota
	// EventDisconnect carries the disconnect reason code.
	EventDisconnect
	// EventMessage carries an inbound publish.
	EventMessage
	// EventFatal carries an error that must end the process.
	EventFatal
)

// Event is a connection event queued by the session callbacks.
type Event struct {
	Kind       EventKind
	ReasonCode byte
	Topic      string
	Payload    []byte
	Err        error
}

// DefaultResetDelay is the countdown, in ticks, requested when a
// connection event wants the next cycle to run soon.
const DefaultResetDelay = 2

// DefaultShutdownGrace is how long shutdown waits after the offline
// publish before closing the session.
const DefaultShutdownGrace = time.Second

// MachineConfig configures a [Machine].
type MachineConfig struct {
	Client    Client
	Publisher *Publisher

	AvailabilityTopic string
	Online            string

	// OnConnect runs after every successful connack, before the online
	// payload is published. It announces discovery configs.
	OnConnect func(ctx context.Context)

	// ResetDelay defaults to [DefaultResetDelay].
	ResetDelay int
	// Grace defaults to [DefaultShutdownGrace]; negative disables the wait.
	Grace time.Duration

	Logger *slog.Logger
}

// Machine is the broker connection state machine. Transitions are
// applied by the scheduler goroutine; Shutdown may be called from any
// goroutine and runs at most once.
type Machine struct {
	cfg  MachineConfig
	st   *state
	once sync.Once
}

// NewMachine creates a Machine in the Disconnected state.
func NewMachine(cfg MachineConfig) *Machine {
	if cfg.ResetDelay <= 0 {
		cfg.ResetDelay = DefaultResetDelay
	}
	if cfg.Grace < 0 {
		cfg.Grace = 0
	} else if cfg.Grace == 0 {
		cfg.Grace = DefaultShutdownGrace
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Machine{cfg: cfg, st: &state{conn: Disconnected}}
}

// State returns the current connection state.
func (m *Machine) State() ConnState {
	return m.st.connState()
}

// ResendPending reports whether the online payload must be republished.
func (m *Machine) ResendPending() bool {
	return m.st.resendPending()
}

// ResetDelay overrides the scheduler countdown with ticks.
func (m *Machine) ResetDelay(ticks int) {
	if m.st.setDelay(ticks) {
		m.cfg.Logger.Debug("reset main delay", "ticks", ticks)
	}
}

// Handle applies ev. Only fatal conditions are returned.
func (m *Machine) Handle(ctx context.Context, ev Event) error {
	switch ev.Kind {
	case EventConnAck:
		return m.OnConnAck(ctx, ev.ReasonCode)
	case EventDisconnect:
		m.OnDisconnect(ctx, ev.ReasonCode)
	case EventMessage:
		m.OnMessage(ctx, ev.Topic, ev.Payload)
	case EventFatal:
		return ev.Err
	}
	return nil
}

// OnConnAck handles a connack with reason code rc.
func (m *Machine) OnConnAck(ctx context.Context, rc byte) error {
	if m.State() == Terminated {
		m.cfg.Logger.Debug("client terminated, ignoring connack")
		return nil
	}
	if rc != 0 {
		m.cfg.Logger.Warn("mqtt connection refused", "reason_code", rc)
		m.st.transition(Disconnected)
		return nil
	}

	prev, ok := m.st.connect()
	if !ok {
		if prev == Terminated {
			return nil
		}
		return fmt.Errorf("%w: connack while %s", ErrInvalidState, prev)
	}
	m.cfg.Logger.Info("mqtt connected to broker")

	if err := m.cfg.Client.Subscribe(ctx, m.cfg.AvailabilityTopic, AvailabilityQoS); err != nil {
		m.cfg.Logger.Warn("mqtt availability subscribe failed",
			"topic", m.cfg.AvailabilityTopic, "error", err)
	}
	if m.cfg.OnConnect != nil {
		m.cfg.OnConnect(ctx)
	}
	if err := m.cfg.Publisher.PublishOnline(ctx); err != nil {
		m.cfg.Logger.Warn("mqtt availability publish failed", "status", "online", "error", err)
	}
	m.ResetDelay(m.cfg.ResetDelay)
	return nil
}

// OnDisconnect handles loss of the session with reason code rc. A
// clean disconnect (rc 0) gets a best-effort offline publish.
func (m *Machine) OnDisconnect(ctx context.Context, rc byte) {
	if m.State() != Connected {
		return
	}
	m.st.transition(Disconnected)
	m.cfg.Logger.Info("mqtt disconnected", "reason_code", rc)

	if rc == 0 {
		if err := m.cfg.Publisher.PublishOffline(ctx); err != nil {
			m.cfg.Logger.Debug("mqtt offline publish after disconnect failed", "error", err)
		}
	}
}

// OnMessage handles an inbound publish. Only the echo of our own
// availability topic is meaningful: anything but the online payload
// means the broker's view disagrees with ours and must be corrected.
func (m *Machine) OnMessage(_ context.Context, topic string, payload []byte) {
	if m.State() != Connected || topic != m.cfg.AvailabilityTopic {
		return
	}
	if string(payload) == m.cfg.Online {
		m.st.setResend(false)
		return
	}
	m.cfg.Logger.Debug("availability mismatch, scheduling resend", "payload", string(payload))
	m.st.setResend(true)
	m.ResetDelay(m.cfg.ResetDelay)
}

// Shutdown moves to Terminated. If the machine was connected it
// publishes the offline payload, waits for the grace period and closes
// the session. Later calls do nothing.
func (m *Machine) Shutdown(ctx context.Context) {
	m.once.Do(func() {
		prev := m.st.terminate()
		m.cfg.Logger.Info("mqtt shutting down", "previous_state", prev.String())

		if prev == Connected {
			if err := m.cfg.Publisher.PublishOffline(ctx); err != nil {
				m.cfg.Logger.Warn("mqtt availability publish failed", "status", "offline", "error", err)
			}
			select {
			case <-time.After(m.cfg.Grace):
			case <-ctx.Done():
			}
		}

		if err := m.cfg.Client.Disconnect(ctx); err != nil {
			m.cfg.Logger.Debug("mqtt disconnect failed", "error", err)
		}
	})
}
