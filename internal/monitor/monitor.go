// Package monitor ties the array reader to the broker publisher. It
// resolves each configured array once at startup, announces the
// discovery configs on every connect, and publishes array state on
// every poll.
package monitor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nugget/check-raid/internal/config"
	"github.com/nugget/check-raid/internal/discovery"
	"github.com/nugget/check-raid/internal/mdadm"
)

// StatusReader is the interface the array reader must satisfy.
// [mdadm.Reader] implements it.
type StatusReader interface {
	Status(ctx context.Context, device string) (mdadm.RaidStatus, error)
	Capacity(ctx context.Context, mountPoint string) (mdadm.CapacitySample, error)
	Identity(ctx context.Context, device string) []byte
}

// StatePublisher is the part of the broker publisher the monitor uses.
type StatePublisher interface {
	Publish(ctx context.Context, topic, payload string) error
	PublishConfig(ctx context.Context, topic string, v any) error
}

// Config configures a [Monitor].
type Config struct {
	Devices []config.DeviceConfig
	// Options carries the naming and availability settings shared by
	// every discovery descriptor.
	Options   discovery.Options
	Reader    StatusReader
	Publisher StatePublisher
	Logger    *slog.Logger
}

// Monitor holds the resolved arrays. Poll and Announce must not run
// concurrently with each other.
type Monitor struct {
	cfg    Config
	arrays []*discovery.Array
}

// New queries every configured array for its RAID level and builds its
// discovery descriptors. An array that cannot be queried is fatal.
func New(ctx context.Context, cfg Config) (*Monitor, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	builder := discovery.NewBuilder(cfg.Options, discovery.NewSequence())
	m := &Monitor{cfg: cfg}

	for _, dev := range cfg.Devices {
		st, err := cfg.Reader.Status(ctx, dev.RaidDevice)
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", dev.RaidDevice, err)
		}
		if st.Level == "" {
			cfg.Logger.Warn("raid level not reported", "device", dev.RaidDevice)
		}

		arr := builder.Build(dev, st.Level, cfg.Reader.Identity(ctx, dev.RaidDevice))
		cfg.Logger.Info("monitoring array",
			"device", dev.RaidDevice,
			"mount", dev.MountPoint,
			"level", st.Level,
			"node_id", arr.NodeID,
		)
		m.arrays = append(m.arrays, arr)
	}
	return m, nil
}

// Arrays returns the resolved arrays in configuration order.
func (m *Monitor) Arrays() []*discovery.Array {
	return m.arrays
}

// Announce publishes every discovery config. Failures are logged and
// the remaining configs are still attempted.
func (m *Monitor) Announce(ctx context.Context) {
	var sent, failed int
	for _, arr := range m.arrays {
		for _, e := range arr.Entities {
			if err := m.cfg.Publisher.PublishConfig(ctx, e.ConfigTopic, e.Config); err != nil {
				m.cfg.Logger.Warn("discovery publish failed", "topic", e.ConfigTopic, "error", err)
				failed++
				continue
			}
			sent++
		}
	}
	m.cfg.Logger.Info("discovery configs announced", "sent", sent, "failed", failed)
}

// Poll reads and publishes the state of every array in configuration
// order. A read failure aborts the poll and is returned; publish
// failures are logged.
func (m *Monitor) Poll(ctx context.Context) error {
	for _, arr := range m.arrays {
		dev := arr.Device
		st, err := m.cfg.Reader.Status(ctx, dev.RaidDevice)
		if err != nil {
			return err
		}
		c, err := m.cfg.Reader.Capacity(ctx, dev.MountPoint)
		if err != nil {
			return err
		}

		m.cfg.Logger.Debug("array polled",
			"device", dev.RaidDevice,
			"state", st.State,
			"healthy", st.Healthy(),
			"free_pct", c.FreePercent(),
		)

		for _, msg := range arr.StateMessages(st, c) {
			if err := m.cfg.Publisher.Publish(ctx, msg.Topic, msg.Payload); err != nil {
				m.cfg.Logger.Warn("state publish failed", "topic", msg.Topic, "error", err)
			}
		}
	}
	return nil
}
