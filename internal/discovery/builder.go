package discovery

import (
	"path"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/nugget/check-raid/internal/config"
	"github.com/nugget/check-raid/internal/mdadm"
)

// Metric names one published value. It is also the state topic suffix.
type Metric string

const (
	MetricState   Metric = "state"
	MetricHealthy Metric = "healthy"
	MetricTotal   Metric = "total"
	MetricFree    Metric = "free"
	MetricFreePct Metric = "free_pct"
	MetricUsed    Metric = "used"
)

// HA component kinds.
const (
	ComponentSensor       = "sensor"
	ComponentBinarySensor = "binary_sensor"
)

// Payloads of the healthy binary sensor.
const (
	PayloadOn  = "ON"
	PayloadOff = "OFF"
)

// unitKind selects the unit of measurement of a metric.
type unitKind int

const (
	unitNone unitKind = iota
	unitDisplay
	unitPercent
)

// variation is what distinguishes one entity from the others of the
// same array.
type variation struct {
	metric    Metric
	label     string
	object    string
	component string
	unit      unitKind
}

// variations are declared in unique id order.
var variations = []variation{
	{MetricState, "State", "state", ComponentSensor, unitNone},
	{MetricHealthy, "Healthy", "healthy", ComponentBinarySensor, unitNone},
	{MetricTotal, "Total Space", "total_space", ComponentSensor, unitDisplay},
	{MetricFree, "Free Space", "free_space", ComponentSensor, unitDisplay},
	{MetricFreePct, "Free Space Pct", "free_pct_space", ComponentSensor, unitPercent},
	{MetricUsed, "Used Space", "used_space", ComponentSensor, unitDisplay},
}

// Options holds the settings shared by every array.
type Options struct {
	DeviceName        string
	BaseTopic         string
	AutoconfTopic     string
	AvailabilityTopic string
	PayloadOnline     string
	PayloadOffline    string
	Icon              string
	// SWVersion and Manufacturer fill the device block; typically the
	// mdadm version and a host OS description.
	SWVersion    string
	Manufacturer string
}

// Entity is one discovery descriptor with its routing information.
type Entity struct {
	Metric      Metric
	Component   string
	ConfigTopic string
	Config      Descriptor
}

// Array is the discovery view of one configured RAID device.
type Array struct {
	Device   config.DeviceConfig
	Level    string
	NodeID   string
	BaseID   string
	Entities []Entity
}

// Topic returns the state topic of metric m, or "" if unknown.
func (a *Array) Topic(m Metric) string {
	for _, e := range a.Entities {
		if e.Metric == m {
			return e.Config.StateTopic
		}
	}
	return ""
}

// Builder derives discovery descriptors. All arrays built by one
// Builder draw their unique id offsets from the same [Sequence].
type Builder struct {
	opts Options
	seq  *Sequence
}

// NewBuilder creates a Builder. If seq is nil a fresh sequence is used.
func NewBuilder(opts Options, seq *Sequence) *Builder {
	if seq == nil {
		seq = NewSequence()
	}
	return &Builder{opts: opts, seq: seq}
}

// Build produces the descriptors of one array. level is the RAID level
// reported by mdadm and identity the raw block device attributes.
func (b *Builder) Build(dev config.DeviceConfig, level string, identity []byte) *Array {
	short := path.Base(dev.RaidDevice)
	nodeID := b.opts.DeviceName + "_" + level + "_" + short
	baseID := BaseID(identity)
	stateBase := b.opts.BaseTopic + "/" + nodeID
	displayName := capitalize(b.opts.DeviceName) + " " + capitalize(level) + " " + dev.RaidDevice

	offsets := make([]int, len(variations))
	for i := range variations {
		offsets[i] = b.seq.Next()
	}

	// The device identifier is anchored on the state entity's id.
	device := DeviceInfo{
		Identifiers:  []string{nodeID + "_" + UniqueID(baseID, offsets[0])},
		Name:         b.opts.DeviceName + "_" + level + "_dev_" + short,
		Model:        "mdadm",
		SWVersion:    b.opts.SWVersion,
		Manufacturer: b.opts.Manufacturer,
	}

	a := &Array{
		Device: dev,
		Level:  level,
		NodeID: nodeID,
		BaseID: baseID,
	}
	for i, v := range variations {
		d := Descriptor{
			Name:                displayName + " " + v.label,
			Platform:            "mqtt",
			UniqueID:            UniqueID(baseID, offsets[i]),
			ObjectID:            nodeID + "_" + string(v.metric),
			Icon:                b.opts.Icon,
			AvailabilityTopic:   b.opts.AvailabilityTopic,
			PayloadAvailable:    b.opts.PayloadOnline,
			PayloadNotAvailable: b.opts.PayloadOffline,
			StateTopic:          stateBase + "/" + string(v.metric),
			Device:              device,
			Model:               device.Model,
			SWVersion:           device.SWVersion,
			Manufacturer:        device.Manufacturer,
		}
		switch v.unit {
		case unitDisplay:
			d.UnitOfMeasurement = dev.DisplayUnit
		case unitPercent:
			d.UnitOfMeasurement = "%"
		}

		a.Entities = append(a.Entities, Entity{
			Metric:      v.metric,
			Component:   v.component,
			ConfigTopic: b.opts.AutoconfTopic + "/" + v.component + "/" + nodeID + "/" + v.object + "/config",
			Config:      d,
		})
	}
	return a
}

// Message is one state publish.
type Message struct {
	Topic   string
	Payload string
}

// StateMessages formats the current status and capacity of the array
// into one message per metric, in publish order.
func (a *Array) StateMessages(st mdadm.RaidStatus, c mdadm.CapacitySample) []Message {
	healthy := PayloadOff
	if st.Healthy() {
		healthy = PayloadOn
	}
	return []Message{
		{a.Topic(MetricState), st.State},
		{a.Topic(MetricHealthy), healthy},
		{a.Topic(MetricTotal), a.scaled(c.Total)},
		{a.Topic(MetricUsed), a.scaled(c.Used)},
		{a.Topic(MetricFree), a.scaled(c.Free)},
		{a.Topic(MetricFreePct), strconv.FormatFloat(c.FreePercent(), 'f', 1, 64)},
	}
}

// scaled converts bytes into the display unit with the configured
// number of decimal places.
func (a *Array) scaled(bytes uint64) string {
	return strconv.FormatFloat(float64(bytes)*a.Device.Multiplier, 'f', a.Device.DecimalPlaces, 64)
}

func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + strings.ToLower(s[size:])
}
