package config

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ConfigurationError reports a missing or invalid configuration value.
// It is fatal at startup.
type ConfigurationError struct {
	Field string
	Msg   string
	Err   error
}

// Error implements the error interface.
func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "invalid configuration: " + e.Msg
	}
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Msg)
}

// Unwrap returns the underlying cause, if any.
func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

func invalid(field, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// unitScale maps display units to their size in bytes.
var unitScale = map[string]float64{
	"B":  1,
	"KB": 1 << 10,
	"MB": 1 << 20,
	"GB": 1 << 30,
	"TB": 1 << 40,
}

// Validate checks the configuration and normalizes it in place: device
// defaults and multipliers, clamped keepalive, interval and decimal
// places, resolved device name, availability topic and binary paths.
// It returns a *ConfigurationError for the first problem found.
func (c *Config) Validate() error {
	if err := c.validateSys(); err != nil {
		return err
	}
	if err := c.validateMQTT(); err != nil {
		return err
	}
	if err := c.validateDevices(); err != nil {
		return err
	}

	s := c.HASS.AvailabilityTopic
	s = strings.ReplaceAll(s, placeholderBaseTopic, c.HASS.BaseTopic)
	s = strings.ReplaceAll(s, placeholderDeviceName, c.Sys.DeviceName)
	c.HASS.AvailabilityTopic = s

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return &ConfigurationError{Field: "log_level", Msg: err.Error(), Err: err}
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return invalid("log_format", "unknown log format %q (valid: text, json)", c.LogFormat)
	}
	return nil
}

func (c *Config) validateSys() error {
	if c.Sys.DeviceName == "" || c.Sys.DeviceName == HostnameDeviceName {
		name, err := hostname()
		if err != nil {
			return &ConfigurationError{Field: "sys.device_name", Msg: "cannot resolve host name", Err: err}
		}
		c.Sys.DeviceName = name
	}

	c.Sys.Interval = max(MinInterval, c.Sys.Interval)

	if c.Sys.MdadmBin == "" {
		return invalid("sys.mdadm_bin", "must not be empty")
	}
	if !filepath.IsAbs(c.Sys.MdadmBin) {
		p, err := lookPath(c.Sys.MdadmBin)
		if err != nil {
			return &ConfigurationError{Field: "sys.mdadm_bin", Msg: fmt.Sprintf("%s not found", c.Sys.MdadmBin), Err: err}
		}
		c.Sys.MdadmBin = p
	}

	if c.Sys.Sudo {
		if c.Sys.SudoBin == "" {
			c.Sys.SudoBin = "sudo"
		}
		p, err := lookPath(c.Sys.SudoBin)
		if err != nil {
			return &ConfigurationError{Field: "sys.sudo_bin", Msg: fmt.Sprintf("%s not found", c.Sys.SudoBin), Err: err}
		}
		c.Sys.SudoBin = p
	}
	return nil
}

func (c *Config) validateMQTT() error {
	m := &c.MQTT
	if m.Host == "" {
		return invalid("mqtt.host", "must not be empty")
	}
	if m.Port < 1 || m.Port > 65535 {
		return invalid("mqtt.port", "invalid port %d", m.Port)
	}
	if m.QoS < 0 || m.QoS > 2 {
		return invalid("mqtt.qos", "invalid QoS value: %d", m.QoS)
	}
	m.Keepalive = min(MaxKeepalive, max(MinKeepalive, m.Keepalive))

	switch m.Transport {
	case "":
		m.Transport = "tcp"
	case "tcp", "websockets":
	default:
		return invalid("mqtt.transport", "unknown transport %q (valid: tcp, websockets)", m.Transport)
	}

	if len(m.Status) != 2 {
		return invalid("mqtt.status", "expected [offline, online], got %d entries", len(m.Status))
	}
	if m.Status[0] == m.Status[1] {
		return invalid("mqtt.status", "offline and online payloads must differ")
	}
	return nil
}

func (c *Config) validateDevices() error {
	if len(c.Devices) == 0 {
		return invalid("devices", "no devices configured")
	}

	for i := range c.Devices {
		d := &c.Devices[i]
		field := fmt.Sprintf("devices[%d]", i)
		if d.RaidDevice == "" {
			return invalid(field, "raid_device missing for device #%d", i)
		}
		if d.MountPoint == "" {
			return invalid(field, "mount_point missing for device #%d", i)
		}
		if err := probeMount(d.MountPoint); err != nil {
			return &ConfigurationError{
				Field: field,
				Msg:   "cannot find mount point: " + d.MountPoint,
				Err:   err,
			}
		}

		unit := strings.ToUpper(strings.TrimSpace(d.DisplayUnit))
		scale, ok := unitScale[unit]
		if !ok {
			return invalid(field, "invalid unit %s for device %s", d.DisplayUnit, d.RaidDevice)
		}
		d.DisplayUnit = unit
		d.Multiplier = 1 / scale
		d.DecimalPlaces = min(MaxDecimals, max(0, d.DecimalPlaces))
	}
	return nil
}
