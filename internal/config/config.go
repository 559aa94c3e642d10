// Package config handles check-raid configuration loading.
package config

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"gopkg.in/yaml.v3"
)

// Availability topic placeholders. They are left untouched by
// environment expansion and resolved after defaults are applied.
const (
	placeholderBaseTopic  = "${base_topic}"
	placeholderDeviceName = "${device_name}"

	// HostnameDeviceName makes the device name default to the host name.
	HostnameDeviceName = "$HOSTNAME"
)

// Limits applied during normalization.
const (
	MinInterval  = 30
	MinKeepalive = 5
	MaxKeepalive = 3600
	MaxDecimals  = 4
)

// Hooks for the environment probes run during validation. Tests replace
// them to avoid depending on the host.
var (
	lookPath   = exec.LookPath
	hostname   = os.Hostname
	probeMount = func(path string) error {
		_, err := disk.Usage(path)
		return err
	}
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -c flag) is checked first.
// Then: ./config.yaml, ./config.json, ~/.config/check-raid/config.yaml,
// /etc/check-raid/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml", "config.json"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "check-raid", "config.yaml"))
	}

	paths = append(paths, "/etc/check-raid/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
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

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all check-raid configuration.
type Config struct {
	Sys       SysConfig      `yaml:"sys"`
	HASS      HASSConfig     `yaml:"hass"`
	MQTT      MQTTConfig     `yaml:"mqtt"`
	Devices   []DeviceConfig `yaml:"devices"`
	LogLevel  string         `yaml:"log_level"`
	LogFormat string         `yaml:"log_format"`
}

// SysConfig defines host-side settings.
type SysConfig struct {
	// DeviceName prefixes every topic and entity name. "$HOSTNAME"
	// resolves to the machine's host name.
	DeviceName string `yaml:"device_name"`
	// MdadmBin is the mdadm executable. Relative names are resolved
	// against PATH.
	MdadmBin string `yaml:"mdadm_bin"`
	// Sudo runs mdadm through SudoBin.
	Sudo    bool   `yaml:"sudo"`
	SudoBin string `yaml:"sudo_bin"`
	// Interval is the poll interval in seconds (minimum 30).
	Interval int `yaml:"interval"`
}

// PollInterval returns Interval as a duration.
func (s SysConfig) PollInterval() time.Duration {
	return time.Duration(s.Interval) * time.Second
}

// HASSConfig defines the Home Assistant topic layout.
type HASSConfig struct {
	AutoconfTopic     string `yaml:"autoconf_topic"`
	BaseTopic         string `yaml:"base_topic"`
	AvailabilityTopic string `yaml:"availability_topic"`
}

// MQTTConfig defines broker connection settings.
type MQTTConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	QoS       int    `yaml:"qos"`
	Keepalive int    `yaml:"keepalive"`
	Transport string `yaml:"transport"` // tcp or websockets
	TLS       bool   `yaml:"tls"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	ClientID  string `yaml:"client_id"`
	// Status holds the availability payloads as [offline, online].
	Status []string `yaml:"status"`
	Icon   string   `yaml:"icon"`
}

// OnlineStatus returns the availability payload announcing presence.
func (m MQTTConfig) OnlineStatus() string {
	return m.Status[1]
}

// OfflineStatus returns the availability payload announcing absence.
func (m MQTTConfig) OfflineStatus() string {
	return m.Status[0]
}

// HasUsername reports whether broker credentials are configured.
func (m MQTTConfig) HasUsername() bool {
	return m.Username != ""
}

// Account renders the credentials for log output with the password
// masked, or "Anonymous" when no username is set.
func (m MQTTConfig) Account() string {
	if !m.HasUsername() {
		return "Anonymous"
	}
	return m.Username + ":" + maskPassword(m.Password)
}

func maskPassword(p string) string {
	if p == "" {
		return "<None>"
	}
	return strings.Repeat("*", len(p))
}

// DeviceConfig describes one RAID array to monitor.
type DeviceConfig struct {
	RaidDevice    string `yaml:"raid_device"`
	MountPoint    string `yaml:"mount_point"`
	DisplayUnit   string `yaml:"display_unit"`
	DecimalPlaces int    `yaml:"display_decimal_places"`
	// Multiplier converts bytes into DisplayUnit. Derived during
	// validation.
	Multiplier float64 `yaml:"-"`
}

// UnmarshalYAML applies per-device defaults before decoding so that
// omitted fields keep their default values.
func (d *DeviceConfig) UnmarshalYAML(value *yaml.Node) error {
	type plain DeviceConfig
	p := plain{DisplayUnit: "TB", DecimalPlaces: 2}
	if err := value.Decode(&p); err != nil {
		return err
	}
	*d = DeviceConfig(p)
	return nil
}

// Load reads configuration from a YAML (or JSON) file on top of
// defaults. If defaults is nil, [Default] is used. The result is not
// validated; call [Config.Validate] before use.
func Load(path string, defaults *Config) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaults
	if cfg == nil {
		cfg = Default()
	}
	if err := yaml.Unmarshal([]byte(expandEnv(string(data))), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// expandEnv expands environment variables, keeping the topic and host
// name placeholders intact.
func expandEnv(s string) string {
	return os.Expand(s, func(key string) string {
		switch key {
		case "base_topic", "device_name":
			return "${" + key + "}"
		case "HOSTNAME":
			return HostnameDeviceName
		}
		return os.Getenv(key)
	})
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Sys: SysConfig{
			DeviceName: HostnameDeviceName,
			MdadmBin:   "mdadm",
			SudoBin:    "sudo",
			Interval:   900,
		},
		HASS: HASSConfig{
			AutoconfTopic:     "homeassistant",
			BaseTopic:         "home",
			AvailabilityTopic: placeholderBaseTopic + "/" + placeholderDeviceName + "-check-raid/status",
		},
		MQTT: MQTTConfig{
			Host:      "localhost",
			Port:      1883,
			QoS:       2,
			Keepalive: 60,
			Transport: "tcp",
			Status:    []string{"OFF", "ON"},
			Icon:      "mdi:harddisk",
		},
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Redacted returns a copy of the configuration with the broker
// password masked, suitable for printing.
func (c *Config) Redacted() *Config {
	cp := *c
	cp.Devices = append([]DeviceConfig(nil), c.Devices...)
	cp.MQTT.Status = append([]string(nil), c.MQTT.Status...)
	if cp.MQTT.Password != "" {
		cp.MQTT.Password = maskPassword(cp.MQTT.Password)
	}
	return &cp
}
