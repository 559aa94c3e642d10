package config

import (
	"errors"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// stubEnvironment replaces the host probes for the duration of a test.
func stubEnvironment(t *testing.T) {
	t.Helper()
	origLook, origHost, origProbe := lookPath, hostname, probeMount
	lookPath = func(name string) (string, error) { return "/usr/sbin/" + name, nil }
	hostname = func() (string, error) { return "nas", nil }
	probeMount = func(string) error { return nil }
	t.Cleanup(func() {
		lookPath, hostname, probeMount = origLook, origHost, origProbe
	})
}

func validConfig() *Config {
	cfg := Default()
	cfg.Devices = []DeviceConfig{{RaidDevice: "/dev/md0", MountPoint: "/mnt/raid", DisplayUnit: "TB", DecimalPlaces: 2}}
	return cfg
}

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("sys:\n  interval: 60\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWDJSON(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "config.json"), []byte("{}"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.json" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.json")
	}
}

func TestLoad_JSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	os.WriteFile(path, []byte(`{
  "mqtt": {"host": "broker.lan", "username": "ha", "password": "pw"},
  "devices": [{"raid_device": "/dev/md1", "mount_point": "/srv"}]
}`), 0600)

	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.MQTT.Host != "broker.lan" {
		t.Errorf("host = %q, want %q", cfg.MQTT.Host, "broker.lan")
	}
	// Unset keys keep their defaults.
	if cfg.MQTT.Port != 1883 {
		t.Errorf("port = %d, want 1883", cfg.MQTT.Port)
	}
	if len(cfg.Devices) != 1 {
		t.Fatalf("devices = %d, want 1", len(cfg.Devices))
	}
	d := cfg.Devices[0]
	if d.DisplayUnit != "TB" || d.DecimalPlaces != 2 {
		t.Errorf("device defaults = %q/%d, want TB/2", d.DisplayUnit, d.DecimalPlaces)
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("mqtt:\n  password: ${CHECK_RAID_TEST_PW}\nhass:\n  availability_topic: ${base_topic}/${device_name}/avail\n"), 0600)
	t.Setenv("CHECK_RAID_TEST_PW", "secret123")

	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.MQTT.Password != "secret123" {
		t.Errorf("password = %q, want %q", cfg.MQTT.Password, "secret123")
	}
	if cfg.HASS.AvailabilityTopic != "${base_topic}/${device_name}/avail" {
		t.Errorf("availability_topic = %q, placeholders should survive expansion", cfg.HASS.AvailabilityTopic)
	}
}

func TestLoad_HostnamePlaceholder(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("sys:\n  device_name: $HOSTNAME\n"), 0600)
	t.Setenv("HOSTNAME", "")

	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Sys.DeviceName != HostnameDeviceName {
		t.Errorf("device_name = %q, want %q", cfg.Sys.DeviceName, HostnameDeviceName)
	}
}

func TestLoad_CustomDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("mqtt:\n  host: h\n"), 0600)

	base := Default()
	base.Sys.Interval = 120
	cfg, err := Load(path, base)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Sys.Interval != 120 {
		t.Errorf("interval = %d, want 120", cfg.Sys.Interval)
	}
}

func TestValidate_Normalizes(t *testing.T) {
	stubEnvironment(t)

	cfg := validConfig()
	cfg.Sys.Interval = 5
	cfg.MQTT.Keepalive = 99999
	cfg.Devices[0].DisplayUnit = "gb"
	cfg.Devices[0].DecimalPlaces = 9

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if cfg.Sys.DeviceName != "nas" {
		t.Errorf("device_name = %q, want %q", cfg.Sys.DeviceName, "nas")
	}
	if cfg.Sys.Interval != MinInterval {
		t.Errorf("interval = %d, want %d", cfg.Sys.Interval, MinInterval)
	}
	if cfg.MQTT.Keepalive != MaxKeepalive {
		t.Errorf("keepalive = %d, want %d", cfg.MQTT.Keepalive, MaxKeepalive)
	}
	if cfg.Sys.MdadmBin != "/usr/sbin/mdadm" {
		t.Errorf("mdadm_bin = %q, want resolved path", cfg.Sys.MdadmBin)
	}
	if want := "home/nas-check-raid/status"; cfg.HASS.AvailabilityTopic != want {
		t.Errorf("availability_topic = %q, want %q", cfg.HASS.AvailabilityTopic, want)
	}

	d := cfg.Devices[0]
	if d.DisplayUnit != "GB" {
		t.Errorf("unit = %q, want GB", d.DisplayUnit)
	}
	if d.DecimalPlaces != MaxDecimals {
		t.Errorf("decimal places = %d, want %d", d.DecimalPlaces, MaxDecimals)
	}
	if want := 1.0 / (1 << 30); d.Multiplier != want {
		t.Errorf("multiplier = %v, want %v", d.Multiplier, want)
	}
}

func TestValidate_KeepaliveLowerBound(t *testing.T) {
	stubEnvironment(t)

	cfg := validConfig()
	cfg.MQTT.Keepalive = 1
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if cfg.MQTT.Keepalive != MinKeepalive {
		t.Errorf("keepalive = %d, want %d", cfg.MQTT.Keepalive, MinKeepalive)
	}
}

func TestValidate_MultiplierAndDecimals(t *testing.T) {
	stubEnvironment(t)

	for _, unit := range []string{"B", "KB", "MB", "GB", "TB", "tb"} {
		for _, dp := range []int{-3, 0, 2, 4, 17} {
			cfg := validConfig()
			cfg.Devices[0].DisplayUnit = unit
			cfg.Devices[0].DecimalPlaces = dp
			if err := cfg.Validate(); err != nil {
				t.Fatalf("Validate(%s, %d) error = %v", unit, dp, err)
			}
			d := cfg.Devices[0]
			if !(d.Multiplier > 0) || math.IsInf(d.Multiplier, 0) {
				t.Errorf("unit %s: multiplier = %v, want positive", unit, d.Multiplier)
			}
			if d.DecimalPlaces < 0 || d.DecimalPlaces > MaxDecimals {
				t.Errorf("unit %s dp %d: decimal places = %d, want within [0,%d]", unit, dp, d.DecimalPlaces, MaxDecimals)
			}
		}
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"no devices", func(c *Config) { c.Devices = nil }, "devices"},
		{"missing raid device", func(c *Config) { c.Devices[0].RaidDevice = "" }, "devices[0]"},
		{"missing mount point", func(c *Config) { c.Devices[0].MountPoint = "" }, "devices[0]"},
		{"bad unit", func(c *Config) { c.Devices[0].DisplayUnit = "PB" }, "devices[0]"},
		{"bad qos", func(c *Config) { c.MQTT.QoS = 3 }, "mqtt.qos"},
		{"negative qos", func(c *Config) { c.MQTT.QoS = -1 }, "mqtt.qos"},
		{"bad port", func(c *Config) { c.MQTT.Port = 70000 }, "mqtt.port"},
		{"no host", func(c *Config) { c.MQTT.Host = "" }, "mqtt.host"},
		{"bad transport", func(c *Config) { c.MQTT.Transport = "udp" }, "mqtt.transport"},
		{"bad status", func(c *Config) { c.MQTT.Status = []string{"ON"} }, "mqtt.status"},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, "log_level"},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "log_format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stubEnvironment(t)
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			var cerr *ConfigurationError
			if !errors.As(err, &cerr) {
				t.Fatalf("Validate() error = %v, want *ConfigurationError", err)
			}
			if cerr.Field != tt.field {
				t.Errorf("Field = %q, want %q", cerr.Field, tt.field)
			}
		})
	}
}

func TestValidate_UnreachableMountPoint(t *testing.T) {
	stubEnvironment(t)
	cause := errors.New("no such file or directory")
	probeMount = func(string) error { return cause }

	err := validConfig().Validate()
	if !errors.Is(err, cause) {
		t.Fatalf("Validate() error = %v, want wrapped %v", err, cause)
	}
	if !strings.Contains(err.Error(), "/mnt/raid") {
		t.Errorf("error %q should name the mount point", err)
	}
}

func TestValidate_MissingMdadm(t *testing.T) {
	stubEnvironment(t)
	lookPath = func(string) (string, error) { return "", errors.New("not found") }

	var cerr *ConfigurationError
	if err := validConfig().Validate(); !errors.As(err, &cerr) || cerr.Field != "sys.mdadm_bin" {
		t.Fatalf("Validate() error = %v, want sys.mdadm_bin error", err)
	}
}

func TestMQTTConfig_Account(t *testing.T) {
	tests := []struct {
		name string
		cfg  MQTTConfig
		want string
	}{
		{"anonymous", MQTTConfig{}, "Anonymous"},
		{"with password", MQTTConfig{Username: "ha", Password: "abc"}, "ha:***"},
		{"no password", MQTTConfig{Username: "ha"}, "ha:<None>"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.Account(); got != tt.want {
				t.Errorf("Account() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRedacted(t *testing.T) {
	cfg := validConfig()
	cfg.MQTT.Password = "hunter2"

	r := cfg.Redacted()
	if r.MQTT.Password != "*******" {
		t.Errorf("redacted password = %q", r.MQTT.Password)
	}
	if cfg.MQTT.Password != "hunter2" {
		t.Error("Redacted() must not modify the original")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"TRACE", LevelTrace},
		{" debug ", slog.LevelDebug},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if err != nil {
			t.Errorf("ParseLogLevel(%q) error = %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
	if _, err := ParseLogLevel("verbose"); err == nil {
		t.Error("ParseLogLevel(\"verbose\") should error")
	}
}
