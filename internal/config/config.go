package config

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	_ "time/tzdata" // timezone validation on hosts without zoneinfo

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/vitals-bridge/internal/ble"
	"github.com/chaz8081/vitals-bridge/internal/ble/crypto"
	"github.com/chaz8081/vitals-bridge/internal/failure"
	"github.com/chaz8081/vitals-bridge/internal/family"
)

// Config holds all application configuration.
type Config struct {
	LogLevel  string          `yaml:"log_level"`
	BLE       BLEConfig       `yaml:"ble"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Sink      SinkConfig      `yaml:"sink"`
	Devices   []Device        `yaml:"devices"`
}

// BLEConfig holds radio and session timing.
type BLEConfig struct {
	ConnectTimeout       time.Duration `yaml:"connect_timeout"`
	OperationTimeout     time.Duration `yaml:"operation_timeout"`
	AdvertisementTimeout time.Duration `yaml:"advertisement_timeout"`
	MaxConnections       int           `yaml:"max_connections"` // simultaneous links the radio may hold
}

// SchedulerConfig holds retry policy.
type SchedulerConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"` // transient failures retried per cycle
	BackoffMax        time.Duration `yaml:"backoff_max"`
	Cooldown          time.Duration `yaml:"cooldown"` // pause after a cycle gives up
	SinkRetryAttempts int           `yaml:"sink_retry_attempts"`
}

// SinkConfig holds the InfluxDB v2 connection.
type SinkConfig struct {
	URL     string        `yaml:"url"`
	Token   string        `yaml:"token"`
	Org     string        `yaml:"org"`
	Bucket  string        `yaml:"bucket"`
	Timeout time.Duration `yaml:"timeout"`
}

// Device is one configured peripheral.
type Device struct {
	ID               string        `yaml:"id"`
	Driver           family.Kind   `yaml:"driver"`
	Address          string        `yaml:"address"`
	Secret           Secret        `yaml:"secret"`
	SecretPassphrase string        `yaml:"secret_passphrase"`
	Timezone         string        `yaml:"timezone"`
	PostReadSleep    time.Duration `yaml:"post_read_sleep"`
	Measurement      string        `yaml:"measurement"`

	// Resolved by Validate.
	location *time.Location
	key      []byte
}

// Location returns the device's resolved time zone, UTC before Validate.
func (d Device) Location() *time.Location {
	if d.location == nil {
		return time.UTC
	}
	return d.location
}

// Key returns the device secret, from either secret or secret_passphrase.
// It is nil for families without a secret.
func (d Device) Key() []byte {
	return d.key
}

// Secret is a device secret written as hex in YAML.
type Secret []byte

func (s *Secret) UnmarshalYAML(value *yaml.Node) error {
	var text string
	if err := value.Decode(&text); err != nil {
		return err
	}
	text = strings.ReplaceAll(strings.TrimSpace(text), ":", "")
	b, err := hex.DecodeString(text)
	if err != nil {
		return fmt.Errorf("line %d: secret must be hex: %w", value.Line, err)
	}
	*s = b
	return nil
}

var macPattern = regexp.MustCompile(`^([0-9A-Fa-f]{2}:){5}[0-9A-Fa-f]{2}$`)

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "vitals-bridge")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values and no devices.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		BLE: BLEConfig{
			ConnectTimeout:       30 * time.Second,
			OperationTimeout:     10 * time.Second,
			AdvertisementTimeout: 10 * time.Minute,
			MaxConnections:       1,
		},
		Scheduler: SchedulerConfig{
			RetryAttempts:     3,
			BackoffMax:        30 * time.Second,
			Cooldown:          time.Minute,
			SinkRetryAttempts: 5,
		},
		Sink: SinkConfig{
			URL:     "http://localhost:8086",
			Timeout: 10 * time.Second,
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled with
// defaults and unknown fields are rejected. The result is not validated.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML config data on top of Default.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing config file: %v: %w", err, failure.ErrConfig)
	}
	return cfg, nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("config: "+format+": %w", append(args, failure.ErrConfig)...)
}

// Validate checks the config for invalid values and resolves each device's
// time zone and secret. Every error wraps failure.ErrConfig.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return invalid("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	if c.BLE.ConnectTimeout <= 0 {
		return invalid("ble.connect_timeout must be > 0")
	}
	if c.BLE.OperationTimeout <= 0 {
		return invalid("ble.operation_timeout must be > 0")
	}
	if c.BLE.AdvertisementTimeout <= 0 {
		return invalid("ble.advertisement_timeout must be > 0")
	}
	if c.BLE.MaxConnections < 1 {
		return invalid("ble.max_connections must be >= 1")
	}

	if c.Scheduler.RetryAttempts < 0 {
		return invalid("scheduler.retry_attempts must be >= 0")
	}
	if c.Scheduler.BackoffMax < time.Second {
		return invalid("scheduler.backoff_max must be at least 1s")
	}
	if c.Scheduler.Cooldown < 0 {
		return invalid("scheduler.cooldown must be >= 0")
	}
	if c.Scheduler.SinkRetryAttempts < 0 {
		return invalid("scheduler.sink_retry_attempts must be >= 0")
	}

	if c.Sink.URL == "" {
		return invalid("sink.url must not be empty")
	}
	if c.Sink.Org == "" {
		return invalid("sink.org must not be empty")
	}
	if c.Sink.Bucket == "" {
		return invalid("sink.bucket must not be empty")
	}
	if c.Sink.Timeout <= 0 {
		return invalid("sink.timeout must be > 0")
	}

	if len(c.Devices) == 0 {
		return invalid("devices must not be empty")
	}
	ids := make(map[string]bool, len(c.Devices))
	addrs := make(map[string]string, len(c.Devices))
	for i := range c.Devices {
		d := &c.Devices[i]
		if err := d.validate(i); err != nil {
			return err
		}
		if ids[d.ID] {
			return invalid("devices[%d]: duplicate id %q", i, d.ID)
		}
		ids[d.ID] = true
		addr := ble.NormalizeAddress(d.Address)
		if other, ok := addrs[addr]; ok {
			return invalid("devices[%d] (%s): address %s already used by %s", i, d.ID, d.Address, other)
		}
		addrs[addr] = d.ID
	}
	return nil
}

func (d *Device) validate(i int) error {
	if d.ID == "" {
		return invalid("devices[%d].id must not be empty", i)
	}
	info, err := family.Lookup(d.Driver)
	if err != nil {
		return invalid("devices[%d] (%s): %v", i, d.ID, err)
	}
	if !macPattern.MatchString(strings.TrimSpace(d.Address)) {
		return invalid("devices[%d] (%s): address %q is not a MAC address", i, d.ID, d.Address)
	}
	if d.Measurement == "" {
		return invalid("devices[%d] (%s): measurement must not be empty", i, d.ID)
	}
	if d.PostReadSleep < 0 {
		return invalid("devices[%d] (%s): post_read_sleep must be >= 0", i, d.ID)
	}

	if d.Timezone == "" {
		return invalid("devices[%d] (%s): timezone must not be empty", i, d.ID)
	}
	loc, err := time.LoadLocation(d.Timezone)
	if err != nil {
		return invalid("devices[%d] (%s): timezone %q: %v", i, d.ID, d.Timezone, err)
	}
	d.location = loc

	hasSecret := len(d.Secret) > 0
	hasPhrase := d.SecretPassphrase != ""
	switch {
	case hasSecret && hasPhrase:
		return invalid("devices[%d] (%s): secret and secret_passphrase are mutually exclusive", i, d.ID)
	case !info.RequiresSecret && (hasSecret || hasPhrase):
		return invalid("devices[%d] (%s): driver %s does not use a secret", i, d.ID, d.Driver)
	case info.RequiresSecret && !hasSecret && !hasPhrase:
		return invalid("devices[%d] (%s): driver %s requires a secret", i, d.ID, d.Driver)
	case hasSecret:
		if len(d.Secret) != family.SecretLen {
			return invalid("devices[%d] (%s): secret must be %d bytes, got %d", i, d.ID, family.SecretLen, len(d.Secret))
		}
		d.key = append([]byte(nil), d.Secret...)
	case hasPhrase:
		key, err := crypto.DeriveSecret(d.SecretPassphrase, ble.NormalizeAddress(d.Address))
		if err != nil {
			return invalid("devices[%d] (%s): %v", i, d.ID, err)
		}
		d.key = key
	}
	return nil
}

// Device returns the device with the given id.
func (c *Config) Device(id string) (Device, bool) {
	for _, d := range c.Devices {
		if d.ID == id {
			return d, true
		}
	}
	return Device{}, false
}

const defaultTemplate = `# vitals-bridge configuration
# Devices are polled independently; readings are written to InfluxDB v2.

log_level: info

ble:
  connect_timeout: 30s
  operation_timeout: 10s
  advertisement_timeout: 10m
  max_connections: 1

scheduler:
  retry_attempts: 3
  backoff_max: 30s
  cooldown: 1m
  sink_retry_attempts: 5

sink:
  url: http://localhost:8086
  token: ""
  org: home
  bucket: health
  timeout: 10s

devices:
  # Run "vitals-bridge scan" to find device addresses.
  - id: bp
    driver: omron_hem_7361t
    address: "00:00:00:00:00:00"
    # 16 bytes of hex, or use secret_passphrase instead.
    secret: "000102030405060708090a0b0c0d0e0f"
    timezone: Europe/Budapest
    post_read_sleep: 1h
    measurement: blood_pressure
  - id: scale
    driver: omron_hn_300t2
    address: "00:00:00:00:00:01"
    timezone: Europe/Budapest # IANA zone the device clock is set to
    measurement: weight
`

// WriteDefault writes an example config to DefaultConfigPath. It returns the
// path written, or "" if a config file already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(defaultTemplate), 0o600); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}
