package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/wifiprov/internal/proto"
	"github.com/chaz8081/wifiprov/internal/wifi"
)

// PassphraseEnv overrides wifi.passphrase when set.
const PassphraseEnv = "WIFIPROV_PASSPHRASE"

// Config holds all application configuration.
type Config struct {
	LogLevel string        `yaml:"log_level"`
	BLE      BLEConfig     `yaml:"ble"`
	Wifi     WifiConfig    `yaml:"wifi"`
	SoftAP   SoftAPConfig  `yaml:"softap"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// BLEConfig holds Bluetooth transport settings.
type BLEConfig struct {
	AdapterPath     string        `yaml:"adapter_path"` // BlueZ object path, Linux only
	Preflight       bool          `yaml:"preflight"`    // check and power on the adapter before scanning
	ScanTimeout     time.Duration `yaml:"scan_timeout"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	ConnectRetries  int           `yaml:"connect_retries"`
	ReconnectMax    time.Duration `yaml:"reconnect_max"`
	ResponseTimeout time.Duration `yaml:"response_timeout"`
}

// WifiConfig holds the network to provision.
type WifiConfig struct {
	SSID           string        `yaml:"ssid"`
	Passphrase     string        `yaml:"passphrase"`
	BSSID          string        `yaml:"bssid"` // empty picks the strongest AP
	Band           string        `yaml:"band"`  // "", "2.4" or "5"
	Volatile       bool          `yaml:"volatile"`
	DerivePSK      bool          `yaml:"derive_psk"` // send the PBKDF2 key instead of the passphrase
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// SoftAPConfig holds SoftAP provisioning settings.
type SoftAPConfig struct {
	SSID             string        `yaml:"ssid"`
	Interface        string        `yaml:"interface"`
	Join             string        `yaml:"join"` // "networkmanager" or "manual"
	Service          string        `yaml:"service"`
	Domain           string        `yaml:"domain"`
	Instance         string        `yaml:"instance"`
	Host             string        `yaml:"host"`
	CertFile         string        `yaml:"cert_file"`
	Insecure         bool          `yaml:"insecure"`
	DiscoveryTimeout time.Duration `yaml:"discovery_timeout"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	VerifyTimeout    time.Duration `yaml:"verify_timeout"`
}

// MetricsConfig holds metrics output settings.
type MetricsConfig struct {
	Textfile string `yaml:"textfile"` // node-exporter textfile, written on exit
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "wifiprov")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		BLE: BLEConfig{
			AdapterPath:     "/org/bluez/hci0",
			Preflight:       true,
			ScanTimeout:     5 * time.Second,
			ConnectTimeout:  15 * time.Second,
			ConnectRetries:  2,
			ReconnectMax:    30 * time.Second,
			ResponseTimeout: 10 * time.Second,
		},
		Wifi: WifiConfig{
			ConnectTimeout: 60 * time.Second,
		},
		SoftAP: SoftAPConfig{
			SSID:             "nrf-wifiprov",
			Join:             "networkmanager",
			Service:          "_http._tcp",
			Domain:           "local.",
			Instance:         "wifiprov",
			Host:             "wifiprov.local",
			DiscoveryTimeout: 10 * time.Second,
			RequestTimeout:   10 * time.Second,
			VerifyTimeout:    60 * time.Second,
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in file paths is expanded to the user's home
// directory, and PassphraseEnv overrides the stored passphrase.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.SoftAP.CertFile = expandTilde(cfg.SoftAP.CertFile)
	cfg.Metrics.Textfile = expandTilde(cfg.Metrics.Textfile)
	cfg.applyEnv()

	return cfg, nil
}

// LoadOrDefault loads path, falling back to defaults when the file does not
// exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg = Default()
		cfg.applyEnv()
		return cfg, nil
	}
	return cfg, err
}

func (c *Config) applyEnv() {
	if v, ok := os.LookupEnv(PassphraseEnv); ok {
		c.Wifi.Passphrase = v
	}
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	if c.BLE.ScanTimeout <= 0 {
		return fmt.Errorf("ble.scan_timeout must be > 0")
	}
	if c.BLE.ConnectTimeout <= 0 {
		return fmt.Errorf("ble.connect_timeout must be > 0")
	}
	if c.BLE.ConnectRetries < 0 {
		return fmt.Errorf("ble.connect_retries must be >= 0, got %d", c.BLE.ConnectRetries)
	}
	if c.BLE.ResponseTimeout <= 0 {
		return fmt.Errorf("ble.response_timeout must be > 0")
	}

	if _, err := proto.ParseBand(c.Wifi.Band); err != nil {
		return fmt.Errorf("wifi.band: %w", err)
	}
	if c.Wifi.BSSID != "" {
		if _, err := wifi.ParseMAC(c.Wifi.BSSID); err != nil {
			return fmt.Errorf("wifi.bssid: %w", err)
		}
	}
	if c.Wifi.ConnectTimeout <= 0 {
		return fmt.Errorf("wifi.connect_timeout must be > 0")
	}

	switch c.SoftAP.Join {
	case "networkmanager", "manual":
	default:
		return fmt.Errorf("softap.join must be \"networkmanager\" or \"manual\", got %q", c.SoftAP.Join)
	}
	if c.SoftAP.Service == "" || c.SoftAP.Instance == "" {
		return fmt.Errorf("softap.service and softap.instance must not be empty")
	}
	if c.SoftAP.DiscoveryTimeout <= 0 || c.SoftAP.RequestTimeout <= 0 || c.SoftAP.VerifyTimeout <= 0 {
		return fmt.Errorf("softap timeouts must be > 0")
	}
	if c.SoftAP.CertFile != "" && c.SoftAP.Insecure {
		return fmt.Errorf("softap.cert_file and softap.insecure are mutually exclusive")
	}

	return nil
}

// SlogLevel returns the slog level for LogLevel. Unknown values map to info.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

const defaultHeader = `# wifiprov configuration
# Durations use Go syntax (5s, 1m30s). The passphrase can be left empty and
# supplied through the WIFIPROV_PASSPHRASE environment variable.

`

// WriteDefault writes the default config to DefaultConfigPath if no file
// exists there. It returns the path written, or "" if a config was already
// present.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0o600); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
