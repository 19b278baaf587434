package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return cfgPath
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if cfg.BLE.ScanTimeout != 5*time.Second {
		t.Errorf("BLE.ScanTimeout = %v, want 5s", cfg.BLE.ScanTimeout)
	}
	if cfg.BLE.ConnectRetries != 2 {
		t.Errorf("BLE.ConnectRetries = %d, want 2", cfg.BLE.ConnectRetries)
	}
	if cfg.Wifi.ConnectTimeout != time.Minute {
		t.Errorf("Wifi.ConnectTimeout = %v, want 1m", cfg.Wifi.ConnectTimeout)
	}
	if cfg.SoftAP.SSID != "nrf-wifiprov" {
		t.Errorf("SoftAP.SSID = %q, want %q", cfg.SoftAP.SSID, "nrf-wifiprov")
	}
	if cfg.SoftAP.Service != "_http._tcp" || cfg.SoftAP.Domain != "local." {
		t.Errorf("SoftAP service = %q in %q, want _http._tcp in local.", cfg.SoftAP.Service, cfg.SoftAP.Domain)
	}
	if cfg.SoftAP.Host != "wifiprov.local" {
		t.Errorf("SoftAP.Host = %q, want %q", cfg.SoftAP.Host, "wifiprov.local")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default().Validate() error = %v", err)
	}
}

func TestLoad(t *testing.T) {
	t.Setenv(PassphraseEnv, "")
	os.Unsetenv(PassphraseEnv)

	cfgPath := writeConfig(t, `
log_level: debug
ble:
  scan_timeout: 8s
  connect_retries: 5
  response_timeout: 2500ms
wifi:
  ssid: home
  passphrase: hunter2hunter2
  bssid: "aa:bb:cc:dd:ee:ff"
  band: "5"
  volatile: true
  derive_psk: true
  connect_timeout: 1m30s
softap:
  join: manual
  cert_file: /etc/wifiprov/device.pem
  verify_timeout: 2m
metrics:
  textfile: /var/lib/node_exporter/wifiprov.prom
`)

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
	if cfg.BLE.ScanTimeout != 8*time.Second {
		t.Errorf("BLE.ScanTimeout = %v, want 8s", cfg.BLE.ScanTimeout)
	}
	if cfg.BLE.ConnectRetries != 5 {
		t.Errorf("BLE.ConnectRetries = %d, want 5", cfg.BLE.ConnectRetries)
	}
	if cfg.BLE.ResponseTimeout != 2500*time.Millisecond {
		t.Errorf("BLE.ResponseTimeout = %v, want 2.5s", cfg.BLE.ResponseTimeout)
	}
	if cfg.BLE.ConnectTimeout != 15*time.Second {
		t.Errorf("BLE.ConnectTimeout = %v, want default 15s", cfg.BLE.ConnectTimeout)
	}
	if cfg.Wifi.SSID != "home" || cfg.Wifi.Passphrase != "hunter2hunter2" {
		t.Errorf("Wifi = %+v", cfg.Wifi)
	}
	if !cfg.Wifi.Volatile || !cfg.Wifi.DerivePSK {
		t.Errorf("Wifi.Volatile = %v, Wifi.DerivePSK = %v, want both true", cfg.Wifi.Volatile, cfg.Wifi.DerivePSK)
	}
	if cfg.Wifi.ConnectTimeout != 90*time.Second {
		t.Errorf("Wifi.ConnectTimeout = %v, want 1m30s", cfg.Wifi.ConnectTimeout)
	}
	if cfg.SoftAP.Join != "manual" {
		t.Errorf("SoftAP.Join = %q, want %q", cfg.SoftAP.Join, "manual")
	}
	if cfg.SoftAP.VerifyTimeout != 2*time.Minute {
		t.Errorf("SoftAP.VerifyTimeout = %v, want 2m", cfg.SoftAP.VerifyTimeout)
	}
	if cfg.SoftAP.SSID != "nrf-wifiprov" {
		t.Errorf("SoftAP.SSID = %q, want default", cfg.SoftAP.SSID)
	}
	if cfg.Metrics.Textfile != "/var/lib/node_exporter/wifiprov.prom" {
		t.Errorf("Metrics.Textfile = %q", cfg.Metrics.Textfile)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoadExpandsTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("cannot determine home directory")
	}

	cfgPath := writeConfig(t, `
softap:
  cert_file: ~/certs/device.pem
metrics:
  textfile: ~/metrics/wifiprov.prom
`)

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if want := filepath.Join(home, "certs/device.pem"); cfg.SoftAP.CertFile != want {
		t.Errorf("SoftAP.CertFile = %q, want %q", cfg.SoftAP.CertFile, want)
	}
	if want := filepath.Join(home, "metrics/wifiprov.prom"); cfg.Metrics.Textfile != want {
		t.Errorf("Metrics.Textfile = %q, want %q", cfg.Metrics.Textfile, want)
	}
}

func TestLoadPassphraseFromEnv(t *testing.T) {
	t.Setenv(PassphraseEnv, "from-environment")

	cfg, err := Load(writeConfig(t, "wifi:\n  passphrase: from-file\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Wifi.Passphrase != "from-environment" {
		t.Errorf("Wifi.Passphrase = %q, want %q", cfg.Wifi.Passphrase, "from-environment")
	}
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("Load() should return error for nonexistent file")
	}
}

func TestLoadOrDefault(t *testing.T) {
	t.Setenv(PassphraseEnv, "secret-from-env")

	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if cfg.SoftAP.Instance != "wifiprov" {
		t.Errorf("SoftAP.Instance = %q, want default", cfg.SoftAP.Instance)
	}
	if cfg.Wifi.Passphrase != "secret-from-env" {
		t.Errorf("Wifi.Passphrase = %q, want env value", cfg.Wifi.Passphrase)
	}

	if _, err := LoadOrDefault(writeConfig(t, "ble: [")); err == nil {
		t.Error("LoadOrDefault() should report a malformed file")
	}
}

func TestLoadInvalidDuration(t *testing.T) {
	if _, err := Load(writeConfig(t, "ble:\n  scan_timeout: soon\n")); err == nil {
		t.Error("Load() should fail for an unparseable duration")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "invalid log level",
			modify:  func(c *Config) { c.LogLevel = "invalid" },
			wantErr: true,
		},
		{
			name:    "zero scan timeout",
			modify:  func(c *Config) { c.BLE.ScanTimeout = 0 },
			wantErr: true,
		},
		{
			name:    "negative connect retries",
			modify:  func(c *Config) { c.BLE.ConnectRetries = -1 },
			wantErr: true,
		},
		{
			name:    "zero response timeout",
			modify:  func(c *Config) { c.BLE.ResponseTimeout = 0 },
			wantErr: true,
		},
		{
			name:    "unknown band",
			modify:  func(c *Config) { c.Wifi.Band = "6GHz" },
			wantErr: true,
		},
		{
			name:    "5 GHz band",
			modify:  func(c *Config) { c.Wifi.Band = "5GHz" },
			wantErr: false,
		},
		{
			name:    "malformed bssid",
			modify:  func(c *Config) { c.Wifi.BSSID = "aa:bb:cc" },
			wantErr: true,
		},
		{
			name:    "zero wifi connect timeout",
			modify:  func(c *Config) { c.Wifi.ConnectTimeout = 0 },
			wantErr: true,
		},
		{
			name:    "invalid join method",
			modify:  func(c *Config) { c.SoftAP.Join = "wpa_cli" },
			wantErr: true,
		},
		{
			name:    "empty mdns instance",
			modify:  func(c *Config) { c.SoftAP.Instance = "" },
			wantErr: true,
		},
		{
			name:    "zero verify timeout",
			modify:  func(c *Config) { c.SoftAP.VerifyTimeout = 0 },
			wantErr: true,
		},
		{
			name: "pinned and insecure",
			modify: func(c *Config) {
				c.SoftAP.CertFile = "/tmp/device.pem"
				c.SoftAP.Insecure = true
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		cfg := &Config{LogLevel: tt.level}
		if got := cfg.SlogLevel(); got != tt.want {
			t.Errorf("SlogLevel(%q) = %v, want %v", tt.level, got, tt.want)
		}
	}
}

func TestWriteDefault_CreatesFile(t *testing.T) {
	// Use a temp dir as fake home to avoid touching real config
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}

	expectedPath := filepath.Join(tmpHome, ".config", "wifiprov", "config.yaml")
	if path != expectedPath {
		t.Errorf("WriteDefault() path = %q, want %q", path, expectedPath)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read written config: %v", err)
	}
	if !strings.HasPrefix(string(data), "# wifiprov") {
		t.Error("written config should start with header comment")
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("written config is not valid YAML: %v", err)
	}
	if cfg.BLE.ResponseTimeout != 10*time.Second {
		t.Errorf("written config BLE.ResponseTimeout = %v, want 10s", cfg.BLE.ResponseTimeout)
	}
	if cfg.SoftAP.Join != "networkmanager" {
		t.Errorf("written config SoftAP.Join = %q, want %q", cfg.SoftAP.Join, "networkmanager")
	}
}

func TestWriteDefault_NoOpIfExists(t *testing.T) {
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	configDir := filepath.Join(tmpHome, ".config", "wifiprov")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("failed to create config dir: %v", err)
	}
	existingContent := []byte("wifi:\n  ssid: custom\n")
	configPath := filepath.Join(configDir, "config.yaml")
	if err := os.WriteFile(configPath, existingContent, 0644); err != nil {
		t.Fatalf("failed to write existing config: %v", err)
	}

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}
	if path != "" {
		t.Errorf("WriteDefault() path = %q, want empty string for existing file", path)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("failed to read config: %v", err)
	}
	if string(data) != string(existingContent) {
		t.Error("WriteDefault() should not overwrite existing config file")
	}
}
