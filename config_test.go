package blelink

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseConfigOverridesDefaults(t *testing.T) {
	data := []byte(`
device:
  address: "AA:BB:CC:DD:EE:FF"
  profile: nus
  scan_timeout: 5s
port:
  mode: pty
  link: /tmp/ttyBLE0
link:
  line_mode: true
  reconnect_min: 1s
  reconnect_max: 10s
log:
  level: debug
  format: json
`)
	cfg, err := ParseConfig(data)
	if err != nil {
		t.Fatalf("ParseConfig error: %v", err)
	}
	if cfg.Device.Address != "AA:BB:CC:DD:EE:FF" || cfg.Device.Profile != "nus" {
		t.Fatalf("unexpected device section: %+v", cfg.Device)
	}
	if cfg.Device.ScanTimeout != 5*time.Second {
		t.Fatalf("expected scan timeout 5s, got %v", cfg.Device.ScanTimeout)
	}
	if cfg.Port.Link != "/tmp/ttyBLE0" || !cfg.Link.LineMode {
		t.Fatalf("unexpected port/link: %+v %+v", cfg.Port, cfg.Link)
	}
	// untouched keys keep their defaults
	if cfg.Port.BaudRate != 115200 || cfg.Link.UplinkSize != DefaultFifoSize {
		t.Fatalf("defaults lost: baud=%d uplink=%d", cfg.Port.BaudRate, cfg.Link.UplinkSize)
	}
}

func TestParseConfigRejectsUnknownKeys(t *testing.T) {
	_, err := ParseConfig([]byte("device:\n  adress: typo\n"))
	if err == nil {
		t.Fatal("expected error for unknown key")
	}
	if !strings.Contains(err.Error(), "adress") {
		t.Fatalf("expected error to name the unknown key, got %v", err)
	}
}

func TestParseConfigEmptyIsDefault(t *testing.T) {
	cfg, err := ParseConfig(nil)
	if err != nil {
		t.Fatalf("ParseConfig error: %v", err)
	}
	if cfg.Port.Mode != PortModePTY || cfg.Device.Profile != "esp-spp" {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
}

func TestParseConfigValidates(t *testing.T) {
	if _, err := ParseConfig([]byte("port:\n  mode: serial\n")); err == nil {
		t.Fatal("expected validation error for serial mode without port name")
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blelink.yaml")
	if err := os.WriteFile(path, []byte("port:\n  baud_rate: 9600\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Port.BaudRate != 9600 {
		t.Fatalf("expected 9600, got %d", cfg.Port.BaudRate)
	}

	if _, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
