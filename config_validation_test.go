package blelink

import (
	"strings"
	"testing"
	"time"
)

func validPortConfig() PortConfig {
	return PortConfig{
		Mode:         PortModeSerial,
		PortName:     "/dev/ttyUSB0",
		BaudRate:     9600,
		DataBits:     8,
		Parity:       "N",
		StopBits:     1,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	}
}

func TestValidatePortConfig_Valid(t *testing.T) {
	cfg := validPortConfig()
	if err := ValidatePortConfig(&cfg); err != nil {
		t.Fatalf("expected valid config, got error: %v", err)
	}
}

func TestValidatePortConfig_EmptyPortName(t *testing.T) {
	cfg := validPortConfig()
	cfg.PortName = ""

	err := ValidatePortConfig(&cfg)
	if err == nil {
		t.Fatal("expected error for empty port name")
	}
	if !strings.Contains(err.Error(), "port name cannot be empty") {
		t.Fatalf("expected 'port name cannot be empty' error, got: %v", err)
	}

	// pty mode does not need a port name
	cfg.Mode = PortModePTY
	if err = ValidatePortConfig(&cfg); err != nil {
		t.Fatalf("pty mode without port name should be valid: %v", err)
	}
}

func TestValidatePortConfig_InvalidBaudRate(t *testing.T) {
	tests := []struct {
		baudRate int
		wantErr  bool
	}{
		{1200, false},
		{9600, false},
		{115200, false},
		{921600, false},
		{12345, true},
		{0, true},
		{-9600, true},
		{1000000, true},
	}

	for _, tt := range tests {
		cfg := validPortConfig()
		cfg.BaudRate = tt.baudRate

		err := ValidatePortConfig(&cfg)
		if (err != nil) != tt.wantErr {
			t.Fatalf("baudRate=%d: wantErr=%v, got=%v", tt.baudRate, tt.wantErr, err)
		}
		if tt.wantErr && !strings.Contains(err.Error(), "invalid baud rate") {
			t.Fatalf("baudRate=%d: expected 'invalid baud rate' error, got: %v", tt.baudRate, err)
		}
	}
}

func TestValidatePortConfig_InvalidDataBits(t *testing.T) {
	for _, bits := range []int{0, 4, 9, -1} {
		cfg := validPortConfig()
		cfg.DataBits = bits
		if err := ValidatePortConfig(&cfg); err == nil {
			t.Fatalf("dataBits=%d: expected error", bits)
		}
	}
	for _, bits := range []int{5, 6, 7, 8} {
		cfg := validPortConfig()
		cfg.DataBits = bits
		if err := ValidatePortConfig(&cfg); err != nil {
			t.Fatalf("dataBits=%d: unexpected error %v", bits, err)
		}
	}
}

func TestValidatePortConfig_ParityAndStopBits(t *testing.T) {
	cfg := validPortConfig()
	cfg.Parity = "X"
	if err := ValidatePortConfig(&cfg); err == nil || !strings.Contains(err.Error(), "unsupported parity") {
		t.Fatalf("expected parity error, got %v", err)
	}

	cfg = validPortConfig()
	cfg.StopBits = 3
	if err := ValidatePortConfig(&cfg); err == nil || !strings.Contains(err.Error(), "stop bits") {
		t.Fatalf("expected stop bits error, got %v", err)
	}

	cfg = validPortConfig()
	cfg.StopBits = 1.5
	cfg.Parity = "e"
	if err := ValidatePortConfig(&cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidatePortConfig_NegativeTimeouts(t *testing.T) {
	cfg := validPortConfig()
	cfg.ReadTimeout = -time.Second
	if err := ValidatePortConfig(&cfg); err == nil {
		t.Fatal("expected error for negative read timeout")
	}

	cfg = validPortConfig()
	cfg.WriteTimeout = -time.Second
	if err := ValidatePortConfig(&cfg); err == nil {
		t.Fatal("expected error for negative write timeout")
	}
}

func TestValidatePortConfig_LinkTraversal(t *testing.T) {
	cfg := validPortConfig()
	cfg.Mode = PortModePTY
	cfg.Link = "/tmp/../etc/ttyBLE"
	if err := ValidatePortConfig(&cfg); err == nil {
		t.Fatal("expected error for link path traversal")
	}
}

func TestValidateConfig_Defaults(t *testing.T) {
	if err := ValidateConfig(DefaultConfig()); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}
}

func TestValidateConfig_StructRules(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown mode", func(c *Config) { c.Port.Mode = "usb" }, "Mode"},
		{"serial without port", func(c *Config) { c.Port.Mode = PortModeSerial }, "PortName"},
		{"negative fifo", func(c *Config) { c.Link.UplinkSize = -1 }, "UplinkSize"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "Format"},
		{"huge metrics channel", func(c *Config) { c.Metrics.ChannelSize = 20000 }, "ChannelSize"},
		{"backoff inverted", func(c *Config) {
			c.Link.ReconnectMin = time.Minute
			c.Link.ReconnectMax = time.Second
		}, "reconnect_min"},
		{"no profile", func(c *Config) { c.Device.Profile = "" }, "profile"},
	}

	for _, tt := range tests {
		cfg := DefaultConfig()
		tt.mutate(cfg)
		err := ValidateConfig(cfg)
		if err == nil {
			t.Fatalf("%s: expected error", tt.name)
		}
		if !strings.Contains(err.Error(), tt.want) {
			t.Fatalf("%s: expected error mentioning %q, got %v", tt.name, tt.want, err)
		}
	}
}

func TestValidateConfig_Nil(t *testing.T) {
	if err := ValidateConfig(nil); err == nil {
		t.Fatal("expected error for nil config")
	}
}
