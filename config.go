package blelink

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// PortMode selects what kind of serial endpoint the bridge serves.
type PortMode string

const (
	// PortModePTY serves a virtual COM port backed by a pseudo terminal.
	PortModePTY PortMode = "pty"
	// PortModeSerial bridges to a physical serial port (null modem cable).
	PortModeSerial PortMode = "serial"
)

const (
	// DefaultFifoSize matches the console buffer of the peripheral firmware.
	DefaultFifoSize = 512

	DefaultScanTimeout    = 30 * time.Second
	DefaultConnectTimeout = 10 * time.Second
	DefaultReconnectMin   = 500 * time.Millisecond
	DefaultReconnectMax   = 30 * time.Second
	DefaultReadTimeout    = 100 * time.Millisecond
)

// Config is the on-disk configuration of the bridge.
type Config struct {
	Device  DeviceConfig  `yaml:"device"`
	Port    PortConfig    `yaml:"port"`
	Link    LinkConfig    `yaml:"link"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// DeviceConfig identifies the BLE peripheral. With neither Address nor Name set,
// the first peripheral advertising the profile service is used.
type DeviceConfig struct {
	Address        string        `yaml:"address"`
	Name           string        `yaml:"name"`
	Profile        string        `yaml:"profile"`
	ProfileFile    string        `yaml:"profile_file"`
	ScanTimeout    time.Duration `yaml:"scan_timeout" validate:"gte=0"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" validate:"gte=0"`
}

type PortConfig struct {
	Mode PortMode `yaml:"mode" validate:"oneof=pty serial"`

	// Link is an optional stable symlink to the pty slave, e.g. /tmp/ttyBLE0.
	Link string `yaml:"link"`

	PortName     string        `yaml:"port_name" validate:"required_if=Mode serial"`
	BaudRate     int           `yaml:"baud_rate"`
	DataBits     int           `yaml:"data_bits"`
	Parity       string        `yaml:"parity"`
	StopBits     float64       `yaml:"stop_bits"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	DTR          bool          `yaml:"dtr"`
	RTS          bool          `yaml:"rts"`
}

type LinkConfig struct {
	UplinkSize   int `yaml:"uplink_size" validate:"gte=0,lte=1048576"`
	DownlinkSize int `yaml:"downlink_size" validate:"gte=0,lte=1048576"`

	// LineMode flushes uplink frames at every newline instead of as soon as
	// bytes are available.
	LineMode bool `yaml:"line_mode"`

	ReconnectMin time.Duration `yaml:"reconnect_min" validate:"gte=0"`
	ReconnectMax time.Duration `yaml:"reconnect_max" validate:"gte=0"`
	Heartbeat    bool          `yaml:"heartbeat"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format" validate:"omitempty,oneof=json console"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `yaml:"max_backups" validate:"gte=0"`
}

type MetricsConfig struct {
	// Disabled stops counters from being recorded; snapshots stay available.
	Disabled    bool          `yaml:"disabled"`
	Listen      string        `yaml:"listen"`
	Interval    time.Duration `yaml:"interval" validate:"gte=0"`
	ChannelSize int           `yaml:"channel_size" validate:"gte=0,lte=10000"`
}

// DefaultConfig returns a configuration that serves a pty for the first
// ESP32 SPP peripheral found.
func DefaultConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			Profile:        "esp-spp",
			ScanTimeout:    DefaultScanTimeout,
			ConnectTimeout: DefaultConnectTimeout,
		},
		Port: PortConfig{
			Mode:        PortModePTY,
			BaudRate:    Baud115200.Int(),
			DataBits:    DataBits8.Int(),
			Parity:      "N",
			StopBits:    1,
			ReadTimeout: DefaultReadTimeout,
		},
		Link: LinkConfig{
			UplinkSize:   DefaultFifoSize,
			DownlinkSize: DefaultFifoSize,
			ReconnectMin: DefaultReconnectMin,
			ReconnectMax: DefaultReconnectMax,
			Heartbeat:    true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Metrics: MetricsConfig{
			Interval:    5 * time.Second,
			ChannelSize: 50,
		},
	}
}

// LoadConfig reads a YAML config file on top of DefaultConfig and validates it.
// Unknown keys are rejected.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// ParseConfig decodes YAML bytes on top of DefaultConfig and validates the result.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decoding yaml: %w", err)
	}

	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// uplinkSize and downlinkSize fall back to DefaultFifoSize when unset.
func (c *LinkConfig) uplinkSize() int {
	if c.UplinkSize <= 0 {
		return DefaultFifoSize
	}
	return c.UplinkSize
}

func (c *LinkConfig) downlinkSize() int {
	if c.DownlinkSize <= 0 {
		return DefaultFifoSize
	}
	return c.DownlinkSize
}
