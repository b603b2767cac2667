package blelink

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateConfig validates the bridge configuration
func ValidateConfig(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}

	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	if err := ValidatePortConfig(&cfg.Port); err != nil {
		return err
	}

	if cfg.Link.ReconnectMax > 0 && cfg.Link.ReconnectMin > cfg.Link.ReconnectMax {
		return fmt.Errorf("reconnect_min %v exceeds reconnect_max %v", cfg.Link.ReconnectMin, cfg.Link.ReconnectMax)
	}

	if cfg.Device.Profile == "" && cfg.Device.ProfileFile == "" {
		return errors.New("either device.profile or device.profile_file must be set")
	}

	return nil
}

// ValidatePortConfig validates serial port parameters. The line settings are
// checked in pty mode too, since applications may still set them on the tty.
func ValidatePortConfig(cfg *PortConfig) error {
	if cfg.Mode == PortModeSerial && cfg.PortName == "" {
		return fmt.Errorf("port name cannot be empty")
	}

	// Validate baud rate
	if !BaudRate(cfg.BaudRate).Valid() {
		return fmt.Errorf("invalid baud rate %d, must be one of: %v", cfg.BaudRate, standardBaudRates)
	}

	// Validate data bits
	if !DataBits(cfg.DataBits).Valid() {
		return fmt.Errorf("data bits must be 5-8, got: %d", cfg.DataBits)
	}

	if _, err := ParseParity(cfg.Parity); err != nil {
		return err
	}

	if _, err := ParseStopBits(cfg.StopBits); err != nil {
		return err
	}

	// Validate timeouts
	if cfg.ReadTimeout < 0 {
		return fmt.Errorf("read timeout cannot be negative: %v", cfg.ReadTimeout)
	}
	if cfg.WriteTimeout < 0 {
		return fmt.Errorf("write timeout cannot be negative: %v", cfg.WriteTimeout)
	}

	if cfg.Link != "" && strings.Contains(cfg.Link, "..") {
		return fmt.Errorf("invalid link path: contains path traversal")
	}

	return nil
}
