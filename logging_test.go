package blelink

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewLoggerLevel(t *testing.T) {
	if l := NewLogger(LogConfig{Level: "debug"}); l.GetLevel() != zerolog.DebugLevel {
		t.Fatalf("expected debug, got %s", l.GetLevel())
	}
	if l := NewLogger(LogConfig{Level: "nonsense"}); l.GetLevel() != zerolog.InfoLevel {
		t.Fatalf("expected info fallback, got %s", l.GetLevel())
	}
}

func TestNewLoggerFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blelink.log")
	log := NewLogger(LogConfig{Level: "info", Format: "json", File: path})

	log.Info().Str("port", "/tmp/ttyBLE0").Msg("virtual COM port available")
	log.Debug().Msg("not written")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	out := string(data)
	for _, want := range []string{`"service":"ble_link"`, `"version":"1.0.0"`, `"port":"/tmp/ttyBLE0"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("log output missing %s: %s", want, out)
		}
	}
	if strings.Contains(out, "not written") {
		t.Fatal("debug message written at info level")
	}
}
