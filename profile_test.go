package blelink

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestNormalizeUUID(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"abf0", "0000abf0-0000-1000-8000-00805f9b34fb", false},
		{"0xABF1", "0000abf1-0000-1000-8000-00805f9b34fb", false},
		{"1234abcd", "1234abcd-0000-1000-8000-00805f9b34fb", false},
		{"6E400001-B5A3-F393-E0A9-E50E24DCCA9E", "6e400001-b5a3-f393-e0a9-e50e24dcca9e", false},
		{"zzzz", "", true},
		{"abc", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		got, err := NormalizeUUID(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("NormalizeUUID(%q): wantErr=%v, got %v", tt.in, tt.wantErr, err)
		}
		if got != tt.want {
			t.Fatalf("NormalizeUUID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLoadProfilesBuiltIn(t *testing.T) {
	profiles, err := LoadProfiles()
	if err != nil {
		t.Fatalf("LoadProfiles error: %v", err)
	}

	esp, ok := profiles["esp-spp"]
	if !ok {
		t.Fatal("esp-spp profile missing")
	}
	if esp.Service != "0000abf0-0000-1000-8000-00805f9b34fb" {
		t.Fatalf("unexpected esp-spp service %s", esp.Service)
	}
	if esp.DataNotify != "0000abf2-0000-1000-8000-00805f9b34fb" {
		t.Fatalf("unexpected esp-spp notify characteristic %s", esp.DataNotify)
	}
	for _, ch := range []Channel{ChannelData, ChannelCommand, ChannelStatus, ChannelHeartbeat} {
		if !esp.HasChannel(ch) {
			t.Fatalf("esp-spp should have a %s characteristic", ch)
		}
	}
	if esp.MaxPayload != 512 {
		t.Fatalf("expected esp-spp max payload 512, got %d", esp.MaxPayload)
	}
	if esp.MaxCommand != 20 {
		t.Fatalf("expected esp-spp command limit 20, got %d", esp.MaxCommand)
	}

	want := &Profile{
		Name:        "nus",
		Description: "Nordic UART Service",
		Service:     "6e400001-b5a3-f393-e0a9-e50e24dcca9e",
		DataWrite:   "6e400002-b5a3-f393-e0a9-e50e24dcca9e",
		DataNotify:  "6e400003-b5a3-f393-e0a9-e50e24dcca9e",
		MaxPayload:  20,
	}
	if diff := cmp.Diff(want, profiles["nus"]); diff != "" {
		t.Fatalf("nus profile mismatch (-want +got):\n%s", diff)
	}
	if profiles["nus"].HasChannel(ChannelCommand) || profiles["nus"].HasChannel(ChannelHeartbeat) {
		t.Fatal("nus has only the data characteristics")
	}

	names, err := ProfileNames()
	if err != nil {
		t.Fatalf("ProfileNames error: %v", err)
	}
	if strings.Join(names, ",") != "esp-spp,nus" {
		t.Fatalf("unexpected profile names %v", names)
	}
}

func TestDecodeProfileRejectsBadInput(t *testing.T) {
	tests := map[string]string{
		"unknown field":    `{"name":"x","service":"abf0","data_write":"abf1","data_notify":"abf2","mtu":100}`,
		"missing name":     `{"service":"abf0","data_write":"abf1","data_notify":"abf2"}`,
		"missing notify":   `{"name":"x","service":"abf0","data_write":"abf1"}`,
		"bad uuid":         `{"name":"x","service":"abf0","data_write":"nope","data_notify":"abf2"}`,
		"bad optional":     `{"name":"x","service":"abf0","data_write":"abf1","data_notify":"abf2","status":"12"}`,
		"negative limit":   `{"name":"x","service":"abf0","data_write":"abf1","data_notify":"abf2","max_payload":-1}`,
		"negative command": `{"name":"x","service":"abf0","data_write":"abf1","data_notify":"abf2","max_command":-1}`,
		"not json at all":  `service: abf0`,
	}
	for name, doc := range tests {
		if _, err := decodeProfile([]byte(doc)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestCommandLimit(t *testing.T) {
	tests := []struct {
		name    string
		profile Profile
		want    int
	}{
		{"no command characteristic", Profile{MaxPayload: 512, MaxCommand: 20}, 0},
		{"explicit command limit", Profile{Command: "abf3", MaxPayload: 512, MaxCommand: 20}, 20},
		{"falls back to payload", Profile{Command: "abf3", MaxPayload: 64}, 64},
		{"falls back to default ATT payload", Profile{Command: "abf3"}, 20},
	}
	for _, tt := range tests {
		if got := tt.profile.CommandLimit(); got != tt.want {
			t.Fatalf("%s: got %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestResolveProfile(t *testing.T) {
	p, err := ResolveProfile(&DeviceConfig{Profile: "nus"})
	if err != nil {
		t.Fatalf("ResolveProfile error: %v", err)
	}
	if p.Name != "nus" {
		t.Fatalf("expected nus, got %s", p.Name)
	}

	_, err = ResolveProfile(&DeviceConfig{Profile: "hm-10"})
	if !errors.Is(err, ErrUnknownProfile) {
		t.Fatalf("expected ErrUnknownProfile, got %v", err)
	}

	// a profile file wins over the name
	path := filepath.Join(t.TempDir(), "custom.json")
	doc := `{"name":"custom","service":"ffe0","data_write":"ffe1","data_notify":"ffe1","max_payload":20}`
	if err = os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	p, err = ResolveProfile(&DeviceConfig{Profile: "nus", ProfileFile: path})
	if err != nil {
		t.Fatalf("ResolveProfile error: %v", err)
	}
	if p.Name != "custom" || p.DataWrite != "0000ffe1-0000-1000-8000-00805f9b34fb" {
		t.Fatalf("unexpected profile %+v", p)
	}
}

func TestManifest(t *testing.T) {
	info, err := Manifest()
	if err != nil {
		t.Fatalf("Manifest error: %v", err)
	}
	if info.Name != "ble_link" || info.Version != "1.0.0" {
		t.Fatalf("unexpected manifest %+v", info)
	}
	if strings.Join(info.Assets, ",") != "esp-spp.json,nus.json" {
		t.Fatalf("unexpected assets %v", info.Assets)
	}
}
