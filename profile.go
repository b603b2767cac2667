package blelink

import (
	"bytes"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

//go:embed static/*.json
var staticFS embed.FS

// bluetoothBaseUUID is the base for 16 and 32 bit SIG UUIDs [Vol 3, Part B, 2.5.1].
const bluetoothBaseUUID = "0000xxxx-0000-1000-8000-00805f9b34fb"

// Profile describes the GATT layout of an SPP-like serial service.
type Profile struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	Service    string `json:"service"`
	DataWrite  string `json:"data_write"`
	DataNotify string `json:"data_notify"`

	// Optional characteristics. Empty means the peripheral lacks them.
	Command   string `json:"command,omitempty"`
	Status    string `json:"status,omitempty"`
	Heartbeat string `json:"heartbeat,omitempty"`

	// MaxPayload caps a single write, independent of the negotiated MTU.
	MaxPayload int `json:"max_payload,omitempty"`
	// MaxCommand caps a command write. Zero falls back to MaxPayload.
	MaxCommand int `json:"max_command,omitempty"`
}

// NormalizeUUID expands 16 and 32 bit short forms onto the Bluetooth base UUID
// and returns the canonical lowercase 128 bit form.
func NormalizeUUID(s string) (string, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	s = strings.TrimPrefix(s, "0x")
	switch len(s) {
	case 4, 8:
		if _, err := strconv.ParseUint(s, 16, 32); err != nil {
			return "", fmt.Errorf("invalid short uuid %q", s)
		}
		s = strings.Repeat("0", 8-len(s)) + s + bluetoothBaseUUID[8:]
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid uuid %q: %w", s, err)
	}
	return u.String(), nil
}

// normalize validates the profile and rewrites every UUID to canonical form.
func (p *Profile) normalize() error {
	if p.Name == "" {
		return fmt.Errorf("profile has no name")
	}
	required := []struct {
		field string
		val   *string
	}{
		{"service", &p.Service},
		{"data_write", &p.DataWrite},
		{"data_notify", &p.DataNotify},
	}
	for _, r := range required {
		if *r.val == "" {
			return fmt.Errorf("profile %s: %s is required", p.Name, r.field)
		}
		n, err := NormalizeUUID(*r.val)
		if err != nil {
			return fmt.Errorf("profile %s: %s: %w", p.Name, r.field, err)
		}
		*r.val = n
	}
	for _, opt := range []*string{&p.Command, &p.Status, &p.Heartbeat} {
		if *opt == "" {
			continue
		}
		n, err := NormalizeUUID(*opt)
		if err != nil {
			return fmt.Errorf("profile %s: %w", p.Name, err)
		}
		*opt = n
	}
	if p.MaxPayload < 0 {
		return fmt.Errorf("profile %s: max_payload cannot be negative", p.Name)
	}
	if p.MaxCommand < 0 {
		return fmt.Errorf("profile %s: max_command cannot be negative", p.Name)
	}
	return nil
}

// HasChannel reports whether the profile declares a characteristic for ch.
func (p *Profile) HasChannel(ch Channel) bool {
	return p.characteristic(ch) != ""
}

// CommandLimit is the longest command the peripheral accepts in one write, or
// zero when the profile has no command characteristic.
func (p *Profile) CommandLimit() int {
	switch {
	case !p.HasChannel(ChannelCommand):
		return 0
	case p.MaxCommand > 0:
		return p.MaxCommand
	case p.MaxPayload > 0:
		return p.MaxPayload
	}
	return payloadSize(DefaultATTMTU, 0)
}

func (p *Profile) characteristic(ch Channel) string {
	switch ch {
	case ChannelData:
		return p.DataWrite
	case ChannelCommand:
		return p.Command
	case ChannelHeartbeat:
		return p.Heartbeat
	case ChannelStatus:
		return p.Status
	}
	return ""
}

func decodeProfile(data []byte) (*Profile, error) {
	var p Profile
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return nil, err
	}
	if err := p.normalize(); err != nil {
		return nil, err
	}
	return &p, nil
}

// LoadProfiles returns the built-in profiles keyed by name.
func LoadProfiles() (map[string]*Profile, error) {
	names, err := fs.Glob(staticFS, "static/*.json")
	if err != nil {
		return nil, err
	}
	profiles := make(map[string]*Profile, len(names))
	for _, name := range names {
		data, err := staticFS.ReadFile(name)
		if err != nil {
			return nil, err
		}
		p, err := decodeProfile(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path.Base(name), err)
		}
		profiles[p.Name] = p
	}
	return profiles, nil
}

// ProfileNames returns the sorted names of the built-in profiles.
func ProfileNames() ([]string, error) {
	profiles, err := LoadProfiles()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// LoadProfileFile reads a single profile from a JSON file.
func LoadProfileFile(name string) (*Profile, error) {
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("reading profile: %w", err)
	}
	p, err := decodeProfile(data)
	if err != nil {
		return nil, fmt.Errorf("profile %s: %w", name, err)
	}
	return p, nil
}

// ResolveProfile picks the profile a device config refers to. A profile file
// takes precedence over a built-in name.
func ResolveProfile(cfg *DeviceConfig) (*Profile, error) {
	if cfg.ProfileFile != "" {
		return LoadProfileFile(cfg.ProfileFile)
	}
	profiles, err := LoadProfiles()
	if err != nil {
		return nil, err
	}
	p, ok := profiles[cfg.Profile]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProfile, cfg.Profile)
	}
	return p, nil
}
