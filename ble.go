package blelink

import (
	"context"
	"strings"
)

// Channel names a characteristic of an SPP profile.
type Channel int

const (
	ChannelData Channel = iota
	ChannelCommand
	ChannelStatus
	ChannelHeartbeat
)

func (c Channel) String() string {
	switch c {
	case ChannelData:
		return "data"
	case ChannelCommand:
		return "command"
	case ChannelStatus:
		return "status"
	case ChannelHeartbeat:
		return "heartbeat"
	}
	return "unknown"
}

const (
	// DefaultATTMTU is the MTU every BLE link starts with.
	DefaultATTMTU = 23
	// attHeaderSize is the opcode and handle overhead of a write command.
	attHeaderSize = 3
)

// NotifyFunc receives notifications. The slice is owned by the callee.
type NotifyFunc func(ch Channel, p []byte)

// Advertisement is what a scan reports about a peripheral.
type Advertisement struct {
	Address    string `json:"address"`
	Name       string `json:"name,omitempty"`
	RSSI       int16  `json:"rssi"`
	HasService bool   `json:"has_service"`
}

// Target selects the peripheral to connect to.
type Target struct {
	Address string
	Name    string
}

// Matches reports whether adv is the peripheral the target asks for. An
// address wins over a name; an empty target takes any peripheral that
// advertises the profile service.
func (t Target) Matches(adv Advertisement) bool {
	switch {
	case t.Address != "":
		return strings.EqualFold(t.Address, adv.Address)
	case t.Name != "":
		return t.Name == adv.Name
	}
	return adv.HasService
}

func (t Target) String() string {
	switch {
	case t.Address != "":
		return t.Address
	case t.Name != "":
		return t.Name
	}
	return "any"
}

// Central is the BLE central role: it finds and connects to SPP peripherals.
type Central interface {
	Connect(ctx context.Context, target Target, prof *Profile, notify NotifyFunc) (Conn, error)
	Discover(ctx context.Context, prof *Profile) ([]Advertisement, error)
}

// Conn is a live connection to a peripheral.
type Conn interface {
	// Write sends p on the given channel as a single write without response.
	// len(p) must not exceed MaxPayload.
	Write(ch Channel, p []byte) (int, error)
	MaxPayload() int
	// Done is closed when the peripheral disconnects.
	Done() <-chan struct{}
	Close() error
}

// payloadSize is the largest write the link accepts for the given MTU and
// profile limit.
func payloadSize(mtu int, limit int) int {
	if mtu < DefaultATTMTU {
		mtu = DefaultATTMTU
	}
	size := mtu - attHeaderSize
	if limit > 0 && limit < size {
		size = limit
	}
	return size
}

// splitChunks breaks p into pieces of at most size bytes without copying.
func splitChunks(p []byte, size int) [][]byte {
	if size <= 0 {
		size = DefaultATTMTU - attHeaderSize
	}
	out := make([][]byte, 0, (len(p)+size-1)/size)
	for len(p) > 0 {
		n := size
		if len(p) < n {
			n = len(p)
		}
		out = append(out, p[:n])
		p = p[n:]
	}
	return out
}
