package blelink

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"tinygo.org/x/bluetooth"
)

// TinyGoCentral implements Central on tinygo.org/x/bluetooth (BlueZ on Linux,
// CoreBluetooth on macOS, WinRT on Windows).
type TinyGoCentral struct {
	adapter *bluetooth.Adapter
	log     zerolog.Logger

	enableOnce sync.Once
	enableErr  error

	// scanMu serialises scans; the adapter supports one at a time.
	scanMu sync.Mutex

	mu      sync.Mutex
	current *tinyConn
}

func NewTinyGoCentral(log zerolog.Logger) *TinyGoCentral {
	return &TinyGoCentral{
		adapter: bluetooth.DefaultAdapter,
		log:     log.With().Str("component", "ble").Logger(),
	}
}

func (c *TinyGoCentral) enable() error {
	c.enableOnce.Do(func() {
		c.adapter.SetConnectHandler(c.onConnectEvent)
		c.enableErr = c.adapter.Enable()
	})
	if c.enableErr != nil {
		return fmt.Errorf("enabling BLE adapter: %w", c.enableErr)
	}
	return nil
}

// onConnectEvent only tracks disconnects; the bridge holds one connection.
func (c *TinyGoCentral) onConnectEvent(_ bluetooth.Device, connected bool) {
	if connected {
		return
	}
	c.mu.Lock()
	conn := c.current
	c.mu.Unlock()
	if conn != nil {
		conn.markDone()
	}
}

// scan runs until visit returns true or ctx ends.
func (c *TinyGoCentral) scan(ctx context.Context, visit func(bluetooth.ScanResult) bool) error {
	c.scanMu.Lock()
	defer c.scanMu.Unlock()

	var stopOnce sync.Once
	stop := func() {
		stopOnce.Do(func() {
			if err := c.adapter.StopScan(); err != nil {
				c.log.Debug().Err(err).Msg("stop scan")
			}
		})
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.adapter.Scan(func(_ *bluetooth.Adapter, r bluetooth.ScanResult) {
			if visit(r) {
				stop()
			}
		})
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		stop()
		<-errCh
		return ctx.Err()
	}
}

func advertisementOf(r bluetooth.ScanResult, service bluetooth.UUID) Advertisement {
	return Advertisement{
		Address:    r.Address.String(),
		Name:       r.LocalName(),
		RSSI:       r.RSSI,
		HasService: r.AdvertisementPayload.HasServiceUUID(service),
	}
}

// Discover lists peripherals seen until ctx ends.
func (c *TinyGoCentral) Discover(ctx context.Context, prof *Profile) ([]Advertisement, error) {
	if err := c.enable(); err != nil {
		return nil, err
	}
	svc, err := bluetooth.ParseUUID(prof.Service)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]int)
	var found []Advertisement
	err = c.scan(ctx, func(r bluetooth.ScanResult) bool {
		adv := advertisementOf(r, svc)
		if i, ok := seen[adv.Address]; ok {
			found[i] = adv
			return false
		}
		seen[adv.Address] = len(found)
		found = append(found, adv)
		return false
	})
	if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return nil, err
	}
	return found, nil
}

// Connect scans for target, connects and subscribes to the profile's notify
// characteristics.
func (c *TinyGoCentral) Connect(ctx context.Context, target Target, prof *Profile, notify NotifyFunc) (Conn, error) {
	if err := c.enable(); err != nil {
		return nil, err
	}
	svc, err := bluetooth.ParseUUID(prof.Service)
	if err != nil {
		return nil, err
	}

	var result bluetooth.ScanResult
	found := false
	err = c.scan(ctx, func(r bluetooth.ScanResult) bool {
		if found {
			return true
		}
		adv := advertisementOf(r, svc)
		if !target.Matches(adv) {
			return false
		}
		c.log.Debug().Str("address", adv.Address).Str("name", adv.Name).Int16("rssi", adv.RSSI).Msg("peripheral found")
		result = r
		found = true
		return true
	})
	if !found {
		if err == nil {
			err = ErrDeviceNotFound
		}
		return nil, fmt.Errorf("%w (%s): %w", ErrDeviceNotFound, target, err)
	}

	dev, err := c.adapter.Connect(result.Address, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", result.Address.String(), err)
	}

	conn := &tinyConn{
		address:    result.Address.String(),
		chars:      make(map[Channel]bluetooth.DeviceCharacteristic),
		done:       make(chan struct{}),
		disconnect: dev.Disconnect,
	}
	c.mu.Lock()
	c.current = conn
	c.mu.Unlock()

	if err = c.setup(dev.DiscoverServices, svc, prof, conn, notify); err != nil {
		return nil, errors.Join(err, conn.Close())
	}
	return conn, nil
}

func (c *TinyGoCentral) setup(
	discover func([]bluetooth.UUID) ([]bluetooth.DeviceService, error),
	svc bluetooth.UUID, prof *Profile, conn *tinyConn, notify NotifyFunc,
) error {
	services, err := discover([]bluetooth.UUID{svc})
	if err != nil {
		return fmt.Errorf("discovering service %s: %w", prof.Service, err)
	}
	if len(services) == 0 {
		return fmt.Errorf("service %s not present", prof.Service)
	}
	service := services[0]

	chars, err := service.DiscoverCharacteristics(nil)
	if err != nil {
		return fmt.Errorf("discovering characteristics: %w", err)
	}
	byUUID := make(map[string]bluetooth.DeviceCharacteristic, len(chars))
	for _, ch := range chars {
		byUUID[strings.ToLower(ch.UUID().String())] = ch
	}

	wanted := map[Channel]string{
		ChannelData:      prof.DataWrite,
		ChannelCommand:   prof.Command,
		ChannelStatus:    prof.Status,
		ChannelHeartbeat: prof.Heartbeat,
	}
	for ch, id := range wanted {
		if id == "" {
			continue
		}
		char, ok := byUUID[id]
		if !ok {
			if ch == ChannelData {
				return fmt.Errorf("data characteristic %s not present", id)
			}
			c.log.Warn().Str("channel", ch.String()).Str("uuid", id).Msg("optional characteristic missing")
			continue
		}
		conn.chars[ch] = char
	}
	notifyChar, ok := byUUID[prof.DataNotify]
	if !ok {
		return fmt.Errorf("notify characteristic %s not present", prof.DataNotify)
	}

	subscribe := func(ch Channel, char bluetooth.DeviceCharacteristic) error {
		return char.EnableNotifications(func(buf []byte) {
			p := make([]byte, len(buf))
			copy(p, buf)
			notify(ch, p)
		})
	}
	if err = subscribe(ChannelData, notifyChar); err != nil {
		return fmt.Errorf("enabling data notifications: %w", err)
	}
	for _, ch := range []Channel{ChannelStatus, ChannelHeartbeat} {
		char, ok := conn.chars[ch]
		if !ok {
			continue
		}
		if err = subscribe(ch, char); err != nil {
			c.log.Warn().Err(err).Str("channel", ch.String()).Msg("notifications unavailable")
		}
	}

	mtu := DefaultATTMTU
	dataChar := conn.chars[ChannelData]
	if m, err := dataChar.GetMTU(); err == nil && m > 0 {
		mtu = int(m)
	}
	conn.maxPayload = payloadSize(mtu, prof.MaxPayload)

	c.log.Info().Str("address", conn.address).Int("mtu", mtu).Int("payload", conn.maxPayload).Msg("connected")
	return nil
}

type tinyConn struct {
	address    string
	chars      map[Channel]bluetooth.DeviceCharacteristic
	maxPayload int
	disconnect func() error

	writeMu   sync.Mutex
	done      chan struct{}
	doneOnce  sync.Once
	closeOnce sync.Once
}

func (t *tinyConn) Write(ch Channel, p []byte) (int, error) {
	select {
	case <-t.done:
		return 0, ErrNotConnected
	default:
	}
	char, ok := t.chars[ch]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNoChannel, ch)
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return char.WriteWithoutResponse(p)
}

func (t *tinyConn) MaxPayload() int {
	return t.maxPayload
}

func (t *tinyConn) Done() <-chan struct{} {
	return t.done
}

func (t *tinyConn) markDone() {
	t.doneOnce.Do(func() { close(t.done) })
}

func (t *tinyConn) Close() error {
	var err error
	t.closeOnce.Do(func() {
		err = t.disconnect()
		t.markDone()
	})
	return err
}
