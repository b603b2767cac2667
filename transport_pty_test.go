//go:build linux

package blelink

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/goleak"
	"golang.org/x/sys/unix"
)

func requirePTY(t *testing.T) {
	t.Helper()
	master, slave, err := openPTY()
	if err != nil {
		t.Skipf("no pty available: %v", err)
	}
	_ = slave.Close()
	_ = master.Close()
}

func ptyConfig(t *testing.T) *PortConfig {
	t.Helper()
	cfg := DefaultConfig().Port
	cfg.Link = filepath.Join(t.TempDir(), "ttyBLE0")
	return &cfg
}

func openTestPTY(t *testing.T, cfg *PortConfig) *ptyPort {
	t.Helper()
	requirePTY(t)

	p, err := OpenEndpoint(cfg)
	if err != nil {
		t.Fatalf("OpenEndpoint error: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p.(*ptyPort)
}

// attachApp opens the virtual COM port the way a terminal program would.
func attachApp(t *testing.T, name string) *os.File {
	t.Helper()
	f, err := os.OpenFile(name, os.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		t.Fatalf("opening %s: %v", name, err)
	}
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func readUntil(t *testing.T, read func([]byte) (int, error), want int) []byte {
	t.Helper()
	var got []byte
	buf := make([]byte, 64)
	deadline := time.Now().Add(2 * time.Second)
	for len(got) < want {
		if time.Now().After(deadline) {
			t.Fatalf("read %q, wanted %d bytes", got, want)
		}
		n, err := read(buf)
		if err != nil && !errors.Is(err, os.ErrDeadlineExceeded) {
			t.Fatalf("read error: %v", err)
		}
		got = append(got, buf[:n]...)
	}
	return got
}

func TestOpenVirtualLink(t *testing.T) {
	cfg := ptyConfig(t)
	p := openTestPTY(t, cfg)

	if p.Name() != cfg.Link {
		t.Fatalf("expected name %s, got %s", cfg.Link, p.Name())
	}
	target, err := os.Readlink(cfg.Link)
	if err != nil {
		t.Fatalf("reading link: %v", err)
	}
	if target != p.slave.Name() {
		t.Fatalf("link points at %s, expected %s", target, p.slave.Name())
	}

	tio, err := unix.IoctlGetTermios(int(p.slave.Fd()), unix.TCGETS)
	if err != nil {
		t.Fatalf("reading termios: %v", err)
	}
	if tio.Lflag&(unix.ECHO|unix.ICANON) != 0 || tio.Oflag&unix.OPOST != 0 {
		t.Fatalf("slave not in raw mode: lflag=%#x oflag=%#x", tio.Lflag, tio.Oflag)
	}

	if err = p.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	if _, err = os.Lstat(cfg.Link); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("link should be removed on Close, got %v", err)
	}
}

func TestOpenVirtualWithoutLink(t *testing.T) {
	cfg := ptyConfig(t)
	cfg.Link = ""
	p := openTestPTY(t, cfg)

	if p.Name() != p.slave.Name() {
		t.Fatalf("expected the slave name, got %s", p.Name())
	}
}

func TestPtyRoundTrip(t *testing.T) {
	p := openTestPTY(t, ptyConfig(t))
	app := attachApp(t, p.Name())

	if _, err := app.Write([]byte("AT\r\n")); err != nil {
		t.Fatalf("app write: %v", err)
	}
	if got := readUntil(t, p.Read, 4); string(got) != "AT\r\n" {
		t.Fatalf("expected AT\\r\\n unchanged, got %q", got)
	}

	if _, err := p.Write([]byte("OK\r\n")); err != nil {
		t.Fatalf("port write: %v", err)
	}
	read := func(b []byte) (int, error) {
		_ = app.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		return app.Read(b)
	}
	if got := readUntil(t, read, 4); string(got) != "OK\r\n" {
		t.Fatalf("expected OK\\r\\n unchanged, got %q", got)
	}
}

func TestPtyReadTimeout(t *testing.T) {
	cfg := ptyConfig(t)
	cfg.ReadTimeout = 20 * time.Millisecond
	p := openTestPTY(t, cfg)
	attachApp(t, p.Name())

	start := time.Now()
	n, err := p.Read(make([]byte, 16))
	if n != 0 || err != nil {
		t.Fatalf("expected an empty read on timeout, got %d %v", n, err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("read timeout not applied, returned after %v", elapsed)
	}
}

func TestPtyCloseUnblocksRead(t *testing.T) {
	cfg := ptyConfig(t)
	cfg.ReadTimeout = 0
	p := openTestPTY(t, cfg)
	attachApp(t, p.Name())

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Read(make([]byte, 16))
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)

	if err := p.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected an error from a read on a closed port")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not interrupt a pending read while an app holds the port")
	}
}

func TestPtyWriteTimeout(t *testing.T) {
	cfg := ptyConfig(t)
	cfg.WriteTimeout = 20 * time.Millisecond
	p := openTestPTY(t, cfg)
	attachApp(t, p.Name())

	// the app never reads, so the slave input queue fills up
	chunk := make([]byte, 4096)
	for i := 0; i < 1024; i++ {
		if _, err := p.Write(chunk); err != nil {
			if !errors.Is(err, ErrWriteTimeout) {
				t.Fatalf("expected ErrWriteTimeout, got %v", err)
			}
			return
		}
	}
	t.Fatal("writes never timed out")
}

func TestRunStopsWithAttachedApp(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	requirePTY(t)

	cfg := testConfig()
	cfg.Port.Link = filepath.Join(t.TempDir(), "ttyBLE0")
	cfg.Port.ReadTimeout = 0

	central := newFakeCentral(20)
	s := &Service{Config: cfg, Central: central}
	if err := s.Initialize(); err != nil {
		t.Fatalf("Initialize error: %v", err)
	}
	if err := s.Open(); err != nil {
		t.Fatalf("Open error: %v", err)
	}
	app := attachApp(t, s.EndpointName())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	conn := waitConn(t, central)
	if _, err := app.Write([]byte("ping")); err != nil {
		t.Fatalf("app write: %v", err)
	}
	if got := collectWrites(t, conn, ChannelData, 4); string(got) != "ping" {
		t.Fatalf("expected ping uplink, got %q", got)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel while an app holds the port")
	}
	if _, err := os.Lstat(cfg.Port.Link); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("link should be removed after Run, got %v", err)
	}
}
