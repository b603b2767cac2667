package blelink

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/creack/pty"
	gobug "go.bug.st/serial"
	"golang.org/x/term"
)

// SerialPort abstracts the serial endpoint the bridge serves.
type SerialPort interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	SetReadTimeout(d time.Duration) error
}

// portHandle is the subset of go.bug.st/serial.Port used in serial mode.
type portHandle interface {
	SerialPort
	SetDTR(bool) error
	SetRTS(bool) error
}

// allow tests to override external dependencies
var (
	openPort     = func(name string, mode *gobug.Mode) (portHandle, error) { return gobug.Open(name, mode) }
	getPortsList = gobug.GetPortsList
	openPTY      = pty.Open
)

// OpenEndpoint opens the serial endpoint described by cfg.
func OpenEndpoint(cfg *PortConfig) (SerialPort, error) {
	switch cfg.Mode {
	case PortModeSerial:
		return openSerial(cfg)
	case PortModePTY, "":
		return openVirtual(cfg)
	}
	return nil, fmt.Errorf("unknown port mode %q", cfg.Mode)
}

// SerialMode converts the line settings to a go.bug.st/serial mode.
func SerialMode(cfg *PortConfig) (*gobug.Mode, error) {
	parity, err := ParseParity(cfg.Parity)
	if err != nil {
		return nil, err
	}
	stop, err := ParseStopBits(cfg.StopBits)
	if err != nil {
		return nil, err
	}
	return &gobug.Mode{
		BaudRate: BaudRate(cfg.BaudRate).Int(),
		DataBits: DataBits(cfg.DataBits).Int(),
		Parity:   parity.Get(),
		StopBits: stop.Get(),
	}, nil
}

func openSerial(cfg *PortConfig) (SerialPort, error) {
	mode, err := SerialMode(cfg)
	if err != nil {
		return nil, err
	}

	ok, err := isPortAvailable(cfg.PortName)
	if err != nil {
		return nil, fmt.Errorf("listing ports: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPortName, cfg.PortName)
	}

	h, err := openPort(cfg.PortName, mode)
	if err != nil {
		return nil, fmt.Errorf("opening serial port: %w", err)
	}

	if err = h.SetReadTimeout(cfg.ReadTimeout); err != nil {
		return nil, handleOpenError(h, err)
	}
	// Explicitly set control lines to configured values
	if err = h.SetDTR(cfg.DTR); err != nil {
		return nil, handleOpenError(h, err)
	}
	if err = h.SetRTS(cfg.RTS); err != nil {
		return nil, handleOpenError(h, err)
	}
	return &serialPort{portHandle: h, writeTimeout: cfg.WriteTimeout}, nil
}

// serialPort bounds writes to a physical port. go.bug.st/serial has no write
// timeout, so a write that outlives writeTimeout is left running and the
// caller gets ErrWriteTimeout. Write is not safe for concurrent use.
type serialPort struct {
	portHandle
	writeTimeout time.Duration

	// inflight is set while a timed-out write has not returned yet.
	inflight chan writeResult
}

func (s *serialPort) Write(b []byte) (int, error) {
	if s.writeTimeout <= 0 {
		return s.portHandle.Write(b)
	}
	timer := time.NewTimer(s.writeTimeout)
	defer timer.Stop()

	if s.inflight != nil {
		select {
		case <-s.inflight:
			s.inflight = nil
		case <-timer.C:
			return 0, ErrWriteTimeout
		}
	}

	done := make(chan writeResult, 1)
	go func() {
		n, err := s.portHandle.Write(b)
		done <- writeResult{n, err}
	}()
	select {
	case res := <-done:
		return res.n, res.err
	case <-timer.C:
		s.inflight = done
		return 0, ErrWriteTimeout
	}
}

// ptyPort is the master side of a pseudo terminal. Applications open the slave
// (or the symlink pointing at it) as if it were a COM port.
type ptyPort struct {
	master       *os.File
	slave        *os.File
	link         string
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func openVirtual(cfg *PortConfig) (SerialPort, error) {
	master, slave, err := openPTY()
	if err != nil {
		return nil, fmt.Errorf("opening pty: %w", err)
	}
	if master, err = pollable(master); err != nil {
		_ = slave.Close()
		return nil, fmt.Errorf("opening pty: %w", err)
	}
	p := &ptyPort{master: master, slave: slave, writeTimeout: cfg.WriteTimeout}

	// Raw mode on the slave: no echo, no line discipline, 8 bit clean.
	if term.IsTerminal(int(slave.Fd())) {
		if _, err = term.MakeRaw(int(slave.Fd())); err != nil {
			return nil, handleOpenError(p, fmt.Errorf("setting raw mode: %w", err))
		}
	}

	if cfg.Link != "" {
		if err = replaceLink(slave.Name(), cfg.Link); err != nil {
			return nil, handleOpenError(p, err)
		}
		p.link = cfg.Link
	}
	if err = p.SetReadTimeout(cfg.ReadTimeout); err != nil {
		return nil, handleOpenError(p, err)
	}
	return p, nil
}

// replaceLink points link at target. An existing symlink is replaced; any
// other file at that path is left alone and reported.
func replaceLink(target, link string) error {
	fi, err := os.Lstat(link)
	switch {
	case err == nil && fi.Mode()&os.ModeSymlink == 0:
		return fmt.Errorf("link path %s exists and is not a symlink", link)
	case err == nil:
		if err = os.Remove(link); err != nil {
			return fmt.Errorf("removing stale link: %w", err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return err
	}
	if err = os.Symlink(target, link); err != nil {
		return fmt.Errorf("creating link: %w", err)
	}
	return nil
}

// Name is the path applications should open.
func (p *ptyPort) Name() string {
	if p.link != "" {
		return p.link
	}
	return p.slave.Name()
}

func (p *ptyPort) Read(b []byte) (int, error) {
	if p.readTimeout > 0 {
		if err := p.master.SetReadDeadline(time.Now().Add(p.readTimeout)); err != nil {
			return 0, err
		}
	}
	n, err := p.master.Read(b)
	if errors.Is(err, os.ErrDeadlineExceeded) {
		// Same contract as go.bug.st/serial: a timeout is an empty read.
		return n, nil
	}
	return n, err
}

// Write fails with ErrWriteTimeout when no application drains the slave
// within the write timeout.
func (p *ptyPort) Write(b []byte) (int, error) {
	if p.writeTimeout > 0 {
		if err := p.master.SetWriteDeadline(time.Now().Add(p.writeTimeout)); err != nil {
			return 0, err
		}
	}
	n, err := p.master.Write(b)
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return n, ErrWriteTimeout
	}
	return n, err
}

func (p *ptyPort) SetReadTimeout(d time.Duration) error {
	p.readTimeout = d
	if d <= 0 {
		return p.master.SetReadDeadline(time.Time{})
	}
	return nil
}

func (p *ptyPort) Close() error {
	var errs []error
	if p.link != "" {
		if err := os.Remove(p.link); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	errs = append(errs, p.master.Close(), p.slave.Close())
	return errors.Join(errs...)
}

// endpointName returns a printable name for the port applications use.
func endpointName(p SerialPort, cfg *PortConfig) string {
	if v, ok := p.(interface{ Name() string }); ok {
		return v.Name()
	}
	return cfg.PortName
}
