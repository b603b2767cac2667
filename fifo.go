package blelink

import (
	"context"
	"sync"
)

const newline = '\n'

// Fifo is a bounded byte queue. Two of them form the null modem between the
// serial endpoint and the BLE link: the uplink carries bytes the local
// application wrote, the downlink carries bytes the peripheral notified.
type Fifo struct {
	mu     sync.Mutex
	buf    []byte
	head   int
	n      int
	closed bool

	// changed is closed and replaced whenever bytes are added or removed,
	// waking every goroutine blocked on the previous state.
	changed chan struct{}
}

// NewFifo creates a FIFO holding at most size bytes.
func NewFifo(size int) *Fifo {
	if size <= 0 {
		size = DefaultFifoSize
	}
	return &Fifo{
		buf:     make([]byte, size),
		changed: make(chan struct{}),
	}
}

func (f *Fifo) Cap() int {
	return len(f.buf)
}

func (f *Fifo) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n
}

// broadcastLocked must be called with mu held.
func (f *Fifo) broadcastLocked() {
	close(f.changed)
	f.changed = make(chan struct{})
}

// putLocked copies as much of p as fits and returns the count.
func (f *Fifo) putLocked(p []byte) int {
	written := 0
	for written < len(p) && f.n < len(f.buf) {
		tail := (f.head + f.n) % len(f.buf)
		end := len(f.buf)
		if tail < f.head {
			end = f.head
		}
		c := copy(f.buf[tail:end], p[written:])
		written += c
		f.n += c
	}
	if written > 0 {
		f.broadcastLocked()
	}
	return written
}

// Put stores as many bytes of p as fit without blocking. If not all of p fits,
// the stored count is returned together with ErrFifoFull.
func (f *Fifo) Put(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, ErrFifoClosed
	}
	n := f.putLocked(p)
	if n < len(p) {
		return n, ErrFifoFull
	}
	return n, nil
}

// PutWait stores all of p, blocking while the FIFO is full.
func (f *Fifo) PutWait(ctx context.Context, p []byte) (int, error) {
	written := 0
	for {
		f.mu.Lock()
		if f.closed {
			f.mu.Unlock()
			return written, ErrFifoClosed
		}
		written += f.putLocked(p[written:])
		if written == len(p) {
			f.mu.Unlock()
			return written, nil
		}
		wait := f.changed
		f.mu.Unlock()

		select {
		case <-ctx.Done():
			return written, ctx.Err()
		case <-wait:
		}
	}
}

// takeLocked removes up to max bytes. With stopAtNewline the frame ends right
// after the first newline.
func (f *Fifo) takeLocked(max int, stopAtNewline bool) []byte {
	if max <= 0 || max > f.n {
		max = f.n
	}
	out := make([]byte, 0, max)
	for len(out) < max {
		c := f.buf[f.head]
		out = append(out, c)
		f.head = (f.head + 1) % len(f.buf)
		f.n--
		if stopAtNewline && c == newline {
			break
		}
	}
	if f.n == 0 {
		f.head = 0
	}
	f.broadcastLocked()
	return out
}

// ReadFrame blocks until at least one byte is queued and returns up to max
// bytes (all queued bytes if max <= 0). With stopAtNewline the frame is
// terminated after the first newline, the way the firmware console drains its
// uplink queue. A closed FIFO still yields its remaining bytes before
// returning ErrFifoClosed.
func (f *Fifo) ReadFrame(ctx context.Context, max int, stopAtNewline bool) ([]byte, error) {
	for {
		f.mu.Lock()
		if f.n > 0 {
			out := f.takeLocked(max, stopAtNewline)
			f.mu.Unlock()
			return out, nil
		}
		if f.closed {
			f.mu.Unlock()
			return nil, ErrFifoClosed
		}
		wait := f.changed
		f.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		}
	}
}

// Getc returns one byte, blocking until one is available.
func (f *Fifo) Getc(ctx context.Context) (byte, error) {
	b, err := f.ReadFrame(ctx, 1, false)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// GetLine returns bytes up to and including the next newline, or max bytes
// if no newline comes first.
func (f *Fifo) GetLine(ctx context.Context, max int) ([]byte, error) {
	return f.ReadFrame(ctx, max, true)
}

// Reset discards all queued bytes.
func (f *Fifo) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.head, f.n = 0, 0
	f.broadcastLocked()
}

// Close wakes all waiters. Further puts fail; queued bytes can still be read.
func (f *Fifo) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	f.broadcastLocked()
}
