package blelink

import "errors"

var (
	ErrClosed          = errors.New("blelink: closed")
	ErrNotInitialized  = errors.New("blelink: service not initialized")
	ErrPortNotOpen     = errors.New("blelink: serial endpoint not open")
	ErrInvalidBuffer   = errors.New("blelink: invalid buffer")
	ErrBufferTooLarge  = errors.New("blelink: buffer exceeds maximum size")
	ErrWriteTimeout    = errors.New("blelink: write timeout")
	ErrInvalidPortName = errors.New("blelink: invalid port name")
)

var (
	ErrFifoFull   = errors.New("blelink: fifo full")
	ErrFifoClosed = errors.New("blelink: fifo closed")
)

var (
	ErrNotConnected    = errors.New("blelink: peripheral not connected")
	ErrNoChannel       = errors.New("blelink: profile has no such characteristic")
	ErrCommandTooLarge = errors.New("blelink: command exceeds the peripheral limit")
	ErrDeviceNotFound  = errors.New("blelink: no matching peripheral found")
	ErrUnknownProfile  = errors.New("blelink: unknown profile")
)
