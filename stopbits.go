package blelink

import (
	"fmt"

	gobug "go.bug.st/serial"
)

type StopBits gobug.StopBits

func (sb StopBits) Get() gobug.StopBits {
	return gobug.StopBits(sb)
}

const (
	// StopBits1 represents 1 stop bit
	StopBits1 = StopBits(gobug.OneStopBit)
	// StopBits1Half represents 1.5 stop bits
	StopBits1Half = StopBits(gobug.OnePointFiveStopBits)
	// StopBits2 represents 2 stop bits
	StopBits2 = StopBits(gobug.TwoStopBits)
)

// ParseStopBits converts the numeric notation used in config files.
// Zero is accepted and means one stop bit.
func ParseStopBits(v float64) (StopBits, error) {
	switch v {
	case 0, 1:
		return StopBits1, nil
	case 1.5:
		return StopBits1Half, nil
	case 2:
		return StopBits2, nil
	}
	return StopBits1, fmt.Errorf("stop bits must be 0, 1, 1.5, or 2, got: %.1f", v)
}
