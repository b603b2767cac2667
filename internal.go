package blelink

import (
	"errors"
)

// handleOpenError closes a half-opened port and joins any error from closing
// with the original error.
func handleOpenError(p SerialPort, err error) error {
	if e := p.Close(); e != nil {
		err = errors.Join(err, e)
	}
	return err
}
