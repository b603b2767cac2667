//go:build windows

package blelink

import "os"

func pollable(f *os.File) (*os.File, error) {
	return f, nil
}
