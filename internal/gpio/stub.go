//go:build !linux

package gpio

import "errors"

// ChipOpener returns an OpenFunc that always fails on non-Linux platforms.
func ChipOpener(chipName string, offset int) OpenFunc {
	return func(int) (Line, error) {
		return nil, errors.New("gpio: not supported on this platform (requires Linux)")
	}
}
