//go:build !linux

package serialport

import "os"

// setRaw is a no-op off Linux; the bridge targets Raspberry Pi hardware and
// PTY mode elsewhere is best effort.
func setRaw(_ *os.File) error {
	return nil
}
