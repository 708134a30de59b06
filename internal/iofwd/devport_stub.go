//go:build !linux

package iofwd

import "fmt"

// DevPort is only available on Linux, where /dev/port exposes the host port
// space.
type DevPort struct{}

func OpenDevPort() (*DevPort, error) {
	return nil, fmt.Errorf("iofwd: host port passthrough unsupported on this platform")
}

func (d *DevPort) Close() error { return nil }

func (d *DevPort) ReadPort(port uint16, size uint32) (uint64, error) {
	return 0, fmt.Errorf("iofwd: host port passthrough unsupported on this platform")
}

func (d *DevPort) WritePort(port uint16, size uint32, value uint64) error {
	return fmt.Errorf("iofwd: host port passthrough unsupported on this platform")
}
