//go:build linux

package iofwd

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// DevPort implements host port-space access through /dev/port, where the
// file offset selects the port. Requires CAP_SYS_RAWIO.
type DevPort struct {
	fd int
}

// OpenDevPort opens the host port space.
func OpenDevPort() (*DevPort, error) {
	fd, err := unix.Open("/dev/port", unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("iofwd: open /dev/port: %w", err)
	}
	return &DevPort{fd: fd}, nil
}

// Close releases the port-space handle.
func (d *DevPort) Close() error {
	if err := unix.Close(d.fd); err != nil {
		return fmt.Errorf("iofwd: close /dev/port: %w", err)
	}
	return nil
}

// ReadPort reads one value of 1, 2 or 4 bytes from a host port.
func (d *DevPort) ReadPort(port uint16, size uint32) (uint64, error) {
	if size != 1 && size != 2 && size != 4 {
		return 0, fmt.Errorf("iofwd: unsupported host port read size %d", size)
	}

	var buf [4]byte
	n, err := unix.Pread(d.fd, buf[:size], int64(port))
	if err != nil {
		return 0, fmt.Errorf("iofwd: read host port %#x: %w", port, err)
	}
	if n != int(size) {
		return 0, fmt.Errorf("iofwd: short read of host port %#x: %d of %d bytes", port, n, size)
	}
	return uint64(binary.LittleEndian.Uint32(buf[:])), nil
}

// WritePort writes one value of 1, 2 or 4 bytes to a host port.
func (d *DevPort) WritePort(port uint16, size uint32, value uint64) error {
	if size != 1 && size != 2 && size != 4 {
		return fmt.Errorf("iofwd: unsupported host port write size %d", size)
	}

	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(value))
	n, err := unix.Pwrite(d.fd, buf[:size], int64(port))
	if err != nil {
		return fmt.Errorf("iofwd: write host port %#x: %w", port, err)
	}
	if n != int(size) {
		return fmt.Errorf("iofwd: short write of host port %#x: %d of %d bytes", port, n, size)
	}
	return nil
}
