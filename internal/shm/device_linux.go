//go:build linux

package shm

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// DevicePath is the IPC monitor character device.
const DevicePath = "/dev/IPC_monitor"

// resetCountersIoctl is _IO('I', 0): zero all slot counters.
const resetCountersIoctl = 0x4900

// Device is the mmap-backed reader over /dev/IPC_monitor.
type Device struct {
	*Reader
	fd   int
	mmap []byte
}

// OpenDevice maps the IPC monitor's shared region read-write.
func OpenDevice(path string) (*Device, error) {
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("shm: open %s: %w", path, err)
	}

	page := unix.Getpagesize()
	mapLen := (RegionSize + page - 1) &^ (page - 1)
	data, err := unix.Mmap(fd, 0, mapLen, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("shm: mmap %s: %w", path, err)
	}

	r, err := NewReader(data[:RegionSize])
	if err != nil {
		_ = unix.Munmap(data)
		_ = unix.Close(fd)
		return nil, err
	}
	return &Device{Reader: r, fd: fd, mmap: data}, nil
}

// ResetCounters asks the kernel to zero every slot's counters. Used after
// each telemetry window so the next read covers a fresh interval.
func (d *Device) ResetCounters() error {
	if err := unix.IoctlSetInt(d.fd, resetCountersIoctl, 0); err != nil {
		return fmt.Errorf("shm: reset counters: %w", err)
	}
	return nil
}

// Close unmaps the region and closes the device.
func (d *Device) Close() error {
	var first error
	if err := unix.Munmap(d.mmap); err != nil {
		first = err
	}
	if err := unix.Close(d.fd); err != nil && first == nil {
		first = err
	}
	return first
}
