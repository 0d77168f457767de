//go:build linux

package kernelmon

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// RuntimeMonitorPath is the runtime monitor character device.
const RuntimeMonitorPath = "/dev/runtime_monitor"

// RuntimeMonitor issues control ioctls to the runtime_monitor module.
type RuntimeMonitor struct {
	fd int
}

// OpenRuntimeMonitor opens the control device.
func OpenRuntimeMonitor(path string) (*RuntimeMonitor, error) {
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("kernelmon: open %s: %w", path, err)
	}
	return &RuntimeMonitor{fd: fd}, nil
}

func (m *RuntimeMonitor) ioctl(req uintptr, arg unsafe.Pointer) error {
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(m.fd), req, uintptr(arg))
		if errno == 0 {
			return nil
		}
		if errno == unix.EINTR {
			continue
		}
		return errno
	}
}

// RegisterPGID tells the kernel to watch a process group. Registering an
// already-watched PGID is idempotent on the kernel side.
func (m *RuntimeMonitor) RegisterPGID(pgid, jobID, workers int32) error {
	arg := struct{ pgid, jobID, workers int32 }{pgid, jobID, workers}
	if err := m.ioctl(reqAddPGID, unsafe.Pointer(&arg)); err != nil {
		return fmt.Errorf("kernelmon: add pgid %d: %w", pgid, err)
	}
	return nil
}

// RemovePGID stops watching a process group.
func (m *RuntimeMonitor) RemovePGID(pgid int32) error {
	if err := m.ioctl(reqRemovePGID, unsafe.Pointer(&pgid)); err != nil {
		return fmt.Errorf("kernelmon: remove pgid %d: %w", pgid, err)
	}
	return nil
}

// SetThreshold sets the long-running detection threshold in seconds.
func (m *RuntimeMonitor) SetThreshold(seconds int32) error {
	if err := m.ioctl(reqSetThreshold, unsafe.Pointer(&seconds)); err != nil {
		return fmt.Errorf("kernelmon: set threshold: %w", err)
	}
	return nil
}

// SetDataLoader tells the kernel which process receives netlink events.
func (m *RuntimeMonitor) SetDataLoader(pid int32) error {
	if err := m.ioctl(reqSetDataLoader, unsafe.Pointer(&pid)); err != nil {
		return fmt.Errorf("kernelmon: set data loader: %w", err)
	}
	return nil
}

// RequestProfile is the reserved kernel-side profile trigger; kept for ABI
// completeness.
func (m *RuntimeMonitor) RequestProfile(jobID int32) error {
	if err := m.ioctl(reqRequestProfile, unsafe.Pointer(&jobID)); err != nil {
		return fmt.Errorf("kernelmon: request profile %d: %w", jobID, err)
	}
	return nil
}

// Close releases the device.
func (m *RuntimeMonitor) Close() error {
	return unix.Close(m.fd)
}
