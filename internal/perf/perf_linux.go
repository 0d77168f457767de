//go:build linux

package perf

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// Counter is the cycles/instructions pair for one logical CPU. The two
// underlying events are always enabled, reset, and disabled together.
type Counter struct {
	cpu     int
	cycles  int // perf fd
	instrs  int // perf fd
	enabled bool
}

// Open creates the counter pair for one CPU: user-mode only, disabled,
// inherited across forks.
func Open(cpu int) (*Counter, error) {
	if !supportedArch() {
		return nil, ErrUnsupportedArch
	}

	open := func(config uint64) (int, error) {
		attr := unix.PerfEventAttr{
			Type:   unix.PERF_TYPE_HARDWARE,
			Config: config,
			Bits: unix.PerfBitDisabled | unix.PerfBitInherit |
				unix.PerfBitExcludeKernel | unix.PerfBitExcludeHv,
		}
		attr.Size = uint32(unix.PERF_ATTR_SIZE_VER1)
		return unix.PerfEventOpen(&attr, -1, cpu, -1, unix.PERF_FLAG_FD_CLOEXEC)
	}

	cyc, err := open(unix.PERF_COUNT_HW_CPU_CYCLES)
	if err != nil {
		return nil, fmt.Errorf("perf: open cycles cpu=%d: %w", cpu, err)
	}
	ins, err := open(unix.PERF_COUNT_HW_INSTRUCTIONS)
	if err != nil {
		_ = unix.Close(cyc)
		return nil, fmt.Errorf("perf: open instructions cpu=%d: %w", cpu, err)
	}
	return &Counter{cpu: cpu, cycles: cyc, instrs: ins}, nil
}

// CPU returns the logical CPU this counter pair is bound to.
func (c *Counter) CPU() int { return c.cpu }

func (c *Counter) each(req uint) error {
	for _, fd := range []int{c.cycles, c.instrs} {
		if err := unix.IoctlSetInt(fd, req, 0); err != nil {
			return fmt.Errorf("perf: ioctl %#x cpu=%d: %w", req, c.cpu, err)
		}
	}
	return nil
}

// EnableReset zeroes both counters and starts them. Idempotent.
func (c *Counter) EnableReset() error {
	if err := c.each(unix.PERF_EVENT_IOC_RESET); err != nil {
		return err
	}
	if err := c.each(unix.PERF_EVENT_IOC_ENABLE); err != nil {
		return err
	}
	c.enabled = true
	return nil
}

// Disable stops both counters. Idempotent.
func (c *Counter) Disable() error {
	if err := c.each(unix.PERF_EVENT_IOC_DISABLE); err != nil {
		return err
	}
	c.enabled = false
	return nil
}

func readValue(fd int) (uint64, error) {
	buf := make([]byte, 8)
	if _, err := unix.Read(fd, buf); err != nil {
		return 0, err
	}
	return binary.NativeEndian.Uint64(buf), nil
}

// ReadIPC returns instructions/cycles since the last reset, 0.0 when no
// cycles elapsed.
func (c *Counter) ReadIPC() (float64, error) {
	cyc, err := readValue(c.cycles)
	if err != nil {
		return 0, fmt.Errorf("perf: read cycles cpu=%d: %w", c.cpu, err)
	}
	ins, err := readValue(c.instrs)
	if err != nil {
		return 0, fmt.Errorf("perf: read instructions cpu=%d: %w", c.cpu, err)
	}
	return ipc(ins, cyc), nil
}

// Close releases both event descriptors.
func (c *Counter) Close() error {
	var first error
	for _, fd := range []int{c.cycles, c.instrs} {
		if err := unix.Close(fd); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Group opens counters for a set of CPUs and releases them together.
type Group struct {
	byCPU map[int]*Counter
}

// OpenGroup opens a counter pair per CPU; on any failure everything
// already opened is released.
func OpenGroup(cpus []int) (*Group, error) {
	g := &Group{byCPU: make(map[int]*Counter, len(cpus))}
	for _, cpu := range cpus {
		c, err := Open(cpu)
		if err != nil {
			_ = g.Close()
			return nil, err
		}
		g.byCPU[cpu] = c
	}
	return g, nil
}

// Counter returns the pair for one CPU.
func (g *Group) Counter(cpu int) (*Counter, bool) {
	c, ok := g.byCPU[cpu]
	return c, ok
}

// EnableReset zeroes and starts the pair for one CPU.
func (g *Group) EnableReset(cpu int) error {
	c, ok := g.byCPU[cpu]
	if !ok {
		return fmt.Errorf("perf: no counter for cpu %d", cpu)
	}
	return c.EnableReset()
}

// Disable stops the pair for one CPU.
func (g *Group) Disable(cpu int) error {
	c, ok := g.byCPU[cpu]
	if !ok {
		return fmt.Errorf("perf: no counter for cpu %d", cpu)
	}
	return c.Disable()
}

// ReadIPC reads the pair for one CPU.
func (g *Group) ReadIPC(cpu int) (float64, error) {
	c, ok := g.byCPU[cpu]
	if !ok {
		return 0, fmt.Errorf("perf: no counter for cpu %d", cpu)
	}
	return c.ReadIPC()
}

// Close releases every counter in the group.
func (g *Group) Close() error {
	var first error
	for _, c := range g.byCPU {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
