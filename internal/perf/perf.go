// Package perf opens per-CPU hardware cycle and instruction counters and
// reads them out as IPC. Counters are user-mode only and inherited by
// children, so a pinned workload's whole process tree is attributed to
// its CPU.
package perf

import (
	"errors"
	"runtime"
)

// ErrUnsupportedArch means the host ISA has no known perf_event_open
// binding.
var ErrUnsupportedArch = errors.New("perf: unsupported host architecture")

// supportedArch reports whether the host ISA is one the profiler knows.
func supportedArch() bool {
	switch runtime.GOARCH {
	case "amd64", "arm64", "riscv64":
		return true
	}
	return false
}

// ipc computes instructions per cycle, 0.0 when no cycles elapsed.
func ipc(instructions, cycles uint64) float64 {
	if cycles == 0 {
		return 0.0
	}
	return float64(instructions) / float64(cycles)
}
