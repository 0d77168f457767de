//go:build linux

package affinity

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// ProcApplier applies CPU affinity to every task of a process group by
// walking procfs. The proc root is a parameter for tests.
type ProcApplier struct {
	ProcRoot string
}

// NewProcApplier returns an applier over /proc.
func NewProcApplier() *ProcApplier {
	return &ProcApplier{ProcRoot: "/proc"}
}

// Apply sets the affinity of each thread of each member process of pgid.
// Processes that exit mid-walk are skipped silently.
func (a *ProcApplier) Apply(pgid int32, cpus []int) error {
	if len(cpus) == 0 {
		return fmt.Errorf("affinity: empty CPU set for pgid %d", pgid)
	}
	var set unix.CPUSet
	for _, cpu := range cpus {
		set.Set(cpu)
	}

	pids, err := a.members(pgid)
	if err != nil {
		return err
	}
	if len(pids) == 0 {
		return fmt.Errorf("affinity: no processes in group %d", pgid)
	}

	var firstErr error
	for _, pid := range pids {
		taskDir := filepath.Join(a.ProcRoot, strconv.Itoa(pid), "task")
		tasks, err := os.ReadDir(taskDir)
		if err != nil {
			continue // process exited
		}
		for _, t := range tasks {
			tid, err := strconv.Atoi(t.Name())
			if err != nil {
				continue
			}
			if err := unix.SchedSetaffinity(tid, &set); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("affinity: pgid=%d tid=%d: %w", pgid, tid, err)
			}
		}
	}
	return firstErr
}

// members lists the PIDs whose process group is pgid.
func (a *ProcApplier) members(pgid int32) ([]int, error) {
	entries, err := os.ReadDir(a.ProcRoot)
	if err != nil {
		return nil, fmt.Errorf("affinity: read %s: %w", a.ProcRoot, err)
	}
	var pids []int
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		if pgrpOf(filepath.Join(a.ProcRoot, e.Name(), "stat")) == pgid {
			pids = append(pids, pid)
		}
	}
	return pids, nil
}

// pgrpOf parses the process group field (5th) of a /proc stat line,
// skipping past the parenthesized comm which may itself contain spaces.
func pgrpOf(statPath string) int32 {
	data, err := os.ReadFile(statPath)
	if err != nil {
		return -1
	}
	s := string(data)
	close := strings.LastIndexByte(s, ')')
	if close < 0 {
		return -1
	}
	fields := strings.Fields(s[close+1:])
	// After comm: state, ppid, pgrp, ...
	if len(fields) < 3 {
		return -1
	}
	v, err := strconv.ParseInt(fields[2], 10, 32)
	if err != nil {
		return -1
	}
	return int32(v)
}
