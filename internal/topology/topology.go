// Package topology enumerates physical cores and their SMT siblings from
// sysfs. The sysfs root is a parameter so tests can run against fixtures.
package topology

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Core is one physical core and its logical CPUs, sorted ascending. On an
// SMT machine each core carries exactly two siblings.
type Core struct {
	ID     int // dense index in (socket, core id) order
	Socket int
	CPUs   []int
}

// Map is the machine's CPU topology.
type Map struct {
	cores   []Core
	sockets map[int]int // logical cpu -> socket
	byCPU   map[int]int // logical cpu -> dense core index
}

var cpuDirRe = regexp.MustCompile(`^cpu(\d+)$`)

// Discover reads the topology under sysRoot (normally "/sys").
func Discover(sysRoot string) (*Map, error) {
	cpuRoot := filepath.Join(sysRoot, "devices", "system", "cpu")
	entries, err := os.ReadDir(cpuRoot)
	if err != nil {
		return nil, fmt.Errorf("topology: read %s: %w", cpuRoot, err)
	}

	type coreKey struct{ socket, core int }
	grouped := make(map[coreKey][]int)
	sockets := make(map[int]int)

	for _, e := range entries {
		m := cpuDirRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		cpu, _ := strconv.Atoi(m[1])
		topoDir := filepath.Join(cpuRoot, e.Name(), "topology")

		coreID, err := readInt(filepath.Join(topoDir, "core_id"))
		if err != nil {
			// Offline CPUs have no topology directory.
			continue
		}
		socket, err := readInt(filepath.Join(topoDir, "physical_package_id"))
		if err != nil {
			return nil, err
		}

		k := coreKey{socket, coreID}
		grouped[k] = append(grouped[k], cpu)
		sockets[cpu] = socket
	}
	if len(grouped) == 0 {
		return nil, fmt.Errorf("topology: no CPUs found under %s", cpuRoot)
	}

	keys := make([]coreKey, 0, len(grouped))
	for k := range grouped {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].socket != keys[j].socket {
			return keys[i].socket < keys[j].socket
		}
		return keys[i].core < keys[j].core
	})

	m := &Map{sockets: sockets, byCPU: make(map[int]int)}
	for i, k := range keys {
		cpus := grouped[k]
		sort.Ints(cpus)
		m.cores = append(m.cores, Core{ID: i, Socket: k.socket, CPUs: cpus})
		for _, cpu := range cpus {
			m.byCPU[cpu] = i
		}
	}
	return m, nil
}

func readInt(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("topology: parse %s: %w", path, err)
	}
	return v, nil
}

// Cores returns all physical cores in (socket, core) order.
func (m *Map) Cores() []Core { return m.cores }

// SMTCores returns only the cores with exactly two logical CPUs.
func (m *Map) SMTCores() []Core {
	var out []Core
	for _, c := range m.cores {
		if len(c.CPUs) == 2 {
			out = append(out, c)
		}
	}
	return out
}

// Siblings returns the logical CPUs sharing cpu's physical core.
func (m *Map) Siblings(cpu int) ([]int, bool) {
	i, ok := m.byCPU[cpu]
	if !ok {
		return nil, false
	}
	return m.cores[i].CPUs, true
}

// SocketOf returns the socket a logical CPU belongs to.
func (m *Map) SocketOf(cpu int) (int, bool) {
	s, ok := m.sockets[cpu]
	return s, ok
}

// CPUs returns every known logical CPU, sorted.
func (m *Map) CPUs() []int {
	cpus := make([]int, 0, len(m.sockets))
	for cpu := range m.sockets {
		cpus = append(cpus, cpu)
	}
	sort.Ints(cpus)
	return cpus
}
