package topology

import (
	"path/filepath"
	"testing"
)

// The fixture models a single-socket machine with two physical cores:
// core 0 = cpus {0, 2}, core 1 = cpus {1, 3}.
func fixtureMap(t *testing.T) *Map {
	t.Helper()
	root, err := filepath.Abs("testdata/sys")
	if err != nil {
		t.Fatal(err)
	}
	m, err := Discover(root)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	return m
}

func TestDiscoverCores(t *testing.T) {
	m := fixtureMap(t)

	cores := m.Cores()
	if len(cores) != 2 {
		t.Fatalf("cores = %d, want 2", len(cores))
	}

	if cores[0].CPUs[0] != 0 || cores[0].CPUs[1] != 2 {
		t.Errorf("core 0 CPUs = %v, want [0 2]", cores[0].CPUs)
	}
	if cores[1].CPUs[0] != 1 || cores[1].CPUs[1] != 3 {
		t.Errorf("core 1 CPUs = %v, want [1 3]", cores[1].CPUs)
	}
	for _, c := range cores {
		if c.Socket != 0 {
			t.Errorf("core %d socket = %d, want 0", c.ID, c.Socket)
		}
	}
}

func TestSiblingsAndSockets(t *testing.T) {
	m := fixtureMap(t)

	sib, ok := m.Siblings(2)
	if !ok || len(sib) != 2 || sib[0] != 0 || sib[1] != 2 {
		t.Errorf("Siblings(2) = %v,%v, want [0 2],true", sib, ok)
	}
	if _, ok := m.Siblings(9); ok {
		t.Error("Siblings(9) should not exist")
	}

	s, ok := m.SocketOf(3)
	if !ok || s != 0 {
		t.Errorf("SocketOf(3) = %d,%v, want 0,true", s, ok)
	}

	cpus := m.CPUs()
	if len(cpus) != 4 {
		t.Fatalf("CPUs = %v, want 4 entries", cpus)
	}
	for i, want := range []int{0, 1, 2, 3} {
		if cpus[i] != want {
			t.Errorf("CPUs[%d] = %d, want %d", i, cpus[i], want)
		}
	}
}

func TestSMTCores(t *testing.T) {
	m := fixtureMap(t)
	if got := len(m.SMTCores()); got != 2 {
		t.Errorf("SMTCores = %d, want 2", got)
	}
}

func TestDiscoverMissingRoot(t *testing.T) {
	if _, err := Discover("testdata/nonexistent"); err == nil {
		t.Error("expected error for missing sysfs root")
	}
}
