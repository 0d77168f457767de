// Package feature defines the catalogue of microarchitectural resources
// probed during profiling: their contention type, pressure levels, and the
// per-machine capacity tables used to translate pressure levels into
// resource units.
package feature

import (
	"fmt"
	"math"
)

// Type classifies how a resource degrades under contention, which in turn
// determines how many pressure levels the profiler probes it with.
type Type int

const (
	// Sequential resources (issue queues, the µop cache) fill entry by
	// entry; probed at low, medium, and high pressure.
	Sequential Type = iota
	// Parallel resources (caches, the DTLB) are shared capacity; probed
	// at low and high pressure.
	Parallel
	// Port resources (execution ports) are all-or-nothing; probed at
	// high pressure only.
	Port
)

func (t Type) String() string {
	switch t {
	case Sequential:
		return "sequential"
	case Parallel:
		return "parallel"
	case Port:
		return "port"
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// Levels returns the number of pressure levels probed for this type.
func (t Type) Levels() int {
	switch t {
	case Sequential:
		return 3
	case Parallel:
		return 2
	default:
		return 1
	}
}

// Pressure levels, encoded as stored in measurement documents. For port
// features the single (high) level is encoded as 0.
const (
	Low    = 0
	Medium = 1
	High   = 2
)

// MediumRatio scales the usable capacity of a sequential resource to get
// the medium pressure value.
const MediumRatio = 0.8

// Feature describes one catalogue entry.
type Feature struct {
	Name      string
	Type      Type
	Size      int // capacity in resource units; 0 for ports
	Watermark int // reserved headroom below Size
	ID        int // stable catalogue id
}

// Usable returns the capacity available to injectors (Size − Watermark).
func (f Feature) Usable() int { return f.Size - f.Watermark }

// HighLevel returns the document encoding of this feature's highest
// pressure level.
func (f Feature) HighLevel() int {
	return f.Type.Levels() - 1
}

// PressureValues returns the pressure values, in resource units, for each
// of the feature's levels in ascending order.
func (f Feature) PressureValues() []float64 {
	switch f.Type {
	case Sequential:
		usable := float64(f.Usable())
		return []float64{1, math.Floor(usable * MediumRatio), usable}
	case Parallel:
		return []float64{1, 4}
	default:
		return []float64{1}
	}
}

// catalogue is the fixed ordered list of probe-able resources. Order is
// load-bearing: catalogue ids and document feature_id values derive from it.
var catalogue = []Feature{
	{Name: "uop_cache", Type: Sequential, Size: 8, Watermark: 4},
	{Name: "int_port", Type: Port},
	{Name: "int_isq", Type: Sequential, Size: 75, Watermark: 6},
	{Name: "fp_port", Type: Port},
	{Name: "fp_isq", Type: Sequential, Size: 75, Watermark: 6},
	{Name: "load_isq", Type: Sequential, Size: 46, Watermark: 8},
	{Name: "l1_dcache", Type: Parallel, Size: 64 * 12},
	{Name: "l2_cache", Type: Parallel, Size: 1024 * 8},
	{Name: "l1_dtlb", Type: Parallel, Size: 16 * 4},
}

func init() {
	for i := range catalogue {
		catalogue[i].ID = i
	}
}

// Auxiliary resources measured during profiling but never part of the
// prediction feature set.
const (
	// SingleName is the synthetic feature under which a workload's solo
	// IPC is stored (pressure 0, run_type workload).
	SingleName = "single"
	// L3Name is the last-level cache, used only for the scale-factor
	// measurement (workload IPC under an L3 high injector).
	L3Name = "l3_cache"
)

// Synthetic job ids for baseline injector-only measurements.
const (
	JobInjectorSingle int32 = -1
	JobInjectorLow    int32 = -2
	JobInjectorHigh   int32 = -3
)

// Catalogue returns a copy of the full ordered catalogue.
func Catalogue() []Feature {
	out := make([]Feature, len(catalogue))
	copy(out, catalogue)
	return out
}

// Lookup finds a catalogue entry by name.
func Lookup(name string) (Feature, bool) {
	for _, f := range catalogue {
		if f.Name == name {
			return f, true
		}
	}
	return Feature{}, false
}

// DefaultTargets is the target feature subset used when none is configured.
var DefaultTargets = []string{
	"int_port", "int_isq", "fp_port", "load_isq", "l1_dcache", "l2_cache", "l1_dtlb",
}

// Set is an ordered subset of the catalogue with dense indices. The dense
// index of a feature is its position in the subset; the catalogue id stays
// stable regardless of which subset is active.
type Set struct {
	feats []Feature
	index map[string]int
}

// NewSet builds a Set from feature names. Names must appear in catalogue
// order and may not repeat.
func NewSet(names []string) (*Set, error) {
	s := &Set{index: make(map[string]int, len(names))}
	last := -1
	for _, name := range names {
		f, ok := Lookup(name)
		if !ok {
			return nil, fmt.Errorf("feature: unknown feature %q", name)
		}
		if f.ID <= last {
			return nil, fmt.Errorf("feature: %q out of catalogue order or duplicated", name)
		}
		last = f.ID
		s.index[name] = len(s.feats)
		s.feats = append(s.feats, f)
	}
	if len(s.feats) == 0 {
		return nil, fmt.Errorf("feature: empty target set")
	}
	return s, nil
}

// Default returns the Set for DefaultTargets.
func Default() *Set {
	s, err := NewSet(DefaultTargets)
	if err != nil {
		panic(err) // catalogue and DefaultTargets are compile-time constants
	}
	return s
}

// Len returns the number of active features.
func (s *Set) Len() int { return len(s.feats) }

// Features returns the active features in dense-index order.
func (s *Set) Features() []Feature { return s.feats }

// At returns the feature at dense index i.
func (s *Set) At(i int) Feature { return s.feats[i] }

// Index returns the dense index for a feature name.
func (s *Set) Index(name string) (int, bool) {
	i, ok := s.index[name]
	return i, ok
}

// Contains reports whether the named feature is in the active set.
func (s *Set) Contains(name string) bool {
	_, ok := s.index[name]
	return ok
}

// DocID returns the feature_id value stored in measurement documents:
// the dense index for active features, -1 otherwise.
func (s *Set) DocID(name string) int32 {
	if i, ok := s.index[name]; ok {
		return int32(i)
	}
	return -1
}

// DocType returns the feature_type value stored in measurement documents:
// the type ordinal for active features, -1 otherwise.
func (s *Set) DocType(name string) int32 {
	if i, ok := s.index[name]; ok {
		return int32(s.feats[i].Type)
	}
	return -1
}

// Names returns the active feature names in dense-index order.
func (s *Set) Names() []string {
	names := make([]string, len(s.feats))
	for i, f := range s.feats {
		names[i] = f.Name
	}
	return names
}
