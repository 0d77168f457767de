// Package affinity plans and applies sibling-pair CPU assignments for
// live process groups, combining the symbiotic score table with live IPC
// telemetry from kernel shared memory.
package affinity

import (
	"context"
	"sort"

	"github.com/rs/zerolog"

	"github.com/smtsched/smtsched/internal/shm"
	"github.com/smtsched/smtsched/internal/topology"
)

// Workload is one live process group eligible for placement.
type Workload struct {
	PGID  int32
	JobID int32
	IPC   float64 // live IPC from the last telemetry window
}

// Assignment pins one process group to a CPU set.
type Assignment struct {
	PGID  int32
	JobID int32
	CPUs  []int
}

// Scores is the planner's read-only view of the score table.
type Scores interface {
	Score(a, b int32) (float64, bool)
	Has(job int32) bool
}

// Plan computes a sibling-pair assignment. Pairs are chosen greedily by
// descending symbiotic score; multi-threaded jobs take both siblings of a
// core and are never paired. Workloads whose jobs are not yet
// characterized are left unplaced, as are workloads beyond core capacity.
func Plan(workloads []Workload, cores []topology.Core, scores Scores, multiThreaded map[int32]bool) []Assignment {
	var eligible, exclusive []Workload
	for _, w := range workloads {
		if !scores.Has(w.JobID) {
			continue
		}
		if multiThreaded[w.JobID] {
			exclusive = append(exclusive, w)
		} else {
			eligible = append(eligible, w)
		}
	}

	// Deterministic order keeps replans stable when scores tie.
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].PGID < eligible[j].PGID })
	sort.Slice(exclusive, func(i, j int) bool { return exclusive[i].PGID < exclusive[j].PGID })

	type pair struct {
		a, b  int // indices into eligible
		score float64
	}
	var pairs []pair
	for i := 0; i < len(eligible); i++ {
		for j := i + 1; j < len(eligible); j++ {
			s, ok := scores.Score(eligible[i].JobID, eligible[j].JobID)
			if !ok {
				continue
			}
			pairs = append(pairs, pair{i, j, s})
		}
	}
	sort.SliceStable(pairs, func(i, j int) bool { return pairs[i].score > pairs[j].score })

	var (
		out     []Assignment
		coreIdx int
		used    = make([]bool, len(eligible))
	)
	place := func(w Workload, cpus []int) {
		out = append(out, Assignment{PGID: w.PGID, JobID: w.JobID, CPUs: cpus})
	}

	nextCore := func() (topology.Core, bool) {
		if coreIdx >= len(cores) {
			return topology.Core{}, false
		}
		c := cores[coreIdx]
		coreIdx++
		return c, true
	}

	// Multi-threaded workloads first: a full core each.
	for _, w := range exclusive {
		core, ok := nextCore()
		if !ok {
			return out
		}
		place(w, core.CPUs)
	}

	// Best-scoring pairs onto the remaining cores.
	for _, p := range pairs {
		if used[p.a] || used[p.b] {
			continue
		}
		core, ok := nextCore()
		if !ok {
			return out
		}
		if len(core.CPUs) < 2 {
			// Non-SMT core cannot host a pair; give it to one side.
			used[p.a] = true
			place(eligible[p.a], core.CPUs)
			continue
		}
		used[p.a], used[p.b] = true, true
		place(eligible[p.a], core.CPUs[:1])
		place(eligible[p.b], core.CPUs[1:2])
	}

	// Leftover singles get a core to themselves.
	for i, w := range eligible {
		if used[i] {
			continue
		}
		core, ok := nextCore()
		if !ok {
			return out
		}
		used[i] = true
		place(w, core.CPUs)
	}
	return out
}

// SlotSource supplies live telemetry.
type SlotSource interface {
	Snapshot() ([]shm.Slot, int)
}

// CounterReset zeroes the kernel's slot counters after a window.
type CounterReset interface {
	ResetCounters() error
}

// Applier moves a process group onto a CPU set.
type Applier interface {
	Apply(pgid int32, cpus []int) error
}

// Planner wires telemetry, scores, and topology into periodic replans.
type Planner struct {
	log           zerolog.Logger
	topo          *topology.Map
	scores        Scores
	slots         SlotSource
	reset         CounterReset // may be nil when telemetry has no device
	applier       Applier
	multiThreaded map[int32]bool

	// LiveSlots and SkippedSlots observers; nil-safe.
	onTelemetry func(live, skipped int)
}

// NewPlanner creates a Planner. reset may be nil.
func NewPlanner(log zerolog.Logger, topo *topology.Map, scores Scores, slots SlotSource,
	reset CounterReset, applier Applier, multiThreaded map[int32]bool) *Planner {
	return &Planner{
		log:           log.With().Str("component", "affinity").Logger(),
		topo:          topo,
		scores:        scores,
		slots:         slots,
		reset:         reset,
		applier:       applier,
		multiThreaded: multiThreaded,
	}
}

// OnTelemetry registers a callback fed with each window's slot counts.
func (p *Planner) OnTelemetry(fn func(live, skipped int)) { p.onTelemetry = fn }

// Reschedule reads one telemetry window, plans, and applies. Apply
// failures are logged per process group and never escalate.
func (p *Planner) Reschedule(ctx context.Context) error {
	slots, skipped := p.slots.Snapshot()
	if p.onTelemetry != nil {
		p.onTelemetry(len(slots), skipped)
	}
	if skipped > 0 {
		p.log.Warn().Int("slots", skipped).Msg("skipped inconsistent shared-memory slots")
	}

	var workloads []Workload
	for _, s := range slots {
		if s.PGID <= 0 {
			continue
		}
		workloads = append(workloads, Workload{PGID: s.PGID, JobID: s.GlobalJobID, IPC: s.IPC()})
	}
	if len(workloads) == 0 {
		return nil
	}

	plan := Plan(workloads, p.topo.SMTCores(), p.scores, p.multiThreaded)
	for _, a := range plan {
		if err := p.applier.Apply(a.PGID, a.CPUs); err != nil {
			p.log.Warn().Err(err).Int32("pgid", a.PGID).Ints("cpus", a.CPUs).
				Msg("affinity apply failed")
			continue
		}
		p.log.Debug().Int32("pgid", a.PGID).Int32("job", a.JobID).Ints("cpus", a.CPUs).
			Msg("affinity applied")
	}

	if p.reset != nil {
		if err := p.reset.ResetCounters(); err != nil {
			p.log.Warn().Err(err).Msg("counter reset failed")
		}
	}
	return nil
}
