// Package scoretable maintains the symmetric symbiotic-score table over
// the active job set. The completion drainer is the only writer; the
// affinity planner reads concurrently through the table's lock.
package scoretable

import (
	"sort"
	"sync"

	"github.com/smtsched/smtsched/internal/characterize"
	"github.com/smtsched/smtsched/internal/feature"
	"github.com/smtsched/smtsched/internal/model"
)

// pairKey is an unordered job pair; lo <= hi.
type pairKey struct {
	lo, hi int32
}

func key(a, b int32) pairKey {
	if a > b {
		a, b = b, a
	}
	return pairKey{a, b}
}

// Table holds characteristics and symbiotic scores for active jobs.
type Table struct {
	mu       sync.RWMutex
	set      *feature.Set
	model    *model.Model
	profiles map[int32]*characterize.JobProfile
	stale    map[int32]struct{}
	sym      map[pairKey]float64
}

// New creates an empty Table bound to a feature set and model.
func New(set *feature.Set, m *model.Model) *Table {
	return &Table{
		set:      set,
		model:    m,
		profiles: make(map[int32]*characterize.JobProfile),
		stale:    make(map[int32]struct{}),
		sym:      make(map[pairKey]float64),
	}
}

// Add installs (or replaces) a job's characterization and marks it stale.
// Scores from the new characterization are not visible until the next
// Refresh; a replaced job keeps its previous scores until then.
func (t *Table) Add(p *characterize.JobProfile) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.profiles[p.Job] = p
	t.stale[p.Job] = struct{}{}
}

// Expire removes a job and every score involving it.
func (t *Table) Expire(job int32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.profiles, job)
	delete(t.stale, job)
	for k := range t.sym {
		if k.lo == job || k.hi == job {
			delete(t.sym, k)
		}
	}
}

// Refresh recomputes every pair (including self-pairs) that touches the
// stale set, then clears it. Returns the number of pairs recomputed.
// Invoked once per batched completion wave, never per event.
func (t *Table) Refresh() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.stale) == 0 {
		return 0
	}

	recomputed := 0
	for ja, pa := range t.profiles {
		for jb, pb := range t.profiles {
			if jb < ja {
				continue
			}
			_, aStale := t.stale[ja]
			_, bStale := t.stale[jb]
			if !aStale && !bStale {
				continue
			}
			t.sym[key(ja, jb)] = t.model.SymbioticScore(pa, pb, t.set)
			recomputed++
		}
	}
	t.stale = make(map[int32]struct{})
	return recomputed
}

// Score returns the symbiotic score for a job pair, if computed.
func (t *Table) Score(a, b int32) (float64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sym[key(a, b)]
	return s, ok
}

// Has reports whether the job's characteristics are loaded.
func (t *Table) Has(job int32) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.profiles[job]
	return ok
}

// Profile returns a job's characterization.
func (t *Table) Profile(job int32) (*characterize.JobProfile, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.profiles[job]
	return p, ok
}

// Active returns the active job ids, sorted.
func (t *Table) Active() []int32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	jobs := make([]int32, 0, len(t.profiles))
	for j := range t.profiles {
		jobs = append(jobs, j)
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i] < jobs[k] })
	return jobs
}

// StaleCount returns how many jobs await the next Refresh.
func (t *Table) StaleCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.stale)
}
