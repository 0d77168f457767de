// Package characterize turns raw per-resource IPC measurements into
// per-workload characteristic vectors: for every target feature a
// (sensitivity, usage, intensity, base slowdown) tuple in [0,1].
package characterize

import (
	"errors"
	"fmt"
	"math"

	"github.com/smtsched/smtsched/internal/feature"
	"github.com/smtsched/smtsched/internal/store"
)

// ErrMissingMeasurement is returned when a required measurement document is
// absent (or unusable) for the job being characterized. Characterization is
// all-or-nothing per job; the next kernel touch retries.
var ErrMissingMeasurement = errors.New("characterize: missing measurement")

// sensitivityFloor keeps sensitivity strictly positive so downstream
// divisions never see zero.
const sensitivityFloor = 1e-7

// usageGate disables the usage estimate for features the workload is
// essentially insensitive to; the fit is noise below this.
const usageGate = 0.05

// Characteristics is the 4-tuple describing one workload's interaction
// with one resource.
type Characteristics struct {
	Sensitivity  float64
	Usage        float64
	Intensity    float64
	BaseSlowdown float64
}

// JobProfile is the characterization result for one workload.
type JobProfile struct {
	Job      int32
	Features []Characteristics // dense index order of the active feature set
	// SingleIPC is the workload's solo IPC.
	SingleIPC float64
	// ScaleFactor is the IPC ceiling ratio under the L3 high injector,
	// used to rescale predicted slowdown into a compatibility score.
	ScaleFactor float64
}

type corpusKey struct {
	feature  string
	job      int32
	pressure int32
	run      string
}

// Corpus indexes measurement documents by identity for characterization
// lookups. Later documents win on duplicate identity, matching the store's
// oldest-first sort.
type Corpus struct {
	m map[corpusKey]float64
}

// NewCorpus builds a Corpus from one or more document batches (typically
// the job's own documents plus the injector baselines).
func NewCorpus(batches ...[]store.Measurement) *Corpus {
	c := &Corpus{m: make(map[corpusKey]float64)}
	for _, docs := range batches {
		for _, d := range docs {
			c.m[corpusKey{d.Feature, d.GlobalJobID, d.Pressure, d.RunType}] = d.IPC
		}
	}
	return c
}

// IPC looks up one measurement.
func (c *Corpus) IPC(feat string, job int32, pressure int, run string) (float64, bool) {
	v, ok := c.m[corpusKey{feat, job, int32(pressure), run}]
	return v, ok
}

// Engine characterizes workloads against a fixed feature set.
type Engine struct {
	set *feature.Set
}

// New returns an Engine for the given active feature set.
func New(set *feature.Set) *Engine {
	return &Engine{set: set}
}

// Characterize derives the full JobProfile for one job from its measurement
// corpus. comb supplies the co-run table used as a scale-factor fallback
// when the L3 measurement is absent; it may be nil.
func (e *Engine) Characterize(job int32, c *Corpus, comb map[int32]store.Combination) (*JobProfile, error) {
	solo, ok := c.IPC(feature.SingleName, job, 0, store.RunWorkload)
	if !ok || solo <= 0 {
		return nil, fmt.Errorf("%w: job=%d solo run", ErrMissingMeasurement, job)
	}

	p := &JobProfile{
		Job:       job,
		Features:  make([]Characteristics, e.set.Len()),
		SingleIPC: solo,
	}

	for i, f := range e.set.Features() {
		var (
			ch  Characteristics
			err error
		)
		switch f.Type {
		case feature.Sequential:
			ch, err = e.sequential(f, job, solo, c)
		case feature.Parallel:
			ch, err = e.parallel(f, job, solo, c)
		default:
			ch, err = e.port(f, job, solo, c)
		}
		if err != nil {
			return nil, err
		}
		p.Features[i] = finalize(ch)
	}

	sf, err := e.scaleFactor(job, solo, c, comb)
	if err != nil {
		return nil, err
	}
	p.ScaleFactor = sf
	return p, nil
}

// require fetches a measurement or fails the whole job.
func (e *Engine) require(c *Corpus, feat string, job int32, pressure int, run string) (float64, error) {
	v, ok := c.IPC(feat, job, pressure, run)
	if !ok || v <= 0 {
		return 0, fmt.Errorf("%w: feature=%s job=%d pressure=%d run=%s",
			ErrMissingMeasurement, feat, job, pressure, run)
	}
	return v, nil
}

func (e *Engine) sequential(f feature.Feature, job int32, solo float64, c *Corpus) (Characteristics, error) {
	wlLow, err := e.require(c, f.Name, job, feature.Low, store.RunWorkload)
	if err != nil {
		return Characteristics{}, err
	}
	wlMed, err := e.require(c, f.Name, job, feature.Medium, store.RunWorkload)
	if err != nil {
		return Characteristics{}, err
	}
	wlHigh, err := e.require(c, f.Name, job, feature.High, store.RunWorkload)
	if err != nil {
		return Characteristics{}, err
	}
	injCorun, err := e.require(c, f.Name, job, feature.Low, store.RunInjector)
	if err != nil {
		return Characteristics{}, err
	}
	injSolo, err := e.require(c, f.Name, feature.JobInjectorSingle, feature.Low, store.RunInjector)
	if err != nil {
		return Characteristics{}, err
	}

	ch := Characteristics{
		Intensity:    1 - injCorun/injSolo,
		BaseSlowdown: 1 - wlLow/solo,
		Sensitivity:  1 - wlHigh/wlLow,
	}
	ch.Usage = fitUsage(f, wlLow, wlMed, wlHigh, ch.Sensitivity)
	return ch, nil
}

// fitUsage estimates how many entries of a sequential resource the workload
// occupies. A straight line through the medium and high probe points is
// solved for the pressure at which the workload's low-pressure IPC would be
// reached; the distance from that point to the resource size is the
// workload's share.
func fitUsage(f feature.Feature, wlLow, wlMed, wlHigh, sensitivity float64) float64 {
	pv := f.PressureValues()
	pMed, pHigh := pv[1], pv[2]
	if pHigh == pMed {
		pMed -= 0.001
	}
	slope := (wlHigh - wlMed) / (pHigh - pMed)
	if slope == 0 {
		slope = 0.001
	} else if math.Abs(slope) < 0.001 {
		slope = math.Copysign(0.001, slope)
	}

	usable := float64(f.Usable())
	watermark := float64(f.Watermark)

	x := pMed + (wlLow-wlMed)/slope
	switch {
	case slope > 0:
		// IPC rising with pressure is anomalous; treat as minimal usage.
		x = usable
	case x <= watermark:
		x = watermark
	case x >= usable:
		x = usable
	}

	if sensitivity <= usageGate {
		return 0
	}
	return math.Max(0, (float64(f.Size)-x)/float64(f.Size))
}

func (e *Engine) parallel(f feature.Feature, job int32, solo float64, c *Corpus) (Characteristics, error) {
	high := f.HighLevel()

	wlLow, err := e.require(c, f.Name, job, feature.Low, store.RunWorkload)
	if err != nil {
		return Characteristics{}, err
	}
	wlHigh, err := e.require(c, f.Name, job, high, store.RunWorkload)
	if err != nil {
		return Characteristics{}, err
	}
	injCorunLow, err := e.require(c, f.Name, job, feature.Low, store.RunInjector)
	if err != nil {
		return Characteristics{}, err
	}
	injSoloLow, err := e.require(c, f.Name, feature.JobInjectorSingle, feature.Low, store.RunInjector)
	if err != nil {
		return Characteristics{}, err
	}
	injCorunHigh, err := e.require(c, f.Name, job, high, store.RunInjector)
	if err != nil {
		return Characteristics{}, err
	}
	// Baselines for the high injector: co-located with the low and the high
	// injector respectively, no workload present.
	injHighVsLow, err := e.require(c, f.Name, feature.JobInjectorLow, high, store.RunInjector)
	if err != nil {
		return Characteristics{}, err
	}
	injHighVsHigh, err := e.require(c, f.Name, feature.JobInjectorHigh, high, store.RunInjector)
	if err != nil {
		return Characteristics{}, err
	}

	ch := Characteristics{
		Intensity:    1 - injCorunLow/injSoloLow,
		BaseSlowdown: 1 - wlLow/solo,
		Sensitivity:  1 - wlHigh/wlLow,
	}
	if denom := injHighVsLow - injHighVsHigh; denom != 0 {
		ch.Usage = (injHighVsLow - injCorunHigh) / denom
	}
	return ch, nil
}

func (e *Engine) port(f feature.Feature, job int32, solo float64, c *Corpus) (Characteristics, error) {
	// Ports have a single (high) level, encoded as pressure 0.
	wlHigh, err := e.require(c, f.Name, job, 0, store.RunWorkload)
	if err != nil {
		return Characteristics{}, err
	}
	injCorun, err := e.require(c, f.Name, job, 0, store.RunInjector)
	if err != nil {
		return Characteristics{}, err
	}
	injSolo, err := e.require(c, f.Name, feature.JobInjectorSingle, 0, store.RunInjector)
	if err != nil {
		return Characteristics{}, err
	}

	slowdown := 1 - wlHigh/solo
	intensity := 1 - injCorun/injSolo
	return Characteristics{
		Sensitivity:  slowdown,
		BaseSlowdown: slowdown,
		Intensity:    intensity,
		Usage:        intensity,
	}, nil
}

// scaleFactor computes the job's IPC ceiling ratio: its IPC under the L3
// high injector over its solo IPC. Falls back to the self co-run ratio from
// the combination table when the L3 measurement is absent.
func (e *Engine) scaleFactor(job int32, solo float64, c *Corpus, comb map[int32]store.Combination) (float64, error) {
	l3High := 1 // l3_cache is a parallel resource
	if v, ok := c.IPC(feature.L3Name, job, l3High, store.RunWorkload); ok && v > 0 {
		return v / solo, nil
	}
	if cb, ok := comb[job]; ok && cb.Single > 0 {
		if self, ok := cb.Pairs[job]; ok {
			return self / cb.Single, nil
		}
	}
	return 0, fmt.Errorf("%w: job=%d scale factor (l3 run)", ErrMissingMeasurement, job)
}

// finalize clamps all four values into [0,1] and floors sensitivity.
func finalize(ch Characteristics) Characteristics {
	ch.Sensitivity = clamp01(ch.Sensitivity)
	ch.Usage = clamp01(ch.Usage)
	ch.Intensity = clamp01(ch.Intensity)
	ch.BaseSlowdown = clamp01(ch.BaseSlowdown)
	if ch.Sensitivity <= 0 {
		ch.Sensitivity = sensitivityFloor
	}
	return ch
}

func clamp01(v float64) float64 {
	return math.Min(1, math.Max(0, v))
}
