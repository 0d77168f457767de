package injector

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/smtsched/smtsched/internal/feature"
	"github.com/smtsched/smtsched/internal/store"
)

type fakeProcess struct {
	path    string
	stopped bool
	mu      *sync.Mutex
}

func (p *fakeProcess) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	return nil
}

type fakeLauncher struct {
	mu      sync.Mutex
	started []*fakeProcess
	byCPU   map[int][]string
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{byCPU: map[int][]string{}}
}

func (l *fakeLauncher) Start(_ context.Context, cpu int, path string) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := &fakeProcess{path: path, mu: &l.mu}
	l.started = append(l.started, p)
	l.byCPU[cpu] = append(l.byCPU[cpu], path)
	return p, nil
}

// fakeSampler returns a fixed IPC per CPU and tracks enable/disable
// pairing.
type fakeSampler struct {
	mu      sync.Mutex
	ipc     map[int]float64
	enabled map[int]bool
	samples int
}

func (s *fakeSampler) EnableReset(cpu int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled[cpu] = true
	return nil
}

func (s *fakeSampler) Disable(cpu int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled[cpu] {
		return fmt.Errorf("disable of cpu %d without enable", cpu)
	}
	s.enabled[cpu] = false
	s.samples++
	return nil
}

func (s *fakeSampler) ReadIPC(cpu int) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ipc[cpu], nil
}

type fakeRecorder struct {
	mu    sync.Mutex
	docs  []store.Measurement
	done  []int32
}

func (r *fakeRecorder) UpsertMeasurement(_ context.Context, m store.Measurement) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.docs = append(r.docs, m)
	return nil
}

func (r *fakeRecorder) MarkDone(_ context.Context, jobID int32, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done = append(r.done, jobID)
	return nil
}

func (r *fakeRecorder) find(feat string, job int32, pressure int, run string) (store.Measurement, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.docs {
		if d.Feature == feat && d.GlobalJobID == job && d.Pressure == int32(pressure) && d.RunType == run {
			return d, true
		}
	}
	return store.Measurement{}, false
}

func testSession(rec *fakeRecorder, launcher *fakeLauncher, sampler *fakeSampler) *Session {
	cfg := Config{
		Set:          feature.Default(),
		InjectorDir:  "injectors",
		CPUs:         [2]int{0, 2},
		SamplingTime: time.Millisecond,
		WarmupCount:  0,
	}
	return NewSession(zerolog.Nop(), cfg, launcher, sampler, rec)
}

func TestBinaryPath(t *testing.T) {
	if got := BinaryPath("inj", "int_isq", feature.Sequential, 1); got != "inj/int_isq.medium.injector" {
		t.Errorf("BinaryPath = %q", got)
	}
	if got := BinaryPath("inj", "l2_cache", feature.Parallel, 1); got != "inj/l2_cache.high.injector" {
		t.Errorf("BinaryPath = %q", got)
	}
	if got := BinaryPath("inj", "fp_port", feature.Port, 0); got != "inj/fp_port.high.injector" {
		t.Errorf("BinaryPath = %q", got)
	}
}

func TestProfileRecordsAllDocuments(t *testing.T) {
	rec := &fakeRecorder{}
	launcher := newFakeLauncher()
	sampler := &fakeSampler{ipc: map[int]float64{0: 1.5, 2: 0.9}, enabled: map[int]bool{}}
	s := testSession(rec, launcher, sampler)

	if err := s.Profile(context.Background(), 7); err != nil {
		t.Fatalf("Profile: %v", err)
	}

	// Solo doc at the synthetic single feature.
	if d, ok := rec.find(feature.SingleName, 7, 0, store.RunWorkload); !ok || d.IPC != 1.5 {
		t.Errorf("solo doc = %+v, %v", d, ok)
	}

	// Each feature level yields a workload and an injector doc.
	for _, f := range feature.Default().Features() {
		for level := 0; level < f.Type.Levels(); level++ {
			if _, ok := rec.find(f.Name, 7, level, store.RunWorkload); !ok {
				t.Errorf("missing workload doc %s level %d", f.Name, level)
			}
			d, ok := rec.find(f.Name, 7, level, store.RunInjector)
			if !ok {
				t.Errorf("missing injector doc %s level %d", f.Name, level)
				continue
			}
			if d.IPC != 0.9 {
				t.Errorf("injector doc %s IPC = %v, want sibling CPU's 0.9", f.Name, d.IPC)
			}
		}
	}

	// The L3 ceiling run.
	if _, ok := rec.find(feature.L3Name, 7, 1, store.RunWorkload); !ok {
		t.Error("missing l3_cache high workload doc")
	}

	// Completion recorded once.
	if len(rec.done) != 1 || rec.done[0] != 7 {
		t.Errorf("done = %v, want [7]", rec.done)
	}

	// All injectors ran on the sibling CPU and were stopped.
	launcher.mu.Lock()
	defer launcher.mu.Unlock()
	if len(launcher.byCPU[0]) != 0 {
		t.Errorf("injectors launched on the target CPU: %v", launcher.byCPU[0])
	}
	for _, p := range launcher.started {
		if !p.stopped {
			t.Errorf("injector %s left running", p.path)
		}
	}
}

func TestProfileDocIdentityFields(t *testing.T) {
	rec := &fakeRecorder{}
	sampler := &fakeSampler{ipc: map[int]float64{0: 1.0, 2: 1.0}, enabled: map[int]bool{}}
	s := testSession(rec, newFakeLauncher(), sampler)

	if err := s.Profile(context.Background(), 3); err != nil {
		t.Fatal(err)
	}

	set := feature.Default()
	d, ok := rec.find("l1_dcache", 3, feature.Low, store.RunWorkload)
	if !ok {
		t.Fatal("l1_dcache doc missing")
	}
	if d.FeatureID != set.DocID("l1_dcache") {
		t.Errorf("FeatureID = %d, want %d", d.FeatureID, set.DocID("l1_dcache"))
	}
	if d.FeatureType != int32(feature.Parallel) {
		t.Errorf("FeatureType = %d, want %d", d.FeatureType, feature.Parallel)
	}

	// The off-catalogue L3 run carries the sentinel ids.
	d, ok = rec.find(feature.L3Name, 3, 1, store.RunWorkload)
	if !ok {
		t.Fatal("l3 doc missing")
	}
	if d.FeatureID != -1 || d.FeatureType != -1 {
		t.Errorf("l3 doc ids = (%d,%d), want (-1,-1)", d.FeatureID, d.FeatureType)
	}
}

func TestMeasureBaselines(t *testing.T) {
	rec := &fakeRecorder{}
	launcher := newFakeLauncher()
	sampler := &fakeSampler{ipc: map[int]float64{0: 2.0, 2: 1.0}, enabled: map[int]bool{}}
	s := testSession(rec, launcher, sampler)

	if err := s.MeasureBaselines(context.Background()); err != nil {
		t.Fatalf("MeasureBaselines: %v", err)
	}

	// Solo baselines for every feature level under job -1.
	for _, f := range feature.Default().Features() {
		for level := 0; level < f.Type.Levels(); level++ {
			if _, ok := rec.find(f.Name, feature.JobInjectorSingle, level, store.RunInjector); !ok {
				t.Errorf("missing solo baseline %s level %d", f.Name, level)
			}
		}
	}

	// Colocated baselines only for parallel features, at the high level.
	for _, f := range feature.Default().Features() {
		_, gotLow := rec.find(f.Name, feature.JobInjectorLow, f.HighLevel(), store.RunInjector)
		_, gotHigh := rec.find(f.Name, feature.JobInjectorHigh, f.HighLevel(), store.RunInjector)
		want := f.Type == feature.Parallel
		if gotLow != want || gotHigh != want {
			t.Errorf("%s colocated baselines = (%v,%v), want %v", f.Name, gotLow, gotHigh, want)
		}
	}
}

func TestProfileCancellation(t *testing.T) {
	rec := &fakeRecorder{}
	sampler := &fakeSampler{ipc: map[int]float64{}, enabled: map[int]bool{}}
	cfg := Config{
		Set:          feature.Default(),
		InjectorDir:  "injectors",
		CPUs:         [2]int{0, 2},
		SamplingTime: time.Hour, // would block forever without cancellation
		WarmupCount:  0,
	}
	s := NewSession(zerolog.Nop(), cfg, newFakeLauncher(), sampler, rec)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Profile(ctx, 1); err == nil {
		t.Fatal("expected error from cancelled context")
	}
}
