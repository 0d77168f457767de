// Package injector drives controlled-pressure profiling sessions on the
// profiling host: launch injector binaries pinned to the sibling CPU,
// sample IPC on both siblings for a fixed window, and upsert the results
// as measurement documents.
package injector

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/smtsched/smtsched/internal/feature"
	"github.com/smtsched/smtsched/internal/store"
)

// levelNames maps pressure level index to the injector binary suffix.
var levelNames = [][]string{
	feature.Sequential: {"low", "medium", "high"},
	feature.Parallel:   {"low", "high"},
	feature.Port:       {"high"},
}

// BinaryPath returns the injector binary for a feature at a level.
func BinaryPath(dir, featureName string, typ feature.Type, level int) string {
	return filepath.Join(dir, fmt.Sprintf("%s.%s.injector", featureName, levelNames[typ][level]))
}

// Process is a running injector.
type Process interface {
	Stop() error
}

// Launcher starts an injector binary pinned to one CPU.
type Launcher interface {
	Start(ctx context.Context, cpu int, path string) (Process, error)
}

// Sampler reads the IPC of one CPU over a window. It wraps the hardware
// counter pair; both counters toggle together.
type Sampler interface {
	EnableReset(cpu int) error
	Disable(cpu int) error
	ReadIPC(cpu int) (float64, error)
}

// Recorder persists measurements.
type Recorder interface {
	UpsertMeasurement(ctx context.Context, m store.Measurement) error
	MarkDone(ctx context.Context, jobID int32, ts time.Time) error
}

// Config holds the per-host profiling parameters.
type Config struct {
	Set          *feature.Set
	InjectorDir  string
	CPUs         [2]int // the profiled core's siblings: target on [0], injectors on [1]
	SamplingTime time.Duration
	WarmupCount  int
}

// Session profiles one target workload, assumed already running and
// pinned to CPUs[0].
type Session struct {
	log      zerolog.Logger
	cfg      Config
	launcher Launcher
	sampler  Sampler
	recorder Recorder
}

// NewSession assembles a Session.
func NewSession(log zerolog.Logger, cfg Config, launcher Launcher, sampler Sampler, recorder Recorder) *Session {
	return &Session{
		log:      log.With().Str("component", "injector").Logger(),
		cfg:      cfg,
		launcher: launcher,
		sampler:  sampler,
		recorder: recorder,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sample measures the IPC of the given CPUs over one window.
func (s *Session) sample(ctx context.Context, cpus ...int) ([]float64, error) {
	for _, cpu := range cpus {
		if err := s.sampler.EnableReset(cpu); err != nil {
			return nil, err
		}
	}
	if err := sleepCtx(ctx, s.cfg.SamplingTime); err != nil {
		return nil, err
	}
	out := make([]float64, len(cpus))
	for i, cpu := range cpus {
		if err := s.sampler.Disable(cpu); err != nil {
			return nil, err
		}
		ipc, err := s.sampler.ReadIPC(cpu)
		if err != nil {
			return nil, err
		}
		out[i] = ipc
	}
	return out, nil
}

func (s *Session) upsert(ctx context.Context, feat string, job int32, pressure int, run string, ipc float64) error {
	m := store.Measurement{
		Feature:     feat,
		FeatureID:   s.cfg.Set.DocID(feat),
		FeatureType: s.cfg.Set.DocType(feat),
		GlobalJobID: job,
		Pressure:    int32(pressure),
		RunType:     run,
		IPC:         ipc,
	}
	return s.recorder.UpsertMeasurement(ctx, m)
}

// Profile runs the full per-feature pressure sweep for one job.
func (s *Session) Profile(ctx context.Context, job int32) error {
	warmup := s.cfg.SamplingTime * time.Duration(s.cfg.WarmupCount)
	s.log.Info().Int32("job", job).Dur("warmup", warmup).Msg("profiling session start")
	if err := sleepCtx(ctx, warmup); err != nil {
		return err
	}

	// Solo IPC of the target workload.
	solo, err := s.sample(ctx, s.cfg.CPUs[0])
	if err != nil {
		return fmt.Errorf("injector: solo sample: %w", err)
	}
	if err := s.upsert(ctx, feature.SingleName, job, 0, store.RunWorkload, solo[0]); err != nil {
		return err
	}

	// Per-feature pressure sweep: the workload and the injector IPC are
	// recorded as distinct documents at each level.
	for _, f := range s.cfg.Set.Features() {
		for level := 0; level < f.Type.Levels(); level++ {
			if err := s.pressureRun(ctx, f.Name, f.Type, level, job); err != nil {
				return err
			}
		}
	}

	// One L3 high run to establish the job's IPC ceiling.
	if err := s.l3Run(ctx, job); err != nil {
		return err
	}

	if err := s.recorder.MarkDone(ctx, job, time.Now()); err != nil {
		return err
	}
	s.log.Info().Int32("job", job).Msg("profiling session done")
	return nil
}

// pressureRun co-runs one injector level against the target and records
// both siblings' IPC.
func (s *Session) pressureRun(ctx context.Context, feat string, typ feature.Type, level int, job int32) error {
	path := BinaryPath(s.cfg.InjectorDir, feat, typ, level)
	proc, err := s.launcher.Start(ctx, s.cfg.CPUs[1], path)
	if err != nil {
		return fmt.Errorf("injector: start %s: %w", path, err)
	}
	defer func() {
		if err := proc.Stop(); err != nil {
			s.log.Warn().Err(err).Str("injector", path).Msg("injector stop failed")
		}
	}()

	ipcs, err := s.sample(ctx, s.cfg.CPUs[0], s.cfg.CPUs[1])
	if err != nil {
		return fmt.Errorf("injector: sample %s level=%d: %w", feat, level, err)
	}
	if err := s.upsert(ctx, feat, job, level, store.RunWorkload, ipcs[0]); err != nil {
		return err
	}
	return s.upsert(ctx, feat, job, level, store.RunInjector, ipcs[1])
}

// l3Run measures the workload under the L3 high injector.
func (s *Session) l3Run(ctx context.Context, job int32) error {
	path := filepath.Join(s.cfg.InjectorDir, "l3_cache.high.injector")
	proc, err := s.launcher.Start(ctx, s.cfg.CPUs[1], path)
	if err != nil {
		return fmt.Errorf("injector: start %s: %w", path, err)
	}
	defer func() { _ = proc.Stop() }()

	ipcs, err := s.sample(ctx, s.cfg.CPUs[0])
	if err != nil {
		return fmt.Errorf("injector: l3 sample: %w", err)
	}
	return s.upsert(ctx, feature.L3Name, job, 1, store.RunWorkload, ipcs[0])
}

// MeasureBaselines records injector-only IPC under the synthetic job ids:
// each injector alone, and for parallel features the high injector
// co-located with the low and high injectors on the sibling.
func (s *Session) MeasureBaselines(ctx context.Context) error {
	for _, f := range s.cfg.Set.Features() {
		for level := 0; level < f.Type.Levels(); level++ {
			if err := s.baselineSolo(ctx, f, level); err != nil {
				return err
			}
		}
		if f.Type != feature.Parallel {
			continue
		}
		high := f.HighLevel()
		for level, syntheticJob := range map[int]int32{
			feature.Low: feature.JobInjectorLow,
			high:        feature.JobInjectorHigh,
		} {
			if err := s.baselineColocated(ctx, f, high, level, syntheticJob); err != nil {
				return err
			}
		}
	}
	return nil
}

// baselineSolo runs one injector alone and records its IPC under the
// single synthetic job.
func (s *Session) baselineSolo(ctx context.Context, f feature.Feature, level int) error {
	path := BinaryPath(s.cfg.InjectorDir, f.Name, f.Type, level)
	proc, err := s.launcher.Start(ctx, s.cfg.CPUs[0], path)
	if err != nil {
		return fmt.Errorf("injector: start %s: %w", path, err)
	}
	defer func() { _ = proc.Stop() }()

	ipcs, err := s.sample(ctx, s.cfg.CPUs[0])
	if err != nil {
		return err
	}
	return s.upsert(ctx, f.Name, feature.JobInjectorSingle, level, store.RunInjector, ipcs[0])
}

// baselineColocated measures the primary (high) injector against a
// colocated injector level on the sibling CPU.
func (s *Session) baselineColocated(ctx context.Context, f feature.Feature, primaryLevel, colLevel int, syntheticJob int32) error {
	primary := BinaryPath(s.cfg.InjectorDir, f.Name, f.Type, primaryLevel)
	col := BinaryPath(s.cfg.InjectorDir, f.Name, f.Type, colLevel)

	colProc, err := s.launcher.Start(ctx, s.cfg.CPUs[1], col)
	if err != nil {
		return fmt.Errorf("injector: start %s: %w", col, err)
	}
	defer func() { _ = colProc.Stop() }()

	priProc, err := s.launcher.Start(ctx, s.cfg.CPUs[0], primary)
	if err != nil {
		return fmt.Errorf("injector: start %s: %w", primary, err)
	}
	defer func() { _ = priProc.Stop() }()

	ipcs, err := s.sample(ctx, s.cfg.CPUs[0])
	if err != nil {
		return err
	}
	return s.upsert(ctx, f.Name, syntheticJob, primaryLevel, store.RunInjector, ipcs[0])
}

// ExecLauncher starts injector binaries with taskset pinning.
type ExecLauncher struct{}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Stop() error {
	if p.cmd.Process == nil {
		return nil
	}
	_ = p.cmd.Process.Kill()
	_ = p.cmd.Wait()
	return nil
}

// Start launches the binary pinned to one CPU.
func (l *ExecLauncher) Start(ctx context.Context, cpu int, path string) (Process, error) {
	cmd := exec.CommandContext(ctx, "taskset", "-c", strconv.Itoa(cpu), path)
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execProcess{cmd: cmd}, nil
}
