//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/smtsched/smtsched/internal/affinity"
	"github.com/smtsched/smtsched/internal/config"
	"github.com/smtsched/smtsched/internal/controller"
	"github.com/smtsched/smtsched/internal/injector"
	"github.com/smtsched/smtsched/internal/kernelmon"
	"github.com/smtsched/smtsched/internal/metrics"
	"github.com/smtsched/smtsched/internal/model"
	"github.com/smtsched/smtsched/internal/perf"
	"github.com/smtsched/smtsched/internal/profile"
	"github.com/smtsched/smtsched/internal/scoretable"
	"github.com/smtsched/smtsched/internal/shm"
	"github.com/smtsched/smtsched/internal/store"
	"github.com/smtsched/smtsched/internal/topology"
)

// platformCommands returns the Linux-only subcommands.
func platformCommands() []*cobra.Command {
	return []*cobra.Command{
		newRunCmd(),
		newProbeCmd(),
		newRegisterCmd(),
		newUnregisterCmd(),
		newInjectCmd(),
		newBaselineCmd(),
	}
}

// newRunCmd is the controller daemon.
func newRunCmd() *cobra.Command {
	var console bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the co-scheduling controller daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(console)
		},
	}
	cmd.Flags().BoolVar(&console, "console", false, "Human-readable log output")
	return cmd
}

func runDaemon(console bool) error {
	log := newLogger(console)

	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	set, err := activeSet(cfg)
	if err != nil {
		return err
	}

	// A missing model is fatal: without it there is nothing to score.
	mdl, modelPath, err := model.Load(cfg.ModelDir, set)
	if err != nil {
		if errors.Is(err, model.ErrModelNotFound) {
			return fmt.Errorf("%w\ntrain a model and deploy it into %s as prediction_model_<timestamp>.json",
				err, cfg.ModelDir)
		}
		return err
	}
	log.Info().Str("model", modelPath).Str("node", cfg.NodeName).Msg("starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Connect(ctx, cfg.MongoURL, cfg.NodeName)
	if err != nil {
		return err
	}
	defer st.Close(context.Background())

	topo, err := topology.Discover("/sys")
	if err != nil {
		return err
	}
	log.Info().Int("cores", len(topo.Cores())).Int("smt_cores", len(topo.SMTCores())).
		Msg("topology discovered")

	shmDev, err := shm.OpenDevice(shm.DevicePath)
	if err != nil {
		return err
	}
	defer shmDev.Close()

	rtmon, err := kernelmon.OpenRuntimeMonitor(kernelmon.RuntimeMonitorPath)
	if err != nil {
		return err
	}
	defer rtmon.Close()

	nl, err := kernelmon.OpenNetlink()
	if err != nil {
		return err
	}
	defer nl.Close()

	if err := rtmon.SetDataLoader(int32(os.Getpid())); err != nil {
		return err
	}
	if err := rtmon.SetThreshold(int32(cfg.LongRunningThreshold)); err != nil {
		return err
	}

	met := metrics.New()
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", met.Handler())
		go func() {
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				log.Warn().Err(err).Msg("metrics listener failed")
			}
		}()
	}

	table := scoretable.New(set, mdl)
	planner := affinity.NewPlanner(log, topo, table, shmDev, shmDev,
		affinity.NewProcApplier(), cfg.MultiThreadedJobs)
	planner.OnTelemetry(func(live, skipped int) {
		met.LiveSlots.Set(float64(live))
		met.SkippedSlots.Add(float64(skipped))
	})

	client := profile.New(cfg.ProfileServerHost, cfg.ProfileServerPort, 0)
	ctrl := controller.New(log, set, table, st, client, nl, planner, met,
		controller.WithTelemetryInterval(cfg.TelemetryInterval))

	// Netlink pump: the only goroutine blocking on kernel receive.
	go func() {
		for {
			ev, err := nl.Recv()
			if err != nil {
				if errors.Is(err, os.ErrClosed) || ctx.Err() != nil {
					return
				}
				if errors.Is(err, kernelmon.ErrBadEvent) {
					met.BadEvents.Inc()
					log.Warn().Err(err).Msg("dropping malformed kernel event")
					continue
				}
				log.Warn().Err(err).Msg("netlink receive failed, retrying")
				continue
			}
			ctrl.Deliver(ev)
		}
	}()
	// Unblock the pump on shutdown.
	go func() {
		<-ctx.Done()
		_ = nl.Close()
	}()

	err = ctrl.Run(ctx)
	if errors.Is(err, context.Canceled) {
		log.Info().Msg("shutting down")
		return nil
	}
	return err
}

// newProbeCmd prints the topology and a one-shot IPC sample per CPU.
func newProbeCmd() *cobra.Command {
	var window time.Duration
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Print CPU topology and a one-shot IPC sample per CPU",
		RunE: func(cmd *cobra.Command, args []string) error {
			topo, err := topology.Discover("/sys")
			if err != nil {
				return err
			}
			group, err := perf.OpenGroup(topo.CPUs())
			if err != nil {
				return err
			}
			defer group.Close()

			for _, cpu := range topo.CPUs() {
				if err := group.EnableReset(cpu); err != nil {
					return err
				}
			}
			time.Sleep(window)

			for _, core := range topo.Cores() {
				fmt.Printf("core %d (socket %d):", core.ID, core.Socket)
				for _, cpu := range core.CPUs {
					_ = group.Disable(cpu)
					ipc, err := group.ReadIPC(cpu)
					if err != nil {
						return err
					}
					fmt.Printf("  cpu%-3d ipc=%.3f", cpu, ipc)
				}
				fmt.Println()
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&window, "window", time.Second, "Sampling window")
	return cmd
}

// newRegisterCmd registers a process group with the runtime monitor.
func newRegisterCmd() *cobra.Command {
	var pgid, jobID, workers int32
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a process group with the runtime monitor",
		RunE: func(cmd *cobra.Command, args []string) error {
			mon, err := kernelmon.OpenRuntimeMonitor(kernelmon.RuntimeMonitorPath)
			if err != nil {
				return err
			}
			defer mon.Close()
			return mon.RegisterPGID(pgid, jobID, workers)
		},
	}
	cmd.Flags().Int32Var(&pgid, "pgid", 0, "Process group to watch")
	cmd.Flags().Int32Var(&jobID, "job", 0, "Global job id")
	cmd.Flags().Int32Var(&workers, "workers", 1, "Worker process count")
	_ = cmd.MarkFlagRequired("pgid")
	return cmd
}

// newUnregisterCmd removes a process group from the runtime monitor.
func newUnregisterCmd() *cobra.Command {
	var pgid int32
	cmd := &cobra.Command{
		Use:   "unregister",
		Short: "Remove a process group from the runtime monitor",
		RunE: func(cmd *cobra.Command, args []string) error {
			mon, err := kernelmon.OpenRuntimeMonitor(kernelmon.RuntimeMonitorPath)
			if err != nil {
				return err
			}
			defer mon.Close()
			return mon.RemovePGID(pgid)
		},
	}
	cmd.Flags().Int32Var(&pgid, "pgid", 0, "Process group to remove")
	_ = cmd.MarkFlagRequired("pgid")
	return cmd
}

// injectorSession assembles the profiling-host session for one core.
func injectorSession(console bool, cpu0, cpu1 int) (*injector.Session, *perf.Group, *store.Client, error) {
	log := newLogger(console)

	cfg, err := config.FromEnv()
	if err != nil {
		return nil, nil, nil, err
	}
	set, err := activeSet(cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	st, err := store.Connect(ctx, cfg.MongoURL, cfg.NodeName)
	if err != nil {
		return nil, nil, nil, err
	}

	if cpu0 < 0 || cpu1 < 0 {
		topo, err := topology.Discover("/sys")
		if err != nil {
			st.Close(context.Background())
			return nil, nil, nil, err
		}
		smt := topo.SMTCores()
		if len(smt) == 0 {
			st.Close(context.Background())
			return nil, nil, nil, fmt.Errorf("no SMT core available for profiling")
		}
		cpu0, cpu1 = smt[0].CPUs[0], smt[0].CPUs[1]
	}

	group, err := perf.OpenGroup([]int{cpu0, cpu1})
	if err != nil {
		st.Close(context.Background())
		return nil, nil, nil, err
	}

	sess := injector.NewSession(log, injector.Config{
		Set:          set,
		InjectorDir:  cfg.InjectorDir,
		CPUs:         [2]int{cpu0, cpu1},
		SamplingTime: cfg.SamplingTime,
		WarmupCount:  cfg.WarmupCount,
	}, &injector.ExecLauncher{}, group, st)
	return sess, group, st, nil
}

// newInjectCmd profiles one running workload with the injector sweep.
func newInjectCmd() *cobra.Command {
	var (
		console    bool
		jobID      int32
		cpu0, cpu1 int
	)
	cmd := &cobra.Command{
		Use:   "inject",
		Short: "Run the injector pressure sweep against a running workload",
		Long: `Runs the per-feature injector sweep for a workload already pinned to
the target CPU, recording workload and injector IPC at every pressure
level plus the L3 ceiling run.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, group, st, err := injectorSession(console, cpu0, cpu1)
			if err != nil {
				return err
			}
			defer group.Close()
			defer st.Close(context.Background())

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return sess.Profile(ctx, jobID)
		},
	}
	cmd.Flags().BoolVar(&console, "console", false, "Human-readable log output")
	cmd.Flags().Int32Var(&jobID, "job", 0, "Global job id being profiled")
	cmd.Flags().IntVar(&cpu0, "cpu0", -1, "Target CPU (default: first SMT core)")
	cmd.Flags().IntVar(&cpu1, "cpu1", -1, "Sibling CPU for injectors")
	_ = cmd.MarkFlagRequired("job")
	return cmd
}

// newBaselineCmd records the injector-only baselines.
func newBaselineCmd() *cobra.Command {
	var (
		console    bool
		cpu0, cpu1 int
	)
	cmd := &cobra.Command{
		Use:   "baseline",
		Short: "Measure injector-only baseline IPCs",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, group, st, err := injectorSession(console, cpu0, cpu1)
			if err != nil {
				return err
			}
			defer group.Close()
			defer st.Close(context.Background())

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return sess.MeasureBaselines(ctx)
		},
	}
	cmd.Flags().BoolVar(&console, "console", false, "Human-readable log output")
	cmd.Flags().IntVar(&cpu0, "cpu0", -1, "Primary CPU (default: first SMT core)")
	cmd.Flags().IntVar(&cpu1, "cpu1", -1, "Sibling CPU")
	return cmd
}
