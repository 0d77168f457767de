// smtsched — SMT-aware co-scheduling control plane.
//
// A user-space daemon that pairs long-running workloads onto SMT sibling
// CPUs to minimize mutual slowdown. Workload sensitivity and intensity are
// measured out-of-band by a profiling server; a trained linear model turns
// the measurements into pairwise symbiotic scores; live per-process-group
// IPC from a kernel monitor drives periodic affinity replans.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/smtsched/smtsched/internal/config"
	"github.com/smtsched/smtsched/internal/feature"
	"github.com/smtsched/smtsched/internal/model"
	"github.com/smtsched/smtsched/internal/store"
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:     "smtsched",
		Short:   "SMT-aware co-scheduling control plane",
		Version: version,
		Long: `smtsched pairs long-running workloads onto SMT sibling CPUs.

The daemon (smtsched run) listens for long-running workload events from
the runtime_monitor kernel module, drives out-of-band profiling, scores
workload pairs with a trained interference model, and periodically
recomputes CPU affinity from live IPC telemetry.`,
	}

	rootCmd.AddCommand(newModelCmd(), newClearNodeCmd())
	rootCmd.AddCommand(platformCommands()...)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newLogger builds the process logger. JSON to stderr unless console
// output is forced.
func newLogger(console bool) zerolog.Logger {
	if console {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// activeSet resolves the target feature subset from configuration.
func activeSet(cfg config.Config) (*feature.Set, error) {
	if len(cfg.TargetFeatures) == 0 {
		return feature.Default(), nil
	}
	return feature.NewSet(cfg.TargetFeatures)
}

// newModelCmd prints the currently deployed prediction model.
func newModelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "model",
		Short: "Show the deployed prediction model",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			set, err := activeSet(cfg)
			if err != nil {
				return err
			}
			m, path, err := model.Load(cfg.ModelDir, set)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(struct {
				Path         string    `json:"path"`
				FeatureList  []string  `json:"feature_list"`
				Coefficients []float64 `json:"coefficients"`
				Intercept    float64   `json:"intercept"`
			}{path, m.FeatureList, m.Coefficients, m.Intercept}, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

// newClearNodeCmd wipes this node's measurement data. Test tooling.
func newClearNodeCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear-node",
		Short: "Delete every measurement for this node from the profile store",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to wipe node data without --yes")
			}
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			st, err := store.Connect(ctx, cfg.MongoURL, cfg.NodeName)
			if err != nil {
				return err
			}
			defer st.Close(context.Background())

			if err := st.ClearNode(ctx); err != nil {
				return err
			}
			fmt.Printf("cleared measurements for node %s\n", cfg.NodeName)
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm the irreversible wipe")
	return cmd
}
