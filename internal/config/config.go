// Package config holds the daemon's startup configuration. Everything is
// read once from the environment; no command-line flag overrides these
// values, and changes require a restart.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the complete runtime configuration.
type Config struct {
	// NodeName scopes all measurement documents for this machine.
	NodeName string
	// MongoURL is the profile store connection string.
	MongoURL string

	// Profiling server endpoint.
	ProfileServerHost string
	ProfileServerPort int

	// Profiling parameters, shared with the profiling host.
	WarmupCount  int
	SamplingTime time.Duration
	MaxUtil      float64
	InjectorDir  string

	// TrainingJobs are the job ids covered by the offline-trained model.
	TrainingJobs []int32
	// MultiThreadedJobs occupy both siblings of a core and are never
	// paired.
	MultiThreadedJobs map[int32]bool

	// ModelDir holds deployed prediction_model_<ts>.json files.
	ModelDir string

	// LongRunningThreshold is handed to the kernel: seconds before a
	// process group is reported as long-running.
	LongRunningThreshold int

	// TargetFeatures overrides the default active feature subset.
	TargetFeatures []string

	// TelemetryInterval paces the affinity planner's shared-memory reads.
	TelemetryInterval time.Duration

	// MetricsAddr serves Prometheus metrics when non-empty.
	MetricsAddr string
}

// Default returns the baseline configuration.
func Default() Config {
	host, _ := os.Hostname()
	return Config{
		NodeName:             host,
		MongoURL:             "mongodb://127.0.0.1:27017",
		ProfileServerHost:    "127.0.0.1",
		ProfileServerPort:    8080,
		WarmupCount:          6,
		SamplingTime:         10 * time.Second,
		MaxUtil:              0.5,
		InjectorDir:          "injectors",
		MultiThreadedJobs:    map[int32]bool{},
		ModelDir:             "trained_model",
		LongRunningThreshold: 60,
		TelemetryInterval:    10 * time.Second,
	}
}

// FromEnv returns Default overridden by environment variables.
func FromEnv() (Config, error) {
	cfg := Default()

	if v := os.Getenv("NODE_NAME"); v != "" {
		cfg.NodeName = v
	}
	if v := os.Getenv("MONGODB_URL"); v != "" {
		cfg.MongoURL = v
	}
	if v := os.Getenv("PROFILE_SERVER_HOST"); v != "" {
		cfg.ProfileServerHost = v
	}
	if v := os.Getenv("MODEL_DIR"); v != "" {
		cfg.ModelDir = v
	}
	if v := os.Getenv("INJECTOR_DIR"); v != "" {
		cfg.InjectorDir = v
	}
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}

	var err error
	if cfg.ProfileServerPort, err = envInt("PROFILE_SERVER_PORT", cfg.ProfileServerPort); err != nil {
		return cfg, err
	}
	if cfg.WarmupCount, err = envInt("WARMUP_COUNT", cfg.WarmupCount); err != nil {
		return cfg, err
	}
	if cfg.LongRunningThreshold, err = envInt("LONG_RUNNING_THRESHOLD", cfg.LongRunningThreshold); err != nil {
		return cfg, err
	}
	if secs, err := envInt("SAMPLING_TIME", int(cfg.SamplingTime/time.Second)); err != nil {
		return cfg, err
	} else {
		cfg.SamplingTime = time.Duration(secs) * time.Second
	}
	if secs, err := envInt("TELEMETRY_INTERVAL", int(cfg.TelemetryInterval/time.Second)); err != nil {
		return cfg, err
	} else {
		cfg.TelemetryInterval = time.Duration(secs) * time.Second
	}

	if v := os.Getenv("MAXIMUM_UTIL"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 || f > 1 {
			return cfg, fmt.Errorf("config: MAXIMUM_UTIL %q must be in (0,1]", v)
		}
		cfg.MaxUtil = f
	}

	if v := os.Getenv("TRAINING_JOBIDS"); v != "" {
		jobs, err := ParseJobList(v)
		if err != nil {
			return cfg, fmt.Errorf("config: TRAINING_JOBIDS: %w", err)
		}
		cfg.TrainingJobs = jobs
	}
	if v := os.Getenv("MULTI_THREADED_JOBIDS"); v != "" {
		jobs, err := ParseJobList(v)
		if err != nil {
			return cfg, fmt.Errorf("config: MULTI_THREADED_JOBIDS: %w", err)
		}
		cfg.MultiThreadedJobs = make(map[int32]bool, len(jobs))
		for _, j := range jobs {
			cfg.MultiThreadedJobs[j] = true
		}
	}
	if v := os.Getenv("TARGET_FEATURES"); v != "" {
		cfg.TargetFeatures = splitTrim(v)
	}

	if cfg.NodeName == "" {
		return cfg, fmt.Errorf("config: NODE_NAME is required")
	}
	return cfg, nil
}

func envInt(name string, def int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s %q: %w", name, v, err)
	}
	return n, nil
}

// ParseJobList parses a comma-separated job id list.
func ParseJobList(s string) ([]int32, error) {
	var jobs []int32
	for _, part := range splitTrim(s) {
		v, err := strconv.ParseInt(part, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("bad job id %q: %w", part, err)
		}
		jobs = append(jobs, int32(v))
	}
	return jobs, nil
}

func splitTrim(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
