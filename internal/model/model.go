// Package model loads the offline-trained interference prediction model
// and evaluates pairwise slowdown predictions from workload
// characteristics.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/smtsched/smtsched/internal/characterize"
	"github.com/smtsched/smtsched/internal/feature"
)

// ErrModelNotFound means no usable model file exists; fatal at startup.
var ErrModelNotFound = errors.New("model: no trained prediction model found")

// Model is a non-negative linear regressor over the interference feature
// vector. The first coefficient applies to the base-slowdown term, the
// rest to the per-feature contention terms in dense feature-set order.
type Model struct {
	FeatureList  []string
	Coefficients []float64
	Intercept    float64
}

// modelFile matches the trained model JSON. The intercept may be a scalar
// or a one-element array depending on how the trainer serialized it.
type modelFile struct {
	FeatureList  []string        `json:"feature_list"`
	Coefficients []float64       `json:"coefficients"`
	Intercept    json.RawMessage `json:"intercept"`
}

// Parse decodes a model document and validates it against the active
// feature set: the feature list must be "base" followed by the set's
// feature names in order.
func Parse(data []byte, set *feature.Set) (*Model, error) {
	var mf modelFile
	if err := json.Unmarshal(data, &mf); err != nil {
		return nil, fmt.Errorf("model: parse: %w", err)
	}

	want := append([]string{"base"}, set.Names()...)
	if len(mf.FeatureList) != len(want) {
		return nil, fmt.Errorf("model: feature list has %d entries, want %d", len(mf.FeatureList), len(want))
	}
	for i, name := range want {
		if mf.FeatureList[i] != name {
			return nil, fmt.Errorf("model: feature list[%d] = %q, want %q", i, mf.FeatureList[i], name)
		}
	}
	if len(mf.Coefficients) != len(want) {
		return nil, fmt.Errorf("model: %d coefficients for %d features", len(mf.Coefficients), len(want))
	}
	for i, c := range mf.Coefficients {
		if c < 0 {
			return nil, fmt.Errorf("model: negative coefficient %v at %d", c, i)
		}
	}

	intercept, err := parseIntercept(mf.Intercept)
	if err != nil {
		return nil, err
	}
	return &Model{
		FeatureList:  mf.FeatureList,
		Coefficients: mf.Coefficients,
		Intercept:    intercept,
	}, nil
}

func parseIntercept(raw json.RawMessage) (float64, error) {
	if len(raw) == 0 {
		return 0, fmt.Errorf("model: missing intercept")
	}
	var scalar float64
	if err := json.Unmarshal(raw, &scalar); err == nil {
		return scalar, nil
	}
	var arr []float64
	if err := json.Unmarshal(raw, &arr); err == nil {
		if len(arr) != 1 {
			return 0, fmt.Errorf("model: intercept array has %d elements, want 1", len(arr))
		}
		return arr[0], nil
	}
	return 0, fmt.Errorf("model: intercept is neither scalar nor one-element array")
}

// Load reads the newest deployed model from dir. Deployed models are named
// prediction_model_<unix>.json; the deploy tool renames on copy and skips
// identical content, so the highest timestamp is the current model.
func Load(dir string, set *feature.Set) (*Model, string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrModelNotFound, err)
	}

	best := ""
	bestTS := int64(-1)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "prediction_model_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		tsPart := strings.TrimSuffix(strings.TrimPrefix(name, "prediction_model_"), ".json")
		ts, err := strconv.ParseInt(tsPart, 10, 64)
		if err != nil {
			continue
		}
		if ts > bestTS {
			bestTS = ts
			best = name
		}
	}
	if best == "" {
		return nil, "", fmt.Errorf("%w in %s", ErrModelNotFound, dir)
	}

	path := filepath.Join(dir, best)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("model: read %s: %w", path, err)
	}
	m, err := Parse(data, set)
	if err != nil {
		return nil, "", fmt.Errorf("%s: %w", best, err)
	}
	return m, path, nil
}

// Activation combines two usage values for one feature. Sequential
// resources only contend once their combined occupancy exceeds capacity;
// parallel and port resources contend in proportion to both usages.
func Activation(ua, ub float64, typ feature.Type) float64 {
	if typ == feature.Sequential {
		return math.Max(0, ua+ub-1)
	}
	return ua * ub * (ua + ub) / 2
}

// Vector builds the interference feature vector for base co-running with
// col: the base-slowdown floor followed by one contention term per feature.
func Vector(base, col *characterize.JobProfile, set *feature.Set) []float64 {
	x := make([]float64, set.Len()+1)

	minBase := math.Inf(1)
	for _, ch := range base.Features {
		minBase = math.Min(minBase, ch.BaseSlowdown)
	}
	x[0] = minBase

	for i, f := range set.Features() {
		b, c := base.Features[i], col.Features[i]
		x[1+i] = b.Sensitivity * c.Intensity * Activation(b.Usage, c.Usage, f.Type)
	}
	return x
}

// PredictSlowdown evaluates w·x + w₀ for base co-running with col.
func (m *Model) PredictSlowdown(base, col *characterize.JobProfile, set *feature.Set) float64 {
	x := Vector(base, col, set)
	sum := m.Intercept
	for i, w := range m.Coefficients {
		sum += w * x[i]
	}
	return sum
}

// CompatibilityScore rescales the predicted slowdown of base (given col on
// the sibling) by base's IPC ceiling, clamped into [0,1].
func (m *Model) CompatibilityScore(base, col *characterize.JobProfile, set *feature.Set) float64 {
	s := base.ScaleFactor * (1 - m.PredictSlowdown(base, col, set))
	return math.Min(1, math.Max(0, s))
}

// SymbioticScore is the sum of both directional compatibility scores;
// symmetric in its arguments and bounded by [0,2].
func (m *Model) SymbioticScore(a, b *characterize.JobProfile, set *feature.Set) float64 {
	return m.CompatibilityScore(a, b, set) + m.CompatibilityScore(b, a, set)
}
