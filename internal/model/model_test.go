package model

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/smtsched/smtsched/internal/characterize"
	"github.com/smtsched/smtsched/internal/feature"
)

func modelJSON(intercept string) string {
	return fmt.Sprintf(`{
		"feature_list": ["base", "int_port", "int_isq", "fp_port", "load_isq", "l1_dcache", "l2_cache", "l1_dtlb"],
		"coefficients": [0.5, 0.1, 0.2, 0.1, 0.2, 0.3, 0.3, 0.1],
		"intercept": %s
	}`, intercept)
}

func TestParseScalarAndArrayIntercept(t *testing.T) {
	set := feature.Default()

	m, err := Parse([]byte(modelJSON("0.05")), set)
	if err != nil {
		t.Fatalf("scalar intercept: %v", err)
	}
	if m.Intercept != 0.05 {
		t.Errorf("Intercept = %v, want 0.05", m.Intercept)
	}

	m, err = Parse([]byte(modelJSON("[0.07]")), set)
	if err != nil {
		t.Fatalf("array intercept: %v", err)
	}
	if m.Intercept != 0.07 {
		t.Errorf("Intercept = %v, want 0.07", m.Intercept)
	}

	if _, err := Parse([]byte(modelJSON("[0.1, 0.2]")), set); err == nil {
		t.Error("expected error for two-element intercept array")
	}
	if _, err := Parse([]byte(modelJSON(`"x"`)), set); err == nil {
		t.Error("expected error for string intercept")
	}
}

func TestParseRejectsMismatchedFeatureList(t *testing.T) {
	set := feature.Default()
	bad := `{"feature_list": ["base", "int_isq"], "coefficients": [0.1, 0.2], "intercept": 0}`
	if _, err := Parse([]byte(bad), set); err == nil {
		t.Error("expected error for short feature list")
	}
}

func TestParseRejectsNegativeCoefficients(t *testing.T) {
	set := feature.Default()
	bad := `{
		"feature_list": ["base", "int_port", "int_isq", "fp_port", "load_isq", "l1_dcache", "l2_cache", "l1_dtlb"],
		"coefficients": [0.5, -0.1, 0.2, 0.1, 0.2, 0.3, 0.3, 0.1],
		"intercept": 0
	}`
	if _, err := Parse([]byte(bad), set); err == nil {
		t.Error("expected error for negative coefficient")
	}
}

func TestLoadPicksNewestTimestamp(t *testing.T) {
	dir := t.TempDir()
	old := modelJSON("0.01")
	cur := modelJSON("0.09")
	if err := os.WriteFile(filepath.Join(dir, "prediction_model_1700000000.json"), []byte(old), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "prediction_model_1800000000.json"), []byte(cur), 0o644); err != nil {
		t.Fatal(err)
	}
	// Distractors that must be ignored.
	if err := os.WriteFile(filepath.Join(dir, "prediction_model_notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	m, path, err := Load(dir, feature.Default())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Intercept != 0.09 {
		t.Errorf("loaded intercept = %v, want newest model's 0.09", m.Intercept)
	}
	if filepath.Base(path) != "prediction_model_1800000000.json" {
		t.Errorf("loaded %s, want prediction_model_1800000000.json", path)
	}
}

func TestLoadEmptyDirIsModelNotFound(t *testing.T) {
	_, _, err := Load(t.TempDir(), feature.Default())
	if !errors.Is(err, ErrModelNotFound) {
		t.Fatalf("err = %v, want ErrModelNotFound", err)
	}
	_, _, err = Load("/nonexistent/path", feature.Default())
	if !errors.Is(err, ErrModelNotFound) {
		t.Fatalf("err = %v, want ErrModelNotFound", err)
	}
}

func TestActivation(t *testing.T) {
	cases := []struct {
		ua, ub float64
		typ    feature.Type
		want   float64
	}{
		{0.3, 0.4, feature.Sequential, 0},
		{0.7, 0.5, feature.Sequential, 0.2},
		{0.5, 0.5, feature.Parallel, 0.125},
		{0.8, 0.8, feature.Parallel, 0.512},
	}
	for _, tc := range cases {
		got := Activation(tc.ua, tc.ub, tc.typ)
		if math.Abs(got-tc.want) > 1e-9 {
			t.Errorf("Activation(%v, %v, %v) = %v, want %v", tc.ua, tc.ub, tc.typ, got, tc.want)
		}
		// Symmetric in its arguments.
		if sw := Activation(tc.ub, tc.ua, tc.typ); math.Abs(sw-got) > 1e-12 {
			t.Errorf("Activation not symmetric: %v vs %v", got, sw)
		}
	}
}

func TestActivationBounded(t *testing.T) {
	for _, typ := range []feature.Type{feature.Sequential, feature.Parallel} {
		for ua := 0.0; ua <= 1.0; ua += 0.25 {
			for ub := 0.0; ub <= 1.0; ub += 0.25 {
				a := Activation(ua, ub, typ)
				if a < 0 || a > 1 {
					t.Errorf("Activation(%v,%v,%v) = %v out of [0,1]", ua, ub, typ, a)
				}
			}
		}
	}
}

// uniformProfile builds a JobProfile with identical characteristics per
// feature, useful for vector math tests.
func uniformProfile(job int32, s, u, i, b, sf float64) *characterize.JobProfile {
	set := feature.Default()
	p := &characterize.JobProfile{Job: job, ScaleFactor: sf, SingleIPC: 1}
	p.Features = make([]characterize.Characteristics, set.Len())
	for k := range p.Features {
		p.Features[k] = characterize.Characteristics{Sensitivity: s, Usage: u, Intensity: i, BaseSlowdown: b}
	}
	return p
}

func TestVectorLayout(t *testing.T) {
	set := feature.Default()
	base := uniformProfile(1, 0.5, 0.8, 0.3, 0.2, 1)
	col := uniformProfile(2, 0.1, 0.6, 0.9, 0.4, 1)

	x := Vector(base, col, set)
	if len(x) != set.Len()+1 {
		t.Fatalf("len(x) = %d, want %d", len(x), set.Len()+1)
	}
	if x[0] != 0.2 {
		t.Errorf("x[0] = %v, want min base slowdown 0.2", x[0])
	}
	for i, f := range set.Features() {
		want := 0.5 * 0.9 * Activation(0.8, 0.6, f.Type)
		if math.Abs(x[1+i]-want) > 1e-12 {
			t.Errorf("x[%d] = %v, want %v (%s)", 1+i, x[1+i], want, f.Name)
		}
	}
}

func TestCompatibilityMonotoneInVector(t *testing.T) {
	set := feature.Default()
	m, err := Parse([]byte(modelJSON("0.0")), set)
	if err != nil {
		t.Fatal(err)
	}
	base := uniformProfile(1, 0.5, 0.8, 0.3, 0.2, 0.9)

	// Raising the colocated workload's intensity raises every contention
	// term, so the compatibility score must not increase.
	prev := math.Inf(1)
	for inten := 0.0; inten <= 1.0; inten += 0.2 {
		col := uniformProfile(2, 0.1, 0.6, inten, 0.4, 0.9)
		cs := m.CompatibilityScore(base, col, set)
		if cs < 0 || cs > 1 {
			t.Fatalf("cs = %v out of [0,1]", cs)
		}
		if cs > prev+1e-12 {
			t.Errorf("cs increased from %v to %v as intensity rose", prev, cs)
		}
		prev = cs
	}
}

func TestSymbioticScoreDirectional(t *testing.T) {
	set := feature.Default()
	// Zero coefficients: predicted slowdown is just the intercept, which
	// lets the test pin the directional predictions exactly.
	mk := func(intercept float64) *Model {
		return &Model{Coefficients: make([]float64, set.Len()+1), Intercept: intercept}
	}
	a := uniformProfile(7, 0.5, 0.5, 0.5, 0.5, 0.9)
	b := uniformProfile(8, 0.5, 0.5, 0.5, 0.5, 0.8)

	// cs(7|8) = 0.9·(1-0.1) = 0.81 with intercept 0.1; cs(8|7) = 0.8·(1-0.2) = 0.64
	// with intercept 0.2. sym = 1.45.
	m1, m2 := mk(0.1), mk(0.2)
	cs78 := m1.CompatibilityScore(a, b, set)
	cs87 := m2.CompatibilityScore(b, a, set)
	if math.Abs(cs78-0.81) > 1e-9 || math.Abs(cs87-0.64) > 1e-9 {
		t.Errorf("cs = %v, %v, want 0.81, 0.64", cs78, cs87)
	}
	if math.Abs(cs78+cs87-1.45) > 1e-9 {
		t.Errorf("sym = %v, want 1.45", cs78+cs87)
	}

	// With one model the full symbiotic score is symmetric.
	sym1 := m1.SymbioticScore(a, b, set)
	sym2 := m1.SymbioticScore(b, a, set)
	if math.Abs(sym1-sym2) > 1e-12 {
		t.Errorf("SymbioticScore not symmetric: %v vs %v", sym1, sym2)
	}
}
