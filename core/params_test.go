package core

import (
	"errors"
	"math"
	"testing"
)

func newTestParams(t *testing.T) *ParamSet {
	t.Helper()
	p, err := NewParamSet(
		ParamSpec{Name: "count", Kind: ParamInt, Default: 3, Validate: NonNegative},
		ParamSpec{Name: "gain", Kind: ParamFloat, Default: 1.0},
		ParamSpec{Name: "label", Kind: ParamString, Default: "none"},
		ParamSpec{Name: "start", Kind: ParamInt, OneShot: true, Validate: OneOf(int64(0), int64(1))},
	)
	if err != nil {
		t.Fatalf("NewParamSet() error = %v", err)
	}
	return p
}

func TestParamSet_Defaults(t *testing.T) {
	p := newTestParams(t)
	v, err := p.Get("count")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if v != int64(3) {
		t.Errorf("count = %#v, want int64(3)", v)
	}
	if len(p.Specs()) != 4 {
		t.Errorf("len(Specs()) = %d, want 4", len(p.Specs()))
	}
}

func TestParamSet_RoundTrip(t *testing.T) {
	p := newTestParams(t)

	if err := p.Set("count", 12); err != nil {
		t.Fatalf("Set(count) error = %v", err)
	}
	if v, _ := p.Get("count"); v != int64(12) {
		t.Errorf("count = %v, want 12", v)
	}

	if err := p.Set("label", "hello"); err != nil {
		t.Fatalf("Set(label) error = %v", err)
	}
	if v, _ := p.Get("label"); v != "hello" {
		t.Errorf("label = %v, want hello", v)
	}

	if err := p.Set("gain", 0.1); err != nil {
		t.Fatalf("Set(gain) error = %v", err)
	}
	v, _ := p.Get("gain")
	if math.Abs(v.(float64)-0.1) > 1e-12 {
		t.Errorf("gain = %v, want 0.1", v)
	}
}

func TestParamSet_SetErrors(t *testing.T) {
	p := newTestParams(t)
	tests := []struct {
		name  string
		param string
		value any
		want  error
	}{
		{"unknown", "nope", 1, ErrNotFound},
		{"string for int", "count", "12", ErrInvalidParameter},
		{"fraction for int", "count", 1.5, ErrInvalidParameter},
		{"validation", "count", -1, ErrInvalidParameter},
		{"int for string", "label", 3, ErrInvalidParameter},
		{"one of", "start", 2, ErrInvalidParameter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.Set(tt.param, tt.value)
			if !errors.Is(err, tt.want) {
				t.Errorf("Set() error = %v, want %v", err, tt.want)
			}
		})
	}
	if v, _ := p.Get("count"); v != int64(3) {
		t.Errorf("failed Set should leave count unchanged, got %v", v)
	}
}

func TestParamSet_SnapshotConsumesOneShot(t *testing.T) {
	p := newTestParams(t)
	if err := p.Set("start", 1); err != nil {
		t.Fatalf("Set(start) error = %v", err)
	}

	first := p.Snapshot()
	if first.Int("start") != 1 {
		t.Errorf("first snapshot start = %d, want 1", first.Int("start"))
	}
	second := p.Snapshot()
	if second.Int("start") != 0 {
		t.Errorf("second snapshot start = %d, want 0", second.Int("start"))
	}
	if second.Int("count") != 3 {
		t.Errorf("count should survive snapshots, got %d", second.Int("count"))
	}
}

func TestParamSet_StackedQueuesUntilSnapshot(t *testing.T) {
	p, err := NewParamSet(ParamSpec{Name: "value", Kind: ParamInt, Stacked: true})
	if err != nil {
		t.Fatalf("NewParamSet() error = %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := p.Set("value", i); err != nil {
			t.Fatalf("Set(value, %d) error = %v", i, err)
		}
	}
	if n := p.Stacked("value"); n != 3 {
		t.Errorf("Stacked(value) = %d, want 3", n)
	}
	if v, _ := p.Get("value"); v != int64(2) {
		t.Errorf("Get(value) = %v, want the last value 2", v)
	}

	first := p.Snapshot().Stack("value")
	want := []any{int64(0), int64(1), int64(2)}
	if len(first) != len(want) {
		t.Fatalf("Stack(value) = %v, want %v", first, want)
	}
	for i := range want {
		if first[i] != want[i] {
			t.Errorf("Stack(value)[%d] = %v, want %v", i, first[i], want[i])
		}
	}
	if second := p.Snapshot().Stack("value"); len(second) != 0 {
		t.Errorf("second snapshot Stack(value) = %v, want empty", second)
	}
}

func TestParamSet_SetString(t *testing.T) {
	p := newTestParams(t)
	if err := p.SetString("count", " 0x10 "); err != nil {
		t.Fatalf("SetString(count) error = %v", err)
	}
	if v := p.Values().Int("count"); v != 16 {
		t.Errorf("count = %d, want 16", v)
	}
	if err := p.SetString("gain", "2.5"); err != nil {
		t.Fatalf("SetString(gain) error = %v", err)
	}
	if v := p.Values().Float("gain"); v != 2.5 {
		t.Errorf("gain = %v, want 2.5", v)
	}
	if err := p.SetString("gain", "abc"); !errors.Is(err, ErrInvalidParameter) {
		t.Errorf("SetString(abc) error = %v, want ErrInvalidParameter", err)
	}
}

func TestParamSet_Reset(t *testing.T) {
	p := newTestParams(t)
	_ = p.Set("label", "changed")
	p.Reset()
	if v := p.Values().String("label"); v != "none" {
		t.Errorf("label = %q, want %q", v, "none")
	}
}

func TestNewParamSet_Errors(t *testing.T) {
	_, err := NewParamSet(
		ParamSpec{Name: "a", Kind: ParamInt},
		ParamSpec{Name: "a", Kind: ParamInt},
	)
	if !errors.Is(err, ErrDuplicateName) {
		t.Errorf("duplicate error = %v, want ErrDuplicateName", err)
	}

	_, err = NewParamSet(ParamSpec{Name: "b", Kind: ParamInt, Default: "x"})
	if err == nil {
		t.Error("bad default should fail")
	}
}
