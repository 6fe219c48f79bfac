package config

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/petal-labs/instruflow/core"
	"github.com/petal-labs/instruflow/graph"
	"github.com/petal-labs/instruflow/runtime"
)

func TestParseProperties(t *testing.T) {
	input := `# comment
! also a comment

module.gen.value = 12
module.gen.label: hello world
  dataProxy.conv.scale=2.5
module.long.text = first \
    second \
    third
module.path.dir = C:\\data
`
	props, err := ParseProperties(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ParseProperties() error = %v", err)
	}
	want := []Property{
		{Key: "module.gen.value", Value: "12", Line: 4},
		{Key: "module.gen.label", Value: "hello world", Line: 5},
		{Key: "dataProxy.conv.scale", Value: "2.5", Line: 6},
		{Key: "module.long.text", Value: "first second third", Line: 7},
		{Key: "module.path.dir", Value: `C:\data`, Line: 10},
	}
	if !slices.Equal(props, want) {
		t.Errorf("ParseProperties() =\n%v\nwant\n%v", props, want)
	}

	if _, err := ParseProperties(strings.NewReader("no separator here\n")); err == nil {
		t.Error("ParseProperties() accepted a line without separator")
	}
}

func TestParseKey(t *testing.T) {
	tests := []struct {
		key  string
		want Setting
		ok   bool
	}{
		{"module.gen.value", Setting{Kind: KindModule, Name: "gen", Param: "value"}, true},
		{"module.my.gen.value", Setting{Kind: KindModule, Name: "my.gen", Param: "value"}, true},
		{"dataProxy.conv.scale", Setting{Kind: KindProxy, Name: "conv", Param: "scale"}, true},
		{"dataLogger.poco.level", Setting{Kind: KindLogger, Name: "poco", Param: "level"}, true},
		{"module.SeqGen.default.delay", Setting{Kind: KindModule, Name: "SeqGen", Param: "delay", Default: true}, true},
		{"module.gen", Setting{}, false},
		{"module.gen.", Setting{}, false},
		{"application.name.x", Setting{}, false},
		{"logging", Setting{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			got, ok := parseKey(tt.key)
			if ok != tt.ok || got != tt.want {
				t.Errorf("parseKey(%q) = %+v, %v, want %+v, %v", tt.key, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func newTestGraph(t *testing.T) *graph.Graph {
	t.Helper()
	opts := runtime.DefaultOptions()
	opts.DisableWatchdog = true
	s := runtime.NewScheduler(opts)
	t.Cleanup(s.Close)
	return graph.NewGraph(s, nil)
}

func TestProperties_Apply(t *testing.T) {
	g := newTestGraph(t)
	gen, err := g.AddModule("gen", graph.ModuleSpec{
		Class: "Gen",
		Params: []core.ParamSpec{
			{Name: "value", Kind: core.ParamInt, Default: int64(0)},
			{Name: "gain", Kind: core.ParamFloat, Default: 1.0},
		},
	}, graph.ProcessorFunc(func(*graph.RunContext) error { return nil }))
	if err != nil {
		t.Fatal(err)
	}
	conv, err := g.AddProxy("conv", graph.ProxyClass{
		Name:   "Scale",
		Params: []core.ParamSpec{{Name: "scale", Kind: core.ParamFloat, Default: 1.0}},
		New: func() graph.Transformer {
			return graph.TransformerFunc(nil)
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	props := NewProperties([]Property{
		{Key: "module.gen.value", Value: "12", Line: 1},
		{Key: "module.gen.gain", Value: "not a number", Line: 2},
		{Key: "module.ghost.value", Value: "3", Line: 3},
		{Key: "dataProxy.conv.scale", Value: "0.5", Line: 4},
		{Key: "module.Gen.default.value", Value: "99", Line: 5},
		{Key: "app.title", Value: "x", Line: 6},
	})
	if len(props.Other) != 1 {
		t.Errorf("Other = %v, want the app.title property", props.Other)
	}

	n, err := props.Apply(g, nil)
	if n != 2 {
		t.Errorf("Apply() applied %d, want 2", n)
	}
	if !errors.Is(err, core.ErrInvalidParameter) {
		t.Errorf("Apply() error = %v, want ErrInvalidParameter for gain", err)
	}
	if v, _ := gen.Param("value"); v != int64(12) {
		t.Errorf("gen.value = %v, want 12", v)
	}
	if v, _ := conv.Params().Get("scale"); v != 0.5 {
		t.Errorf("conv.scale = %v, want 0.5", v)
	}

	if got := props.Defaults(KindModule, "Gen"); got["value"] != "99" {
		t.Errorf("Defaults() = %v", got)
	}
	fresh, _ := core.NewParamSet(core.ParamSpec{Name: "value", Kind: core.ParamInt, Default: int64(0)})
	if err := props.ApplyDefaults(KindModule, "Gen", fresh); err != nil {
		t.Fatalf("ApplyDefaults() error = %v", err)
	}
	if v, _ := fresh.Get("value"); v != int64(99) {
		t.Errorf("default value = %v, want 99", v)
	}
}

func TestLoadProperties(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bench.properties")
	if err := os.WriteFile(path, []byte("module.gen.value=1\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	p, err := LoadProperties(path)
	if err != nil {
		t.Fatalf("LoadProperties() error = %v", err)
	}
	if p.Path != path || len(p.Settings) != 1 {
		t.Errorf("LoadProperties() = %+v", p)
	}
	if _, err := LoadProperties(filepath.Join(t.TempDir(), "missing")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("LoadProperties(missing) error = %v, want ErrNotExist", err)
	}

	other := NewProperties([]Property{{Key: "module.x.y", Value: "2"}})
	p.Merge(other)
	if len(p.Settings) != 2 {
		t.Errorf("Merge() settings = %d, want 2", len(p.Settings))
	}
}

func TestDiscoverPathFrom_FirstMatchWins(t *testing.T) {
	cwd := t.TempDir()
	home := t.TempDir()

	projectConfig := filepath.Join(cwd, "instruflow.yaml")
	if err := os.WriteFile(projectConfig, []byte("workers: 2"), 0o600); err != nil {
		t.Fatalf("WriteFile(project config) error = %v", err)
	}
	homeConfigDir := filepath.Join(home, ".instruflow")
	if err := os.MkdirAll(homeConfigDir, 0o755); err != nil {
		t.Fatalf("MkdirAll(home config dir) error = %v", err)
	}
	homeConfig := filepath.Join(homeConfigDir, "config.yaml")
	if err := os.WriteFile(homeConfig, []byte("workers: 3"), 0o600); err != nil {
		t.Fatalf("WriteFile(home config) error = %v", err)
	}

	got, found, err := DiscoverPathFrom("", cwd, home)
	if err != nil || !found || got != projectConfig {
		t.Fatalf("DiscoverPathFrom() = %q, %v, %v, want %q", got, found, err, projectConfig)
	}

	os.Remove(projectConfig)
	got, found, err = DiscoverPathFrom("", cwd, home)
	if err != nil || !found || got != homeConfig {
		t.Fatalf("DiscoverPathFrom() fallback = %q, %v, %v, want %q", got, found, err, homeConfig)
	}

	os.Remove(homeConfig)
	if _, found, err := DiscoverPathFrom("", cwd, home); found || err != nil {
		t.Errorf("DiscoverPathFrom() with no files = %v, %v", found, err)
	}
}

func TestDiscoverPathFrom_ExplicitNotFound(t *testing.T) {
	_, found, err := DiscoverPathFrom(filepath.Join(t.TempDir(), "nope.yaml"), t.TempDir(), t.TempDir())
	if err == nil {
		t.Fatal("expected error for missing explicit config path")
	}
	if found {
		t.Fatal("found = true, want false")
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "instruflow.yaml")
	data := `
workers: 4
watchdog:
  enabled: false
  timeout: 250ms
log:
  level: debug
events:
  sqlite_dsn: file:events.db
properties:
  - bench.properties
  - /etc/instruflow/site.properties
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	s, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if s.Workers != 4 || s.WatchdogEnabled() || s.WatchdogTimeout() != 250*time.Millisecond {
		t.Errorf("LoadFile() = %+v", s)
	}
	if s.Log.Level != "debug" || s.Log.Format != "text" {
		t.Errorf("log settings = %+v, want debug level over the text default", s.Log)
	}
	if s.Events.SQLiteDSN != "file:events.db" || s.Path() != path {
		t.Errorf("events = %+v, path = %q", s.Events, s.Path())
	}
	want := []string{filepath.Join(dir, "bench.properties"), "/etc/instruflow/site.properties"}
	if got := s.PropertiesPaths(); !slices.Equal(got, want) {
		t.Errorf("PropertiesPaths() = %v, want %v", got, want)
	}

	tests := []struct {
		name string
		data string
	}{
		{"bad duration", "watchdog:\n  timeout: soon\n"},
		{"negative workers", "workers: -1\n"},
		{"bad yaml", "workers: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := filepath.Join(t.TempDir(), "bad.yaml")
			os.WriteFile(p, []byte(tt.data), 0o600)
			if _, err := LoadFile(p); err == nil {
				t.Error("LoadFile() accepted invalid settings")
			}
		})
	}
}

func TestDefault(t *testing.T) {
	d := Default()
	if d.Workers != 8 || !d.WatchdogEnabled() || d.WatchdogTimeout() != 15*time.Second {
		t.Errorf("Default() = %+v", d)
	}
	var zero Settings
	if !zero.WatchdogEnabled() || zero.WatchdogTimeout() != 15*time.Second {
		t.Error("zero Settings does not fall back to watchdog defaults")
	}
}
