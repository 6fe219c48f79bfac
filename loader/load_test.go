package loader

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/petal-labs/instruflow"
	"github.com/petal-labs/instruflow/core"
	"github.com/petal-labs/instruflow/graph"
	"github.com/petal-labs/instruflow/loggers"
)

func testdataPath(name string) string {
	return filepath.Join("testdata", name)
}

func writeWorkflow(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestEngine(t *testing.T) *instruflow.Engine {
	t.Helper()
	e := instruflow.New(instruflow.Options{DisableWatchdog: true})
	t.Cleanup(func() { e.Close() })
	return e
}

func TestLoadWorkflow_Formats(t *testing.T) {
	tests := []struct {
		file string
		id   string
	}{
		{"bench.json", "bench_json"},
		{"bench.yaml", "bench_yaml"},
		{"bench.hcl", "bench_hcl"},
	}
	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			def, err := LoadWorkflow(testdataPath(tt.file))
			if err != nil {
				t.Fatalf("LoadWorkflow() error = %v", err)
			}
			if def.ID != tt.id {
				t.Errorf("ID = %q, want %q", def.ID, tt.id)
			}
			if len(def.Modules) != 3 || len(def.Proxies) != 1 || len(def.Loggers) != 1 {
				t.Errorf("entities = %d modules, %d proxies, %d loggers", len(def.Modules), len(def.Proxies), len(def.Loggers))
			}
			if len(def.Bindings) != 4 || len(def.SeqBindings) != 1 {
				t.Errorf("bindings = %d, seq bindings = %d", len(def.Bindings), len(def.SeqBindings))
			}
			if got := def.Modules[2].Factory; !slices.Equal(got, []string{"DemoRootFactory", "branch", "leafSeqMax"}) {
				t.Errorf("factory path = %v", got)
			}
			if def.Bindings[2].Via != "conv" {
				t.Errorf("via = %q, want conv", def.Bindings[2].Via)
			}
			if !slices.Equal(def.Run, []string{"trig"}) {
				t.Errorf("run = %v", def.Run)
			}
		})
	}
}

func TestDecode_HCLParams(t *testing.T) {
	src := `
module "gen" {
  factory = ["DataGenFactory", "dblFloat"]
  params  = { value = 2.5, seqStart = true, label = "x", count = 3 }
}
`
	def, err := Decode([]byte(src), "inline.hcl")
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	got := def.Modules[0].Params
	want := map[string]any{"value": 2.5, "seqStart": int64(1), "label": "x", "count": int64(3)}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("params[%s] = %v (%T), want %v (%T)", k, got[k], got[k], v, v)
		}
	}

	list := `
module "gen" {
  factory = ["x"]
  params  = ["not", "an", "object"]
}
`
	if _, err := Decode([]byte(list), "list.hcl"); err == nil {
		t.Error("Decode() accepted a list as params")
	}
}

func TestLoadWorkflow_Invalid(t *testing.T) {
	_, err := LoadWorkflow(testdataPath("invalid.json"))
	var de *DiagnosticError
	if !errors.As(err, &de) {
		t.Fatalf("LoadWorkflow() error = %v, want DiagnosticError", err)
	}
	codes := make(map[string]bool)
	for _, d := range de.Diagnostics {
		codes[d.Code] = true
	}
	for _, code := range []string{"WF-003", "WF-005"} {
		if !codes[code] {
			t.Errorf("diagnostics %v lack %s", de.Diagnostics, code)
		}
	}
}

func TestLoadWorkflowWith_UnknownClasses(t *testing.T) {
	e := newTestEngine(t)
	if _, err := LoadWorkflow(testdataPath("unknown_class.yaml")); err != nil {
		t.Fatalf("structural validation failed: %v", err)
	}
	_, err := LoadWorkflowWith(testdataPath("unknown_class.yaml"), e)
	var de *DiagnosticError
	if !errors.As(err, &de) {
		t.Fatalf("LoadWorkflowWith() error = %v, want DiagnosticError", err)
	}
	codes := make(map[string]bool)
	for _, d := range graph.Errors(de.Diagnostics) {
		codes[d.Code] = true
	}
	if !codes["WF-102"] || !codes["WF-103"] {
		t.Errorf("diagnostics = %v, want WF-102 and WF-103", de.Diagnostics)
	}
}

func TestLoadWorkflow_Errors(t *testing.T) {
	if _, err := LoadWorkflow(testdataPath("nonexistent.json")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing file error = %v, want ErrNotExist", err)
	}
	if _, err := LoadWorkflow(testdataPath("broken.hcl")); err == nil {
		t.Error("broken HCL loaded")
	}
}

func TestBuild_RunsWorkflow(t *testing.T) {
	for _, file := range []string{"bench.json", "bench.yaml", "bench.hcl"} {
		t.Run(file, func(t *testing.T) {
			e := newTestEngine(t)
			def, err := LoadWorkflowWith(testdataPath(file), e)
			if err != nil {
				t.Fatal(err)
			}
			if err := Build(e, def); err != nil {
				t.Fatalf("Build() error = %v", err)
			}
			tasks, err := Start(e, def)
			if err != nil || len(tasks) != 1 {
				t.Fatalf("Start() = %v, %v", tasks, err)
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := e.WaitAll(ctx); err != nil {
				t.Fatalf("WaitAll() error = %v", err)
			}

			l, err := e.Graph().Logger("mem")
			if err != nil {
				t.Fatal(err)
			}
			if v, _ := l.Params().Get("capacity"); v != int64(10) {
				t.Errorf("capacity = %v, want 10", v)
			}
			mem := l.Sink().(*loggers.MemorySink)
			if got, want := mem.Values(), []any{int64(3)}; !slices.Equal(got, want) {
				t.Errorf("seqMax values = %v, want %v", got, want)
			}
		})
	}
}

func TestBuild_SnapshotRoundTrip(t *testing.T) {
	e := newTestEngine(t)
	def, err := LoadWorkflow(testdataPath("bench.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if err := Build(e, def); err != nil {
		t.Fatal(err)
	}
	snap := e.Snapshot("copy")

	other := newTestEngine(t)
	if err := Build(other, snap); err != nil {
		t.Fatalf("Build(snapshot) error = %v", err)
	}
	if got, want := other.Graph().Edges(), e.Graph().Edges(); !slices.Equal(got, want) {
		t.Errorf("rebuilt edges = %v, want %v", got, want)
	}
	if got, want := other.Graph().SeqEdges(), e.Graph().SeqEdges(); !slices.Equal(got, want) {
		t.Errorf("rebuilt seq edges = %v, want %v", got, want)
	}
}

func TestBuild_Errors(t *testing.T) {
	tests := []struct {
		name string
		def  graph.Definition
		want error
	}{
		{
			name: "unknown factory",
			def:  graph.Definition{Modules: []graph.ModuleDef{{Name: "a", Factory: []string{"Nope"}}}},
			want: core.ErrNotFound,
		},
		{
			name: "bad parameter",
			def: graph.Definition{Modules: []graph.ModuleDef{{
				Name: "a", Factory: []string{"DataGenFactory", "seq"}, Params: map[string]any{"seqSize": -1},
			}}},
			want: core.ErrInvalidParameter,
		},
		{
			name: "type mismatch",
			def: graph.Definition{
				Modules: []graph.ModuleDef{
					{Name: "s", Factory: []string{"DataGenFactory", "str"}},
					{Name: "m", Factory: []string{"DemoRootFactory", "branch", "leafSeqMax"}},
				},
				Bindings: []graph.BindingDef{{Source: "s:data", Target: "m:inPortA"}},
			},
			want: core.ErrBindingType,
		},
		{
			name: "sequence source is a proxy",
			def: graph.Definition{
				Modules: []graph.ModuleDef{{Name: "m", Factory: []string{"DemoRootFactory", "branch", "leafSeqMax"}}},
				Proxies: []graph.EntityDef{{Name: "p", Class: "DataBuffer"}},
				SeqBindings: []graph.SeqBindingDef{{Source: "proxy/p", Target: "m:inPortA"}},
			},
			want: core.ErrSequence,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t)
			if err := Build(e, &tt.def); !errors.Is(err, tt.want) {
				t.Errorf("Build() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestStart_UnknownModule(t *testing.T) {
	e := newTestEngine(t)
	if _, err := Start(e, &graph.Definition{}, "ghost"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("Start() error = %v, want ErrNotFound", err)
	}
}
