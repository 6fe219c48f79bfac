package loader

import (
	"fmt"
	"math/big"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"

	"github.com/petal-labs/instruflow/graph"
)

// hclWorkflow is the top-level structure of an HCL workflow file:
//
//	id  = "bench"
//	run = ["trig"]
//
//	module "trig" {
//	  factory = ["DataGenFactory", "int64"]
//	  params  = { value = 3 }
//	}
//	proxy "conv" { class = "SimpleNumConverter" }
//	logger "poco" { class = "DataPocoLogger" }
//	bind { source = "trig:data", target = "gen:trig", via = "conv" }
//	seq_bind { source = "gen:data", target = "max:inPortA" }
type hclWorkflow struct {
	ID          string            `hcl:"id,optional"`
	Version     string            `hcl:"version,optional"`
	Metadata    map[string]string `hcl:"metadata,optional"`
	Run         []string          `hcl:"run,optional"`
	Modules     []*hclModule      `hcl:"module,block"`
	Proxies     []*hclEntity      `hcl:"proxy,block"`
	Loggers     []*hclEntity      `hcl:"logger,block"`
	Bindings    []*hclBinding     `hcl:"bind,block"`
	SeqBindings []*hclSeqBinding  `hcl:"seq_bind,block"`
}

type hclModule struct {
	Name    string    `hcl:"name,label"`
	Factory []string  `hcl:"factory"`
	Params  cty.Value `hcl:"params,optional"`
}

type hclEntity struct {
	Name   string    `hcl:"name,label"`
	Class  string    `hcl:"class"`
	Params cty.Value `hcl:"params,optional"`
}

type hclBinding struct {
	Source string `hcl:"source"`
	Target string `hcl:"target"`
	Via    string `hcl:"via,optional"`
}

type hclSeqBinding struct {
	Source string `hcl:"source"`
	Target string `hcl:"target"`
}

// decodeHCL parses an HCL workflow. filename is only used in diagnostics.
func decodeHCL(data []byte, filename string) (*graph.Definition, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file %s: %s", filename, diags.Error())
	}

	var wf hclWorkflow
	diags = gohcl.DecodeBody(file.Body, nil, &wf)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL file %s: %s", filename, diags.Error())
	}

	def := &graph.Definition{
		ID:       wf.ID,
		Version:  wf.Version,
		Metadata: wf.Metadata,
		Run:      wf.Run,
	}
	for _, m := range wf.Modules {
		params, err := ctyParams(m.Params)
		if err != nil {
			return nil, fmt.Errorf("%s: module %q: %w", filename, m.Name, err)
		}
		def.Modules = append(def.Modules, graph.ModuleDef{Name: m.Name, Factory: m.Factory, Params: params})
	}
	for _, p := range wf.Proxies {
		params, err := ctyParams(p.Params)
		if err != nil {
			return nil, fmt.Errorf("%s: proxy %q: %w", filename, p.Name, err)
		}
		def.Proxies = append(def.Proxies, graph.EntityDef{Name: p.Name, Class: p.Class, Params: params})
	}
	for _, l := range wf.Loggers {
		params, err := ctyParams(l.Params)
		if err != nil {
			return nil, fmt.Errorf("%s: logger %q: %w", filename, l.Name, err)
		}
		def.Loggers = append(def.Loggers, graph.EntityDef{Name: l.Name, Class: l.Class, Params: params})
	}
	for _, b := range wf.Bindings {
		def.Bindings = append(def.Bindings, graph.BindingDef{Source: b.Source, Target: b.Target, Via: b.Via})
	}
	for _, sb := range wf.SeqBindings {
		def.SeqBindings = append(def.SeqBindings, graph.SeqBindingDef{Source: sb.Source, Target: sb.Target})
	}
	return def, nil
}

// ctyParams converts a params object to parameter values. An absent
// attribute yields nil.
func ctyParams(val cty.Value) (map[string]any, error) {
	if val.Type() == cty.NilType || val.IsNull() {
		return nil, nil
	}
	if !val.Type().IsObjectType() && !val.Type().IsMapType() {
		return nil, fmt.Errorf("params must be an object, got %s", val.Type().FriendlyName())
	}
	out := make(map[string]any)
	for it := val.ElementIterator(); it.Next(); {
		k, v := it.Element()
		gv, err := ctyToGo(v)
		if err != nil {
			return nil, fmt.Errorf("param %q: %w", k.AsString(), err)
		}
		out[k.AsString()] = gv
	}
	return out, nil
}

// ctyToGo converts a primitive cty value. Whole numbers become int64 so
// that they fit integer parameters.
func ctyToGo(val cty.Value) (any, error) {
	if !val.IsKnown() || val.IsNull() {
		return nil, fmt.Errorf("value is null or unknown")
	}
	switch val.Type() {
	case cty.String:
		return val.AsString(), nil
	case cty.Number:
		bf := val.AsBigFloat()
		if bf.IsInt() {
			if i, acc := bf.Int64(); acc == big.Exact {
				return i, nil
			}
		}
		f, _ := bf.Float64()
		return f, nil
	case cty.Bool:
		if val.True() {
			return int64(1), nil
		}
		return int64(0), nil
	default:
		return nil, fmt.Errorf("unsupported type %s", val.Type().FriendlyName())
	}
}
