// Package export writes the live workflow and the factory trees as
// Graphviz DOT, and workflow definitions as JSON or YAML.
package export

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/petal-labs/instruflow/factory"
	"github.com/petal-labs/instruflow/graph"
)

const workflowHeader = `/*
 * Workflow graph.
 *
 * Modules are clusters. Their input ports are prefixed with "inPort_",
 * their output ports with "outPort_" and their parameters with "param_".
 * Dashed edges are sequence bindings.
 *
 * Render with: dot -Tpng -o workflow.png < thisFile
 */
`

func escape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}

func quote(s string) string { return `"` + escape(s) + `"` }

// label quotes lines as one multi-line DOT label.
func label(lines ...string) string {
	for i, l := range lines {
		lines[i] = escape(l)
	}
	return `"` + strings.Join(lines, `\n`) + `"`
}

func inPortNode(module, port string) string  { return module + ":inPort_" + port }
func outPortNode(module, port string) string { return module + ":outPort_" + port }
func paramNode(module, param string) string  { return module + ":param_" + param }

// endpointNode maps a binding endpoint reference to its DOT node. asSource
// tells which side of a "module:port" reference is meant.
func endpointNode(ref string, asSource bool) string {
	for _, prefix := range []string{"getter/", "setter/"} {
		rest, ok := strings.CutPrefix(ref, prefix)
		if !ok {
			continue
		}
		i := strings.LastIndexByte(rest, '/')
		if i < 0 {
			return ref
		}
		owner, param := rest[:i], rest[i+1:]
		if strings.HasPrefix(owner, "proxy/") || strings.HasPrefix(owner, "logger/") {
			return owner
		}
		return paramNode(owner, param)
	}
	if strings.HasPrefix(ref, "proxy/") || strings.HasPrefix(ref, "logger/") {
		return ref
	}
	module, port, ok := strings.Cut(ref, ":")
	if !ok {
		return ref
	}
	if asSource {
		return outPortNode(module, port)
	}
	return inPortNode(module, port)
}

// WriteWorkflowDOT writes the current state of g. The output is a snapshot:
// destroyed modules and removed bindings do not appear.
func WriteWorkflowDOT(w io.Writer, g *graph.Graph) error {
	bw := bufio.NewWriter(w)
	p := func(format string, args ...any) { fmt.Fprintf(bw, format, args...) }

	p("%s\n", workflowHeader)
	p("digraph workflow {\n")
	p("    compound=true;\n")
	p("    node [fontsize=10];\n\n")

	p("    /* modules */\n")
	for _, m := range g.Modules() {
		p("    subgraph %s {\n", quote("cluster_"+m.Name()))
		p("        label=%s;\n", label(m.Name(), "("+m.Class()+")"))
		p("        style=rounded;\n")
		for _, in := range m.InPorts() {
			p("        %s [label=%s, shape=invhouse];\n", quote(inPortNode(m.Name(), in.Name())), quote(in.Name()))
		}
		for _, out := range m.OutPorts() {
			p("        %s [label=%s, shape=house];\n", quote(outPortNode(m.Name(), out.Name())), quote(out.Name()))
		}
		for _, spec := range m.Params().Specs() {
			p("        %s [label=%s, shape=note];\n", quote(paramNode(m.Name(), spec.Name)), quote(spec.Name))
		}
		if len(m.InPorts())+len(m.OutPorts())+len(m.Params().Specs()) == 0 {
			p("        %s [label=\"\", shape=point];\n", quote(m.Name()+":self"))
		}
		p("    }\n")
	}
	p("\n")

	if proxies := g.Proxies(); len(proxies) > 0 {
		p("    /* data proxies */\n")
		for _, px := range proxies {
			p("    %s [label=%s, shape=diamond];\n", quote(px.TargetID()), label(px.Name(), "("+px.Class().Name+")"))
		}
		p("\n")
	}
	if loggers := g.Loggers(); len(loggers) > 0 {
		p("    /* data loggers */\n")
		for _, l := range loggers {
			p("    %s [label=%s, shape=cylinder];\n", quote(l.TargetID()), label(l.Name(), "("+l.Class().Name+")"))
		}
		p("\n")
	}

	p("    /* edges */\n")
	for _, e := range g.Edges() {
		p("    %s -> %s;\n", quote(endpointNode(e.Source, true)), quote(endpointNode(e.Target, false)))
	}
	p("\n")

	p("    /* sequence edges */\n")
	for _, e := range g.SeqEdges() {
		p("    %s -> %s [style=dashed];\n", quote(endpointNode(e.Source, true)), quote(endpointNode(e.Target, false)))
	}
	p("}\n")
	return bw.Flush()
}

const factoriesHeader = `/*
 * Factory trees.
 *
 * Edges are labeled with the selector value leading to the child. Leaves
 * show the class they create and the number of modules they can still
 * create. Free selectors only list the values selected so far.
 *
 * Render with: dot -Tpng -o factories.png < thisFile
 */
`

func factoryNode(f *factory.Factory) string { return strings.Join(f.Path(), "/") }

// WriteFactoriesDOT writes the factory trees under roots, walking down to
// the leaves.
func WriteFactoriesDOT(w io.Writer, roots []*factory.Factory) error {
	bw := bufio.NewWriter(w)
	p := func(format string, args ...any) { fmt.Fprintf(bw, format, args...) }

	p("%s\n", factoriesHeader)
	p("digraph facTree {\n")
	p("    rankdir=LR;\n")
	p("    node [fontsize=10];\n\n")

	var edges [][3]string
	p("    /* factory nodes */\n")
	for _, root := range roots {
		root.Walk(func(f *factory.Factory, _ int) bool {
			id := factoryNode(f)
			switch {
			case f.IsLeaf():
				class := ""
				if spec, err := f.ModuleSpec(); err == nil {
					class = spec.Class
				}
				p("    %s [label=%s, shape=box];\n", quote(id), label(f.Name(), class, fmt.Sprintf("remain: %d", f.CountRemain())))
			case f.IsFree():
				p("    %s [label=%s, shape=ellipse, style=dashed];\n", quote(id), label(f.Name(), "<"+f.SelectDescription()+">"))
			default:
				p("    %s [label=%s, shape=ellipse];\n", quote(id), label(f.Name(), "<"+f.SelectDescription()+">"))
			}
			if parent := f.Parent(); parent != nil {
				edges = append(edges, [3]string{factoryNode(parent), id, f.Name()})
			}
			return true
		})
	}
	p("\n")

	if len(roots) >= 2 {
		p("    /* root factories */\n")
		p("    { rank = same;")
		for _, root := range roots {
			p(" %s;", quote(factoryNode(root)))
		}
		p(" }\n\n")
	}

	p("    /* selections */\n")
	for _, e := range edges {
		p("    %s -> %s [label=%s];\n", quote(e[0]), quote(e[1]), quote(e[2]))
	}
	p("}\n")
	return bw.Flush()
}
