package graph

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/petal-labs/instruflow/core"
)

// Diagnostic represents a validation error or warning produced by workflow
// validation.
type Diagnostic struct {
	Code     string `json:"code"`           // e.g. "WF-001", "WF-101"
	Severity string `json:"severity"`       // "error" or "warning"
	Message  string `json:"message"`        // human-readable description
	Path     string `json:"path,omitempty"` // path to offending field
	Line     int    `json:"line,omitempty"` // source line number (0 if unavailable)
}

const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// HasErrors returns true if any diagnostic has error severity.
func HasErrors(diags []Diagnostic) bool {
	for _, d := range diags {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Errors returns only the error-severity diagnostics.
func Errors(diags []Diagnostic) []Diagnostic {
	var errs []Diagnostic
	for _, d := range diags {
		if d.Severity == SeverityError {
			errs = append(errs, d)
		}
	}
	return errs
}

// Warnings returns only the warning-severity diagnostics.
func Warnings(diags []Diagnostic) []Diagnostic {
	var warns []Diagnostic
	for _, d := range diags {
		if d.Severity == SeverityWarning {
			warns = append(warns, d)
		}
	}
	return warns
}

// Definition is the serializable form of a workflow: the modules to create,
// the proxies and loggers, and the bindings between them. Workflow files
// decode into it and a live graph can be captured as one.
type Definition struct {
	ID          string            `json:"id" yaml:"id"`
	Version     string            `json:"version" yaml:"version"`
	Metadata    map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Modules     []ModuleDef       `json:"modules" yaml:"modules"`
	Proxies     []EntityDef       `json:"proxies,omitempty" yaml:"proxies,omitempty"`
	Loggers     []EntityDef       `json:"loggers,omitempty" yaml:"loggers,omitempty"`
	Bindings    []BindingDef      `json:"bindings,omitempty" yaml:"bindings,omitempty"`
	SeqBindings []SeqBindingDef   `json:"seq_bindings,omitempty" yaml:"seq_bindings,omitempty"`
	// Run lists the modules issued a naked run when the workflow starts.
	Run []string `json:"run,omitempty" yaml:"run,omitempty"`
}

// ModuleDef is a module to create. Factory is the selection path, starting
// with the root factory name, e.g. ["DemoRootFactory", "branch", "leafA"].
type ModuleDef struct {
	Name    string         `json:"name" yaml:"name"`
	Factory []string       `json:"factory" yaml:"factory"`
	Params  map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// EntityDef is a proxy or logger to create from a class.
type EntityDef struct {
	Name   string         `json:"name" yaml:"name"`
	Class  string         `json:"class" yaml:"class"`
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// BindingDef binds Source to Target, optionally through the proxy Via.
type BindingDef struct {
	Source string `json:"source" yaml:"source"`
	Target string `json:"target" yaml:"target"`
	Via    string `json:"via,omitempty" yaml:"via,omitempty"`
}

// SeqBindingDef makes the in-port Target follow the sequences of the
// out-port Source. Both are "module:port" references.
type SeqBindingDef struct {
	Source string `json:"source" yaml:"source"`
	Target string `json:"target" yaml:"target"`
}

type refKind int

const (
	refInvalid refKind = iota
	refPort
	refProxy
	refLogger
	refGetter
	refSetter
)

type endpointRef struct {
	kind   refKind
	entity string // module name, or proxy/logger name
	port   string // port name for refPort
	owner  refKind
	param  string
}

// parseRef splits an endpoint reference without looking at a live graph.
func parseRef(ref string) endpointRef {
	switch {
	case strings.HasPrefix(ref, proxyPrefix):
		return endpointRef{kind: refProxy, entity: strings.TrimPrefix(ref, proxyPrefix)}
	case strings.HasPrefix(ref, loggerPrefix):
		return endpointRef{kind: refLogger, entity: strings.TrimPrefix(ref, loggerPrefix)}
	case strings.HasPrefix(ref, getterPrefix), strings.HasPrefix(ref, setterPrefix):
		kind, rest := refGetter, strings.TrimPrefix(ref, getterPrefix)
		if strings.HasPrefix(ref, setterPrefix) {
			kind, rest = refSetter, strings.TrimPrefix(ref, setterPrefix)
		}
		i := strings.LastIndex(rest, "/")
		if i <= 0 || i == len(rest)-1 {
			return endpointRef{}
		}
		entity, param := rest[:i], rest[i+1:]
		r := endpointRef{kind: kind, entity: entity, owner: refPort, param: param}
		switch {
		case strings.HasPrefix(entity, proxyPrefix):
			r.owner, r.entity = refProxy, strings.TrimPrefix(entity, proxyPrefix)
		case strings.HasPrefix(entity, loggerPrefix):
			r.owner, r.entity = refLogger, strings.TrimPrefix(entity, loggerPrefix)
		}
		return r
	}
	name, port, ok := strings.Cut(ref, ":")
	if !ok || name == "" || port == "" {
		return endpointRef{}
	}
	return endpointRef{kind: refPort, entity: name, port: port}
}

// Validate checks the structural integrity of the definition, without any
// knowledge of the available classes:
//   - WF-001: duplicate module, proxy or logger names
//   - WF-002: binding references an unknown entity or is malformed
//   - WF-003: invalid entity name or empty factory path
//   - WF-004: sequence binding is not module:port to module:port
//   - WF-005: run list names an unknown module
//   - WF-006: module with no binding at all (warning)
//   - WF-007: target bound more than once
//   - WF-008: data cycle between modules (warning)
func (d *Definition) Validate() []Diagnostic {
	var diags []Diagnostic

	modules := make(map[string]bool, len(d.Modules))
	for i, m := range d.Modules {
		path := fmt.Sprintf("modules[%d]", i)
		if err := core.ValidateName(m.Name); err != nil {
			diags = append(diags, Diagnostic{
				Code: "WF-003", Severity: SeverityError,
				Message: fmt.Sprintf("Module name %q is invalid", m.Name), Path: path + ".name",
			})
		}
		if modules[m.Name] {
			diags = append(diags, Diagnostic{
				Code: "WF-001", Severity: SeverityError,
				Message: fmt.Sprintf("Duplicate module name %q", m.Name), Path: path + ".name",
			})
		}
		modules[m.Name] = true
		if len(m.Factory) == 0 {
			diags = append(diags, Diagnostic{
				Code: "WF-003", Severity: SeverityError,
				Message: fmt.Sprintf("Module %q has no factory path", m.Name), Path: path + ".factory",
			})
		}
	}
	proxies := collectEntities(d.Proxies, "proxies", "proxy", &diags)
	loggers := collectEntities(d.Loggers, "loggers", "logger", &diags)

	known := func(r endpointRef) bool {
		owner := r.kind
		if r.kind == refGetter || r.kind == refSetter {
			owner = r.owner
		}
		switch owner {
		case refPort:
			return modules[r.entity]
		case refProxy:
			return proxies[r.entity]
		case refLogger:
			return loggers[r.entity]
		}
		return false
	}

	bound := make(map[string]int)
	touched := make(map[string]bool)
	for i, b := range d.Bindings {
		path := fmt.Sprintf("bindings[%d]", i)
		src, dst := parseRef(b.Source), parseRef(b.Target)
		switch {
		case src.kind == refInvalid || src.kind == refLogger || src.kind == refSetter:
			diags = append(diags, Diagnostic{
				Code: "WF-002", Severity: SeverityError,
				Message: fmt.Sprintf("Binding source %q is not a data source", b.Source), Path: path + ".source",
			})
		case !known(src):
			diags = append(diags, Diagnostic{
				Code: "WF-002", Severity: SeverityError,
				Message: fmt.Sprintf("Binding source %q references an unknown entity", b.Source), Path: path + ".source",
			})
		}
		switch {
		case dst.kind == refInvalid:
			diags = append(diags, Diagnostic{
				Code: "WF-002", Severity: SeverityError,
				Message: fmt.Sprintf("Binding target %q is not a data target", b.Target), Path: path + ".target",
			})
		case !known(dst):
			diags = append(diags, Diagnostic{
				Code: "WF-002", Severity: SeverityError,
				Message: fmt.Sprintf("Binding target %q references an unknown entity", b.Target), Path: path + ".target",
			})
		}
		if b.Via != "" && !proxies[b.Via] {
			diags = append(diags, Diagnostic{
				Code: "WF-002", Severity: SeverityError,
				Message: fmt.Sprintf("Binding goes through unknown proxy %q", b.Via), Path: path + ".via",
			})
		}

		bound[b.Target]++
		if bound[b.Target] == 2 {
			diags = append(diags, Diagnostic{
				Code: "WF-007", Severity: SeverityError,
				Message: fmt.Sprintf("Target %q is bound more than once", b.Target), Path: path + ".target",
			})
		}
		for _, r := range []endpointRef{src, dst} {
			if r.kind == refPort || ((r.kind == refGetter || r.kind == refSetter) && r.owner == refPort) {
				touched[r.entity] = true
			}
		}
	}

	for i, sb := range d.SeqBindings {
		path := fmt.Sprintf("seq_bindings[%d]", i)
		src, dst := parseRef(sb.Source), parseRef(sb.Target)
		if src.kind != refPort || dst.kind != refPort {
			diags = append(diags, Diagnostic{
				Code: "WF-004", Severity: SeverityError,
				Message: fmt.Sprintf("Sequence binding %s -> %s must join two module ports", sb.Source, sb.Target), Path: path,
			})
			continue
		}
		for _, r := range []endpointRef{src, dst} {
			if !modules[r.entity] {
				diags = append(diags, Diagnostic{
					Code: "WF-004", Severity: SeverityError,
					Message: fmt.Sprintf("Sequence binding references unknown module %q", r.entity), Path: path,
				})
			}
			touched[r.entity] = true
		}
	}

	for i, name := range d.Run {
		if !modules[name] {
			diags = append(diags, Diagnostic{
				Code: "WF-005", Severity: SeverityError,
				Message: fmt.Sprintf("Run list names unknown module %q", name), Path: fmt.Sprintf("run[%d]", i),
			})
		}
	}

	if len(d.Modules) > 1 {
		for i, m := range d.Modules {
			if !touched[m.Name] {
				diags = append(diags, Diagnostic{
					Code: "WF-006", Severity: SeverityWarning,
					Message: fmt.Sprintf("Module %q has no bindings", m.Name), Path: fmt.Sprintf("modules[%d]", i),
				})
			}
		}
	}

	if !slices.ContainsFunc(diags, func(d Diagnostic) bool { return d.Code == "WF-002" }) {
		if cycle := d.detectCycle(); cycle != "" {
			diags = append(diags, Diagnostic{
				Code: "WF-008", Severity: SeverityWarning,
				Message: fmt.Sprintf("Bindings form a data cycle: %s", cycle),
			})
		}
	}
	return diags
}

func collectEntities(defs []EntityDef, field, what string, diags *[]Diagnostic) map[string]bool {
	seen := make(map[string]bool, len(defs))
	for i, e := range defs {
		path := fmt.Sprintf("%s[%d]", field, i)
		if err := core.ValidateName(e.Name); err != nil {
			*diags = append(*diags, Diagnostic{
				Code: "WF-003", Severity: SeverityError,
				Message: fmt.Sprintf("%s name %q is invalid", capitalize(what), e.Name), Path: path + ".name",
			})
		}
		if seen[e.Name] {
			*diags = append(*diags, Diagnostic{
				Code: "WF-001", Severity: SeverityError,
				Message: fmt.Sprintf("Duplicate %s name %q", what, e.Name), Path: path + ".name",
			})
		}
		seen[e.Name] = true
	}
	return seen
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// detectCycle runs Kahn's algorithm over module-to-module data edges,
// following proxies. Returns the modules left on a cycle, or "".
func (d *Definition) detectCycle() string {
	// proxy name -> source module, for bindings entering a proxy
	feeds := make(map[string]string)
	for _, b := range d.Bindings {
		src, dst := parseRef(b.Source), parseRef(b.Target)
		if src.kind == refPort && dst.kind == refProxy {
			feeds[dst.entity] = src.entity
		}
	}
	inDegree := make(map[string]int, len(d.Modules))
	successors := make(map[string][]string)
	for _, m := range d.Modules {
		inDegree[m.Name] = 0
	}
	for _, b := range d.Bindings {
		src, dst := parseRef(b.Source), parseRef(b.Target)
		if dst.kind != refPort {
			continue
		}
		from := ""
		switch src.kind {
		case refPort:
			from = src.entity
		case refProxy:
			from = feeds[src.entity]
		}
		if from == "" {
			continue
		}
		successors[from] = append(successors[from], dst.entity)
		inDegree[dst.entity]++
	}

	queue := make([]string, 0)
	for _, m := range d.Modules {
		if inDegree[m.Name] == 0 {
			queue = append(queue, m.Name)
		}
	}
	visited := 0
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		visited++
		for _, succ := range successors[current] {
			inDegree[succ]--
			if inDegree[succ] == 0 {
				queue = append(queue, succ)
			}
		}
	}
	if visited < len(d.Modules) {
		var cycleNodes []string
		for _, m := range d.Modules {
			if inDegree[m.Name] > 0 {
				cycleNodes = append(cycleNodes, m.Name)
			}
		}
		return fmt.Sprintf("modules involved: %v", cycleNodes)
	}
	return ""
}

// ClassResolver answers what a factory path, proxy class or logger class
// provides, without creating anything.
type ClassResolver interface {
	ModuleSpec(path []string) (ModuleSpec, error)
	ProxyClass(name string) (ProxyClass, bool)
	LoggerClass(name string) (LoggerClass, bool)
}

// ValidateWith runs structural validation plus class-dependent checks:
//   - WF-101: factory path does not resolve to a module leaf
//   - WF-102: unknown proxy or logger class
//   - WF-103: unknown parameter for the class
//   - WF-104: binding names a port the module does not have
func (d *Definition) ValidateWith(r ClassResolver) []Diagnostic {
	diags := d.Validate()
	if r == nil {
		return diags
	}

	specs := make(map[string]ModuleSpec, len(d.Modules))
	for i, m := range d.Modules {
		if len(m.Factory) == 0 {
			continue
		}
		path := fmt.Sprintf("modules[%d]", i)
		spec, err := r.ModuleSpec(m.Factory)
		if err != nil {
			diags = append(diags, Diagnostic{
				Code: "WF-101", Severity: SeverityError,
				Message: fmt.Sprintf("Module %q: factory path %s: %v", m.Name, strings.Join(m.Factory, "/"), err),
				Path:    path + ".factory",
			})
			continue
		}
		specs[m.Name] = spec
		diags = append(diags, checkParams(m.Params, spec.Params, "Module "+m.Name, path)...)
	}
	for i, p := range d.Proxies {
		path := fmt.Sprintf("proxies[%d]", i)
		class, ok := r.ProxyClass(p.Class)
		if !ok {
			diags = append(diags, Diagnostic{
				Code: "WF-102", Severity: SeverityError,
				Message: fmt.Sprintf("Proxy %q uses unknown class %q", p.Name, p.Class), Path: path + ".class",
			})
			continue
		}
		diags = append(diags, checkParams(p.Params, class.Params, "Proxy "+p.Name, path)...)
	}
	for i, l := range d.Loggers {
		path := fmt.Sprintf("loggers[%d]", i)
		class, ok := r.LoggerClass(l.Class)
		if !ok {
			diags = append(diags, Diagnostic{
				Code: "WF-102", Severity: SeverityError,
				Message: fmt.Sprintf("Logger %q uses unknown class %q", l.Name, l.Class), Path: path + ".class",
			})
			continue
		}
		diags = append(diags, checkParams(l.Params, class.Params, "Logger "+l.Name, path)...)
	}

	hasPort := func(ports []PortSpec, name string) bool {
		return slices.ContainsFunc(ports, func(p PortSpec) bool { return p.Name == name })
	}
	checkPort := func(ref, path string, output bool) {
		r := parseRef(ref)
		if r.kind != refPort {
			return
		}
		spec, ok := specs[r.entity]
		if !ok {
			return
		}
		ports, dir := spec.Inputs, "in-port"
		if output {
			ports, dir = spec.Outputs, "out-port"
		}
		if !hasPort(ports, r.port) {
			diags = append(diags, Diagnostic{
				Code: "WF-104", Severity: SeverityError,
				Message: fmt.Sprintf("Module %q (%s) has no %s %q", r.entity, spec.Class, dir, r.port), Path: path,
			})
		}
	}
	for i, b := range d.Bindings {
		checkPort(b.Source, fmt.Sprintf("bindings[%d].source", i), true)
		checkPort(b.Target, fmt.Sprintf("bindings[%d].target", i), false)
	}
	for i, sb := range d.SeqBindings {
		checkPort(sb.Source, fmt.Sprintf("seq_bindings[%d].source", i), true)
		checkPort(sb.Target, fmt.Sprintf("seq_bindings[%d].target", i), false)
	}
	return diags
}

func checkParams(values map[string]any, specs []core.ParamSpec, what, path string) []Diagnostic {
	var diags []Diagnostic
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if !slices.ContainsFunc(specs, func(s core.ParamSpec) bool { return s.Name == name }) {
			diags = append(diags, Diagnostic{
				Code: "WF-103", Severity: SeverityError,
				Message: fmt.Sprintf("%s has no parameter %q", what, name), Path: path + ".params." + name,
			})
		}
	}
	return diags
}

// Definition captures the live graph. Modules keep their factory path and
// current parameter values; bindings through proxies appear as their two
// halves.
func (g *Graph) Definition(id string) *Definition {
	d := &Definition{ID: id, Version: "1"}
	for _, m := range g.Modules() {
		d.Modules = append(d.Modules, ModuleDef{
			Name:    m.Name(),
			Factory: m.Path(),
			Params:  m.Params().Values(),
		})
	}
	for _, p := range g.Proxies() {
		d.Proxies = append(d.Proxies, EntityDef{Name: p.Name(), Class: p.Class().Name, Params: p.Params().Values()})
	}
	for _, l := range g.Loggers() {
		d.Loggers = append(d.Loggers, EntityDef{Name: l.Name(), Class: l.Class().Name, Params: l.Params().Values()})
	}
	for _, e := range g.Edges() {
		d.Bindings = append(d.Bindings, BindingDef{Source: e.Source, Target: e.Target})
	}
	for _, e := range g.SeqEdges() {
		d.SeqBindings = append(d.SeqBindings, SeqBindingDef{Source: e.Source, Target: e.Target})
	}
	return d
}
