package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/petal-labs/instruflow/core"
	"github.com/petal-labs/instruflow/graph"
)

// Key prefixes of a properties file.
const (
	ModulePrefix = "module"
	ProxyPrefix  = "dataProxy"
	LoggerPrefix = "dataLogger"
)

// EntityKind tells which kind of entity a property addresses.
type EntityKind string

const (
	KindModule EntityKind = ModulePrefix
	KindProxy  EntityKind = ProxyPrefix
	KindLogger EntityKind = LoggerPrefix
)

// Property is one key = value line of a properties file.
type Property struct {
	Key   string
	Value string
	Line  int
}

// Setting is a property addressing one parameter. Name is the entity name,
// or the class name when Default is set.
type Setting struct {
	Kind    EntityKind
	Name    string
	Param   string
	Default bool
	Value   string
	Line    int
}

// Properties is a parsed properties file.
type Properties struct {
	Path     string
	Settings []Setting
	// Other holds the properties outside the known prefixes.
	Other []Property
}

// ParseProperties reads key = value (or key: value) lines. Lines starting
// with # or ! are comments; a trailing backslash continues a line.
func ParseProperties(r io.Reader) ([]Property, error) {
	var props []Property
	sc := bufio.NewScanner(r)
	var pending strings.Builder
	start, n := 0, 0
	for sc.Scan() {
		n++
		line := sc.Text()
		if pending.Len() == 0 {
			line = strings.TrimLeft(line, " \t\f")
			if line == "" || line[0] == '#' || line[0] == '!' {
				continue
			}
			start = n
		} else {
			line = strings.TrimLeft(line, " \t\f")
		}
		if cont := strings.TrimSuffix(line, `\`); cont != line && !strings.HasSuffix(cont, `\`) {
			pending.WriteString(cont)
			continue
		}
		pending.WriteString(line)
		p, err := splitProperty(pending.String(), start)
		pending.Reset()
		if err != nil {
			return nil, err
		}
		props = append(props, p)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading properties: %w", err)
	}
	if pending.Len() > 0 {
		p, err := splitProperty(pending.String(), start)
		if err != nil {
			return nil, err
		}
		props = append(props, p)
	}
	return props, nil
}

func splitProperty(line string, n int) (Property, error) {
	i := strings.IndexAny(line, "=:")
	if i < 0 {
		return Property{}, fmt.Errorf("line %d: missing '=' in %q", n, line)
	}
	key := strings.TrimSpace(line[:i])
	if key == "" {
		return Property{}, fmt.Errorf("line %d: empty key", n)
	}
	value := strings.ReplaceAll(strings.TrimSpace(line[i+1:]), `\\`, `\`)
	return Property{Key: key, Value: value, Line: n}, nil
}

// parseKey splits module.<name>.<param> and module.<class>.default.<param>.
// Entity names may contain dots; the parameter is the last segment.
func parseKey(key string) (Setting, bool) {
	prefix, rest, ok := strings.Cut(key, ".")
	if !ok {
		return Setting{}, false
	}
	var kind EntityKind
	switch prefix {
	case ModulePrefix:
		kind = KindModule
	case ProxyPrefix:
		kind = KindProxy
	case LoggerPrefix:
		kind = KindLogger
	default:
		return Setting{}, false
	}
	i := strings.LastIndexByte(rest, '.')
	if i <= 0 || i == len(rest)-1 {
		return Setting{}, false
	}
	s := Setting{Kind: kind, Name: rest[:i], Param: rest[i+1:]}
	if name, found := strings.CutSuffix(s.Name, ".default"); found && name != "" {
		s.Name, s.Default = name, true
	}
	return s, true
}

// LoadProperties reads and classifies a properties file.
func LoadProperties(path string) (*Properties, error) {
	// #nosec G304 -- path comes from the command line or engine settings.
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening properties %q: %w", path, err)
	}
	defer f.Close()
	props, err := ParseProperties(f)
	if err != nil {
		return nil, fmt.Errorf("parsing properties %q: %w", path, err)
	}
	p := NewProperties(props)
	p.Path = path
	return p, nil
}

// NewProperties classifies parsed properties.
func NewProperties(props []Property) *Properties {
	p := &Properties{}
	for _, prop := range props {
		s, ok := parseKey(prop.Key)
		if !ok {
			p.Other = append(p.Other, prop)
			continue
		}
		s.Value, s.Line = prop.Value, prop.Line
		p.Settings = append(p.Settings, s)
	}
	return p
}

// Defaults returns the class defaults for kind and class, by parameter.
// Later lines win.
func (p *Properties) Defaults(kind EntityKind, class string) map[string]string {
	out := make(map[string]string)
	for _, s := range p.Settings {
		if s.Default && s.Kind == kind && s.Name == class {
			out[s.Param] = s.Value
		}
	}
	return out
}

// Merge appends the settings of o after those of p.
func (p *Properties) Merge(o *Properties) {
	if o == nil {
		return
	}
	p.Settings = append(p.Settings, o.Settings...)
	p.Other = append(p.Other, o.Other...)
}

// ApplyDefaults sets the class defaults found in p on params. Bad values
// are joined.
func (p *Properties) ApplyDefaults(kind EntityKind, class string, params *core.ParamSet) error {
	var errs []error
	for param, value := range p.Defaults(kind, class) {
		if err := params.SetString(param, value); err != nil {
			errs = append(errs, fmt.Errorf("%s.%s.default.%s: %w", kind, class, param, err))
		}
	}
	return errors.Join(errs...)
}

// Apply sets every entity setting on the matching live entity of g.
// Settings naming no live entity are skipped; bad values are joined. It
// returns the number of parameters set.
func (p *Properties) Apply(g *graph.Graph, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var errs []error
	applied := 0
	for _, s := range p.Settings {
		if s.Default {
			continue
		}
		params, err := paramsOf(g, s)
		if err != nil {
			logger.Debug("property skipped", "kind", s.Kind, "name", s.Name, "param", s.Param, "line", s.Line, "error", err)
			continue
		}
		if err := params.SetString(s.Param, s.Value); err != nil {
			errs = append(errs, fmt.Errorf("%s:%d: %s.%s.%s: %w", p.Path, s.Line, s.Kind, s.Name, s.Param, err))
			continue
		}
		applied++
	}
	return applied, errors.Join(errs...)
}

func paramsOf(g *graph.Graph, s Setting) (*core.ParamSet, error) {
	switch s.Kind {
	case KindModule:
		m, err := g.Module(s.Name)
		if err != nil {
			return nil, err
		}
		return m.Params(), nil
	case KindProxy:
		px, err := g.Proxy(s.Name)
		if err != nil {
			return nil, err
		}
		return px.Params(), nil
	default:
		l, err := g.Logger(s.Name)
		if err != nil {
			return nil, err
		}
		return l.Params(), nil
	}
}
