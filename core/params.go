package core

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
)

// ParamKind is the value type of a parameter.
type ParamKind uint8

const (
	ParamInt ParamKind = iota + 1
	ParamFloat
	ParamString
)

// String returns the string representation of the ParamKind.
func (k ParamKind) String() string {
	switch k {
	case ParamInt:
		return "int"
	case ParamFloat:
		return "float"
	case ParamString:
		return "string"
	default:
		return "unknown"
	}
}

// DataType returns the data type a parameter of this kind carries along a
// binding.
func (k ParamKind) DataType() DataType {
	switch k {
	case ParamInt:
		return TypeInt64
	case ParamFloat:
		return TypeDblFloat
	case ParamString:
		return TypeString
	default:
		return TypeUndefined
	}
}

// ParamSpec declares one parameter of a module, proxy or logger class.
type ParamSpec struct {
	Name        string
	Description string
	Kind        ParamKind
	Default     any

	// OneShot parameters fall back to their default each time a snapshot
	// is taken, so a value set before a run applies to that run only.
	OneShot bool

	// Stacked parameters also queue every value set since the previous
	// snapshot. The snapshot hands the queue over through Values.Stack.
	Stacked bool

	// Validate, when set, rejects values after kind conversion.
	Validate func(v any) error
}

// ParamSet holds the current parameter values of one entity. It is safe for
// concurrent use.
type ParamSet struct {
	mu     sync.RWMutex
	specs  []ParamSpec
	index  map[string]int
	values []any
	stacks [][]any
}

// NewParamSet creates a set initialized with the specs' defaults.
func NewParamSet(specs ...ParamSpec) (*ParamSet, error) {
	p := &ParamSet{
		specs:  make([]ParamSpec, len(specs)),
		index:  make(map[string]int, len(specs)),
		values: make([]any, len(specs)),
		stacks: make([][]any, len(specs)),
	}
	for i, spec := range specs {
		if spec.Name == "" {
			return nil, fmt.Errorf("parameter %d has no name", i)
		}
		if _, dup := p.index[spec.Name]; dup {
			return nil, fmt.Errorf("%w: parameter %q", ErrDuplicateName, spec.Name)
		}
		def := spec.Default
		if def == nil {
			def = zeroParam(spec.Kind)
		}
		v, err := normalizeParam(spec, def)
		if err != nil {
			return nil, fmt.Errorf("parameter %q default: %w", spec.Name, err)
		}
		spec.Default = v
		p.specs[i] = spec
		p.index[spec.Name] = i
		p.values[i] = v
	}
	return p, nil
}

// Specs returns the parameter declarations in declaration order.
func (p *ParamSet) Specs() []ParamSpec {
	out := make([]ParamSpec, len(p.specs))
	copy(out, p.specs)
	return out
}

// Spec returns the declaration of the named parameter.
func (p *ParamSet) Spec(name string) (ParamSpec, bool) {
	i, ok := p.index[name]
	if !ok {
		return ParamSpec{}, false
	}
	return p.specs[i], true
}

// Get returns the current value of the named parameter.
func (p *ParamSet) Get(name string) (any, error) {
	i, ok := p.index[name]
	if !ok {
		return nil, fmt.Errorf("%w: parameter %q", ErrNotFound, name)
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.values[i], nil
}

// Set converts v to the parameter kind, validates it and stores it.
func (p *ParamSet) Set(name string, v any) error {
	i, ok := p.index[name]
	if !ok {
		return fmt.Errorf("%w: parameter %q", ErrNotFound, name)
	}
	nv, err := normalizeParam(p.specs[i], v)
	if err != nil {
		return fmt.Errorf("parameter %q: %w", name, err)
	}
	p.mu.Lock()
	p.values[i] = nv
	if p.specs[i].Stacked {
		p.stacks[i] = append(p.stacks[i], nv)
	}
	p.mu.Unlock()
	return nil
}

// Check reports whether Set would accept v, without storing it.
func (p *ParamSet) Check(name string, v any) error {
	i, ok := p.index[name]
	if !ok {
		return fmt.Errorf("%w: parameter %q", ErrNotFound, name)
	}
	if _, err := normalizeParam(p.specs[i], v); err != nil {
		return fmt.Errorf("parameter %q: %w", name, err)
	}
	return nil
}

// SetString parses raw according to the parameter kind and stores it.
// Used by configuration files, where every value is text.
func (p *ParamSet) SetString(name, raw string) error {
	spec, ok := p.Spec(name)
	if !ok {
		return fmt.Errorf("%w: parameter %q", ErrNotFound, name)
	}
	v, err := ParseParamValue(spec.Kind, raw)
	if err != nil {
		return fmt.Errorf("parameter %q: %w", name, err)
	}
	return p.Set(name, v)
}

// Snapshot copies every value, resets one-shot parameters to their
// defaults and drains the queues of stacked parameters.
func (p *ParamSet) Snapshot() Values {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(Values, len(p.specs))
	for i, spec := range p.specs {
		out[spec.Name] = p.values[i]
		if spec.OneShot {
			p.values[i] = spec.Default
		}
		if spec.Stacked {
			out[stackKey(spec.Name)] = p.stacks[i]
			p.stacks[i] = nil
		}
	}
	return out
}

// Stacked returns the number of values queued on a stacked parameter.
func (p *ParamSet) Stacked(name string) int {
	i, ok := p.index[name]
	if !ok {
		return 0
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.stacks[i])
}

// Values returns the current values without consuming one-shot parameters.
func (p *ParamSet) Values() Values {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(Values, len(p.specs))
	for i, spec := range p.specs {
		out[spec.Name] = p.values[i]
	}
	return out
}

// Reset restores every default value.
func (p *ParamSet) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, spec := range p.specs {
		p.values[i] = spec.Default
		p.stacks[i] = nil
	}
}

// ParseParamValue parses the text form of a parameter value.
func ParseParamValue(kind ParamKind, raw string) (any, error) {
	raw = strings.TrimSpace(raw)
	switch kind {
	case ParamInt:
		i, err := strconv.ParseInt(raw, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not an integer", ErrInvalidParameter, raw)
		}
		return i, nil
	case ParamFloat:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not a number", ErrInvalidParameter, raw)
		}
		return f, nil
	case ParamString:
		return raw, nil
	}
	return nil, fmt.Errorf("%w: unknown kind %d", ErrInvalidParameter, kind)
}

func zeroParam(kind ParamKind) any {
	switch kind {
	case ParamInt:
		return int64(0)
	case ParamFloat:
		return float64(0)
	default:
		return ""
	}
}

func normalizeParam(spec ParamSpec, v any) (any, error) {
	var out any
	switch spec.Kind {
	case ParamInt:
		switch n := v.(type) {
		case float32, float64:
			f, _ := AsFloat64(n)
			if f != math.Trunc(f) {
				return nil, fmt.Errorf("%w: %v is not an integer", ErrInvalidParameter, v)
			}
		case string:
			return nil, fmt.Errorf("%w: string given for int parameter", ErrInvalidParameter)
		}
		i, err := AsInt64(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidParameter, err)
		}
		out = i
	case ParamFloat:
		f, err := AsFloat64(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidParameter, err)
		}
		out = f
	case ParamString:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %T given for string parameter", ErrInvalidParameter, v)
		}
		out = s
	default:
		return nil, fmt.Errorf("%w: unknown kind %d", ErrInvalidParameter, spec.Kind)
	}
	if spec.Validate != nil {
		if err := spec.Validate(out); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidParameter, err)
		}
	}
	return out, nil
}

// Values is a snapshot of parameter values keyed by name.
type Values map[string]any

func stackKey(name string) string { return name + "#stack" }

// Stack returns the values queued on a stacked parameter, oldest first.
func (v Values) Stack(name string) []any {
	s, _ := v[stackKey(name)].([]any)
	return s
}

// Int returns an int parameter, or 0 when absent.
func (v Values) Int(name string) int64 {
	i, _ := v[name].(int64)
	return i
}

// Float returns a float parameter, or 0 when absent.
func (v Values) Float(name string) float64 {
	f, _ := v[name].(float64)
	return f
}

// String returns a string parameter, or "" when absent.
func (v Values) String(name string) string {
	s, _ := v[name].(string)
	return s
}

// NonNegative is a Validate helper for numeric parameters.
func NonNegative(v any) error {
	f, err := AsFloat64(v)
	if err != nil {
		return err
	}
	if f < 0 {
		return fmt.Errorf("%v is negative", v)
	}
	return nil
}

// OneOf returns a Validate helper accepting only the listed values.
func OneOf(allowed ...any) func(any) error {
	return func(v any) error {
		for _, a := range allowed {
			if a == v {
				return nil
			}
		}
		return fmt.Errorf("%v is not one of %v", v, allowed)
	}
}
