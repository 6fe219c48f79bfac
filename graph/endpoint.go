package graph

import (
	"context"
	"fmt"
	"strings"

	"github.com/petal-labs/instruflow/core"
)

// Source is an endpoint that produces data: a module out-port, a proxy or a
// parameter getter.
type Source interface {
	// SourceID is the reference of the endpoint, e.g. "gen:data".
	SourceID() string
	// SourceType is the type of the items produced.
	SourceType() core.DataType
	// Last returns the most recent item produced.
	Last() (core.DataItem, bool)

	owningGraph() *Graph
}

// Target is an endpoint that consumes data: a module in-port, a proxy, a
// data logger or a parameter setter. A target has at most one source.
type Target interface {
	// TargetID is the reference of the endpoint, e.g. "acc:in".
	TargetID() string
	// TargetType is the type the target accepts. Undefined accepts anything.
	TargetType() core.DataType

	deliver(ctx context.Context, item core.DataItem) error
	owningGraph() *Graph
}

// ParamOwner is an entity carrying parameters: a module, proxy or logger.
type ParamOwner interface {
	Name() string
	Params() *core.ParamSet

	// ownerRef is the entity part of a getter or setter reference.
	ownerRef() string
	owningGraph() *Graph
}

// Endpoint reference prefixes.
const (
	proxyPrefix  = "proxy/"
	loggerPrefix = "logger/"
	getterPrefix = "getter/"
	setterPrefix = "setter/"
)

// ResolveSource finds a source by reference: "module:port", "proxy/NAME" or
// "getter/ENTITY/PARAM".
func (g *Graph) ResolveSource(ref string) (Source, error) {
	switch {
	case strings.HasPrefix(ref, proxyPrefix):
		return g.Proxy(strings.TrimPrefix(ref, proxyPrefix))
	case strings.HasPrefix(ref, getterPrefix):
		owner, param, err := g.resolveParamRef(strings.TrimPrefix(ref, getterPrefix))
		if err != nil {
			return nil, err
		}
		return g.ParameterGetter(owner, param)
	}
	m, port, err := g.splitPortRef(ref)
	if err != nil {
		return nil, err
	}
	return m.OutPort(port)
}

// ResolveTarget finds a target by reference: "module:port", "proxy/NAME",
// "logger/NAME" or "setter/ENTITY/PARAM".
func (g *Graph) ResolveTarget(ref string) (Target, error) {
	switch {
	case strings.HasPrefix(ref, proxyPrefix):
		return g.Proxy(strings.TrimPrefix(ref, proxyPrefix))
	case strings.HasPrefix(ref, loggerPrefix):
		return g.Logger(strings.TrimPrefix(ref, loggerPrefix))
	case strings.HasPrefix(ref, setterPrefix):
		owner, param, err := g.resolveParamRef(strings.TrimPrefix(ref, setterPrefix))
		if err != nil {
			return nil, err
		}
		return g.ParameterSetter(owner, param)
	}
	m, port, err := g.splitPortRef(ref)
	if err != nil {
		return nil, err
	}
	return m.InPort(port)
}

func (g *Graph) splitPortRef(ref string) (*Module, string, error) {
	name, port, ok := strings.Cut(ref, ":")
	if !ok || name == "" || port == "" {
		return nil, "", fmt.Errorf("%w: endpoint %q (want module:port)", core.ErrNotFound, ref)
	}
	m, err := g.Module(name)
	if err != nil {
		return nil, "", err
	}
	return m, port, nil
}

// resolveParamRef parses "ENTITY/PARAM" where ENTITY is a module name,
// "proxy/NAME" or "logger/NAME".
func (g *Graph) resolveParamRef(ref string) (ParamOwner, string, error) {
	i := strings.LastIndex(ref, "/")
	if i <= 0 || i == len(ref)-1 {
		return nil, "", fmt.Errorf("%w: parameter reference %q", core.ErrNotFound, ref)
	}
	entity, param := ref[:i], ref[i+1:]
	switch {
	case strings.HasPrefix(entity, proxyPrefix):
		p, err := g.Proxy(strings.TrimPrefix(entity, proxyPrefix))
		return p, param, err
	case strings.HasPrefix(entity, loggerPrefix):
		l, err := g.Logger(strings.TrimPrefix(entity, loggerPrefix))
		return l, param, err
	}
	m, err := g.Module(entity)
	return m, param, err
}
