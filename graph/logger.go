package graph

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/petal-labs/instruflow/core"
)

// Record is one item seen by a data logger.
type Record struct {
	Logger string
	Source string
	Item   core.DataItem
	Time   time.Time
}

// Sink is the behavior of a data logger. A sink implementing io.Closer is
// closed when its logger is removed.
type Sink interface {
	Log(ctx context.Context, rec Record, params core.Values) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, rec Record, params core.Values) error

// Log implements Sink.
func (f SinkFunc) Log(ctx context.Context, rec Record, params core.Values) error {
	return f(ctx, rec, params)
}

// LoggerClass describes a kind of data logger.
type LoggerClass struct {
	Name        string
	Description string
	Params      []core.ParamSpec
	New         func() Sink
}

// Logger records the items of the source it is bound to. Sink failures are
// reported on the engine log and never fail the emitting run.
type Logger struct {
	g      *Graph
	name   string
	class  LoggerClass
	sink   Sink
	params *core.ParamSet

	removed bool // guarded by graph.mu
}

// AddLogger creates a data logger of the given class.
func (g *Graph) AddLogger(name string, class LoggerClass) (*Logger, error) {
	if err := core.ValidateName(name); err != nil {
		return nil, err
	}
	if class.New == nil {
		return nil, fmt.Errorf("logger class %q has no constructor", class.Name)
	}
	params, err := core.NewParamSet(class.Params...)
	if err != nil {
		return nil, fmt.Errorf("logger %q: %w", name, err)
	}
	l := &Logger{g: g, name: name, class: class, sink: class.New(), params: params}

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, dup := g.loggers[name]; dup {
		return nil, fmt.Errorf("%w: logger %q", core.ErrDuplicateName, name)
	}
	g.loggers[name] = l
	return l, nil
}

// Name returns the logger name.
func (l *Logger) Name() string { return l.name }

// Class returns the logger class.
func (l *Logger) Class() LoggerClass { return l.class }

// Params returns the logger parameter set.
func (l *Logger) Params() *core.ParamSet { return l.params }

// Sink returns the logger behavior.
func (l *Logger) Sink() Sink { return l.sink }

func (l *Logger) ownerRef() string { return loggerPrefix + l.name }

func (l *Logger) owningGraph() *Graph { return l.g }

// TargetID implements Target.
func (l *Logger) TargetID() string { return loggerPrefix + l.name }

// TargetType implements Target.
func (l *Logger) TargetType() core.DataType { return core.TypeUndefined }

// Source returns the endpoint the logger observes.
func (l *Logger) Source() (Source, bool) {
	l.g.mu.RLock()
	defer l.g.mu.RUnlock()
	s, ok := l.g.sourceOf[l]
	return s, ok
}

func (l *Logger) deliver(ctx context.Context, item core.DataItem) error {
	src := ""
	if s, ok := l.Source(); ok {
		src = s.SourceID()
	}

	rec := Record{Logger: l.name, Source: src, Item: item, Time: time.Now()}
	if err := l.sink.Log(ctx, rec, l.params.Values()); err != nil {
		l.g.logger.Warn("data logger failed", "logger", l.name, "source", src, "error", err)
	}
	return nil
}

func (l *Logger) close() error {
	if c, ok := l.sink.(io.Closer); ok {
		if err := c.Close(); err != nil {
			return fmt.Errorf("logger %s: %w", l.name, err)
		}
	}
	return nil
}
