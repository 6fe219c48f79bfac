package instruflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petal-labs/instruflow/config"
	"github.com/petal-labs/instruflow/core"
	"github.com/petal-labs/instruflow/export"
	"github.com/petal-labs/instruflow/factory"
	"github.com/petal-labs/instruflow/graph"
	"github.com/petal-labs/instruflow/loggers"
	"github.com/petal-labs/instruflow/modules"
	"github.com/petal-labs/instruflow/proxies"
	"github.com/petal-labs/instruflow/runtime"
)

// Options configures an Engine.
type Options struct {
	// Workers bounds the number of module runs at once (default: 8).
	Workers int

	// WatchdogTimeout is how long a run may go without progress
	// (default: 15s).
	WatchdogTimeout time.Duration

	// DisableWatchdog starts the engine with the watchdog stopped.
	DisableWatchdog bool

	// Factories are the root factories. If nil, the built-in trees are used.
	Factories []*factory.Factory

	// Properties seed class defaults and are applied by LoadConfiguration.
	Properties *config.Properties

	// Logger receives engine diagnostics. If nil, uses slog.Default().
	Logger *slog.Logger

	// EventHandler receives task events.
	EventHandler runtime.EventHandler

	// EventEmitterDecorator wraps the scheduler's event emitter.
	EventEmitterDecorator runtime.EventEmitterDecorator

	// EventBus distributes task events to subscribers.
	EventBus runtime.EventPublisher
}

// OptionsFromSettings maps engine settings to options.
func OptionsFromSettings(s config.Settings) Options {
	return Options{
		Workers:         s.Workers,
		WatchdogTimeout: s.WatchdogTimeout(),
		DisableWatchdog: !s.WatchdogEnabled(),
	}
}

// Engine owns a graph, its scheduler and the root factories. It is safe
// for concurrent use.
type Engine struct {
	graph     *graph.Graph
	scheduler *runtime.Scheduler
	factories *factory.Registry
	logger    *slog.Logger

	mu     sync.Mutex
	props  *config.Properties
	closed bool
}

// New creates an engine.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	roots := opts.Factories
	if roots == nil {
		roots = modules.RootFactories()
	}
	props := opts.Properties
	if props == nil {
		props = &config.Properties{}
	}

	s := runtime.NewScheduler(runtime.Options{
		Workers:               opts.Workers,
		WatchdogTimeout:       opts.WatchdogTimeout,
		DisableWatchdog:       opts.DisableWatchdog,
		Logger:                logger,
		EventHandler:          opts.EventHandler,
		EventEmitterDecorator: opts.EventEmitterDecorator,
		EventBus:              opts.EventBus,
	})
	return &Engine{
		graph:     graph.NewGraph(s, logger),
		scheduler: s,
		factories: factory.NewRegistry(roots...),
		logger:    logger,
		props:     props,
	}
}

// Graph returns the underlying graph.
func (e *Engine) Graph() *graph.Graph { return e.graph }

// Scheduler returns the underlying scheduler.
func (e *Engine) Scheduler() *runtime.Scheduler { return e.scheduler }

// Logger returns the engine logger.
func (e *Engine) Logger() *slog.Logger { return e.logger }

// Factory returns a root factory by name.
func (e *Engine) Factory(name string) (*factory.Factory, error) {
	return e.factories.Get(name)
}

// RootFactories returns the root factories in registration order.
func (e *Engine) RootFactories() []*factory.Factory {
	return e.factories.Roots()
}

// CreateModule resolves path, starting with a root factory name, and
// creates a module from the leaf. Class defaults from the properties are
// applied before the module is returned.
func (e *Engine) CreateModule(path []string, name string) (*graph.Module, error) {
	leaf, err := e.factories.Resolve(path)
	if err != nil {
		return nil, err
	}
	m, err := leaf.Create(e.graph, name)
	if err != nil {
		return nil, err
	}
	if err := e.properties().ApplyDefaults(config.KindModule, m.Class(), m.Params()); err != nil {
		e.logger.Warn("class defaults rejected", "module", m.Name(), "error", err)
	}
	return m, nil
}

// Modules returns the live modules in creation order.
func (e *Engine) Modules() []*graph.Module { return e.graph.Modules() }

// Module returns a live module by name.
func (e *Engine) Module(name string) (*graph.Module, error) { return e.graph.Module(name) }

// Bind connects src to dst, replacing the previous source of dst.
func (e *Engine) Bind(src DataSource, dst DataTarget) error { return e.graph.Bind(src, dst) }

// BindOnce connects src to dst and fails if dst is already bound.
func (e *Engine) BindOnce(src DataSource, dst DataTarget) error {
	return e.graph.BindOnce(src, dst)
}

// BindVia connects src to dst through proxy.
func (e *Engine) BindVia(src DataSource, dst DataTarget, proxy *graph.Proxy) error {
	return e.graph.BindVia(src, dst, proxy)
}

// Unbind removes the source of dst.
func (e *Engine) Unbind(dst DataTarget) error { return e.graph.Unbind(dst) }

// SeqBind makes in follow the sequences emitted by out.
func (e *Engine) SeqBind(out *graph.OutPort, in *graph.InPort) error {
	return e.graph.SeqBind(out, in)
}

// SeqUnbind removes the sequence source of in.
func (e *Engine) SeqUnbind(in *graph.InPort) error { return e.graph.SeqUnbind(in) }

// DataProxyClasses returns the available proxy classes.
func (e *Engine) DataProxyClasses() []graph.ProxyClass { return proxies.Classes() }

// DataLoggerClasses returns the available logger classes.
func (e *Engine) DataLoggerClasses() []graph.LoggerClass { return loggers.Classes() }

// NewDataProxy creates a proxy of the named class. An empty name is
// generated from the class.
func (e *Engine) NewDataProxy(class, name string) (*graph.Proxy, error) {
	c, ok := proxies.Class(class)
	if !ok {
		return nil, fmt.Errorf("%w: data proxy class %q", core.ErrNotFound, class)
	}
	if name == "" {
		name = generatedName(class)
	}
	p, err := e.graph.AddProxy(name, c)
	if err != nil {
		return nil, err
	}
	if err := e.properties().ApplyDefaults(config.KindProxy, class, p.Params()); err != nil {
		e.logger.Warn("class defaults rejected", "proxy", name, "error", err)
	}
	return p, nil
}

// NewDataLogger creates a logger of the named class. An empty name is
// generated from the class.
func (e *Engine) NewDataLogger(class, name string) (*graph.Logger, error) {
	c, ok := loggers.Class(class)
	if !ok {
		return nil, fmt.Errorf("%w: data logger class %q", core.ErrNotFound, class)
	}
	if name == "" {
		name = generatedName(class)
	}
	l, err := e.graph.AddLogger(name, c)
	if err != nil {
		return nil, err
	}
	if err := e.properties().ApplyDefaults(config.KindLogger, class, l.Params()); err != nil {
		e.logger.Warn("class defaults rejected", "logger", name, "error", err)
	}
	return l, nil
}

func generatedName(class string) string {
	return class + "-" + uuid.NewString()[:8]
}

// RemoveDataLogger unbinds and closes a logger.
func (e *Engine) RemoveDataLogger(l *graph.Logger) error { return e.graph.RemoveLogger(l) }

// Hold detaches in from out until the holder is released.
func (e *Engine) Hold(out *graph.OutPort, in *graph.InPort) (*graph.Holder, error) {
	if in == nil {
		return nil, fmt.Errorf("%w: nil in-port, use HoldAll", core.ErrNotFound)
	}
	return e.graph.Hold(out, in)
}

// HoldAll detaches every target of out.
func (e *Engine) HoldAll(out *graph.OutPort) (*graph.Holder, error) {
	return e.graph.Hold(out, nil)
}

// NewBreaker returns an inactive breaker.
func (e *Engine) NewBreaker() *graph.Breaker { return e.graph.NewBreaker() }

// ParameterGetter returns the getter of owner's parameter.
func (e *Engine) ParameterGetter(owner graph.ParamOwner, param string) (*graph.ParameterGetter, error) {
	return e.graph.ParameterGetter(owner, param)
}

// ParameterSetter returns the setter of owner's parameter.
func (e *Engine) ParameterSetter(owner graph.ParamOwner, param string) (*graph.ParameterSetter, error) {
	return e.graph.ParameterSetter(owner, param)
}

// RunModule issues a run of m without input data.
func (e *Engine) RunModule(m *graph.Module) (*runtime.Task, error) {
	return m.RunNaked()
}

// RunModuleByName issues a run of the named module without input data.
func (e *Engine) RunModuleByName(name string) (*runtime.Task, error) {
	m, err := e.graph.Module(name)
	if err != nil {
		return nil, err
	}
	return m.RunNaked()
}

// WaitAll waits for every run issued since the previous WaitAll, including
// runs they triggered, and returns the first failure.
func (e *Engine) WaitAll(ctx context.Context) error { return e.scheduler.WaitAll(ctx) }

// CancelAll cancels every pending run and resets the graph: queued data is
// dropped, open sequences are closed and stateful modules are reset. It
// returns the number of runs cancelled.
func (e *Engine) CancelAll() int {
	n := e.scheduler.CancelAll()
	e.graph.Reset()
	return n
}

// StopWatchDog disables the watchdog for the rest of the engine's life.
func (e *Engine) StopWatchDog() { e.scheduler.StopWatchDog() }

func (e *Engine) properties() *config.Properties {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.props
}

// LoadConfiguration reads a properties file, applies its entity settings to
// the live graph and keeps its class defaults for later creations. It
// returns the number of parameters set.
func (e *Engine) LoadConfiguration(path string) (int, error) {
	p, err := config.LoadProperties(path)
	if err != nil {
		return 0, err
	}
	merged := &config.Properties{}
	e.mu.Lock()
	merged.Merge(e.props)
	merged.Merge(p)
	e.props = merged
	e.mu.Unlock()
	n, err := p.Apply(e.graph, e.logger)
	e.logger.Info("configuration loaded", "path", path, "applied", n)
	return n, err
}

// Snapshot captures the live graph as a definition.
func (e *Engine) Snapshot(id string) *graph.Definition {
	return e.graph.Definition(id)
}

// ExportWorkflow writes the live workflow to path. The format follows the
// extension: .json and .yaml write a definition, anything else DOT.
func (e *Engine) ExportWorkflow(path string) error {
	return writeFile(path, func(f *os.File) error {
		switch format := export.FormatFromPath(path); format {
		case export.FormatJSON, export.FormatYAML:
			return export.WriteDefinition(f, e.graph.Definition(definitionID(path)), format)
		default:
			return export.WriteWorkflowDOT(f, e.graph)
		}
	})
}

// ExportFactoriesTree writes the factory trees to path as DOT.
func (e *Engine) ExportFactoriesTree(path string) error {
	return writeFile(path, func(f *os.File) error {
		return export.WriteFactoriesDOT(f, e.factories.Roots())
	})
}

func definitionID(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func writeFile(path string, write func(*os.File) error) (err error) {
	// #nosec G304 -- export path chosen by the caller.
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("closing %s: %w", path, cerr)
		}
	}()
	return write(f)
}

// ResetWorkflow removes every binding and sequence binding. Outstanding
// holders and breakers are released; their edges go with the other bindings.
func (e *Engine) ResetWorkflow() { e.graph.ResetWorkflow() }

// ClearModules resets the workflow and removes every module, proxy and
// logger.
func (e *Engine) ClearModules() error { return e.graph.ClearModules() }

// Close cancels pending runs, reports unreleased breakers, removes every
// entity and stops the scheduler. Breakers still active are returned as
// ErrBreakerLeak.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.CancelAll()
	var errs []error
	for _, leak := range e.graph.Leaks() {
		e.logger.Error("breaker leak", "detail", leak)
		errs = append(errs, fmt.Errorf("%w: %s", core.ErrBreakerLeak, leak))
	}
	e.graph.ReleaseHolders()
	if err := e.graph.ClearModules(); err != nil {
		errs = append(errs, err)
	}
	e.scheduler.Close()
	return errors.Join(errs...)
}

// ModuleSpec implements graph.ClassResolver.
func (e *Engine) ModuleSpec(path []string) (graph.ModuleSpec, error) {
	return e.factories.ModuleSpec(path)
}

// ProxyClass implements graph.ClassResolver.
func (e *Engine) ProxyClass(name string) (graph.ProxyClass, bool) { return proxies.Class(name) }

// LoggerClass implements graph.ClassResolver.
func (e *Engine) LoggerClass(name string) (graph.LoggerClass, bool) { return loggers.Class(name) }

var _ graph.ClassResolver = (*Engine)(nil)
