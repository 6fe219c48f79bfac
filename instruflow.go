// Package instruflow is a dataflow engine for instrumentation hosts.
//
// Modules are created from factory trees and connected port to port.
// Emitted data is pushed through bindings, data proxies and data loggers;
// a module runs once every connected input has data. The Engine type is
// the whole scripting surface: factories, bindings, holders and breakers,
// parameters, execution and workflow export.
//
// Most code only needs this package. The subpackages can be imported
// directly for lower-level access:
//
//	import "github.com/petal-labs/instruflow/graph"
//	import "github.com/petal-labs/instruflow/runtime"
//	import "github.com/petal-labs/instruflow/factory"
package instruflow

import (
	"github.com/petal-labs/instruflow/core"
	"github.com/petal-labs/instruflow/factory"
	"github.com/petal-labs/instruflow/graph"
	"github.com/petal-labs/instruflow/runtime"
)

// Type aliases for the entities scripts handle.
type (
	// DataSource is anything data can be bound from: out-ports, proxies
	// and parameter getters.
	DataSource = graph.Source

	// DataTarget is anything data can be bound to: in-ports, proxies,
	// loggers, parameter getters and setters.
	DataTarget = graph.Target

	Module       = graph.Module
	InPort       = graph.InPort
	OutPort      = graph.OutPort
	DataProxy    = graph.Proxy
	DataLogger   = graph.Logger
	DataHolder   = graph.Holder
	Breaker      = graph.Breaker
	ParamOwner   = graph.ParamOwner
	Definition   = graph.Definition
	Factory      = factory.Factory
	Task         = runtime.Task
	TaskState    = runtime.TaskState
	Event        = runtime.Event
	EventHandler = runtime.EventHandler
	DataItem     = core.DataItem
	DataType     = core.DataType
)

// Task states.
const (
	TaskIdle       = runtime.TaskIdle
	TaskProcessing = runtime.TaskProcessing
	TaskDone       = runtime.TaskDone
	TaskError      = runtime.TaskError
	TaskCancelled  = runtime.TaskCancelled
)

// Errors returned by the engine. See the core package for their meaning.
var (
	ErrSelection         = core.ErrSelection
	ErrNotLeaf           = core.ErrNotLeaf
	ErrInvalidName       = core.ErrInvalidName
	ErrDuplicateName     = core.ErrDuplicateName
	ErrBindingType       = core.ErrBindingType
	ErrResourceExhausted = core.ErrResourceExhausted
	ErrTask              = core.ErrTask
	ErrWatchdogTimeout   = core.ErrWatchdogTimeout
	ErrCancelled         = core.ErrCancelled
	ErrNotFound          = core.ErrNotFound
	ErrInvalidParameter  = core.ErrInvalidParameter
	ErrSequence          = core.ErrSequence
	ErrAlreadyBound      = core.ErrAlreadyBound
	ErrNoData            = core.ErrNoData
	ErrBreakerLeak       = core.ErrBreakerLeak
)
