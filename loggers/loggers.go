// Package loggers provides the built-in data logger classes. A data logger
// is bound to an out-port and records every item the port emits.
package loggers

import (
	"github.com/petal-labs/instruflow/core"
	"github.com/petal-labs/instruflow/graph"
)

// Class names.
const (
	PocoLoggerClass   = "DataPocoLogger"
	MemoryLoggerClass = "DataMemoryLogger"
	SQLiteLoggerClass = "DataSQLiteLogger"
)

// Classes returns every built-in logger class in registration order.
func Classes() []graph.LoggerClass {
	return []graph.LoggerClass{
		{
			Name:        PocoLoggerClass,
			Description: "Write each item to the engine log",
			Params: []core.ParamSpec{
				{Name: "level", Description: "Log level: debug, info, warn or error", Kind: core.ParamString, Default: "info", Validate: validLevel},
			},
			New: func() graph.Sink { return &PocoSink{} },
		},
		{
			Name:        MemoryLoggerClass,
			Description: "Keep the last items in memory",
			Params: []core.ParamSpec{
				{Name: "capacity", Description: "Number of items kept", Kind: core.ParamInt, Default: int64(DefaultCapacity), Validate: positive},
			},
			New: func() graph.Sink { return &MemorySink{} },
		},
		{
			Name:        SQLiteLoggerClass,
			Description: "Persist each item to a SQLite database",
			Params: []core.ParamSpec{
				{Name: "dsn", Description: "SQLite data source name, opened on the first item", Kind: core.ParamString, Default: DefaultDSN},
			},
			New: func() graph.Sink { return &SQLiteSink{} },
		},
	}
}

// Class returns the named built-in class.
func Class(name string) (graph.LoggerClass, bool) {
	for _, c := range Classes() {
		if c.Name == name {
			return c, true
		}
	}
	return graph.LoggerClass{}, false
}
