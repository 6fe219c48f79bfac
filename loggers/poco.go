package loggers

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/petal-labs/instruflow/core"
	"github.com/petal-labs/instruflow/graph"
	"github.com/petal-labs/instruflow/runtime"
)

// PocoSink writes items through the log/slog logger of the emitting task.
type PocoSink struct {
	// Logger overrides the task logger when set.
	Logger *slog.Logger
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("unknown log level %q", s)
	}
	return l, nil
}

func validLevel(v any) error {
	s, _ := v.(string)
	_, err := parseLevel(s)
	return err
}

// Log implements graph.Sink.
func (p *PocoSink) Log(ctx context.Context, rec graph.Record, params core.Values) error {
	level, err := parseLevel(params.String("level"))
	if err != nil {
		return err
	}
	logger := p.Logger
	if logger == nil {
		logger = runtime.LoggerFromContext(ctx)
	}
	attrs := []any{
		"logger", rec.Logger,
		"source", rec.Source,
		"type", rec.Item.Type.String(),
		"value", rec.Item.Value,
	}
	if !rec.Item.Attr.Empty() {
		attrs = append(attrs, "seq", rec.Item.Attr.String())
	}
	logger.Log(ctx, level, "data", attrs...)
	return nil
}
