package runtime

import (
	"context"
	"log/slog"
)

type emitterKey struct{}

type kickKey struct{}

type loggerKey struct{}

// ContextWithEmitter attaches an event emitter to the context.
func ContextWithEmitter(ctx context.Context, emit EventEmitter) context.Context {
	return context.WithValue(ctx, emitterKey{}, emit)
}

// EmitterFromContext retrieves the event emitter from the context.
// Returns a no-op emitter if none is set.
func EmitterFromContext(ctx context.Context) EventEmitter {
	if emit, ok := ctx.Value(emitterKey{}).(EventEmitter); ok {
		return emit
	}
	return func(Event) {}
}

// ContextWithKick attaches the watchdog kick of the running task.
func ContextWithKick(ctx context.Context, kick func()) context.Context {
	return context.WithValue(ctx, kickKey{}, kick)
}

// KickFromContext returns the function that reports progress for the task
// running with ctx. Outside a task it is a no-op.
func KickFromContext(ctx context.Context) func() {
	if kick, ok := ctx.Value(kickKey{}).(func()); ok {
		return kick
	}
	return func() {}
}

// WithLogger attaches a logger to the context.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFromContext returns the logger stored in ctx, or slog.Default().
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok && logger != nil {
		return logger
	}
	return slog.Default()
}
