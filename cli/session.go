package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/petal-labs/instruflow"
	"github.com/petal-labs/instruflow/bus"
	"github.com/petal-labs/instruflow/config"
	"github.com/petal-labs/instruflow/runtime"

	instruotel "github.com/petal-labs/instruflow/otel"
)

// session is an engine together with the event plumbing the command line
// flags asked for.
type session struct {
	engine    *instruflow.Engine
	logger    *slog.Logger
	settings  config.Settings
	propPaths []string

	bus       *bus.MemBus
	store     *bus.SQLiteEventStore
	pumpDone  chan struct{}
	throttle  *bus.ThrottledEmitter
	providers *instruotel.Providers
}

// addEngineFlags registers the flags read by openSession.
func addEngineFlags(cmd *cobra.Command) {
	cmd.Flags().String("config", "", "Engine settings file (default: discovered instruflow.yaml)")
	cmd.Flags().StringArray("properties", nil, "Properties file applied after the workflow is built (repeatable)")
	cmd.Flags().Int("workers", 0, "Maximum concurrent module runs (default from settings)")
	cmd.Flags().Bool("no-watchdog", false, "Start with the task watchdog stopped")
	cmd.Flags().String("events-db", "", "Persist task events to this SQLite database")
	cmd.Flags().String("otlp-endpoint", "", "Export traces to this OTLP/HTTP collector")
	cmd.Flags().Bool("otlp-insecure", false, "Disable TLS for the OTLP endpoint")
}

func openSession(cmd *cobra.Command) (*session, error) {
	configPath, _ := cmd.Flags().GetString("config")
	settings, err := config.Load(configPath)
	if err != nil {
		return nil, exitError(exitValidation, "loading settings: %v", err)
	}
	logger, err := newLogger(cmd, settings, cmd.ErrOrStderr())
	if err != nil {
		return nil, exitError(exitValidation, "%v", err)
	}

	opts := instruflow.OptionsFromSettings(settings)
	opts.Logger = logger
	if workers, _ := cmd.Flags().GetInt("workers"); workers > 0 {
		opts.Workers = workers
	}
	if noWatchdog, _ := cmd.Flags().GetBool("no-watchdog"); noWatchdog {
		opts.DisableWatchdog = true
	}

	s := &session{logger: logger, settings: settings}
	s.propPaths = settings.PropertiesPaths()
	extra, _ := cmd.Flags().GetStringArray("properties")
	s.propPaths = append(s.propPaths, extra...)

	var handlers []runtime.EventHandler
	var decorators []runtime.EventEmitterDecorator
	decorators = append(decorators, bus.Decorator(bus.ThrottleConfig{}, &s.throttle))

	dsn, _ := cmd.Flags().GetString("events-db")
	if dsn == "" {
		dsn = settings.Events.SQLiteDSN
	}
	if dsn != "" {
		store, err := bus.NewSQLiteEventStore(bus.SQLiteStoreConfig{DSN: dsn})
		if err != nil {
			return nil, exitError(exitRuntime, "opening event store: %v", err)
		}
		s.store = store
		s.bus = bus.NewMemBus(bus.MemBusConfig{SubscriberBufferSize: 4096})
		sub := s.bus.SubscribeAll()
		s.pumpDone = make(chan struct{})
		go func() {
			defer close(s.pumpDone)
			bus.NewStoreSubscriber(store, logger).Pump(sub)
		}()
		opts.EventBus = s.bus
	}

	endpoint, _ := cmd.Flags().GetString("otlp-endpoint")
	if endpoint != "" {
		insecure, _ := cmd.Flags().GetBool("otlp-insecure")
		providers, err := instruotel.Setup(cmd.Context(), instruotel.Config{
			Endpoint:    endpoint,
			Insecure:    insecure,
			ServiceName: "instruflow",
		})
		if err != nil {
			s.close(cmd.Context())
			return nil, exitError(exitRuntime, "setting up telemetry: %v", err)
		}
		s.providers = providers
		handlers = append(handlers, providers.Handle)
		decorators = append(decorators, providers.Decorator())
	}

	if len(handlers) > 0 {
		opts.EventHandler = runtime.MultiEventHandler(handlers...)
	}
	opts.EventEmitterDecorator = runtime.ChainDecorators(decorators...)
	s.engine = instruflow.New(opts)
	return s, nil
}

// loadProperties applies every properties file to the live graph.
func (s *session) loadProperties() error {
	for _, path := range s.propPaths {
		if _, err := s.engine.LoadConfiguration(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return exitError(exitFileNotFound, "properties file not found: %s", path)
			}
			return exitError(exitValidation, "loading properties: %v", err)
		}
	}
	return nil
}

// close tears the session down in dependency order: the engine stops
// emitting, the throttle flushes, the bus drains into the store, and
// telemetry is flushed last.
func (s *session) close(ctx context.Context) error {
	var errs []error
	if s.engine != nil {
		errs = append(errs, s.engine.Close())
	}
	if s.throttle != nil {
		s.throttle.Close()
	}
	if s.bus != nil {
		errs = append(errs, s.bus.Close())
		<-s.pumpDone
	}
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	if s.providers != nil {
		errs = append(errs, s.providers.Shutdown(context.WithoutCancel(ctx)))
	}
	return errors.Join(errs...)
}

// newLogger builds the engine log from the persistent flags, falling back
// to the settings file.
func newLogger(cmd *cobra.Command, settings config.Settings, w io.Writer) (*slog.Logger, error) {
	level := settings.Log.Level
	format := settings.Log.Format
	if v, err := cmd.Flags().GetString("log-level"); err == nil && v != "" {
		level = v
	}
	if v, err := cmd.Flags().GetString("log-format"); err == nil && v != "" {
		format = v
	}
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = "debug"
	}
	if quiet, _ := cmd.Flags().GetBool("quiet"); quiet {
		level = "error"
	}

	var lvl slog.Level
	if level == "" {
		lvl = slog.LevelWarn
	} else if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}

	hopts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, hopts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, hopts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q (use text or json)", format)
	}
}
