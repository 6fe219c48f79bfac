package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/instruflow"
	"github.com/petal-labs/instruflow/export"
	"github.com/petal-labs/instruflow/graph"
	"github.com/petal-labs/instruflow/loader"
	"github.com/petal-labs/instruflow/loggers"
	"github.com/petal-labs/instruflow/trigger"
)

// NewRunCmd creates the "run" subcommand.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <workflow>",
		Short: "Build a workflow and run its trigger modules",
		Long: "Build a workflow, issue a run of its trigger modules and wait until the\n" +
			"dataflow settles. With --schedule the runs repeat on a cron schedule\n" +
			"until the process is interrupted.",
		Args: cobra.ExactArgs(1),
		RunE: runRun,
	}

	addEngineFlags(cmd)
	cmd.Flags().Duration("timeout", 5*time.Minute, "Execution timeout for one activation")
	cmd.Flags().StringArray("run", nil, "Module to run instead of the workflow run list (repeatable)")
	cmd.Flags().String("schedule", "", "Cron expression (UTC); repeat the runs until interrupted")
	cmd.Flags().String("export-dot", "", "Write the built workflow as DOT to this file")

	return cmd
}

func runRun(cmd *cobra.Command, args []string) (err error) {
	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.close(cmd.Context()); cerr != nil && err == nil {
			err = exitError(exitRuntime, "closing engine: %v", cerr)
		}
	}()

	def, err := buildWorkflow(cmd, s.engine, args[0])
	if err != nil {
		return err
	}
	if err := s.loadProperties(); err != nil {
		return err
	}
	if err := exportDOT(cmd, s.engine); err != nil {
		return err
	}

	names, _ := cmd.Flags().GetStringArray("run")
	if len(names) == 0 {
		names = def.Run
	}
	if len(names) == 0 {
		return exitError(exitValidation, "nothing to run: the workflow has no run list and no --run was given")
	}

	if expr, _ := cmd.Flags().GetString("schedule"); expr != "" {
		return runScheduled(cmd, s, expr, names)
	}

	ctx, cancel, timeout := runContext(cmd)
	defer cancel()
	if _, err := loader.Start(s.engine, def, names...); err != nil {
		return exitError(exitValidation, "%v", err)
	}
	if err := s.engine.WaitAll(ctx); err != nil {
		return runRuntimeError(ctx, timeout, err)
	}

	printResults(cmd.OutOrStdout(), s.engine)
	return nil
}

// buildWorkflow loads, validates and builds the workflow at path.
func buildWorkflow(cmd *cobra.Command, e *instruflow.Engine, path string) (*graph.Definition, error) {
	def, err := loader.LoadWorkflowWith(path, e)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, exitError(exitFileNotFound, "file not found: %s", path)
		}
		var diagErr *loader.DiagnosticError
		if errors.As(err, &diagErr) {
			printDiagnosticsText(cmd.ErrOrStderr(), diagErr.Diagnostics)
			return nil, exitError(exitValidation, "validation failed")
		}
		return nil, exitError(exitValidation, "%v", err)
	}
	if err := loader.Build(e, def); err != nil {
		return nil, exitError(exitValidation, "building workflow: %v", err)
	}
	return def, nil
}

func exportDOT(cmd *cobra.Command, e *instruflow.Engine) error {
	path, _ := cmd.Flags().GetString("export-dot")
	if path == "" {
		return nil
	}
	// #nosec G304 -- path from user CLI flag
	f, err := os.Create(path)
	if err != nil {
		return exitError(exitRuntime, "creating %s: %v", path, err)
	}
	if err := export.WriteWorkflowDOT(f, e.Graph()); err != nil {
		_ = f.Close()
		return exitError(exitRuntime, "exporting workflow: %v", err)
	}
	if err := f.Close(); err != nil {
		return exitError(exitRuntime, "writing %s: %v", path, err)
	}
	return nil
}

func runScheduled(cmd *cobra.Command, s *session, expr string, names []string) error {
	timeout, _ := cmd.Flags().GetDuration("timeout")
	sched, err := trigger.New(trigger.Config{Runner: s.engine, Timeout: timeout, Logger: s.logger})
	if err != nil {
		return exitError(exitRuntime, "%v", err)
	}
	if err := sched.Add("run", expr, names...); err != nil {
		return exitError(exitValidation, "%v", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sched.Start()
	fmt.Fprintf(cmd.ErrOrStderr(), "Scheduled %s on %q (next run %s). Interrupt to stop.\n",
		strings.Join(names, ", "), expr, sched.Schedules()[0].NextRunAt.Format(time.RFC3339))
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	s.engine.CancelAll()
	if err := sched.Stop(stopCtx); err != nil {
		return exitError(exitTimeout, "stopping schedule: %v", err)
	}

	final := sched.Schedules()[0]
	fmt.Fprintf(cmd.OutOrStdout(), "Schedule stopped after %d %s (last status: %s)\n",
		final.Runs, pluralize("run", final.Runs), orDash(final.LastStatus))
	printResults(cmd.OutOrStdout(), s.engine)
	return nil
}

func runContext(cmd *cobra.Command) (context.Context, context.CancelFunc, time.Duration) {
	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	return ctx, cancel, timeout
}

func runRuntimeError(ctx context.Context, timeout time.Duration, err error) error {
	if ctx.Err() == context.DeadlineExceeded {
		return exitError(exitTimeout, "execution timed out after %s", timeout)
	}
	return exitError(exitRuntime, "execution failed: %v", err)
}

// printResults writes the last value of every out-port and the contents of
// the memory loggers.
func printResults(w io.Writer, e *instruflow.Engine) {
	fmt.Fprintln(w, "=== Outputs ===")
	for _, m := range e.Modules() {
		for _, p := range m.OutPorts() {
			if _, ok := p.Last(); !ok {
				continue
			}
			fmt.Fprintf(w, "  %s = %v\n", p.SourceID(), p.Value())
		}
	}

	var header bool
	for _, l := range e.Graph().Loggers() {
		mem, ok := l.Sink().(*loggers.MemorySink)
		if !ok {
			continue
		}
		if !header {
			fmt.Fprintln(w, "\n=== Loggers ===")
			header = true
		}
		fmt.Fprintf(w, "  %s (%d logged): %v\n", l.Name(), mem.Total(), mem.Values())
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
