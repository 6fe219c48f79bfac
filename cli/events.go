package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/instruflow/bus"
	"github.com/petal-labs/instruflow/runtime"
)

// NewEventsCmd creates the "events" subcommand.
func NewEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List task events persisted by run --events-db",
		Long: "Without --epoch, summarize the stored WaitAll epochs, most recent first.\n" +
			"With --epoch, list the events of that epoch in emission order.",
		Args: cobra.NoArgs,
		RunE: runEvents,
	}
	cmd.Flags().String("db", "", "SQLite event database")
	cmd.Flags().String("epoch", "", "List the events of this epoch")
	cmd.Flags().Uint64("after", 0, "Only events with a sequence number above this")
	cmd.Flags().Int("limit", 0, "Maximum number of events (0 = all)")
	cmd.Flags().String("format", "text", "Output format: text | json")
	_ = cmd.MarkFlagRequired("db")
	return cmd
}

type epochView struct {
	Epoch    string    `json:"epoch"`
	Events   int       `json:"events"`
	Failures int       `json:"failures"`
	First    time.Time `json:"first"`
	Last     time.Time `json:"last"`
}

type eventView struct {
	Seq       uint64         `json:"seq"`
	Kind      string         `json:"kind"`
	Time      time.Time      `json:"time"`
	TaskID    string         `json:"task_id,omitempty"`
	Module    string         `json:"module,omitempty"`
	ElapsedMS float64        `json:"elapsed_ms"`
	Payload   map[string]any `json:"payload,omitempty"`
	TraceID   string         `json:"trace_id,omitempty"`
	SpanID    string         `json:"span_id,omitempty"`
}

func runEvents(cmd *cobra.Command, _ []string) error {
	dsn, _ := cmd.Flags().GetString("db")
	epoch, _ := cmd.Flags().GetString("epoch")
	after, _ := cmd.Flags().GetUint64("after")
	limit, _ := cmd.Flags().GetInt("limit")
	format, _ := cmd.Flags().GetString("format")
	if format != "text" && format != "json" {
		return exitError(exitValidation, "unknown format %q (use text or json)", format)
	}

	store, err := bus.NewSQLiteEventStore(bus.SQLiteStoreConfig{DSN: dsn})
	if err != nil {
		return exitError(exitRuntime, "opening event store: %v", err)
	}
	defer store.Close()

	out := cmd.OutOrStdout()
	if epoch == "" {
		epochs, err := store.Epochs(cmd.Context())
		if err != nil {
			return exitError(exitRuntime, "listing epochs: %v", err)
		}
		views := make([]epochView, 0, len(epochs))
		for _, e := range epochs {
			views = append(views, epochView(e))
		}
		if format == "json" {
			return writeJSON(out, views)
		}
		return printEpochs(out, views)
	}

	events, err := store.List(cmd.Context(), epoch, after, limit)
	if err != nil {
		return exitError(exitRuntime, "listing events: %v", err)
	}
	if len(events) == 0 && after == 0 {
		return exitError(exitValidation, "no events for epoch %q", epoch)
	}
	views := make([]eventView, 0, len(events))
	for _, e := range events {
		views = append(views, toEventView(e))
	}
	if format == "json" {
		return writeJSON(out, views)
	}
	return printEvents(out, views)
}

func toEventView(e runtime.Event) eventView {
	v := eventView{
		Seq:       e.Seq,
		Kind:      string(e.Kind),
		Time:      e.Time,
		TaskID:    e.TaskID,
		Module:    e.Module,
		ElapsedMS: float64(e.Elapsed.Microseconds()) / 1000,
		TraceID:   e.TraceID,
		SpanID:    e.SpanID,
	}
	if len(e.Payload) > 0 {
		v.Payload = e.Payload
	}
	return v
}

func printEpochs(w io.Writer, epochs []epochView) error {
	if len(epochs) == 0 {
		fmt.Fprintln(w, "No events stored.")
		return nil
	}
	writer := tabwriter.NewWriter(w, 0, 2, 2, ' ', 0)
	fmt.Fprintln(writer, "EPOCH\tEVENTS\tFAILURES\tFIRST\tLAST")
	for _, e := range epochs {
		fmt.Fprintf(writer, "%s\t%d\t%d\t%s\t%s\n", e.Epoch, e.Events, e.Failures,
			e.First.Format(time.RFC3339), e.Last.Format(time.RFC3339))
	}
	return writer.Flush()
}

func printEvents(w io.Writer, events []eventView) error {
	writer := tabwriter.NewWriter(w, 0, 2, 2, ' ', 0)
	fmt.Fprintln(writer, "SEQ\tKIND\tMODULE\tTASK\tELAPSED_MS\tPAYLOAD")
	for _, e := range events {
		fmt.Fprintf(writer, "%d\t%s\t%s\t%s\t%.3f\t%s\n",
			e.Seq, e.Kind, orDash(e.Module), orDash(e.TaskID), e.ElapsedMS, formatPayload(e.Payload))
	}
	return writer.Flush()
}

// formatPayload renders a payload as sorted key=value pairs.
func formatPayload(p map[string]any) string {
	if len(p) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, p[k]))
	}
	return strings.Join(parts, " ")
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
