package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/petal-labs/instruflow"
	"github.com/petal-labs/instruflow/core"
	"github.com/petal-labs/instruflow/factory"
)

// NewFactoriesCmd creates the "factories" subcommand.
func NewFactoriesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "factories",
		Short: "Print the module factory trees",
		Args:  cobra.NoArgs,
		RunE:  runFactories,
	}
	cmd.Flags().String("dot", "", "Also write the factory trees as DOT to this file")
	return cmd
}

func runFactories(cmd *cobra.Command, _ []string) error {
	e := instruflow.New(instruflow.Options{DisableWatchdog: true})
	defer e.Close()

	out := cmd.OutOrStdout()
	for _, root := range e.RootFactories() {
		printFactoryTree(out, root)
	}
	if path, _ := cmd.Flags().GetString("dot"); path != "" {
		if err := e.ExportFactoriesTree(path); err != nil {
			return exitError(exitRuntime, "exporting factories: %v", err)
		}
		fmt.Fprintf(out, "Wrote %s\n", path)
	}
	return nil
}

func printFactoryTree(w io.Writer, root *factory.Factory) {
	root.Walk(func(f *factory.Factory, depth int) bool {
		indent := strings.Repeat("  ", depth)
		switch {
		case f.IsLeaf():
			spec, _ := f.ModuleSpec()
			fmt.Fprintf(w, "%s%s [%s] %s\n", indent, f.Name(), spec.Class, f.Description())
		case f.IsFree():
			fmt.Fprintf(w, "%s%s <%s> %s\n", indent, f.Name(), f.SelectDescription(), f.Description())
		default:
			fmt.Fprintf(w, "%s%s (%d available) %s\n", indent, f.Name(), f.CountRemain(), f.Description())
		}
		return true
	})
}

// NewClassesCmd creates the "classes" subcommand.
func NewClassesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "classes",
		Short: "List data proxy and data logger classes",
		Args:  cobra.NoArgs,
		RunE:  runClasses,
	}
}

func runClasses(cmd *cobra.Command, _ []string) error {
	e := instruflow.New(instruflow.Options{DisableWatchdog: true})
	defer e.Close()

	writer := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
	fmt.Fprintln(writer, "KIND\tCLASS\tPARAMS\tDESCRIPTION")
	for _, c := range e.DataProxyClasses() {
		fmt.Fprintf(writer, "proxy\t%s\t%s\t%s\n", c.Name, paramList(c.Params), c.Description)
	}
	for _, c := range e.DataLoggerClasses() {
		fmt.Fprintf(writer, "logger\t%s\t%s\t%s\n", c.Name, paramList(c.Params), c.Description)
	}
	return writer.Flush()
}

func paramList(specs []core.ParamSpec) string {
	if len(specs) == 0 {
		return "-"
	}
	names := make([]string, 0, len(specs))
	for _, s := range specs {
		names = append(names, fmt.Sprintf("%s:%s", s.Name, s.Kind))
	}
	return strings.Join(names, ",")
}

// NewExportCmd creates the "export" subcommand.
func NewExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export <workflow> -o <file>",
		Short: "Build a workflow and write it as DOT, JSON or YAML",
		Long: "Build a workflow without running it and write the live graph to the\n" +
			"output file. The format follows the extension: .json and .yaml write a\n" +
			"workflow definition, anything else a DOT graph.",
		Args: cobra.ExactArgs(1),
		RunE: runExport,
	}
	addEngineFlags(cmd)
	cmd.Flags().StringP("output", "o", "", "Output file")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}

func runExport(cmd *cobra.Command, args []string) (err error) {
	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.close(cmd.Context()); cerr != nil && err == nil {
			err = exitError(exitRuntime, "closing engine: %v", cerr)
		}
	}()

	if _, err := buildWorkflow(cmd, s.engine, args[0]); err != nil {
		return err
	}
	if err := s.loadProperties(); err != nil {
		return err
	}
	output, _ := cmd.Flags().GetString("output")
	if err := s.engine.ExportWorkflow(output); err != nil {
		return exitError(exitRuntime, "exporting workflow: %v", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", output)
	return nil
}
