// Package cli implements the instruflow command line.
package cli

import "github.com/spf13/cobra"

// AddGlobalFlags registers the logging flags shared by every subcommand.
func AddGlobalFlags(root *cobra.Command) {
	root.PersistentFlags().Bool("verbose", false, "Enable debug logging")
	root.PersistentFlags().Bool("quiet", false, "Suppress all log output except errors")
	root.PersistentFlags().String("log-level", "", "Log level: debug | info | warn | error (default from settings, else warn)")
	root.PersistentFlags().String("log-format", "", "Log format: text | json")
}

// AddCommands registers every subcommand on root.
func AddCommands(root *cobra.Command) {
	root.AddCommand(NewRunCmd())
	root.AddCommand(NewValidateCmd())
	root.AddCommand(NewFactoriesCmd())
	root.AddCommand(NewClassesCmd())
	root.AddCommand(NewExportCmd())
	root.AddCommand(NewEventsCmd())
}
