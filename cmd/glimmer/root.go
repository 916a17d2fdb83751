package main

import (
	"github.com/spf13/cobra"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for the glimmer CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "glimmer",
		Short: "Glimmer - a native plugin runtime for desktop overlays",
		Long: `Glimmer hosts native plugins behind a versioned ABI, drives them on a
shared tick schedule, and fans their service data out to subscribed windows.`,
	}

	// Global flag for config file path
	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")

	// Add subcommands
	cmd.AddCommand(NewRunCmd())
	cmd.AddCommand(NewStatusCmd())
	cmd.AddCommand(NewSchemaCmd())

	return cmd
}
