package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/glimmerdesk/glimmer/internal/plugin"
)

// NewSchemaCmd creates the schema subcommand, which emits the plugin
// manifest JSON Schema.
func NewSchemaCmd() *cobra.Command {
	var outPath string

	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Generate the plugin manifest JSON Schema",
		Long:  `Generate the JSON Schema describing plugin.yaml manifests, for editor validation.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			schema, err := plugin.GenerateSchema()
			if err != nil {
				return fmt.Errorf("failed to generate schema: %w", err)
			}

			if outPath == "" {
				cmd.Println(string(schema))
				return nil
			}

			if err := os.MkdirAll(filepath.Dir(outPath), 0o750); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}
			if err := os.WriteFile(outPath, schema, 0o600); err != nil {
				return fmt.Errorf("failed to write file: %w", err)
			}
			cmd.Printf("Generated %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outPath, "out", "o", "", "write the schema to a file instead of stdout")

	return cmd
}
