// Package cmd provides the CLI commands for docsage.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/docsage/docsage/pkg/version"
)

// NewRootCmd creates the root command for the docsage CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "docsage",
		Short: "Retrieval-augmented QA service over technical documentation",
		Long: `docsage answers questions over ingested technical documents using
hybrid retrieval (vector + BM25), cross-encoder reranking, confidence-based
routing, and streaming synthesis against a fleet of model-server instances.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("docsage version {{.Version}}\n")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}
