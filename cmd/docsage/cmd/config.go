package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/docsage/docsage/configs"
	"github.com/docsage/docsage/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate configuration",
	}

	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigValidateCmd())
	cmd.AddCommand(newConfigShowCmd())

	return cmd
}

func newConfigInitCmd() *cobra.Command {
	var path string
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write an annotated configuration template",
		Example: `  # Create docsage.yaml in the current directory
  docsage config init

  # Overwrite an existing file
  docsage config init --force`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !force {
				if _, err := os.Stat(path); err == nil {
					return fmt.Errorf("%s already exists (use --force to overwrite)", path)
				}
			}
			if err := os.WriteFile(path, []byte(configs.ExampleConfig), 0o644); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return err
		},
	}

	cmd.Flags().StringVarP(&path, "output", "o", "docsage.yaml", "Where to write the template")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")

	return cmd
}

func newConfigValidateCmd() *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file",
		Example: `  # Validate the default config path
  docsage config validate --config configs/docsage.yaml`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := config.Load(path); err != nil {
				return err
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
			return err
		},
	}

	cmd.Flags().StringVarP(&path, "config", "c", "", "Path to the configuration file")
	_ = cmd.MarkFlagRequired("config")

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration (defaults + file + env)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}

	cmd.Flags().StringVarP(&path, "config", "c", "", "Path to the configuration file")

	return cmd
}
