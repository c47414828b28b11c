package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"midatasets/pkg/config"
)

func NewConfigCmd(deps *Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "show or create the global configuration",
	}
	cmd.AddCommand(newConfigInitCmd(deps), newConfigShowCmd(deps))
	return cmd
}

func (d *Deps) configPath() string {
	if d.ConfigPath != "" {
		return d.ConfigPath
	}
	return config.DefaultConfigPath()
}

func newConfigInitCmd(deps *Deps) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "write a default configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := deps.configPath()
			if path == "" {
				return fmt.Errorf("no config path: pass --config")
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("config file %s already exists (use --force to replace it)", path)
			}
			if err := config.CreateDefaultConfigFile(path); err != nil {
				return err
			}
			deps.Logger.Info("wrote default config", "path", path)
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing file")
	return cmd
}

func newConfigShowCmd(deps *Deps) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := yaml.Marshal(deps.Config)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}
