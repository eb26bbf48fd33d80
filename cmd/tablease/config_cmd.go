package main

import (
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := configFromViper()
			out := struct {
				PersistenceKey          string `yaml:"persistence-key"`
				ProjectID               string `yaml:"project"`
				DatabaseID              string `yaml:"database,omitempty"`
				DataDir                 string `yaml:"data-dir,omitempty"`
				NetworkEnabled          bool   `yaml:"network-enabled"`
				AllowTabSynchronization bool   `yaml:"allow-tab-synchronization"`
			}{
				PersistenceKey:          cfg.PersistenceKey,
				ProjectID:               cfg.ProjectID,
				DatabaseID:              cfg.DatabaseID,
				DataDir:                 cfg.DataDir,
				NetworkEnabled:          cfg.NetworkEnabled,
				AllowTabSynchronization: cfg.AllowTabSynchronization,
			}
			enc := yaml.NewEncoder(os.Stdout)
			defer enc.Close()
			return enc.Encode(out)
		},
	}
}
