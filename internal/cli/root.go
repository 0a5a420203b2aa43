// Package cli implements the qres command line.
package cli

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/CavinKrenik/QRES-RaaS/internal/daemon"
)

var rootCmd = &cobra.Command{
	Use:   "qres",
	Short: "Reputation-gated swarm aggregation node",
	Long: `qres runs one node of a swarm that agrees on a shared update vector
while tolerating Byzantine peers, tight energy budgets and lossy links.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to qres.toml (default: $QRES_HOME/qres.toml)")
	rootCmd.PersistentFlags().String("data-dir", "", "Override node.data_dir")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// loadConfig reads the configured file and applies global flag overrides.
func loadConfig(cmd *cobra.Command) (daemon.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = filepath.Join(daemon.DefaultConfig().Node.DataDir, "qres.toml")
	}
	cfg, err := daemon.LoadConfig(path)
	if err != nil {
		return cfg, err
	}
	if dir, _ := cmd.Flags().GetString("data-dir"); dir != "" {
		cfg.Node.DataDir = dir
	}
	return cfg, nil
}

func dataDir(cmd *cobra.Command) (string, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return "", err
	}
	if cfg.Node.DataDir == "" {
		return os.Getwd()
	}
	return cfg.Node.DataDir, nil
}
