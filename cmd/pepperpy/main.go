// Command pepperpy runs LLM agent teams, either once from the command
// line or behind a small HTTP API.
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/pepperpy/pepperpy/internal/config"
	"github.com/pepperpy/pepperpy/internal/logger"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "pepperpy",
	Short: "LLM team orchestration",
	Long: `PepperPy composes role-specialized LLM agents into teams and runs
them with sequential, parallel or review-loop coordination. Provider
calls go through budget, cache, rate limit and retry policies.`,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the YAML config file (default: "+config.DefaultConfigFile+")")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig resolves the config file and builds the process logger.
func loadConfig() (*config.Config, *slog.Logger, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFrom(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, nil, err
	}
	log := logger.New(cfg.Logging)
	slog.SetDefault(log)
	return cfg, log, nil
}
