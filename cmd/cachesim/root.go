package main

import (
	"fmt"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ascrivener/dyncache/pkg/config"
)

var (
	configPath string
	logLevel   string
	noExec     bool
)

var rootCmd = &cobra.Command{
	Use:   "cachesim",
	Short: "Exercise the translated-code cache",
	Long: `cachesim runs a small guest instruction set through the translated-code
cache: blocks are translated, linked, invalidated by guest writes and their
code pages recycled.

Commands:
  run      Run a self-modifying workload and print cache statistics
  disasm   Disassemble the trampolines and a translated block
  config   Print the effective configuration`,
	SilenceUsage: true,
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a dyncache.yaml file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log_level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&noExec, "no-exec", false, "map the code buffer read/write only")

	rootCmd.AddCommand(runCmd, disasmCmd, configCmd)
}

// loadConfig reads the configuration, applies the command line overrides and
// attaches a logger and a fresh metrics registry.
func loadConfig() (config.Config, *prometheus.Registry, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if noExec {
		cfg.Executable = false
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, nil, err
	}

	level, _ := logrus.ParseLevel(cfg.LogLevel)
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	cfg.Logger = logger

	reg := prometheus.NewRegistry()
	cfg.Registerer = reg
	return cfg, reg, nil
}

// closeLogged closes cl, logging the error instead of dropping it.
func closeLogged(log logrus.FieldLogger, what string, cl io.Closer) {
	if err := cl.Close(); err != nil {
		log.WithError(err).Errorf("closing %s", what)
	}
}
