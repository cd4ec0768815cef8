package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sportsphere/sportchat/internal/config"
	"github.com/sportsphere/sportchat/internal/logging"
	"github.com/sportsphere/sportchat/internal/paths"
)

var (
	// Global flags
	verbose    bool
	configPath string
	mode       string

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "sportchat",
	Short: "Chat with the SportSphere sports-analysis assistant",
	Long: `sportchat is a terminal client for the SportSphere assistant.

Run without arguments to start an interactive chat. Use "sportchat serve" to
expose the session to a browser over a local HTTP API.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if configPath == "" {
			p, err := paths.ConfigFile()
			if err != nil {
				return err
			}
			configPath = p
		}
		c, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if mode != "" {
			c.Mode = mode
		}
		if err := c.Validate(); err != nil {
			return err
		}
		cfg = c

		level := cfg.Logging.Level
		if verbose {
			level = "debug"
		}
		logger, err = logging.New(level)
		if err != nil {
			return fmt.Errorf("initializing logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: runInteractive,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: $XDG_CONFIG_HOME/sportchat/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&mode, "mode", "", `Transport: "backend" or "ollama" (overrides config)`)

	serveCmd.Flags().StringVar(&serveAddr, "addr", "127.0.0.1:0", "Listen address")
	serveCmd.Flags().BoolVar(&noBrowser, "no-browser", false, "Do not open a browser")
	shareCmd.Flags().BoolVar(&sharePrintOnly, "print", false, "Print the transcript without copying it")
	configInitCmd.Flags().BoolVar(&forceInit, "force", false, "Overwrite an existing config file")
	configCmd.AddCommand(configInitCmd)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(renameCmd)
	rootCmd.AddCommand(pinCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(shareCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	return rootCmd.Execute()
}
