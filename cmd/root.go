package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/stovon/lodestone/internal/output"
	"github.com/stovon/lodestone/internal/utils"
)

var (
	configPath string
	debug      bool
	logPath    string
)

var LodestoneVersion = "dev"

var rootCmd = &cobra.Command{
	Use:     "lodestone",
	Short:   "Lodestone acquires, verifies, and repairs large content installs",
	Version: LodestoneVersion,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		output.InitLogger(debug)
		if logPath != "" {
			f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				output.PrintWarning(fmt.Sprintf("Could not open log file %s: %v", logPath, err))
				return
			}
			output.SetLogOutput(f)
		}
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "lodestone.yaml"
	}
	return filepath.Join(home, ".lodestone", "config.yaml")
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "Path to the titles config file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&logPath, "log", "", "Write logs to a file instead of stderr")
	rootCmd.PersistentFlags().Lookup("log").NoOptDefVal = utils.LogFile
}
