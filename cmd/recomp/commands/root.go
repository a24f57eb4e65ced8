package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "recomp",
		Short: "recomp - GPU compositing manager for X11",
		Long: `recomp is a compositing manager for X11. It redirects top-level
windows into offscreen pixmaps, imports their contents as textures and
composes them into per-output frames paced by each output's refresh
rate.

Features:
  • Automatic composite redirection of top-level windows
  • Damage-driven repaints, one frame pipeline per RandR output
  • Shaped window clipping and per-window opacity
  • _NET_WM_WINDOW_OPACITY and per-class opacity rules
  • MIT-SHM presentation with a core protocol fallback
  • Debug HTTP API with live stats, events and an MJPEG stream`,
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/recomp/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("pretty", false, "human-readable console logging")

	// Bind flags to viper
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("pretty", rootCmd.PersistentFlags().Lookup("pretty"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// GetConfigFile returns the config file path
func GetConfigFile() string {
	return cfgFile
}
