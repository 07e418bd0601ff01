package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/conduit/internal/config"
	"github.com/zjrosen/conduit/internal/log"
)

var (
	version   = "dev"
	cfgFile   string
	debugFlag bool
	cfg       config.Config
)

var rootCmd = &cobra.Command{
	Use:   "conduit",
	Short: "Share long-lived Claude sessions over WebSocket",
	Long: `conduit runs Claude CLI sessions as supervised subprocesses and lets any
number of clients watch and drive them over WebSocket. Sessions and their
transcripts survive restarts; reconnecting to a session resumes it.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		return loadConfig()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: .conduit/config.yaml or ~/.config/conduit/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&debugFlag, "debug", "d", false,
		"write a debug log (path from CONDUIT_LOG, default debug.log)")
}

// loadConfig resolves the config file and decodes it into cfg.
//
// Lookup order:
//  1. --config
//  2. .conduit/config.yaml (current directory)
//  3. ~/.config/conduit/config.yaml
func loadConfig() error {
	v := viper.GetViper()
	config.Configure(v)

	switch {
	case cfgFile != "":
		// A missing --config file is created by the commands that write it.
		if fileExists(cfgFile) {
			v.SetConfigFile(cfgFile)
		}
	case fileExists(localConfigPath):
		v.SetConfigFile(localConfigPath)
	default:
		if dir := config.Dir(); dir != "" {
			v.AddConfigPath(dir)
		}
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	loaded, err := config.Load(v)
	if err != nil {
		return err
	}
	cfg = loaded
	return nil
}

const localConfigPath = ".conduit/config.yaml"

// configPath is the file that writes go to: the loaded file, else the
// user config.
func configPath() string {
	if used := viper.ConfigFileUsed(); used != "" {
		return used
	}
	if cfgFile != "" {
		return cfgFile
	}
	if dir := config.Dir(); dir != "" {
		return filepath.Join(dir, "config.yaml")
	}
	return localConfigPath
}

// initLogging enables the debug log when --debug or CONDUIT_DEBUG is set.
// The returned cleanup is never nil.
func initLogging(component string) (func(), error) {
	debug := debugFlag || os.Getenv("CONDUIT_DEBUG") != ""
	if !debug {
		return func() {}, nil
	}

	logPath := os.Getenv("CONDUIT_LOG")
	if logPath == "" {
		logPath = cfg.Log.File
	}
	if logPath == "" {
		logPath = "debug.log"
	}

	cleanup, err := log.Init(logPath)
	if err != nil {
		return nil, fmt.Errorf("initializing logging: %w", err)
	}
	log.SetMinLevel(log.ParseLevel(cfg.Log.Level))
	if debugFlag {
		log.SetMinLevel(log.LevelDebug)
	}
	log.Info(log.CatConfig, component+" starting", "version", version, "logPath", logPath, "config", viper.ConfigFileUsed())
	return cleanup, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags)
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
