// Package commands provides the CLI commands for chatsync.
package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/chatsync/internal/config"
	"github.com/opencode-ai/chatsync/internal/logging"
	"github.com/opencode-ai/chatsync/pkg/types"
)

var (
	// Version information set at build time
	Version   = "0.1.0"
	BuildTime = "dev"
)

// Global flags
var (
	printLogs  bool
	logLevel   string
	configPath string
	workDir    string
)

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "chatsync - session-scoped chat state synchronization",
	Long: `chatsync keeps a local view of one chat session in sync with an event
stream, switching sessions atomically and dropping events that belong to
any other session.

Run 'chatsync replay' to feed recorded event streams through the engine,
or 'chatsync serve' to run an engine behind the HTTP inspector.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&printLogs, "print-logs", false, "Print logs to stderr")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (DEBUG|INFO|WARN|ERROR)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a chatsync.json(c) file")
	rootCmd.PersistentFlags().StringVar(&workDir, "directory", "", "Working directory for project config")

	rootCmd.SetVersionTemplate(fmt.Sprintf("chatsync %s (%s)\n", Version, BuildTime))

	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(serveCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// GetWorkDir returns the working directory from flag or current directory.
func GetWorkDir(dir string) (string, error) {
	if dir != "" {
		return dir, nil
	}
	return os.Getwd()
}

// setup loads configuration and initializes the global logger from it and
// the global flags.
func setup() (*types.Config, error) {
	dir, err := GetWorkDir(workDir)
	if err != nil {
		return nil, err
	}
	if configPath != "" {
		os.Setenv("CHATSYNC_CONFIG", configPath)
	}

	cfg, err := config.Load(dir)
	if err != nil {
		return nil, err
	}

	level := cfg.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	var out io.Writer = io.Discard
	if printLogs {
		out = os.Stderr
	}
	logging.Init(logging.Config{
		Level:  logging.ParseLevel(level),
		Output: out,
		Pretty: cfg.LogPretty == nil || *cfg.LogPretty,
	})
	return cfg, nil
}
