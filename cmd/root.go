package cmd

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/viewin/viewin-agent/internal/config"
)

var (
	cfg          *config.Config
	cfgFile      string
	profile      string
	verboseLevel int

	logLevel   = new(slog.LevelVar)
	logRotator *lumberjack.Logger
)

var rootCmd = &cobra.Command{
	Use:   "viewin-agent",
	Short: "Audio session client for voice interviews",
	Long: `viewin-agent runs the audio side of a voice interview: it plays the
interviewer's introduction and questions, records each answer from the
microphone, converts it for transcription and uploads it to the backend.

Run 'viewin-agent interview --job ID' to take an interview in the terminal,
or 'viewin-agent serve --job ID' to drive it from a local web page.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Configure slog based on verbose level
		setupLogging(verboseLevel)

		explicit := cfgFile != ""
		if !explicit {
			cfgFile = config.DefaultConfigFile()
		}

		var err error
		cfg, err = config.LoadWithProfile(cfgFile, profile)
		if err != nil {
			// A missing default file is fine, an explicit one is not
			if explicit || profile != "" || !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("failed to load config: %w", err)
			}
			slog.Debug("No config file, using defaults", "path", cfgFile)
			cfg = config.Default()
		}

		return applyLogging(cfg.Logging)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

func Execute() {
	defer closeLogging()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		closeLogging()
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/viewin-agent.yaml)")
	rootCmd.PersistentFlags().StringVar(&profile, "profile", "", "configuration profile to use (overrides active_config from file)")
	rootCmd.PersistentFlags().IntVarP(&verboseLevel, "verbose", "v", 0, "verbose level: 0=config level, 1=debug")

	rootCmd.AddCommand(interviewCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(playCmd)
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(transcodeCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
}

// setupLogging installs the stderr handler before the config is known
func setupLogging(level int) {
	if level >= 1 {
		logLevel.Set(slog.LevelDebug)
	} else {
		logLevel.Set(slog.LevelInfo)
	}

	// Configure text handler for clean terminal output
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(handler))
}

// applyLogging applies the logging section: the level (unless -v forces
// debug) and the optional rotating log file.
func applyLogging(lc config.LoggingConfig) error {
	setLogLevel(lc.Level)

	if lc.File == "" {
		return nil
	}
	closeLogging()
	logRotator = &lumberjack.Logger{
		Filename:   lc.File,
		MaxSize:    lc.MaxSizeMB,
		MaxBackups: lc.MaxBackups,
	}

	var w io.Writer = io.MultiWriter(os.Stderr, logRotator)
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(handler))
	slog.Debug("Logging to file", "path", lc.File, "max_size_mb", lc.MaxSizeMB)
	return nil
}

// setLogLevel changes the level of every logger at runtime
func setLogLevel(name string) {
	if verboseLevel >= 1 {
		return
	}
	switch strings.ToLower(name) {
	case "debug":
		logLevel.Set(slog.LevelDebug)
	case "warn":
		logLevel.Set(slog.LevelWarn)
	case "error":
		logLevel.Set(slog.LevelError)
	default:
		logLevel.Set(slog.LevelInfo)
	}
}

func closeLogging() {
	if logRotator != nil {
		logRotator.Close()
		logRotator = nil
	}
}
