package main

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/bosley/rehearse/config"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:          "rehearse",
	Short:        "Local multimodal mock-interview sessions",
	SilenceUsage: true,
	Long: `rehearse walks through a list of interview questions, records each spoken
answer from the microphone and webcam, transcribes it with a local whisper.cpp
model, summarizes facial signals and asks a local language model for feedback.

Everything runs on this machine. Results are written to the session output
directory as transcript.json and gestures.json.`,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file (default ./rehearse.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setupLogging installs the default logger. Console output is suppressed
// when the terminal UI owns the screen; the rotating file, when set, always
// receives everything at the configured level.
func setupLogging(cfg config.LogConfig, console bool) io.Closer {
	level := parseLevel(cfg.Level)
	if verbose {
		level = slog.LevelDebug
	}

	var writers []io.Writer
	if console {
		writers = append(writers, os.Stderr)
	}

	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		rotating := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		}
		writers = append(writers, rotating)
		closer = rotating
	}

	var out io.Writer = io.Discard
	switch len(writers) {
	case 0:
	case 1:
		out = writers[0]
	default:
		out = io.MultiWriter(writers...)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})))
	return closer
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
