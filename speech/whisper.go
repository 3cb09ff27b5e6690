package speech

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
)

// Engine turns one 16 kHz mono WAV file into text.
type Engine interface {
	Name() string
	Transcribe(ctx context.Context, wavPath string) (string, error)
}

// WhisperExecConfig configures the whisper.cpp command line engine.
type WhisperExecConfig struct {
	WhisperPath  string
	WhisperModel string
	Language     string
	Threads      int
}

// WhisperExec runs the whisper.cpp CLI once per file.
type WhisperExec struct {
	config WhisperExecConfig
}

// NewWhisperExec checks that the binary and model exist so that a broken
// installation is reported before the first answer.
func NewWhisperExec(cfg WhisperExecConfig) (*WhisperExec, error) {
	if _, err := exec.LookPath(cfg.WhisperPath); err != nil {
		return nil, &EngineError{Engine: "whisper-exec", Reason: "whisper binary not found", Cause: err}
	}
	if _, err := os.Stat(cfg.WhisperModel); err != nil {
		return nil, &EngineError{Engine: "whisper-exec", Reason: "whisper model unreadable", Cause: err}
	}
	return &WhisperExec{config: cfg}, nil
}

func (w *WhisperExec) Name() string {
	return "whisper-exec"
}

func (w *WhisperExec) Transcribe(ctx context.Context, wavPath string) (string, error) {
	args := []string{"--model", w.config.WhisperModel, "--no-timestamps"}
	if w.config.Language != "" {
		args = append(args, "--language", w.config.Language)
	}
	if w.config.Threads > 0 {
		args = append(args, "--threads", strconv.Itoa(w.config.Threads))
	}
	args = append(args, wavPath)

	cmd := exec.CommandContext(ctx, w.config.WhisperPath, args...)

	slog.Debug("Executing whisper command",
		"command", cmd.String(),
		"args", cmd.Args)

	output, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			slog.Debug("Whisper command failed",
				"stderr", string(exitErr.Stderr),
				"exitCode", exitErr.ExitCode())
		}
		return "", &EngineError{Engine: w.Name(), Reason: "whisper execution failed", Cause: err}
	}

	outputStr := string(output)
	slog.Debug("Whisper command output received",
		"outputLength", len(output),
		"output", outputStr)

	return extractText(outputStr), nil
}

var timestampPrefix = regexp.MustCompile(`^\[[0-9:.]+ --> [0-9:.]+\]\s*`)

// extractText joins whisper's output lines, skipping blank audio markers and
// any subtitle-style timestamps.
func extractText(output string) string {
	var builder strings.Builder
	lines := strings.Split(output, "\n")

	for _, line := range lines {
		line = timestampPrefix.ReplaceAllString(strings.TrimSpace(line), "")

		// Skip empty lines
		if line == "" {
			continue
		}

		// Skip blank audio markers
		if strings.Contains(line, "[BLANK_AUDIO]") {
			continue
		}

		if builder.Len() > 0 {
			builder.WriteString(" ")
		}
		builder.WriteString(strings.TrimSpace(line))
	}

	return strings.TrimSpace(builder.String())
}
