package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bosley/rehearse/archive"
	"github.com/bosley/rehearse/audio"
	"github.com/bosley/rehearse/config"
	"github.com/bosley/rehearse/feedback"
	"github.com/bosley/rehearse/gesture"
	"github.com/bosley/rehearse/mic"
	"github.com/bosley/rehearse/speech"
	"github.com/spf13/cobra"
)

const checkTimeout = 5 * time.Second

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify the configuration and local services before a session",
	Args:  cobra.NoArgs,
	RunE:  runCheck,
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List archived sessions",
	Args:  cobra.NoArgs,
	RunE:  runSessions,
}

var sessionsLimit int

func init() {
	sessionsCmd.Flags().IntVarP(&sessionsLimit, "limit", "n", 20, "Number of sessions to show")
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(sessionsCmd)
}

type checkResult struct {
	name string
	err  error
	skip bool
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath, nil)
	if err != nil {
		return err
	}
	closer := setupLogging(cfg.Log, true)
	defer closer.Close()

	ctx := cmd.Context()
	results := []checkResult{
		checkQuestions(cfg.Session),
		checkMicrophone(cfg),
		checkRecognition(ctx, cfg.Recognition),
		checkDetector(ctx, cfg.Gesture),
		checkFeedback(ctx, cfg.Feedback),
	}

	failed := 0
	for _, r := range results {
		switch {
		case r.skip:
			fmt.Printf("  -  %s (disabled)\n", r.name)
		case r.err != nil:
			failed++
			fmt.Printf("  ✗  %s: %v\n", r.name, r.err)
		default:
			fmt.Printf("  ✓  %s\n", r.name)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d check(s) failed", failed)
	}
	return nil
}

func checkQuestions(cfg config.SessionConfig) checkResult {
	r := checkResult{name: "questions"}
	if cfg.Questions != "" && cfg.WaitForQuestions {
		r.skip = true
		return r
	}
	qs, err := loadQuestions(context.Background(), cfg)
	if err != nil {
		r.err = err
		return r
	}
	r.name = fmt.Sprintf("questions (%d loaded)", len(qs))
	return r
}

func checkMicrophone(cfg *config.Config) checkResult {
	r := checkResult{name: "microphone"}
	switch {
	case !cfg.Audio.Enabled:
		r.skip = true
	case cfg.Audio.ReplayFile != "":
		r.name = "replay file " + cfg.Audio.ReplayFile
		source, err := audio.OpenWAVSource(cfg.Audio.ReplayFile)
		if err != nil {
			r.err = err
			return r
		}
		source.Close()
	default:
		source, err := mic.Open(cfg.Audio.Device, cfg.Audio.SampleRate)
		if err != nil {
			r.err = err
			return r
		}
		r.name = "microphone " + source.DeviceName()
		source.Close()
	}
	return r
}

func checkRecognition(ctx context.Context, cfg config.RecognitionConfig) checkResult {
	r := checkResult{name: "speech recognition (" + cfg.Engine + ")"}
	engine, err := newEngine(cfg)
	if err != nil {
		r.err = err
		return r
	}
	if server, ok := engine.(*speech.WhisperServer); ok {
		ctx, cancel := context.WithTimeout(ctx, checkTimeout)
		defer cancel()
		r.err = server.Ping(ctx)
	}
	return r
}

func checkDetector(ctx context.Context, cfg config.GestureConfig) checkResult {
	r := checkResult{name: "landmark detector"}
	if !cfg.Enabled {
		r.skip = true
		return r
	}
	if _, err := gesture.DefaultRegistry().Select(cfg.Metrics); err != nil {
		r.err = err
		return r
	}
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	r.err = gesture.NewHTTPDetector(gesture.HTTPDetectorConfig{URL: cfg.DetectorURL}).Ping(ctx)
	return r
}

func checkFeedback(ctx context.Context, cfg config.FeedbackConfig) checkResult {
	r := checkResult{name: "feedback model (" + cfg.Model + ")"}
	if !cfg.Enabled {
		r.skip = true
		return r
	}
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	r.err = feedback.NewOllama(feedback.OllamaConfig{URL: cfg.URL, Model: cfg.Model}).Ping(ctx)
	return r
}

func runSessions(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath, nil)
	if err != nil {
		return err
	}
	if !cfg.Archive.Enabled {
		return errors.New("session archive is disabled")
	}

	a, err := archive.Open(cfg.Archive.Path)
	if err != nil {
		return err
	}
	defer a.Close()

	sessions, err := a.List(sessionsLimit)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions archived yet.")
		return nil
	}
	for _, s := range sessions {
		status := "complete"
		if s.Aborted {
			status = "aborted"
		}
		fmt.Printf("%s  %s  %d answered  %-8s  %s\n",
			s.StartedAt.Format("2006-01-02 15:04"), s.ID, s.Answered, status, s.Dir)
	}
	return nil
}
