package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/bosley/rehearse/config"
	"github.com/bosley/rehearse/feedback"
	"github.com/bosley/rehearse/frames"
	"github.com/bosley/rehearse/live"
	"github.com/bosley/rehearse/metrics"
	"github.com/bosley/rehearse/question"
	"github.com/bosley/rehearse/session"
	"github.com/bosley/rehearse/tui"
	"github.com/bosley/rehearse/video"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var runFlags struct {
	questions string
	outputDir string
	replay    string
	noUI      bool
	noVideo   bool
	live      bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run an interview session",
	Long: `Run walks through the configured questions. Press space (or enter with
--no-ui) to start and stop each answer, q to abort. Completed answers are kept
and written out even when the session is aborted.`,
	Args: cobra.NoArgs,
	RunE: runSession,
}

func init() {
	f := runCmd.Flags()
	f.StringVarP(&runFlags.questions, "questions", "q", "", "Question list (overrides session.questions)")
	f.StringVarP(&runFlags.outputDir, "output", "o", "", "Output directory (overrides session.output_dir)")
	f.StringVar(&runFlags.replay, "replay", "", "Replay a WAV file instead of the microphone")
	f.BoolVar(&runFlags.noUI, "no-ui", false, "Read triggers from stdin instead of the terminal UI")
	f.BoolVar(&runFlags.noVideo, "no-video", false, "Disable the webcam and gesture analysis")
	f.BoolVar(&runFlags.live, "live", false, "Serve the live view (overrides live.enabled)")
	rootCmd.AddCommand(runCmd)
}

func runOverrides(cmd *cobra.Command) map[string]any {
	overrides := make(map[string]any)
	if runFlags.questions != "" {
		overrides["session.questions"] = runFlags.questions
	}
	if runFlags.outputDir != "" {
		overrides["session.output_dir"] = runFlags.outputDir
	}
	if runFlags.replay != "" {
		overrides["audio.replay_file"] = runFlags.replay
	}
	if runFlags.noVideo {
		overrides["video.enabled"] = false
		overrides["gesture.enabled"] = false
	}
	if cmd.Flags().Changed("live") {
		overrides["live.enabled"] = runFlags.live
	}
	return overrides
}

func runSession(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath, runOverrides(cmd))
	if err != nil {
		return err
	}

	closer := setupLogging(cfg.Log, runFlags.noUI)
	defer closer.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	questions, err := loadQuestions(ctx, cfg.Session)
	if err != nil {
		return err
	}

	sessionID := uuid.New().String()
	dir := filepath.Join(cfg.Session.OutputDir, sessionID)
	clock := frames.NewClock(nil)
	registry := metrics.NewRegistry()
	triggers := make(chan session.Trigger, 1)

	var observers session.Observers

	var program *tea.Program
	var ui *tui.Observer
	var meter *tui.Meter
	if !runFlags.noUI {
		meter = tui.NewMeter()
		program = tea.NewProgram(tui.NewModel(triggers).WithMeter(meter))
		ui = tui.NewObserver(program)
		observers = append(observers, ui)
	}

	overlay := video.NewOverlay()
	var liveServer *live.Server
	if cfg.Live.Enabled {
		liveServer = live.New(live.Config{
			Addr:     cfg.Live.Addr,
			CertFile: cfg.Live.CertFile,
			KeyFile:  cfg.Live.KeyFile,
		}, overlay, registry)
		observers = append(observers, liveServer)
	}

	deps := session.Deps{
		Questions: questions,
		Clock:     clock,
		Triggers:  triggers,
		Observer:  observers,
	}

	audioCapture, audioQueue, closeAudio, err := openAudio(cfg, clock)
	defer closeAudio()
	if err != nil {
		slog.Error("Microphone unavailable, answers will not be transcribed", "error", err)
		deps.AudioErr = err
	}
	if audioCapture != nil {
		deps.Audio = audioCapture
		if meter != nil {
			audioCapture.SetLevelFunc(meter.Set)
		}
		if recognizer, err := newRecognizer(cfg, filepath.Join(dir, "audio"), audioQueue, observers.OnPartial); err != nil {
			slog.Error("Speech recognition unavailable", "error", err)
		} else {
			deps.Recognizer = recognizer
		}
	}

	videoCapture, videoQueue, closeVideo, err := openVideo(ctx, cfg, clock, overlay)
	defer closeVideo()
	if err != nil {
		slog.Error("Webcam unavailable, gestures will not be analyzed", "error", err)
		deps.VideoErr = err
	}
	if videoCapture != nil {
		deps.Video = videoCapture
		if analyzer, err := newAnalyzer(cfg, videoQueue); err != nil {
			slog.Error("Gesture analysis unavailable", "error", err)
		} else if analyzer != nil {
			deps.Analyzer = analyzer
		}
	}

	if cfg.Feedback.Enabled {
		client := feedback.NewOllama(feedback.OllamaConfig{
			URL:         cfg.Feedback.URL,
			Model:       cfg.Feedback.Model,
			Temperature: cfg.Feedback.Temperature,
			Timeout:     cfg.Session.FeedbackTimeout,
		})
		deps.Feedback = feedback.NewRequester(client, cfg.Feedback.MaxWords)
	}

	controller, err := session.New(session.Options{
		SessionID:       sessionID,
		OutputDir:       cfg.Session.OutputDir,
		MaxAnswer:       cfg.Session.MaxAnswer,
		ArmTimeout:      cfg.Session.ArmTimeout,
		FinalizeTimeout: cfg.Session.FinalizeTimeout,
		FeedbackTimeout: cfg.Session.FeedbackTimeout,
	}, deps)
	if err != nil {
		return err
	}

	liveCtx, stopLive := context.WithCancel(ctx)
	defer stopLive()
	liveDone := make(chan struct{})
	if liveServer != nil {
		go func() {
			defer close(liveDone)
			if err := liveServer.Run(liveCtx); err != nil {
				slog.Error("Live view failed", "error", err)
			}
		}()
	} else {
		close(liveDone)
	}

	uiDone := make(chan error, 1)
	if program != nil {
		go func() { uiDone <- tui.Run(ctx, program) }()
	} else {
		go func() {
			fmt.Fprintln(os.Stderr, "Press enter to start and stop each answer, q then enter to abort.")
			if err := tui.ReadTriggers(ctx, os.Stdin, triggers); err != nil {
				slog.Warn("Stopped reading triggers", "error", err)
			}
		}()
		close(uiDone)
	}

	record, runErr := controller.Run(ctx)

	if cfg.Archive.Enabled && record != nil {
		archiveSession(cfg.Archive.Path, controller.Dir(), record)
	}

	stopLive()
	<-liveDone

	if ui != nil {
		ui.Done(controller.Dir(), runErr)
		if err := <-uiDone; err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("Terminal UI exited with error", "error", err)
		}
	}

	if runErr != nil {
		return runErr
	}
	fmt.Printf("Session %s: %d of %d questions answered, written to %s\n",
		record.SessionID, len(record.Entries), len(questions), controller.Dir())
	return nil
}

// loadQuestions reads the configured question list, waiting for it when the
// generator has not written it yet, or renders the template fallback.
func loadQuestions(ctx context.Context, cfg config.SessionConfig) ([]question.Question, error) {
	switch {
	case cfg.Questions != "" && cfg.WaitForQuestions:
		slog.Info("Waiting for question list", "path", cfg.Questions)
		return question.Wait(ctx, cfg.Questions)
	case cfg.Questions != "":
		return question.Load(cfg.Questions)
	default:
		return question.LoadTemplate(cfg.Template, cfg.Resume)
	}
}
