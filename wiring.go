package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bosley/rehearse/archive"
	"github.com/bosley/rehearse/audio"
	"github.com/bosley/rehearse/config"
	"github.com/bosley/rehearse/frames"
	"github.com/bosley/rehearse/gesture"
	"github.com/bosley/rehearse/mic"
	"github.com/bosley/rehearse/session"
	"github.com/bosley/rehearse/speech"
	"github.com/bosley/rehearse/video"
)

func noop() {}

// openAudio opens the microphone, or the replay file when one is set. A nil
// capture with a nil error means audio is disabled.
func openAudio(cfg *config.Config, clock *frames.Clock) (*audio.Capture, *frames.Queue[frames.AudioFrame], func(), error) {
	if !cfg.Audio.Enabled {
		return nil, nil, noop, nil
	}

	var source audio.Source
	if cfg.Audio.ReplayFile != "" {
		wav, err := audio.OpenWAVSource(cfg.Audio.ReplayFile)
		if err != nil {
			return nil, nil, noop, err
		}
		slog.Info("Replaying audio file", "path", cfg.Audio.ReplayFile, "sampleRate", wav.SampleRate())
		source = wav
	} else {
		m, err := mic.Open(cfg.Audio.Device, cfg.Audio.SampleRate)
		if err != nil {
			return nil, nil, noop, err
		}
		slog.Info("Microphone opened", "device", m.DeviceName(), "sampleRate", m.SampleRate())
		source = m
	}

	queue := frames.NewQueue[frames.AudioFrame](cfg.Audio.QueueCapacity)
	capture := audio.NewCapture(source, queue, clock, cfg.Audio.FrameDuration)
	closeSource := func() {
		if err := source.Close(); err != nil {
			slog.Warn("Failed to close audio source", "error", err)
		}
	}
	return capture, queue, closeSource, nil
}

// openVideo starts the webcam. Frames always reach overlay; only armed
// frames reach the queue.
func openVideo(ctx context.Context, cfg *config.Config, clock *frames.Clock, overlay *video.Overlay) (*video.Capture, *frames.Queue[frames.VideoFrame], func(), error) {
	if !cfg.Video.Enabled {
		return nil, nil, noop, nil
	}

	cam, err := video.OpenWebcam(ctx, video.WebcamConfig{
		DeviceIndex: cfg.Video.Device,
		Width:       cfg.Video.Width,
		Height:      cfg.Video.Height,
		FPS:         cfg.Video.FPS,
	})
	if err != nil {
		return nil, nil, noop, err
	}

	queue := frames.NewQueue[frames.VideoFrame](cfg.Video.QueueCapacity)
	capture := video.NewCapture(cam, queue, clock, overlay)
	closeCam := func() {
		if err := cam.Close(); err != nil {
			slog.Debug("Webcam closed with error", "error", err)
		}
	}
	return capture, queue, closeCam, nil
}

func newEngine(cfg config.RecognitionConfig) (speech.Engine, error) {
	switch cfg.Engine {
	case config.EngineWhisperServer:
		return speech.NewWhisperServer(speech.WhisperServerConfig{
			URL:      cfg.ServerURL,
			Language: cfg.Language,
		}), nil
	case config.EngineWhisperExec:
		return speech.NewWhisperExec(speech.WhisperExecConfig{
			WhisperPath:  cfg.WhisperPath,
			WhisperModel: cfg.Model,
			Language:     cfg.Language,
			Threads:      cfg.Threads,
		})
	default:
		return nil, fmt.Errorf("unknown recognition engine %q", cfg.Engine)
	}
}

func newRecognizer(cfg *config.Config, audioDir string, queue *frames.Queue[frames.AudioFrame], onPartial func(speech.Segment)) (*speech.Recognizer, error) {
	engine, err := newEngine(cfg.Recognition)
	if err != nil {
		return nil, err
	}
	return speech.NewRecognizer(speech.Config{
		AudioDir:       audioDir,
		PauseSilence:   cfg.Recognition.PauseSilence,
		VADThreshold:   cfg.Recognition.VADThreshold,
		PartialWorkers: cfg.Recognition.PartialWorkers,
		PartialTimeout: cfg.Recognition.PartialTimeout,
		MaxPartialSpan: cfg.Recognition.MaxPartialSpan,
	}, engine, queue, onPartial), nil
}

// newAnalyzer returns nil without error when gesture analysis is disabled.
func newAnalyzer(cfg *config.Config, queue *frames.Queue[frames.VideoFrame]) (*gesture.Analyzer, error) {
	if !cfg.Gesture.Enabled {
		return nil, nil
	}
	selected, err := gesture.DefaultRegistry().Select(cfg.Gesture.Metrics)
	if err != nil {
		return nil, err
	}
	detector := gesture.NewHTTPDetector(gesture.HTTPDetectorConfig{
		URL:     cfg.Gesture.DetectorURL,
		Timeout: cfg.Gesture.Timeout,
	})
	return gesture.NewAnalyzer(detector, selected, queue), nil
}

func archiveSession(path, dir string, record *session.Record) {
	a, err := archive.Open(path)
	if err != nil {
		slog.Error("Failed to open session archive", "error", err)
		return
	}
	defer a.Close()
	if err := a.SaveSession(dir, record); err != nil {
		slog.Error("Failed to archive session", "error", err)
	}
}
