package speech

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bosley/rehearse/audio"
	"github.com/bosley/rehearse/frames"
	"github.com/bosley/rehearse/metrics"
)

// ErrStopped is returned when the recognizer loop is no longer running.
var ErrStopped = errors.New("recognizer stopped")

// Segment is recognized text for one question. Partial segments carry the
// text of a single pause-delimited span and are superseded by the final one.
type Segment struct {
	QuestionID string
	Text       string
	Start      time.Duration
	End        time.Duration
	Final      bool
}

// Config for the Recognizer
type Config struct {
	// Directory receiving one WAV file per answer
	AudioDir string

	// Pause length that closes a partial span
	PauseSilence time.Duration
	VADThreshold float64

	// Partial transcription; zero workers disables it
	PartialWorkers int
	PartialTimeout time.Duration
	MaxPartialSpan time.Duration
}

// Recognizer consumes the audio queue on its own goroutine. Utterance state
// (the open WAV file, the pause detector, the partial span) is only touched
// by that goroutine; callers reach it through Begin, Finish and Abandon.
type Recognizer struct {
	config    Config
	engine    Engine
	queue     *frames.Queue[frames.AudioFrame]
	onPartial func(Segment)

	control  chan command
	done     chan struct{}
	partials chan partialJob
	workers  sync.WaitGroup

	disabled   atomic.Bool
	generation atomic.Uint64
	stale      atomic.Uint64

	// loop-owned
	current   string
	writer    *audio.WavWriter
	vad       *audio.PauseDetector
	start     time.Duration
	end       time.Duration
	heard     bool
	span      []int16
	spanRate  int
	spanStart time.Duration
	spanCount int
}

type commandKind int

const (
	cmdBegin commandKind = iota
	cmdFinish
	cmdAbandon
)

type command struct {
	kind       commandKind
	ctx        context.Context
	questionID string
	reply      chan commandResult
}

type commandResult struct {
	segment Segment
	err     error
}

type partialJob struct {
	questionID string
	generation uint64
	path       string
	sampleRate int
	start      time.Duration
	end        time.Duration
}

// NewRecognizer creates a recognizer over queue. onPartial may be nil; it is
// called from worker goroutines and must not block.
func NewRecognizer(cfg Config, engine Engine, queue *frames.Queue[frames.AudioFrame], onPartial func(Segment)) *Recognizer {
	if cfg.PauseSilence <= 0 {
		cfg.PauseSilence = 800 * time.Millisecond
	}
	if cfg.PartialTimeout <= 0 {
		cfg.PartialTimeout = 10 * time.Second
	}
	if cfg.MaxPartialSpan <= 0 {
		cfg.MaxPartialSpan = 15 * time.Second
	}
	return &Recognizer{
		config:    cfg,
		engine:    engine,
		queue:     queue,
		onPartial: onPartial,
		control:   make(chan command),
		done:      make(chan struct{}),
		partials:  make(chan partialJob, cfg.PartialWorkers),
		vad:       audio.NewPauseDetector(cfg.VADThreshold, cfg.PauseSilence),
	}
}

// Disabled reports whether the engine has failed for this session.
func (r *Recognizer) Disabled() bool {
	return r.disabled.Load()
}

// Stale counts frames dropped because they were tagged for a question that
// is no longer current.
func (r *Recognizer) Stale() uint64 {
	return r.stale.Load()
}

// Begin starts a new utterance for questionID. Any open utterance is closed
// without transcription.
func (r *Recognizer) Begin(ctx context.Context, questionID string) error {
	_, err := r.send(ctx, cmdBegin, questionID)
	return err
}

// Finish drains the frames queued for questionID, closes its utterance and
// returns the single final segment.
func (r *Recognizer) Finish(ctx context.Context, questionID string) (Segment, error) {
	return r.send(ctx, cmdFinish, questionID)
}

// Abandon discards the current utterance without transcribing it.
func (r *Recognizer) Abandon(ctx context.Context, questionID string) error {
	_, err := r.send(ctx, cmdAbandon, questionID)
	return err
}

func (r *Recognizer) send(ctx context.Context, kind commandKind, questionID string) (Segment, error) {
	reply := make(chan commandResult, 1)
	cmd := command{kind: kind, ctx: ctx, questionID: questionID, reply: reply}

	select {
	case r.control <- cmd:
	case <-ctx.Done():
		return Segment{}, ctx.Err()
	case <-r.done:
		return Segment{}, ErrStopped
	}

	select {
	case res := <-reply:
		return res.segment, res.err
	case <-ctx.Done():
		return Segment{}, ctx.Err()
	}
}

// Run is the recognizer loop. It returns nil when ctx is cancelled.
func (r *Recognizer) Run(ctx context.Context) error {
	slog.Debug("Recognizer starting", "engine", r.engine.Name())
	defer close(r.done)

	for i := 0; i < r.config.PartialWorkers; i++ {
		r.workers.Add(1)
		go r.partialWorker(ctx)
	}

	defer func() {
		r.closeUtterance()
		r.workers.Wait()
		slog.Debug("Recognizer shutting down", "staleFrames", r.Stale())
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case cmd := <-r.control:
			cmd.reply <- r.handle(cmd)

		case <-r.queue.Ready():
			r.drain()
		}
	}
}

func (r *Recognizer) handle(cmd command) commandResult {
	switch cmd.kind {
	case cmdBegin:
		r.closeUtterance()
		r.generation.Add(1)
		r.current = cmd.questionID
		r.start, r.end, r.heard = 0, 0, false
		r.vad.Reset()
		r.resetSpan()
		// Leftovers from the previous question are stale now.
		r.drain()
		if r.Disabled() {
			return commandResult{err: ErrDisabled}
		}
		return commandResult{}

	case cmdAbandon:
		if cmd.questionID != r.current {
			return commandResult{}
		}
		r.closeUtterance()
		r.current = ""
		r.generation.Add(1)
		return commandResult{}

	case cmdFinish:
		if cmd.questionID == "" || cmd.questionID != r.current {
			return commandResult{err: fmt.Errorf("%w: %s", ErrNotActive, cmd.questionID)}
		}
		r.drain()
		segment := Segment{QuestionID: r.current, Start: r.start, End: r.end, Final: true}
		path := ""
		rate := 0
		if r.writer != nil {
			path = r.writer.Path()
			rate = r.writer.SampleRate()
		}
		r.closeUtterance()
		r.current = ""
		r.generation.Add(1)

		if r.Disabled() {
			return commandResult{segment: segment, err: ErrDisabled}
		}
		if path == "" {
			return commandResult{segment: segment}
		}
		text, err := r.transcribe(cmd.ctx, path, rate, "final")
		if err != nil {
			return commandResult{segment: segment, err: err}
		}
		segment.Text = text
		return commandResult{segment: segment}
	}
	return commandResult{err: fmt.Errorf("unknown command %d", cmd.kind)}
}

// drain consumes everything currently queued.
func (r *Recognizer) drain() {
	for {
		frame, ok := r.queue.TryPop()
		if !ok {
			return
		}
		r.consume(frame)
	}
}

func (r *Recognizer) consume(frame frames.AudioFrame) {
	if r.current == "" || frame.QuestionID != r.current {
		r.stale.Add(1)
		return
	}

	if r.writer == nil {
		if err := os.MkdirAll(r.config.AudioDir, 0o755); err != nil {
			slog.Error("Failed to create audio directory", "dir", r.config.AudioDir, "error", err)
			return
		}
		path := filepath.Join(r.config.AudioDir, r.current+".wav")
		writer, err := audio.CreateWav(path, frame.SampleRate)
		if err != nil {
			slog.Error("Failed to create utterance file", "questionID", r.current, "error", err)
			return
		}
		r.writer = writer
	}
	if err := r.writer.Write(frame.Samples); err != nil {
		slog.Error("Failed to write utterance audio", "questionID", r.current, "error", err)
	}

	if !r.heard {
		r.start = frame.Captured
		r.heard = true
	}
	r.end = frame.Captured + frame.Duration()

	if r.config.PartialWorkers == 0 || r.Disabled() {
		return
	}

	event := r.vad.Observe(frame.Samples, frame.Captured)
	switch event {
	case audio.VADSpeechStarted:
		r.resetSpan()
		r.spanStart = frame.Captured
		r.spanRate = frame.SampleRate
		r.span = append(r.span, frame.Samples...)
	case audio.VADPause:
		r.span = append(r.span, frame.Samples...)
		r.submitPartial(frame.Captured + frame.Duration())
	default:
		if r.vad.Speaking() {
			r.span = append(r.span, frame.Samples...)
			spanLength := time.Duration(len(r.span)) * time.Second / time.Duration(frame.SampleRate)
			if spanLength >= r.config.MaxPartialSpan {
				r.submitPartial(frame.Captured + frame.Duration())
				r.spanStart = frame.Captured + frame.Duration()
			}
		}
	}
}

// submitPartial writes the current span to disk and hands it to a partial
// worker. When every worker is busy the span is skipped; the final segment
// covers it anyway.
func (r *Recognizer) submitPartial(end time.Duration) {
	if len(r.span) == 0 {
		return
	}
	r.spanCount++
	path := filepath.Join(r.config.AudioDir, fmt.Sprintf("%s.part%d.wav", r.current, r.spanCount))
	if err := audio.WriteWavFile(path, r.spanRate, r.span); err != nil {
		slog.Warn("Failed to write partial span", "questionID", r.current, "error", err)
		r.span = r.span[:0]
		return
	}

	job := partialJob{
		questionID: r.current,
		generation: r.generation.Load(),
		path:       path,
		sampleRate: r.spanRate,
		start:      r.spanStart,
		end:        end,
	}
	r.span = r.span[:0]

	select {
	case r.partials <- job:
	default:
		slog.Debug("Partial workers busy, skipping span", "questionID", job.questionID)
		os.Remove(path)
	}
}

func (r *Recognizer) resetSpan() {
	r.span = r.span[:0]
	r.spanStart = 0
}

func (r *Recognizer) closeUtterance() {
	if r.writer == nil {
		return
	}
	if err := r.writer.Close(); err != nil {
		slog.Error("Failed to close utterance file", "file", r.writer.Path(), "error", err)
	}
	r.writer = nil
}

func (r *Recognizer) partialWorker(ctx context.Context) {
	defer r.workers.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case job := <-r.partials:
			r.processPartial(ctx, job)
		}
	}
}

func (r *Recognizer) processPartial(ctx context.Context, job partialJob) {
	defer os.Remove(job.path)

	if job.generation != r.generation.Load() || r.Disabled() {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, r.config.PartialTimeout)
	defer cancel()

	text, err := r.transcribe(ctx, job.path, job.sampleRate, "partial")
	if err != nil {
		slog.Debug("Partial transcription failed", "questionID", job.questionID, "error", err)
		return
	}
	if text == "" || job.generation != r.generation.Load() {
		return
	}
	if r.onPartial != nil {
		r.onPartial(Segment{
			QuestionID: job.questionID,
			Text:       text,
			Start:      job.start,
			End:        job.end,
		})
	}
}

// transcribe resamples when needed and runs the engine. Engine failures
// disable recognition for the rest of the session.
func (r *Recognizer) transcribe(ctx context.Context, path string, sampleRate int, kind string) (string, error) {
	started := time.Now()

	input, err := audio.ResampleForWhisper(ctx, path, sampleRate)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", r.fail(&EngineError{Engine: r.engine.Name(), Reason: "resample failed", Cause: err})
	}
	if input != path {
		defer os.Remove(input)
	}

	text, err := r.engine.Transcribe(ctx, input)
	switch {
	case err == nil:
		metrics.RecognitionObserved(r.engine.Name(), kind, metrics.StatusSuccess, time.Since(started))
		slog.Debug("Transcribed audio", "file", filepath.Base(path), "kind", kind, "text", text)
		return text, nil
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		metrics.RecognitionObserved(r.engine.Name(), kind, metrics.StatusTimeout, time.Since(started))
		return "", err
	case errors.Is(err, ErrEngine):
		metrics.RecognitionObserved(r.engine.Name(), kind, metrics.StatusError, time.Since(started))
		return "", r.fail(err)
	default:
		metrics.RecognitionObserved(r.engine.Name(), kind, metrics.StatusError, time.Since(started))
		return "", fmt.Errorf("transcription failed: %w", err)
	}
}

func (r *Recognizer) fail(err error) error {
	if !r.disabled.Swap(true) {
		slog.Error("Recognition engine failed, disabling recognition", "engine", r.engine.Name(), "error", err)
	}
	return err
}
