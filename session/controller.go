package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/bosley/rehearse/feedback"
	"github.com/bosley/rehearse/frames"
	"github.com/bosley/rehearse/gesture"
	"github.com/bosley/rehearse/metrics"
	"github.com/bosley/rehearse/question"
	"github.com/bosley/rehearse/speech"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Options are the timing and output settings of one session.
type Options struct {
	// Generated when empty
	SessionID string
	// Artifacts go to OutputDir/<SessionID>
	OutputDir string

	MaxAnswer       time.Duration
	ArmTimeout      time.Duration
	FinalizeTimeout time.Duration
	FeedbackTimeout time.Duration
}

// Deps are the collaborators of one session. Any worker may be nil: a
// missing modality is recorded on every entry and the session carries on.
// AudioErr and VideoErr explain why a capture is missing.
type Deps struct {
	Questions []question.Question
	Clock     *frames.Clock
	Triggers  <-chan Trigger
	Observer  Observer

	Audio      Capture
	AudioErr   error
	Video      Capture
	VideoErr   error
	Recognizer Recognizer
	Analyzer   Analyzer
	Feedback   FeedbackRequester
}

// Controller runs the session state machine. It is the only goroutine that
// mutates the Record.
type Controller struct {
	opts Options
	deps Deps
	dir  string

	mu       sync.RWMutex
	snapshot Snapshot

	record *Record
	// Abort seen while finalizing, applied once the entry is stored.
	pendingAbort bool
}

// New validates the inputs and prepares a controller.
func New(opts Options, deps Deps) (*Controller, error) {
	if len(deps.Questions) == 0 {
		return nil, question.ErrEmpty
	}
	if deps.Triggers == nil {
		return nil, fmt.Errorf("no trigger source")
	}
	if opts.OutputDir == "" {
		return nil, fmt.Errorf("no output directory")
	}
	if opts.SessionID == "" {
		opts.SessionID = uuid.New().String()
	}
	if opts.MaxAnswer <= 0 {
		opts.MaxAnswer = 60 * time.Second
	}
	if opts.ArmTimeout <= 0 {
		opts.ArmTimeout = 2 * time.Second
	}
	if opts.FinalizeTimeout <= 0 {
		opts.FinalizeTimeout = 20 * time.Second
	}
	if opts.FeedbackTimeout <= 0 {
		opts.FeedbackTimeout = 30 * time.Second
	}
	if deps.Clock == nil {
		deps.Clock = frames.NewClock(nil)
	}
	if deps.Observer == nil {
		deps.Observer = nopObserver{}
	}

	c := &Controller{
		opts:   opts,
		deps:   deps,
		dir:    filepath.Join(opts.OutputDir, opts.SessionID),
		record: NewRecord(opts.SessionID, deps.Clock.Started()),
	}
	c.snapshot = Snapshot{SessionID: opts.SessionID, State: Idle, Total: len(deps.Questions)}
	return c, nil
}

// SessionID is the id used for the artifact directory.
func (c *Controller) SessionID() string {
	return c.opts.SessionID
}

// Dir is the artifact directory of this session.
func (c *Controller) Dir() string {
	return c.dir
}

// State returns the latest snapshot.
func (c *Controller) State() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot
}

// Run drives the whole session and writes the artifacts. The record is
// returned even when writing them fails. Cancelling ctx aborts the session.
func (c *Controller) Run(ctx context.Context) (*Record, error) {
	g, gctx := errgroup.WithContext(ctx)
	workerCtx, stopWorkers := context.WithCancel(gctx)
	defer stopWorkers()

	for _, w := range c.workers() {
		w := w
		g.Go(func() error { return w(workerCtx) })
	}

	slog.Info("Session starting",
		"sessionID", c.opts.SessionID,
		"questions", len(c.deps.Questions),
		"audio", c.deps.Audio != nil,
		"audioErr", c.deps.AudioErr,
		"video", c.deps.Video != nil,
		"videoErr", c.deps.VideoErr,
		"feedback", c.deps.Feedback != nil)

	c.drive(gctx)

	stopWorkers()
	if err := g.Wait(); err != nil {
		slog.Error("Session worker failed", "error", err)
	}

	c.record.CompletedAt = c.deps.Clock.Started().Add(c.deps.Clock.Now())
	if err := WriteArtifacts(c.dir, c.record, c.deps.Questions); err != nil {
		return c.record, err
	}

	slog.Info("Session finished",
		"sessionID", c.opts.SessionID,
		"entries", len(c.record.Entries),
		"aborted", c.record.Aborted,
		"dir", c.dir)
	return c.record, nil
}

func (c *Controller) workers() []func(context.Context) error {
	var workers []func(context.Context) error
	if c.deps.Audio != nil {
		workers = append(workers, c.deps.Audio.Run)
	}
	if c.deps.Video != nil {
		workers = append(workers, c.deps.Video.Run)
	}
	if c.deps.Recognizer != nil {
		workers = append(workers, c.deps.Recognizer.Run)
	}
	if c.deps.Analyzer != nil {
		workers = append(workers, c.deps.Analyzer.Run)
	}
	if c.deps.Feedback != nil {
		workers = append(workers, c.deps.Feedback.Run)
	}
	return workers
}

func (c *Controller) drive(ctx context.Context) {
	total := len(c.deps.Questions)
	for i := range c.deps.Questions {
		q := c.deps.Questions[i]
		c.setState(AwaitingStart, i+1, &q)

		if c.pendingAbort || !c.awaitStart(ctx) {
			c.abort(i+1, &q)
			return
		}

		c.setState(Recording, i+1, &q)
		entry := Entry{QuestionID: q.ID, Category: q.Category, Prompt: q.Prompt}
		drops := c.arm(ctx, &entry)
		entry.AnswerStart = c.deps.Clock.Now()

		if !c.awaitStop(ctx, q.ID) {
			c.disarm()
			c.abandon(q.ID)
			c.abort(i+1, &q)
			return
		}

		c.setState(Finalizing, i+1, &q)
		c.finalize(ctx, &q, &entry, drops)
		if ctx.Err() != nil {
			// The answer in progress is discarded on cancellation.
			c.abort(i+1, &q)
			return
		}

		if err := c.record.Append(entry); err != nil {
			slog.Error("Failed to store entry", "questionID", q.ID, "error", err)
			continue
		}
		c.deps.Observer.OnEntry(entry)

		slog.Info("Answer finalized",
			"questionID", q.ID,
			"index", i+1,
			"total", total,
			"duration", entry.AnswerDuration,
			"flags", entry.Flags)
	}

	if c.pendingAbort {
		c.record.Aborted = true
		c.setState(Aborted, total, nil)
		return
	}
	c.setState(SessionComplete, total, nil)
}

// awaitStart blocks on the manual trigger. It reports false on Abort or
// cancellation.
func (c *Controller) awaitStart(ctx context.Context) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case t, ok := <-c.deps.Triggers:
			if !ok || t == Abort {
				return false
			}
			if t == Next {
				return true
			}
		}
	}
}

// awaitStop waits for Next or the answer length limit. It reports false on
// Abort or cancellation.
func (c *Controller) awaitStop(ctx context.Context, questionID string) bool {
	timer := time.NewTimer(c.opts.MaxAnswer)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			slog.Info("Maximum answer length reached", "questionID", questionID, "limit", c.opts.MaxAnswer)
			return true
		case t, ok := <-c.deps.Triggers:
			if !ok || t == Abort {
				return false
			}
			if t == Next {
				return true
			}
		}
	}
}

type dropCounts struct {
	audio uint64
	video uint64
}

// arm resets the per-answer state of the recognizer and analyzer, then
// opens capture for the question.
func (c *Controller) arm(ctx context.Context, entry *Entry) dropCounts {
	armCtx, cancel := context.WithTimeout(ctx, c.opts.ArmTimeout)
	defer cancel()

	var drops dropCounts
	if c.deps.Audio != nil && c.deps.Recognizer != nil {
		if err := c.deps.Recognizer.Begin(armCtx, entry.QuestionID); err != nil {
			slog.Warn("Failed to reset recognizer", "questionID", entry.QuestionID, "error", err)
		}
	}
	if c.deps.Video != nil && c.deps.Analyzer != nil {
		if err := c.deps.Analyzer.Begin(armCtx, entry.QuestionID); err != nil {
			slog.Warn("Failed to reset gesture analyzer", "questionID", entry.QuestionID, "error", err)
		}
	}

	if c.deps.Audio != nil {
		drops.audio = c.deps.Audio.Dropped()
		c.deps.Audio.Arm(entry.QuestionID)
	}
	if c.deps.Video != nil {
		drops.video = c.deps.Video.Dropped()
		c.deps.Video.Arm(entry.QuestionID)
	}
	return drops
}

func (c *Controller) disarm() {
	if c.deps.Audio != nil {
		c.deps.Audio.Disarm()
	}
	if c.deps.Video != nil {
		c.deps.Video.Disarm()
	}
}

// abandon drops the utterance in progress. Bounded by the arm timeout; the
// workers are about to stop anyway.
func (c *Controller) abandon(questionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.ArmTimeout)
	defer cancel()
	if c.deps.Recognizer != nil {
		c.deps.Recognizer.Abandon(ctx, questionID)
	}
	if c.deps.Analyzer != nil {
		c.deps.Analyzer.Abandon(ctx, questionID)
	}
}

func (c *Controller) finalize(ctx context.Context, q *question.Question, entry *Entry, drops dropCounts) {
	c.disarm()
	entry.AnswerDuration = c.deps.Clock.Now() - entry.AnswerStart

	finalizeCtx, cancel := context.WithTimeout(ctx, c.opts.FinalizeTimeout)
	defer cancel()

	var (
		wg      sync.WaitGroup
		segment speech.Segment
		recErr  error
		summary gesture.Summary
		gestErr error
	)

	recognizing := c.deps.Audio != nil && c.deps.Recognizer != nil
	analyzing := c.deps.Video != nil && c.deps.Analyzer != nil
	if recognizing {
		wg.Add(1)
		go func() {
			defer wg.Done()
			segment, recErr = c.deps.Recognizer.Finish(finalizeCtx, q.ID)
		}()
	}
	if analyzing {
		wg.Add(1)
		go func() {
			defer wg.Done()
			summary, gestErr = c.deps.Analyzer.Finish(finalizeCtx, q.ID)
		}()
	}
	wg.Wait()

	c.applyAudio(entry, recognizing, segment, recErr, drops.audio)
	c.applyVideo(entry, analyzing, summary, gestErr, drops.video)

	if ctx.Err() != nil {
		return
	}
	c.requestFeedback(ctx, q, entry)
	c.collectPendingAbort()

	outcome := "ok"
	if len(entry.Flags) > 0 {
		outcome = string(entry.Flags[0])
	}
	metrics.AnswerFinalized(outcome, entry.AnswerDuration)
}

func (c *Controller) applyAudio(entry *Entry, recognizing bool, segment speech.Segment, err error, dropsAtArm uint64) {
	if c.deps.Audio == nil {
		entry.flag(FlagAudioUnavailable)
		entry.RecognitionIncomplete = true
		return
	}
	if c.deps.Audio.Err() != nil {
		// Whatever was heard before the device stopped is kept, but the
		// answer is known to be cut short.
		entry.flag(FlagAudioUnavailable)
		entry.RecognitionIncomplete = true
	}
	if dropped := c.deps.Audio.Dropped() - dropsAtArm; dropped > 0 {
		entry.AudioDropped = dropped
		entry.flag(FlagAudioOverflow)
		metrics.FramesDropped(string(frames.Audio), dropped)
	}

	if !recognizing {
		entry.flag(FlagRecognitionFailure)
		entry.RecognitionIncomplete = true
		return
	}

	switch {
	case err == nil:
		entry.Answer = segment.Text
	case errors.Is(err, context.DeadlineExceeded):
		entry.flag(FlagRecognitionTimeout)
		entry.RecognitionIncomplete = true
	case errors.Is(err, speech.ErrEngine), errors.Is(err, speech.ErrDisabled):
		entry.flag(FlagRecognitionFailure)
		entry.RecognitionIncomplete = true
	default:
		slog.Warn("Recognition failed", "questionID", entry.QuestionID, "error", err)
		entry.flag(FlagRecognitionFailure)
		entry.RecognitionIncomplete = true
	}
}

func (c *Controller) applyVideo(entry *Entry, analyzing bool, summary gesture.Summary, err error, dropsAtArm uint64) {
	if c.deps.Video == nil {
		entry.flag(FlagVideoUnavailable)
		entry.Gesture = gesture.Summary{Empty: true}
		return
	}
	if c.deps.Video.Err() != nil {
		entry.flag(FlagVideoUnavailable)
	}
	if dropped := c.deps.Video.Dropped() - dropsAtArm; dropped > 0 {
		entry.VideoDropped = dropped
		entry.flag(FlagVideoOverflow)
		metrics.FramesDropped(string(frames.Video), dropped)
	}

	if !analyzing {
		entry.Gesture = gesture.Summary{Empty: true}
		return
	}
	switch {
	case err == nil:
		entry.Gesture = summary
		if c.deps.Analyzer.Disabled() {
			entry.flag(FlagGestureIncomplete)
		}
	case errors.Is(err, gesture.ErrIncomplete):
		entry.Gesture = summary
		entry.flag(FlagGestureIncomplete)
	default:
		slog.Warn("Gesture analysis failed", "questionID", entry.QuestionID, "error", err)
		entry.Gesture = gesture.Summary{Empty: true}
		entry.flag(FlagGestureIncomplete)
	}
}

// requestFeedback sends the finalized answer to the language model and
// waits at most the feedback timeout. A failed result is kept with its
// reason; a late one is dropped with its buffered channel.
func (c *Controller) requestFeedback(ctx context.Context, q *question.Question, entry *Entry) {
	if c.deps.Feedback == nil {
		entry.flag(FlagFeedbackUnavailable)
		return
	}

	deadline := time.Now().Add(c.opts.FeedbackTimeout)
	result := c.deps.Feedback.Request(feedback.Request{
		QuestionID: q.ID,
		Category:   string(q.Category),
		Prompt:     q.Prompt,
		Answer:     entry.Answer,
		Deadline:   deadline,
	})

	timer := time.NewTimer(c.opts.FeedbackTimeout)
	defer timer.Stop()

	select {
	case res := <-result:
		entry.Feedback = &res
		if res.OK {
			return
		}
		slog.Warn("Feedback unavailable", "questionID", q.ID, "reason", res.Reason)
	case <-timer.C:
		slog.Warn("Feedback timed out", "questionID", q.ID, "timeout", c.opts.FeedbackTimeout)
	case <-ctx.Done():
	}
	entry.flag(FlagFeedbackUnavailable)
}

// collectPendingAbort consumes triggers that arrived while finalizing. Next
// is ignored; Abort takes effect after the current entry is stored.
func (c *Controller) collectPendingAbort() {
	for {
		select {
		case t, ok := <-c.deps.Triggers:
			if !ok || t == Abort {
				c.pendingAbort = true
				return
			}
		default:
			return
		}
	}
}

func (c *Controller) abort(index int, q *question.Question) {
	c.record.Aborted = true
	slog.Info("Session aborted",
		"sessionID", c.opts.SessionID,
		"completed", len(c.record.Entries))
	c.setState(Aborted, index, q)
}

func (c *Controller) setState(state State, index int, q *question.Question) {
	c.mu.Lock()
	previous := c.snapshot.State
	c.snapshot = Snapshot{
		SessionID: c.opts.SessionID,
		State:     state,
		Index:     index,
		Total:     len(c.deps.Questions),
		Question:  q,
		At:        c.deps.Clock.Now(),
	}
	snapshot := c.snapshot
	c.mu.Unlock()

	metrics.SessionState(string(previous), string(state))
	slog.Debug("Session state changed", "from", previous, "to", state, "index", index)
	c.deps.Observer.OnState(snapshot)
}
