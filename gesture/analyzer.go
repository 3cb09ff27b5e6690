package gesture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/bosley/rehearse/frames"
	"github.com/bosley/rehearse/metrics"
)

var (
	// ErrIncomplete is returned with a partial summary when the queue could
	// not be drained before the deadline.
	ErrIncomplete = errors.New("gesture analysis incomplete")

	ErrNotActive = errors.New("no active answer for question")
	ErrStopped   = errors.New("analyzer stopped")
)

// maxConsecutiveErrors disables detection after this many failures in a row.
const maxConsecutiveErrors = 5

// Analyzer consumes the video queue on its own goroutine and keeps the
// metric samples of the current answer.
type Analyzer struct {
	detector Detector
	metrics  []Metric
	queue    *frames.Queue[frames.VideoFrame]

	control chan command
	done    chan struct{}

	disabled atomic.Bool
	stale    atomic.Uint64

	// loop-owned
	current  string
	samples  []Sample
	failures int
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
	summary Summary
	err     error
}

func NewAnalyzer(detector Detector, selected []Metric, queue *frames.Queue[frames.VideoFrame]) *Analyzer {
	return &Analyzer{
		detector: detector,
		metrics:  selected,
		queue:    queue,
		control:  make(chan command),
		done:     make(chan struct{}),
	}
}

// Disabled reports whether the detector has been given up on.
func (a *Analyzer) Disabled() bool {
	return a.disabled.Load()
}

func (a *Analyzer) Stale() uint64 {
	return a.stale.Load()
}

// Begin clears per-answer state for questionID.
func (a *Analyzer) Begin(ctx context.Context, questionID string) error {
	_, err := a.send(ctx, cmdBegin, questionID)
	return err
}

// Finish analyzes what is still queued for questionID and returns the
// aggregated summary. If ctx expires first the summary covers the frames
// analyzed so far and the error is ErrIncomplete. A detector call already
// in flight is allowed to finish, so Finish may return up to one detector
// timeout after ctx expires.
func (a *Analyzer) Finish(ctx context.Context, questionID string) (Summary, error) {
	return a.send(ctx, cmdFinish, questionID)
}

func (a *Analyzer) Abandon(ctx context.Context, questionID string) error {
	_, err := a.send(ctx, cmdAbandon, questionID)
	return err
}

func (a *Analyzer) send(ctx context.Context, kind commandKind, questionID string) (Summary, error) {
	reply := make(chan commandResult, 1)
	cmd := command{kind: kind, ctx: ctx, questionID: questionID, reply: reply}

	select {
	case a.control <- cmd:
	case <-ctx.Done():
		if kind != cmdFinish {
			return Summary{}, ctx.Err()
		}
		// The loop is inside a detector call, which its own timeout bounds.
		// Once it returns, the expired Finish is answered with the summary
		// of the frames analyzed so far.
		select {
		case a.control <- cmd:
		case <-a.done:
			return Summary{}, ErrStopped
		}
	case <-a.done:
		return Summary{}, ErrStopped
	}

	// The loop bounds its own work by cmd.ctx and always replies, so the
	// partial summary of an expired Finish is not lost here.
	select {
	case res := <-reply:
		return res.summary, res.err
	case <-a.done:
		select {
		case res := <-reply:
			return res.summary, res.err
		default:
			return Summary{}, ErrStopped
		}
	}
}

// Run is the analyzer loop. It returns nil when ctx is cancelled.
func (a *Analyzer) Run(ctx context.Context) error {
	slog.Debug("Gesture analyzer starting", "metrics", len(a.metrics))
	defer close(a.done)
	defer slog.Debug("Gesture analyzer shutting down", "staleFrames", a.Stale())

	for {
		select {
		case <-ctx.Done():
			return nil

		case cmd := <-a.control:
			cmd.reply <- a.handle(ctx, cmd)

		case <-a.queue.Ready():
			a.analyzeBacklog(ctx)
		}
	}
}

func (a *Analyzer) handle(ctx context.Context, cmd command) commandResult {
	switch cmd.kind {
	case cmdBegin:
		a.current = ""
		a.samples = nil
		a.discardQueued()
		a.current = cmd.questionID
		return commandResult{}

	case cmdAbandon:
		if cmd.questionID == a.current {
			a.current = ""
			a.samples = nil
		}
		return commandResult{}

	case cmdFinish:
		if cmd.questionID == "" || cmd.questionID != a.current {
			return commandResult{err: fmt.Errorf("%w: %s", ErrNotActive, cmd.questionID)}
		}
		incomplete := !a.analyzeQueued(cmd.ctx)
		summary := Aggregate(a.samples, a.metrics)
		a.current = ""
		a.samples = nil

		if incomplete {
			// Whatever is left belongs to a finished answer.
			a.discardQueued()
			return commandResult{summary: summary, err: ErrIncomplete}
		}
		return commandResult{summary: summary}
	}
	return commandResult{err: fmt.Errorf("unknown command %d", cmd.kind)}
}

// analyzeQueued processes queued frames until the queue is empty or ctx
// ends. It reports whether the queue was emptied.
func (a *Analyzer) analyzeQueued(ctx context.Context) bool {
	for {
		if ctx.Err() != nil {
			return false
		}
		frame, ok := a.queue.TryPop()
		if !ok {
			return true
		}
		a.analyze(ctx, frame)
	}
}

// analyzeBacklog works through the queue between control commands so that
// Begin and Finish are not held up by a long backlog.
func (a *Analyzer) analyzeBacklog(ctx context.Context) {
	for ctx.Err() == nil {
		frame, ok := a.queue.TryPop()
		if !ok {
			return
		}
		a.analyze(ctx, frame)

		select {
		case cmd := <-a.control:
			cmd.reply <- a.handle(ctx, cmd)
		default:
		}
	}
}

func (a *Analyzer) discardQueued() {
	for range a.queue.Drain() {
		a.stale.Add(1)
		metrics.GestureFrame("stale")
	}
}

func (a *Analyzer) analyze(ctx context.Context, frame frames.VideoFrame) {
	if a.current == "" || frame.QuestionID != a.current {
		a.stale.Add(1)
		metrics.GestureFrame("stale")
		return
	}

	sample := Sample{QuestionID: frame.QuestionID, Captured: frame.Captured}
	if a.Disabled() {
		a.samples = append(a.samples, sample)
		metrics.GestureFrame("error")
		return
	}

	face, err := a.detector.Detect(ctx, frame.Image)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		a.failures++
		metrics.GestureFrame("error")
		slog.Debug("Landmark detection failed", "questionID", frame.QuestionID, "error", err)
		if a.failures >= maxConsecutiveErrors && !a.disabled.Swap(true) {
			slog.Error("Landmark detector keeps failing, disabling gesture analysis", "error", err)
		}
		a.samples = append(a.samples, sample)
		return
	}
	a.failures = 0

	sample.Values = Measure(face, a.metrics)
	if sample.Values == nil {
		metrics.GestureFrame("no_face")
	} else {
		metrics.GestureFrame("usable")
	}
	a.samples = append(a.samples, sample)
}
