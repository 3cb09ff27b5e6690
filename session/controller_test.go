package session

import (
	"context"
	"encoding/json"
	"image"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bosley/rehearse/feedback"
	"github.com/bosley/rehearse/frames"
	"github.com/bosley/rehearse/gesture"
	"github.com/bosley/rehearse/question"
	"github.com/bosley/rehearse/speech"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCapture struct {
	mu      sync.Mutex
	armed   []string
	current string
	dropped uint64
	err     error
}

func (f *fakeCapture) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (f *fakeCapture) Arm(questionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.armed = append(f.armed, questionID)
	f.current = questionID
}

func (f *fakeCapture) Disarm() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = ""
}

func (f *fakeCapture) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeCapture) Dropped() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dropped
}

// pushingCamera queues n frames for the question as soon as it is armed.
type pushingCamera struct {
	fakeCapture
	queue *frames.Queue[frames.VideoFrame]
	n     int
}

func (c *pushingCamera) Arm(questionID string) {
	c.fakeCapture.Arm(questionID)
	for i := 0; i < c.n; i++ {
		c.queue.Push(frames.VideoFrame{
			Seq:        uint64(i + 1),
			QuestionID: questionID,
			Captured:   time.Duration(i) * 100 * time.Millisecond,
			Image:      image.NewGray(image.Rect(0, 0, 4, 4)),
		})
	}
}

// slowDetector finds a face in every frame after delay.
type slowDetector struct {
	delay time.Duration
}

func (d slowDetector) Detect(ctx context.Context, img image.Image) (*gesture.Face, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(d.delay):
		return &gesture.Face{}, nil
	}
}

type fakeRecognizer struct {
	mu        sync.Mutex
	texts     map[string]string
	block     bool
	err       error
	begun     []string
	abandoned []string
}

func (f *fakeRecognizer) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (f *fakeRecognizer) Begin(ctx context.Context, questionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.begun = append(f.begun, questionID)
	return nil
}

func (f *fakeRecognizer) Finish(ctx context.Context, questionID string) (speech.Segment, error) {
	f.mu.Lock()
	block, err, text := f.block, f.err, f.texts[questionID]
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return speech.Segment{QuestionID: questionID}, ctx.Err()
	}
	if err != nil {
		return speech.Segment{QuestionID: questionID, Final: true}, err
	}
	return speech.Segment{QuestionID: questionID, Text: text, Final: true}, nil
}

func (f *fakeRecognizer) Abandon(ctx context.Context, questionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.abandoned = append(f.abandoned, questionID)
	return nil
}

func (f *fakeRecognizer) Disabled() bool { return false }

type fakeAnalyzer struct {
	summary gesture.Summary
	err     error
}

func (f *fakeAnalyzer) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (f *fakeAnalyzer) Begin(ctx context.Context, questionID string) error { return nil }

func (f *fakeAnalyzer) Finish(ctx context.Context, questionID string) (gesture.Summary, error) {
	return f.summary, f.err
}

func (f *fakeAnalyzer) Abandon(ctx context.Context, questionID string) error { return nil }

func (f *fakeAnalyzer) Disabled() bool { return false }

// fakeFeedback answers immediately unless silent, in which case it never
// answers at all. A non-empty fail answers with a failed result.
type fakeFeedback struct {
	silent bool
	fail   string
}

func (f *fakeFeedback) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (f *fakeFeedback) Request(req feedback.Request) <-chan feedback.Result {
	reply := make(chan feedback.Result, 1)
	switch {
	case f.silent:
	case f.fail != "":
		reply <- feedback.Result{QuestionID: req.QuestionID, Latency: 5 * time.Millisecond, Reason: f.fail}
	default:
		reply <- feedback.Result{QuestionID: req.QuestionID, Text: "Good structure.", OK: true, Latency: 5 * time.Millisecond}
	}
	return reply
}

type stateRecorder struct {
	states   chan Snapshot
	finished chan Entry
	mu       sync.Mutex
	entries  []Entry
}

func newStateRecorder() *stateRecorder {
	return &stateRecorder{
		states:   make(chan Snapshot, 128),
		finished: make(chan Entry, 128),
	}
}

func (s *stateRecorder) OnState(snap Snapshot) { s.states <- snap }

func (s *stateRecorder) OnPartial(speech.Segment) {}

func (s *stateRecorder) OnEntry(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	s.finished <- e
}

// waitForEntry returns once the entry for questionID has been stored.
func (s *stateRecorder) waitForEntry(t *testing.T, questionID string) Entry {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case e := <-s.finished:
			if e.QuestionID == questionID {
				return e
			}
		case <-timeout:
			t.Fatalf("timed out waiting for entry %s", questionID)
		}
	}
}

func (s *stateRecorder) waitFor(t *testing.T, state State) Snapshot {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case snap := <-s.states:
			if snap.State == state {
				return snap
			}
		case <-timeout:
			t.Fatalf("timed out waiting for state %s", state)
		}
	}
}

func questions(n int) []question.Question {
	qs := make([]question.Question, n)
	for i := range qs {
		qs[i] = question.Question{
			ID:       "q" + string(rune('1'+i)),
			Category: question.Behavioral,
			Prompt:   "Tell me about challenge " + string(rune('A'+i)),
		}
	}
	return qs
}

type harness struct {
	ctrl     *Controller
	triggers chan Trigger
	observer *stateRecorder
	done     chan *Record
	errs     chan error
}

func startSession(t *testing.T, opts Options, deps Deps) *harness {
	t.Helper()
	h := &harness{
		triggers: make(chan Trigger),
		observer: newStateRecorder(),
		done:     make(chan *Record, 1),
		errs:     make(chan error, 1),
	}
	if opts.OutputDir == "" {
		opts.OutputDir = t.TempDir()
	}
	deps.Triggers = h.triggers
	deps.Observer = h.observer

	ctrl, err := New(opts, deps)
	require.NoError(t, err)
	h.ctrl = ctrl

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		record, err := ctrl.Run(ctx)
		h.errs <- err
		h.done <- record
	}()
	return h
}

// answer walks one question from awaiting to finalized.
func (h *harness) answer(t *testing.T) {
	t.Helper()
	h.observer.waitFor(t, AwaitingStart)
	h.triggers <- Next
	h.observer.waitFor(t, Recording)
	h.triggers <- Next
	h.observer.waitFor(t, Finalizing)
}

func (h *harness) result(t *testing.T) *Record {
	t.Helper()
	select {
	case err := <-h.errs:
		require.NoError(t, err)
		return <-h.done
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish")
		return nil
	}
}

func TestMicOnlySession(t *testing.T) {
	qs := questions(3)
	recognizer := &fakeRecognizer{texts: map[string]string{
		"q1": "I split the monolith, um, slowly.",
		"q2": "We disagreed about the schema.",
		"q3": "I wanted to learn Go.",
	}}
	mic := &fakeCapture{}
	h := startSession(t, Options{SessionID: "s1"}, Deps{
		Questions:  qs,
		Audio:      mic,
		Recognizer: recognizer,
		Feedback:   &fakeFeedback{},
	})

	for range qs {
		h.answer(t)
	}
	record := h.result(t)

	require.Len(t, record.Entries, 3)
	assert.False(t, record.Aborted)
	for i, e := range record.Entries {
		assert.Equal(t, qs[i].ID, e.QuestionID, "entries follow question order")
		assert.Equal(t, recognizer.texts[e.QuestionID], e.Answer, "final text is stored verbatim")
		assert.True(t, e.Gesture.Empty)
		assert.True(t, e.HasFlag(FlagVideoUnavailable))
		assert.False(t, e.RecognitionIncomplete)
		require.NotNil(t, e.Feedback)
		assert.Equal(t, "Good structure.", e.Feedback.Text)
	}
	assert.Equal(t, []string{"q1", "q2", "q3"}, mic.armed)
	assert.Equal(t, "", mic.current, "capture is disarmed after the last answer")
	assert.Equal(t, SessionComplete, h.ctrl.State().State)

	dir := filepath.Join(h.ctrl.opts.OutputDir, "s1")
	assert.Equal(t, dir, h.ctrl.Dir())

	var transcript transcriptFile
	readJSON(t, filepath.Join(dir, TranscriptFile), &transcript)
	assert.Equal(t, []string{"q1", "q2", "q3"}, transcript.Order)
	assert.Equal(t, "I split the monolith, um, slowly.", transcript.Entries["q1"].Answer)
	require.NotNil(t, transcript.Entries["q2"].Feedback)
	assert.True(t, transcript.Entries["q2"].Feedback.OK)

	var gestures gesturesFile
	readJSON(t, filepath.Join(dir, GesturesFile), &gestures)
	require.Len(t, gestures.Entries, 3)
	for _, id := range gestures.Order {
		assert.True(t, gestures.Entries[id].Empty)
	}
}

func TestAbortAfterSecondQuestion(t *testing.T) {
	h := startSession(t, Options{}, Deps{
		Questions:  questions(5),
		Audio:      &fakeCapture{},
		Recognizer: &fakeRecognizer{texts: map[string]string{"q1": "one", "q2": "two"}},
		Video:      &fakeCapture{},
		Analyzer:   &fakeAnalyzer{summary: gesture.Summary{Frames: 4, UsableFrames: 4}},
		Feedback:   &fakeFeedback{},
	})

	h.answer(t)
	h.answer(t)
	h.observer.waitFor(t, AwaitingStart)
	h.triggers <- Abort
	record := h.result(t)

	require.Len(t, record.Entries, 2)
	assert.True(t, record.Aborted)
	assert.Equal(t, "two", record.Entries[1].Answer)
	assert.Equal(t, 4, record.Entries[0].Gesture.UsableFrames)
	assert.Equal(t, Aborted, h.ctrl.State().State)

	var transcript transcriptFile
	readJSON(t, filepath.Join(h.ctrl.Dir(), TranscriptFile), &transcript)
	assert.True(t, transcript.Aborted)
	assert.Equal(t, []string{"q1", "q2"}, transcript.Order)
}

func TestAbortWhileRecordingDiscardsAnswer(t *testing.T) {
	recognizer := &fakeRecognizer{texts: map[string]string{"q1": "one"}}
	mic := &fakeCapture{}
	h := startSession(t, Options{}, Deps{
		Questions:  questions(2),
		Audio:      mic,
		Recognizer: recognizer,
	})

	h.observer.waitFor(t, AwaitingStart)
	h.triggers <- Next
	h.observer.waitFor(t, Recording)
	h.triggers <- Abort
	record := h.result(t)

	assert.Empty(t, record.Entries)
	assert.True(t, record.Aborted)
	assert.Equal(t, []string{"q1"}, recognizer.abandoned)
	assert.Equal(t, "", mic.current)
}

func TestSilentFeedbackStillFinalizes(t *testing.T) {
	h := startSession(t, Options{FeedbackTimeout: 100 * time.Millisecond}, Deps{
		Questions:  questions(1),
		Audio:      &fakeCapture{},
		Recognizer: &fakeRecognizer{texts: map[string]string{"q1": "answer"}},
		Feedback:   &fakeFeedback{silent: true},
	})

	started := time.Now()
	h.answer(t)
	record := h.result(t)
	assert.Less(t, time.Since(started), 2*time.Second)

	require.Len(t, record.Entries, 1)
	e := record.Entries[0]
	assert.Equal(t, "answer", e.Answer)
	assert.Nil(t, e.Feedback)
	assert.True(t, e.HasFlag(FlagFeedbackUnavailable))
}

func TestRecognitionTimeoutIsFlagged(t *testing.T) {
	h := startSession(t, Options{FinalizeTimeout: 50 * time.Millisecond}, Deps{
		Questions:  questions(1),
		Audio:      &fakeCapture{dropped: 0},
		Recognizer: &fakeRecognizer{block: true},
	})

	h.answer(t)
	record := h.result(t)

	require.Len(t, record.Entries, 1)
	e := record.Entries[0]
	assert.True(t, e.RecognitionIncomplete)
	assert.True(t, e.HasFlag(FlagRecognitionTimeout))
	assert.True(t, e.HasFlag(FlagFeedbackUnavailable))
}

func TestDegradedModalitiesAreFlagged(t *testing.T) {
	camera := &fakeCapture{err: assert.AnError, dropped: 3}
	h := startSession(t, Options{}, Deps{
		Questions:  questions(1),
		Recognizer: &fakeRecognizer{},
		Video:      camera,
		Analyzer:   &fakeAnalyzer{summary: gesture.Summary{Frames: 2}, err: gesture.ErrIncomplete},
	})

	h.answer(t)
	record := h.result(t)

	require.Len(t, record.Entries, 1)
	e := record.Entries[0]
	assert.True(t, e.RecognitionIncomplete, "no microphone means no transcript")
	assert.True(t, e.HasFlag(FlagAudioUnavailable))
	assert.True(t, e.HasFlag(FlagVideoUnavailable))
	assert.True(t, e.HasFlag(FlagGestureIncomplete))
	assert.Equal(t, 2, e.Gesture.Frames)
}

func TestGestureTimeoutKeepsPartialSummary(t *testing.T) {
	queue := frames.NewQueue[frames.VideoFrame](64)
	faceSeen := gesture.Metric{
		Name:    "face_seen",
		Kind:    gesture.Indicator,
		Compute: func(*gesture.Face) (float64, bool) { return 1, true },
	}
	analyzer := gesture.NewAnalyzer(slowDetector{delay: 30 * time.Millisecond}, []gesture.Metric{faceSeen}, queue)

	h := startSession(t, Options{FinalizeTimeout: 60 * time.Millisecond}, Deps{
		Questions:  questions(1),
		Audio:      &fakeCapture{},
		Recognizer: &fakeRecognizer{texts: map[string]string{"q1": "answer"}},
		Video:      &pushingCamera{queue: queue, n: 20},
		Analyzer:   analyzer,
		Feedback:   &fakeFeedback{},
	})

	h.observer.waitFor(t, AwaitingStart)
	h.triggers <- Next
	h.observer.waitFor(t, Recording)
	time.Sleep(150 * time.Millisecond)
	h.triggers <- Next
	record := h.result(t)

	require.Len(t, record.Entries, 1)
	e := record.Entries[0]
	assert.True(t, e.HasFlag(FlagGestureIncomplete))
	assert.Greater(t, e.Gesture.Frames, 0)
	assert.Less(t, e.Gesture.Frames, 20, "the finalize timeout cut analysis short")
	assert.Equal(t, "answer", e.Answer)

	var gestures gesturesFile
	readJSON(t, filepath.Join(h.ctrl.Dir(), GesturesFile), &gestures)
	summary := gestures.Entries["q1"]
	assert.False(t, summary.Empty)
	assert.Equal(t, e.Gesture.Frames, summary.Frames)
	assert.Equal(t, summary.Frames, summary.UsableFrames)
	assert.Equal(t, 1.0, summary.Metrics["face_seen"].Value)

	var transcript transcriptFile
	readJSON(t, filepath.Join(h.ctrl.Dir(), TranscriptFile), &transcript)
	assert.Contains(t, transcript.Entries["q1"].Flags, FlagGestureIncomplete)
}

func TestFailedFeedbackKeepsReason(t *testing.T) {
	h := startSession(t, Options{}, Deps{
		Questions:  questions(1),
		Audio:      &fakeCapture{},
		Recognizer: &fakeRecognizer{texts: map[string]string{"q1": "answer"}},
		Feedback:   &fakeFeedback{fail: "connection refused"},
	})

	h.answer(t)
	record := h.result(t)

	require.Len(t, record.Entries, 1)
	e := record.Entries[0]
	assert.True(t, e.HasFlag(FlagFeedbackUnavailable))
	require.NotNil(t, e.Feedback)
	assert.False(t, e.Feedback.OK)

	var transcript transcriptFile
	readJSON(t, filepath.Join(h.ctrl.Dir(), TranscriptFile), &transcript)
	fb := transcript.Entries["q1"].Feedback
	require.NotNil(t, fb)
	assert.False(t, fb.OK)
	assert.Equal(t, "connection refused", fb.Reason)
	assert.Empty(t, fb.Text)
}

func TestMicFailureMidSessionIsIncomplete(t *testing.T) {
	mic := &fakeCapture{}
	h := startSession(t, Options{}, Deps{
		Questions:  questions(2),
		Audio:      mic,
		Recognizer: &fakeRecognizer{texts: map[string]string{}},
		Feedback:   &fakeFeedback{},
	})

	h.answer(t)
	// q1 must be fully finalized before the device fails.
	h.observer.waitForEntry(t, "q1")

	mic.mu.Lock()
	mic.err = assert.AnError
	mic.mu.Unlock()
	h.answer(t)
	record := h.result(t)

	require.Len(t, record.Entries, 2)

	silent := record.Entries[0]
	assert.Empty(t, silent.Answer)
	assert.False(t, silent.RecognitionIncomplete, "a silent answer on a healthy mic is not a recognition failure")
	assert.False(t, silent.HasFlag(FlagAudioUnavailable))

	lost := record.Entries[1]
	assert.Empty(t, lost.Answer)
	assert.True(t, lost.RecognitionIncomplete)
	assert.True(t, lost.HasFlag(FlagAudioUnavailable))

	var transcript transcriptFile
	readJSON(t, filepath.Join(h.ctrl.Dir(), TranscriptFile), &transcript)
	assert.False(t, transcript.Entries["q1"].RecognitionIncomplete)
	assert.True(t, transcript.Entries["q2"].RecognitionIncomplete)
	assert.Contains(t, transcript.Entries["q2"].Flags, FlagAudioUnavailable)
}

func TestNewRejectsEmptyQuestions(t *testing.T) {
	_, err := New(Options{OutputDir: t.TempDir()}, Deps{Triggers: make(chan Trigger)})
	assert.ErrorIs(t, err, question.ErrEmpty)
}

func TestRecordAppendIsIdempotent(t *testing.T) {
	r := NewRecord("s", time.Now())
	require.NoError(t, r.Append(Entry{QuestionID: "q1", Answer: "first"}))

	err := r.Append(Entry{QuestionID: "q1", Answer: "second"})
	assert.ErrorIs(t, err, ErrAlreadyFinalized)

	require.Len(t, r.Entries, 1)
	e, ok := r.Entry("q1")
	require.True(t, ok)
	assert.Equal(t, "first", e.Answer)
}

func readJSON(t *testing.T, path string, v any) {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, v))
}
