package speech

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bosley/rehearse/frames"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	mu    sync.Mutex
	text  string
	err   error
	delay time.Duration
	calls []string
	sizes []int64
}

func (f *fakeEngine) Name() string { return "fake" }

func (f *fakeEngine) Transcribe(ctx context.Context, wavPath string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, filepath.Base(wavPath))
	if info, err := os.Stat(wavPath); err == nil {
		f.sizes = append(f.sizes, info.Size())
	}
	text, err, delay := f.text, f.err, f.delay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
	}
	return text, err
}

func (f *fakeEngine) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func frame(qid string, seq uint64, at time.Duration, amplitude int16) frames.AudioFrame {
	samples := make([]int16, 1600)
	for i := range samples {
		if i%2 == 0 {
			samples[i] = amplitude
		} else {
			samples[i] = -amplitude
		}
	}
	return frames.AudioFrame{Seq: seq, QuestionID: qid, Captured: at, SampleRate: 16000, Samples: samples}
}

func startRecognizer(t *testing.T, cfg Config, engine Engine, onPartial func(Segment)) (*Recognizer, *frames.Queue[frames.AudioFrame]) {
	t.Helper()
	if cfg.AudioDir == "" {
		cfg.AudioDir = t.TempDir()
	}
	q := frames.NewQueue[frames.AudioFrame](256)
	r := NewRecognizer(cfg, engine, q, onPartial)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return r, q
}

func TestRecognizerFinalSegmentVerbatim(t *testing.T) {
	engine := &fakeEngine{text: "I led the migration, um, to Postgres."}
	r, q := startRecognizer(t, Config{}, engine, nil)
	ctx := context.Background()

	require.NoError(t, r.Begin(ctx, "q1"))
	for i := 0; i < 10; i++ {
		q.Push(frame("q1", uint64(i+1), time.Duration(i)*100*time.Millisecond, 2000))
	}

	seg, err := r.Finish(ctx, "q1")
	require.NoError(t, err)
	assert.True(t, seg.Final)
	assert.Equal(t, "q1", seg.QuestionID)
	assert.Equal(t, "I led the migration, um, to Postgres.", seg.Text)
	assert.Equal(t, time.Duration(0), seg.Start)
	assert.Equal(t, time.Second, seg.End)

	engine.mu.Lock()
	defer engine.mu.Unlock()
	require.Equal(t, []string{"q1.wav"}, engine.calls)
	assert.Equal(t, int64(44+10*1600*2), engine.sizes[0], "every queued frame reaches the utterance file")
}

func TestRecognizerFinishTwiceIsNotActive(t *testing.T) {
	r, _ := startRecognizer(t, Config{}, &fakeEngine{text: "x"}, nil)
	ctx := context.Background()

	require.NoError(t, r.Begin(ctx, "q1"))
	_, err := r.Finish(ctx, "q1")
	require.NoError(t, err)

	_, err = r.Finish(ctx, "q1")
	assert.ErrorIs(t, err, ErrNotActive)
}

func TestRecognizerSilentAnswerSkipsEngine(t *testing.T) {
	engine := &fakeEngine{text: "should not be used"}
	r, _ := startRecognizer(t, Config{}, engine, nil)
	ctx := context.Background()

	require.NoError(t, r.Begin(ctx, "q1"))
	seg, err := r.Finish(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, "", seg.Text)
	assert.True(t, seg.Final)
	assert.Empty(t, engine.Calls())
}

func TestRecognizerDropsFramesForOtherQuestions(t *testing.T) {
	engine := &fakeEngine{text: "second"}
	r, q := startRecognizer(t, Config{}, engine, nil)
	ctx := context.Background()

	q.Push(frame("q0", 1, 0, 2000))
	require.NoError(t, r.Begin(ctx, "q1"))
	q.Push(frame("q1", 2, 100*time.Millisecond, 2000))
	q.Push(frame("q9", 3, 200*time.Millisecond, 2000))

	seg, err := r.Finish(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, "second", seg.Text)
	assert.Equal(t, uint64(2), r.Stale())
}

func TestRecognizerFinishTimeout(t *testing.T) {
	engine := &fakeEngine{text: "late", delay: time.Second}
	r, q := startRecognizer(t, Config{}, engine, nil)

	require.NoError(t, r.Begin(context.Background(), "q1"))
	q.Push(frame("q1", 1, 0, 2000))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	started := time.Now()
	_, err := r.Finish(ctx, "q1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(started), 500*time.Millisecond)
	assert.False(t, r.Disabled(), "a timeout is not an engine failure")

	// The loop is free again for the next question.
	engine.mu.Lock()
	engine.delay = 0
	engine.mu.Unlock()
	require.NoError(t, r.Begin(context.Background(), "q2"))
}

func TestRecognizerEngineFailureDisables(t *testing.T) {
	engine := &fakeEngine{err: &EngineError{Engine: "fake", Reason: "model unreadable"}}
	r, q := startRecognizer(t, Config{}, engine, nil)
	ctx := context.Background()

	require.NoError(t, r.Begin(ctx, "q1"))
	q.Push(frame("q1", 1, 0, 2000))
	_, err := r.Finish(ctx, "q1")
	assert.ErrorIs(t, err, ErrEngine)
	assert.True(t, r.Disabled())

	assert.ErrorIs(t, r.Begin(ctx, "q2"), ErrDisabled)
	seg, err := r.Finish(ctx, "q2")
	assert.ErrorIs(t, err, ErrDisabled)
	assert.True(t, seg.Final)
	assert.Len(t, engine.Calls(), 1)
}

func TestRecognizerOtherErrorsDoNotDisable(t *testing.T) {
	engine := &fakeEngine{err: errors.New("garbled output")}
	r, q := startRecognizer(t, Config{}, engine, nil)
	ctx := context.Background()

	require.NoError(t, r.Begin(ctx, "q1"))
	q.Push(frame("q1", 1, 0, 2000))
	_, err := r.Finish(ctx, "q1")
	assert.Error(t, err)
	assert.False(t, r.Disabled())
}

func TestRecognizerPartialsOnPause(t *testing.T) {
	engine := &fakeEngine{text: "partial words"}
	var mu sync.Mutex
	var partials []Segment
	r, q := startRecognizer(t, Config{
		PartialWorkers: 1,
		PauseSilence:   300 * time.Millisecond,
	}, engine, func(s Segment) {
		mu.Lock()
		defer mu.Unlock()
		partials = append(partials, s)
	})
	ctx := context.Background()

	require.NoError(t, r.Begin(ctx, "q1"))
	at := time.Duration(0)
	seq := uint64(0)
	push := func(amplitude int16) {
		seq++
		q.Push(frame("q1", seq, at, amplitude))
		at += 100 * time.Millisecond
	}
	for i := 0; i < 4; i++ {
		push(10)
	}
	for i := 0; i < 5; i++ {
		push(3000)
	}
	for i := 0; i < 5; i++ {
		push(10)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(partials) > 0
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	got := partials[0]
	mu.Unlock()
	assert.False(t, got.Final)
	assert.Equal(t, "q1", got.QuestionID)
	assert.Equal(t, "partial words", got.Text)
	assert.Equal(t, 400*time.Millisecond, got.Start)

	seg, err := r.Finish(ctx, "q1")
	require.NoError(t, err)
	assert.True(t, seg.Final)

	found := false
	for _, call := range engine.Calls() {
		if strings.Contains(call, ".part") {
			found = true
		}
	}
	assert.True(t, found)
}

func TestRecognizerStoppedLoop(t *testing.T) {
	q := frames.NewQueue[frames.AudioFrame](4)
	r := NewRecognizer(Config{AudioDir: t.TempDir()}, &fakeEngine{}, q, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, r.Run(ctx))

	err := r.Begin(context.Background(), "q1")
	assert.ErrorIs(t, err, ErrStopped)
}

func TestExtractText(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   string
	}{
		{"plain", " Hello there.\n", "Hello there."},
		{"blank audio", "[BLANK_AUDIO]\n", ""},
		{"multi line", " First line.\n\n Second line.\n", "First line. Second line."},
		{"timestamps", "[00:00:00.000 --> 00:00:02.000]  Hi.\n[00:00:02.000 --> 00:00:04.000]  Bye.", "Hi. Bye."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, extractText(tt.output))
		})
	}
}
