package archive

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/bosley/rehearse/feedback"
	"github.com/bosley/rehearse/question"
	"github.com/bosley/rehearse/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *Archive {
	t.Helper()
	a, err := Open(filepath.Join(t.TempDir(), "nested", "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func sampleRecord(id string, started time.Time) *session.Record {
	r := session.NewRecord(id, started)
	r.CompletedAt = started.Add(5 * time.Minute)
	r.Append(session.Entry{
		QuestionID:     "q1",
		Category:       question.Technical,
		Prompt:         "Explain channels.",
		Answer:         "Typed conduits.",
		AnswerDuration: 30 * time.Second,
		Feedback:       &feedback.Result{Text: "Mention buffering.", OK: true},
	})
	r.Append(session.Entry{
		QuestionID:            "q2",
		Category:              question.Behavioral,
		Prompt:                "A conflict you resolved.",
		RecognitionIncomplete: true,
		Flags:                 []session.Flag{session.FlagRecognitionTimeout, session.FlagFeedbackUnavailable},
	})
	return r
}

func TestSaveAndGet(t *testing.T) {
	a := openTemp(t)
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, a.SaveSession("sessions/s1", sampleRecord("s1", started)))

	s, err := a.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, "sessions/s1", s.Dir)
	assert.Equal(t, 2, s.Answered)
	assert.False(t, s.Aborted)
	require.Len(t, s.Answers, 2)
	assert.Equal(t, "q1", s.Answers[0].QuestionID)
	assert.Equal(t, "Typed conduits.", s.Answers[0].Text)
	assert.Equal(t, "Mention buffering.", s.Answers[0].Feedback)
	assert.InDelta(t, 30.0, s.Answers[0].DurationSeconds, 0.001)
	assert.True(t, s.Answers[1].RecognitionIncomplete)
	assert.Equal(t, "recognition_timeout,feedback_unavailable", s.Answers[1].Flags)
}

func TestSaveReplacesEarlierIndex(t *testing.T) {
	a := openTemp(t)
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, a.SaveSession("old", sampleRecord("s1", started)))

	r := session.NewRecord("s1", started)
	r.Aborted = true
	r.Append(session.Entry{QuestionID: "q1", Answer: "only one"})
	require.NoError(t, a.SaveSession("new", r))

	s, err := a.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, "new", s.Dir)
	assert.True(t, s.Aborted)
	require.Len(t, s.Answers, 1)
	assert.Equal(t, "only one", s.Answers[0].Text)
}

func TestListNewestFirst(t *testing.T) {
	a := openTemp(t)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, a.SaveSession(id, sampleRecord(id, base.Add(time.Duration(i)*time.Hour))))
	}

	sessions, err := a.List(2)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "c", sessions[0].ID)
	assert.Equal(t, "b", sessions[1].ID)
	assert.Empty(t, sessions[0].Answers)
}

func TestGetMissing(t *testing.T) {
	a := openTemp(t)
	_, err := a.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}
