package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bosley/rehearse/gesture"
	"github.com/bosley/rehearse/question"
)

const (
	TranscriptFile = "transcript.json"
	GesturesFile   = "gestures.json"
)

type transcriptFile struct {
	SessionID   string               `json:"session_id"`
	GeneratedAt time.Time            `json:"generated_at"`
	Aborted     bool                 `json:"aborted"`
	Order       []string             `json:"order"`
	Entries     map[string]EntryView `json:"entries"`
}

// EntryView is the serialized form of an Entry.
type EntryView struct {
	Category              question.Category `json:"category"`
	Question              string            `json:"question"`
	Answer                string            `json:"answer"`
	AnswerDurationSeconds float64           `json:"answer_duration_seconds"`
	RecognitionIncomplete bool              `json:"recognition_incomplete"`
	Flags                 []Flag            `json:"flags"`
	Feedback              *FeedbackView     `json:"feedback"`
}

type FeedbackView struct {
	Text      string `json:"text"`
	OK        bool   `json:"ok"`
	LatencyMS int64  `json:"latency_ms"`
	Reason    string `json:"reason,omitempty"`
}

type gesturesFile struct {
	SessionID   string                     `json:"session_id"`
	GeneratedAt time.Time                  `json:"generated_at"`
	Order       []string                   `json:"order"`
	Entries     map[string]gesture.Summary `json:"entries"`
}

// WriteArtifacts writes the transcript and gesture summaries of record into
// dir. Order follows the question list; unanswered questions are left out.
func WriteArtifacts(dir string, record *Record, questions []question.Question) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}

	now := time.Now()
	transcript := transcriptFile{
		SessionID:   record.SessionID,
		GeneratedAt: now,
		Aborted:     record.Aborted,
		Order:       []string{},
		Entries:     make(map[string]EntryView),
	}
	gestures := gesturesFile{
		SessionID:   record.SessionID,
		GeneratedAt: now,
		Order:       []string{},
		Entries:     make(map[string]gesture.Summary),
	}

	for _, q := range questions {
		e, ok := record.Entry(q.ID)
		if !ok {
			continue
		}
		transcript.Order = append(transcript.Order, q.ID)
		gestures.Order = append(gestures.Order, q.ID)

		transcript.Entries[q.ID] = NewEntryView(e)
		gestures.Entries[q.ID] = e.Gesture
	}

	if err := writeJSON(filepath.Join(dir, TranscriptFile), transcript); err != nil {
		return fmt.Errorf("failed to write transcript: %w", err)
	}
	if err := writeJSON(filepath.Join(dir, GesturesFile), gestures); err != nil {
		return fmt.Errorf("failed to write gesture summaries: %w", err)
	}
	return nil
}

func NewEntryView(e Entry) EntryView {
	flags := e.Flags
	if flags == nil {
		flags = []Flag{}
	}
	view := EntryView{
		Category:              e.Category,
		Question:              e.Prompt,
		Answer:                e.Answer,
		AnswerDurationSeconds: e.AnswerDuration.Seconds(),
		RecognitionIncomplete: e.RecognitionIncomplete,
		Flags:                 flags,
	}
	if e.Feedback != nil {
		view.Feedback = &FeedbackView{
			Text:      e.Feedback.Text,
			OK:        e.Feedback.OK,
			LatencyMS: e.Feedback.Latency.Milliseconds(),
			Reason:    e.Feedback.Reason,
		}
	}
	return view
}

func writeJSON(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
