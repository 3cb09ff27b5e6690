package session

import (
	"context"
	"errors"
	"time"

	"github.com/bosley/rehearse/feedback"
	"github.com/bosley/rehearse/gesture"
	"github.com/bosley/rehearse/question"
	"github.com/bosley/rehearse/speech"
)

// ErrAlreadyFinalized is returned when an entry for the question already
// exists. The record is left unchanged.
var ErrAlreadyFinalized = errors.New("question already finalized")

type State string

const (
	Idle            State = "idle"
	AwaitingStart   State = "awaiting_start"
	Recording       State = "recording"
	Finalizing      State = "finalizing"
	SessionComplete State = "complete"
	Aborted         State = "aborted"
)

// Trigger is the manual input driving the session.
type Trigger int

const (
	// Next starts recording when awaiting, stops it when recording.
	Next Trigger = iota
	// Abort ends the session, keeping only completed answers.
	Abort
)

// Flag records a degradation that affected one entry.
type Flag string

const (
	FlagAudioUnavailable    Flag = "device_unavailable:audio"
	FlagVideoUnavailable    Flag = "device_unavailable:video"
	FlagRecognitionTimeout  Flag = "recognition_timeout"
	FlagRecognitionFailure  Flag = "recognition_engine_failure"
	FlagFeedbackUnavailable Flag = "feedback_unavailable"
	FlagAudioOverflow       Flag = "queue_overflow:audio"
	FlagVideoOverflow       Flag = "queue_overflow:video"
	FlagGestureIncomplete   Flag = "gesture_incomplete"
)

// Entry is the finalized outcome of one question.
type Entry struct {
	QuestionID            string
	Category              question.Category
	Prompt                string
	Answer                string
	AnswerStart           time.Duration
	AnswerDuration        time.Duration
	RecognitionIncomplete bool
	Gesture               gesture.Summary
	Feedback              *feedback.Result
	Flags                 []Flag
	AudioDropped          uint64
	VideoDropped          uint64
}

// HasFlag reports whether f was raised for the entry.
func (e *Entry) HasFlag(f Flag) bool {
	for _, existing := range e.Flags {
		if existing == f {
			return true
		}
	}
	return false
}

func (e *Entry) flag(f Flag) {
	if !e.HasFlag(f) {
		e.Flags = append(e.Flags, f)
	}
}

// Record is the in-memory session record. Only the controller goroutine
// appends to it.
type Record struct {
	SessionID   string
	StartedAt   time.Time
	CompletedAt time.Time
	Aborted     bool
	Entries     []Entry

	index map[string]int
}

func NewRecord(sessionID string, startedAt time.Time) *Record {
	return &Record{
		SessionID: sessionID,
		StartedAt: startedAt,
		index:     make(map[string]int),
	}
}

// Append adds e in finalization order.
func (r *Record) Append(e Entry) error {
	if r.index == nil {
		r.index = make(map[string]int)
	}
	if _, ok := r.index[e.QuestionID]; ok {
		return ErrAlreadyFinalized
	}
	r.index[e.QuestionID] = len(r.Entries)
	r.Entries = append(r.Entries, e)
	return nil
}

func (r *Record) Entry(questionID string) (Entry, bool) {
	i, ok := r.index[questionID]
	if !ok {
		return Entry{}, false
	}
	return r.Entries[i], true
}

// Snapshot is what observers see of the controller.
type Snapshot struct {
	SessionID string
	State     State
	Index     int // 1-based position of Question
	Total     int
	Question  *question.Question
	At        time.Duration
}

// Observer receives session progress. Calls come from the controller and
// recognizer goroutines and must return quickly.
type Observer interface {
	OnState(Snapshot)
	OnPartial(speech.Segment)
	OnEntry(Entry)
}

// Observers fans out to several observers.
type Observers []Observer

func (o Observers) OnState(s Snapshot) {
	for _, obs := range o {
		obs.OnState(s)
	}
}

func (o Observers) OnPartial(seg speech.Segment) {
	for _, obs := range o {
		obs.OnPartial(seg)
	}
}

func (o Observers) OnEntry(e Entry) {
	for _, obs := range o {
		obs.OnEntry(e)
	}
}

type nopObserver struct{}

func (nopObserver) OnState(Snapshot)         {}
func (nopObserver) OnPartial(speech.Segment) {}
func (nopObserver) OnEntry(Entry)            {}

// Worker contracts the controller drives. The concrete types live in the
// audio, video, speech, gesture and feedback packages.
type (
	Capture interface {
		Run(ctx context.Context) error
		Arm(questionID string)
		Disarm()
		Err() error
		Dropped() uint64
	}

	Recognizer interface {
		Run(ctx context.Context) error
		Begin(ctx context.Context, questionID string) error
		Finish(ctx context.Context, questionID string) (speech.Segment, error)
		Abandon(ctx context.Context, questionID string) error
		Disabled() bool
	}

	Analyzer interface {
		Run(ctx context.Context) error
		Begin(ctx context.Context, questionID string) error
		Finish(ctx context.Context, questionID string) (gesture.Summary, error)
		Abandon(ctx context.Context, questionID string) error
		Disabled() bool
	}

	FeedbackRequester interface {
		Run(ctx context.Context) error
		Request(req feedback.Request) <-chan feedback.Result
	}
)
