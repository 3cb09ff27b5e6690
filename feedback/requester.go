package feedback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bosley/rehearse/metrics"
)

// Request asks for feedback on one answer.
type Request struct {
	QuestionID string
	Category   string
	Prompt     string
	Answer     string
	Deadline   time.Time
}

// Result is the outcome of one request. OK is false when the model was
// unreachable, failed or missed the deadline; Reason says which.
type Result struct {
	QuestionID string
	Text       string
	Latency    time.Duration
	OK         bool
	Reason     string
}

type job struct {
	req   Request
	reply chan Result
}

// Requester sends feedback requests one at a time on its own goroutine.
// Every request is bound to its deadline, so a slow model delays only its
// own answer's feedback.
type Requester struct {
	client   Client
	maxWords int
	jobs     chan job
}

func NewRequester(client Client, maxWords int) *Requester {
	if maxWords <= 0 {
		maxWords = 40
	}
	return &Requester{
		client:   client,
		maxWords: maxWords,
		jobs:     make(chan job, 8),
	}
}

// Request queues req and returns a channel that receives exactly one
// Result. The channel is buffered, so a result nobody waits for anymore is
// simply dropped with it.
func (r *Requester) Request(req Request) <-chan Result {
	reply := make(chan Result, 1)
	select {
	case r.jobs <- job{req: req, reply: reply}:
	default:
		reply <- Result{QuestionID: req.QuestionID, Reason: "feedback queue full"}
	}
	return reply
}

// Run processes requests until ctx is cancelled. Requests still queued at
// that point are answered as unavailable.
func (r *Requester) Run(ctx context.Context) error {
	slog.Debug("Feedback requester starting", "model", r.client.Model())
	defer slog.Debug("Feedback requester shutting down")

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case j := <-r.jobs:
					j.reply <- Result{QuestionID: j.req.QuestionID, Reason: "session ended"}
				default:
					return nil
				}
			}

		case j := <-r.jobs:
			j.reply <- r.process(ctx, j.req)
		}
	}
}

func (r *Requester) process(ctx context.Context, req Request) Result {
	result := Result{QuestionID: req.QuestionID}
	if ctx.Err() != nil {
		result.Reason = "session ended"
		return result
	}
	if !req.Deadline.IsZero() {
		if time.Until(req.Deadline) <= 0 {
			result.Reason = "deadline passed before request was sent"
			return result
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}

	started := time.Now()
	text, err := r.client.Generate(ctx, BuildPrompt(req, r.maxWords))
	result.Latency = time.Since(started)

	switch {
	case err == nil:
		result.Text = text
		result.OK = true
		metrics.FeedbackObserved(r.client.Model(), metrics.StatusSuccess, result.Latency)
	case errors.Is(err, context.DeadlineExceeded):
		result.Reason = "timed out"
		metrics.FeedbackObserved(r.client.Model(), metrics.StatusTimeout, result.Latency)
	default:
		result.Reason = err.Error()
		metrics.FeedbackObserved(r.client.Model(), metrics.StatusError, result.Latency)
	}

	slog.Debug("Feedback request finished",
		"questionID", req.QuestionID,
		"ok", result.OK,
		"latency", result.Latency,
		"reason", result.Reason)
	return result
}

// BuildPrompt is the coaching prompt sent for one answer.
func BuildPrompt(req Request, maxWords int) string {
	var b strings.Builder
	b.WriteString("You are an interview coach.\n")
	if req.Category != "" {
		fmt.Fprintf(&b, "Question (%s): %s\n", req.Category, req.Prompt)
	} else {
		fmt.Fprintf(&b, "Question: %s\n", req.Prompt)
	}
	answer := strings.TrimSpace(req.Answer)
	if answer == "" {
		answer = "(no answer was recorded)"
	}
	fmt.Fprintf(&b, "Candidate answer: %s\n", answer)
	fmt.Fprintf(&b, "Give a short (<= %d words) evaluation focusing on clarity, relevance and depth.", maxWords)
	return b.String()
}
