package feedback

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubClient struct {
	text    string
	err     error
	block   bool
	prompts chan string
}

func (s *stubClient) Model() string { return "stub" }

func (s *stubClient) Generate(ctx context.Context, prompt string) (string, error) {
	if s.prompts != nil {
		s.prompts <- prompt
	}
	if s.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return s.text, s.err
}

func runRequester(t *testing.T, client Client) *Requester {
	t.Helper()
	r := NewRequester(client, 40)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return r
}

func TestRequesterSuccess(t *testing.T) {
	prompts := make(chan string, 1)
	r := runRequester(t, &stubClient{text: "Clear and relevant.", prompts: prompts})

	res := <-r.Request(Request{
		QuestionID: "q1",
		Category:   "technical",
		Prompt:     "Explain a hash map.",
		Answer:     "It maps keys to buckets.",
		Deadline:   time.Now().Add(time.Second),
	})
	assert.True(t, res.OK)
	assert.Equal(t, "q1", res.QuestionID)
	assert.Equal(t, "Clear and relevant.", res.Text)

	prompt := <-prompts
	assert.Contains(t, prompt, "Question (technical): Explain a hash map.")
	assert.Contains(t, prompt, "Candidate answer: It maps keys to buckets.")
	assert.Contains(t, prompt, "<= 40 words")
}

func TestRequesterNeverRespondingModelHitsDeadline(t *testing.T) {
	r := runRequester(t, &stubClient{block: true})

	started := time.Now()
	res := <-r.Request(Request{QuestionID: "q1", Deadline: time.Now().Add(50 * time.Millisecond)})
	assert.False(t, res.OK)
	assert.Equal(t, "timed out", res.Reason)
	assert.Less(t, time.Since(started), time.Second)

	// The next request is not held up by the previous one.
	res = <-r.Request(Request{QuestionID: "q2", Deadline: time.Now().Add(50 * time.Millisecond)})
	assert.Equal(t, "q2", res.QuestionID)
}

func TestRequesterErrorBecomesReason(t *testing.T) {
	r := runRequester(t, &stubClient{err: ErrUnavailable})
	res := <-r.Request(Request{QuestionID: "q1", Deadline: time.Now().Add(time.Second)})
	assert.False(t, res.OK)
	assert.Contains(t, res.Reason, "unavailable")
}

func TestRequesterStoppedAnswersQueued(t *testing.T) {
	r := NewRequester(&stubClient{text: "x"}, 0)
	ch := r.Request(Request{QuestionID: "q1"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, r.Run(ctx))

	res := <-ch
	assert.False(t, res.OK)
}

func TestBuildPromptEmptyAnswer(t *testing.T) {
	prompt := BuildPrompt(Request{Prompt: "Why us?"}, 25)
	assert.Contains(t, prompt, "Question: Why us?")
	assert.Contains(t, prompt, "(no answer was recorded)")
	assert.Contains(t, prompt, "<= 25 words")
}

func TestOllamaGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/generate", r.URL.Path)
		var req generateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "mistral", req.Model)
		assert.False(t, req.Stream)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(generateResponse{Response: "  Good structure.  ", Done: true})
	}))
	defer srv.Close()

	o := NewOllama(OllamaConfig{URL: srv.URL, Model: "mistral"})
	text, err := o.Generate(context.Background(), "prompt")
	require.NoError(t, err)
	assert.Equal(t, "Good structure.", text)
}

func TestOllamaUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"model not found"}`))
	}))
	defer srv.Close()

	o := NewOllama(OllamaConfig{URL: srv.URL})
	_, err := o.Generate(context.Background(), "prompt")
	assert.ErrorIs(t, err, ErrUnavailable)

	srv.Close()
	_, err = o.Generate(context.Background(), "prompt")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestOllamaPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"models":[{"name":"mistral:latest"}]}`))
	}))
	defer srv.Close()

	assert.NoError(t, NewOllama(OllamaConfig{URL: srv.URL, Model: "mistral"}).Ping(context.Background()))
	assert.ErrorIs(t, NewOllama(OllamaConfig{URL: srv.URL, Model: "llama3"}).Ping(context.Background()), ErrUnavailable)
}
