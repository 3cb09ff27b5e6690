package speech

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// WhisperServerConfig configures the whisper.cpp HTTP server engine.
type WhisperServerConfig struct {
	URL      string
	Language string
	Timeout  time.Duration
}

// WhisperServer posts each file to a running whisper.cpp server, which keeps
// the model loaded between answers.
type WhisperServer struct {
	client   *resty.Client
	language string
}

type inferenceResponse struct {
	Text  string `json:"text"`
	Error string `json:"error"`
}

func NewWhisperServer(cfg WhisperServerConfig) *WhisperServer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &WhisperServer{
		client:   resty.New().SetBaseURL(cfg.URL).SetTimeout(cfg.Timeout),
		language: cfg.Language,
	}
}

func (w *WhisperServer) Name() string {
	return "whisper-server"
}

func (w *WhisperServer) Transcribe(ctx context.Context, wavPath string) (string, error) {
	form := map[string]string{
		"response_format": "json",
		"temperature":     "0.0",
	}
	if w.language != "" {
		form["language"] = w.language
	}

	var result inferenceResponse
	resp, err := w.client.R().
		SetContext(ctx).
		SetFile("file", wavPath).
		SetFormData(form).
		SetResult(&result).
		Post("/inference")
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", &EngineError{Engine: w.Name(), Reason: "request failed", Cause: err}
	}
	if resp.IsError() {
		return "", &EngineError{
			Engine: w.Name(),
			Reason: fmt.Sprintf("server returned %d: %s", resp.StatusCode(), resp.String()),
		}
	}
	if result.Error != "" {
		return "", &EngineError{Engine: w.Name(), Reason: result.Error}
	}
	return extractText(result.Text), nil
}

// Ping checks the server is reachable.
func (w *WhisperServer) Ping(ctx context.Context) error {
	resp, err := w.client.R().SetContext(ctx).Get("/")
	if err != nil {
		return &EngineError{Engine: w.Name(), Reason: "server unreachable", Cause: err}
	}
	if resp.StatusCode() >= 500 {
		return &EngineError{Engine: w.Name(), Reason: fmt.Sprintf("server returned %d", resp.StatusCode())}
	}
	return nil
}
