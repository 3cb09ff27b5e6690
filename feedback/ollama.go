package feedback

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// ErrUnavailable marks a language model that could not be reached or
// answered with an error.
var ErrUnavailable = errors.New("feedback model unavailable")

// Client generates a completion for one prompt.
type Client interface {
	Generate(ctx context.Context, prompt string) (string, error)
	Model() string
}

// OllamaConfig configures the local Ollama client.
type OllamaConfig struct {
	URL         string
	Model       string
	Temperature float64
	Timeout     time.Duration
}

// Ollama calls /api/generate on a local Ollama server without streaming.
type Ollama struct {
	client *resty.Client
	config OllamaConfig
}

type generateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error"`
}

func NewOllama(cfg OllamaConfig) *Ollama {
	if cfg.URL == "" {
		cfg.URL = "http://localhost:11434"
	}
	if cfg.Model == "" {
		cfg.Model = "mistral"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &Ollama{
		client: resty.New().SetBaseURL(cfg.URL).SetTimeout(cfg.Timeout),
		config: cfg,
	}
}

func (o *Ollama) Model() string {
	return o.config.Model
}

func (o *Ollama) Generate(ctx context.Context, prompt string) (string, error) {
	req := generateRequest{
		Model:  o.config.Model,
		Prompt: prompt,
		Stream: false,
	}
	if o.config.Temperature > 0 {
		req.Options = map[string]any{"temperature": o.config.Temperature}
	}

	var result generateResponse
	resp, err := o.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&result).
		Post("/api/generate")
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode(), resp.String())
	}
	if result.Error != "" {
		return "", fmt.Errorf("%w: %s", ErrUnavailable, result.Error)
	}
	return strings.TrimSpace(result.Response), nil
}

// Ping lists local models to check the server is up and has ours.
func (o *Ollama) Ping(ctx context.Context) error {
	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	resp, err := o.client.R().SetContext(ctx).SetResult(&tags).Get("/api/tags")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if resp.IsError() {
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode())
	}
	for _, m := range tags.Models {
		if m.Name == o.config.Model || strings.TrimSuffix(m.Name, ":latest") == o.config.Model {
			return nil
		}
	}
	return fmt.Errorf("%w: model %s not pulled", ErrUnavailable, o.config.Model)
}
