package question

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrEmpty is returned when a source holds no questions. An empty list is
// the one failure that stops a session before it starts.
var ErrEmpty = errors.New("no questions found")

type Category string

const (
	Technical  Category = "technical"
	Behavioral Category = "behavioral"
	CultureFit Category = "culture-fit"
	General    Category = "general"
)

// ParseCategory normalizes the spellings used by question generators.
func ParseCategory(s string) Category {
	switch strings.ToLower(strings.NewReplacer("-", "", "_", "", " ", "").Replace(s)) {
	case "technical":
		return Technical
	case "behavioral", "behavioural":
		return Behavioral
	case "culturefit", "culture":
		return CultureFit
	default:
		return General
	}
}

// Question is immutable once loaded.
type Question struct {
	ID               string        `json:"id"`
	Category         Category      `json:"category"`
	Prompt           string        `json:"prompt"`
	ExpectedDuration time.Duration `json:"expected_duration,omitempty"`
}

type record struct {
	ID               string          `json:"id"`
	Category         string          `json:"category"`
	Prompt           string          `json:"prompt"`
	ExpectedDuration json.RawMessage `json:"expected_duration"`
}

// generatorOutput is the categorized schema written by the question
// generator.
type generatorOutput struct {
	Static     []string `json:"Static"`
	Technical  []string `json:"Technical"`
	Behavioral []string `json:"Behavioral"`
	CultureFit []string `json:"CultureFit"`
}

// Load reads a JSON question list. Three shapes are accepted: an array of
// records, an array of plain strings, and the generator's categorized
// object.
func Load(path string) ([]Question, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read questions: %w", err)
	}
	questions, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return questions, nil
}

// Parse decodes a JSON question list in any accepted shape.
func Parse(data []byte) ([]Question, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, ErrEmpty
	}

	var questions []Question
	switch trimmed[0] {
	case '[':
		var raw []json.RawMessage
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse question list: %w", err)
		}
		for i, item := range raw {
			q, err := parseItem(item)
			if err != nil {
				return nil, fmt.Errorf("question %d: %w", i+1, err)
			}
			questions = append(questions, q)
		}
	case '{':
		var out generatorOutput
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("failed to parse generator output: %w", err)
		}
		questions = append(questions, fromStrings(out.Static, General)...)
		questions = append(questions, fromStrings(out.Technical, Technical)...)
		questions = append(questions, fromStrings(out.Behavioral, Behavioral)...)
		questions = append(questions, fromStrings(out.CultureFit, CultureFit)...)
	default:
		return nil, fmt.Errorf("unrecognized question format")
	}

	return finalize(questions)
}

func parseItem(item json.RawMessage) (Question, error) {
	var prompt string
	if err := json.Unmarshal(item, &prompt); err == nil {
		return Question{Category: General, Prompt: prompt}, nil
	}

	var rec record
	if err := json.Unmarshal(item, &rec); err != nil {
		return Question{}, fmt.Errorf("failed to parse question: %w", err)
	}
	q := Question{
		ID:       strings.TrimSpace(rec.ID),
		Category: ParseCategory(rec.Category),
		Prompt:   rec.Prompt,
	}
	if len(rec.ExpectedDuration) > 0 && string(rec.ExpectedDuration) != "null" {
		d, err := parseDuration(rec.ExpectedDuration)
		if err != nil {
			return Question{}, err
		}
		q.ExpectedDuration = d
	}
	return q, nil
}

// parseDuration accepts either seconds as a number or a Go duration string.
func parseDuration(raw json.RawMessage) (time.Duration, error) {
	var seconds float64
	if err := json.Unmarshal(raw, &seconds); err == nil {
		return time.Duration(seconds * float64(time.Second)), nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("invalid expected_duration %s", raw)
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid expected_duration: %w", err)
	}
	return d, nil
}

func fromStrings(prompts []string, category Category) []Question {
	questions := make([]Question, 0, len(prompts))
	for _, p := range prompts {
		questions = append(questions, Question{Category: category, Prompt: p})
	}
	return questions
}

// finalize drops blank prompts, assigns q1..qN to questions without an id
// and rejects duplicate ids.
func finalize(in []Question) ([]Question, error) {
	out := make([]Question, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, q := range in {
		q.Prompt = strings.TrimSpace(q.Prompt)
		if q.Prompt == "" {
			continue
		}
		if q.Category == "" {
			q.Category = General
		}
		if q.ID == "" {
			q.ID = fmt.Sprintf("q%d", len(out)+1)
		}
		if seen[q.ID] {
			return nil, fmt.Errorf("duplicate question id %q", q.ID)
		}
		seen[q.ID] = true
		out = append(out, q)
	}
	if len(out) == 0 {
		return nil, ErrEmpty
	}
	return out, nil
}
