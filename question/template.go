package question

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// maxPlaceholderLength truncates résumé values substituted into prompts.
const maxPlaceholderLength = 100

// LoadTemplate renders a YAML question template against a parsed résumé.
// The template maps résumé sections to prompt lists; "{{ key }}" in a
// prompt is replaced with that key of the matching résumé section.
func LoadTemplate(templatePath, resumePath string) ([]Question, error) {
	tmpl, err := os.ReadFile(templatePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read question template: %w", err)
	}
	resume, err := os.ReadFile(resumePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read resume: %w", err)
	}
	return RenderTemplate(tmpl, resume)
}

// RenderTemplate is LoadTemplate on in-memory documents.
func RenderTemplate(tmpl, resume []byte) ([]Question, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(tmpl, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse question template: %w", err)
	}
	if len(doc.Content) == 0 {
		return nil, ErrEmpty
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("question template must map sections to prompt lists")
	}

	sections := map[string]any{}
	if len(strings.TrimSpace(string(resume))) > 0 {
		if err := json.Unmarshal(resume, &sections); err != nil {
			return nil, fmt.Errorf("failed to parse resume: %w", err)
		}
	}

	var questions []Question
	// Walk the node so the template's section order is kept.
	for i := 0; i+1 < len(root.Content); i += 2 {
		section := root.Content[i].Value
		var prompts []string
		if err := root.Content[i+1].Decode(&prompts); err != nil {
			return nil, fmt.Errorf("section %s: %w", section, err)
		}
		values, _ := sections[section].(map[string]any)
		for _, p := range prompts {
			questions = append(questions, Question{
				Category: ParseCategory(section),
				Prompt:   render(p, values),
			})
		}
	}
	return finalize(questions)
}

func render(prompt string, values map[string]any) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := fmt.Sprint(values[k])
		if len(v) > maxPlaceholderLength {
			v = v[:maxPlaceholderLength]
		}
		prompt = strings.ReplaceAll(prompt, "{{ "+k+" }}", v)
	}
	return prompt
}
