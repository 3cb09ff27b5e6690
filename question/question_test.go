package question

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseShapes(t *testing.T) {
	tests := []struct {
		name string
		data string
		want []Question
	}{
		{
			name: "records",
			data: `[{"id":"t1","category":"Technical","prompt":"Explain CAP.","expected_duration":90},
			        {"category":"culture_fit","prompt":"Why us?","expected_duration":"45s"}]`,
			want: []Question{
				{ID: "t1", Category: Technical, Prompt: "Explain CAP.", ExpectedDuration: 90 * time.Second},
				{ID: "q2", Category: CultureFit, Prompt: "Why us?", ExpectedDuration: 45 * time.Second},
			},
		},
		{
			name: "plain strings",
			data: `["Tell me about yourself.", "  ", "What motivates you?"]`,
			want: []Question{
				{ID: "q1", Category: General, Prompt: "Tell me about yourself."},
				{ID: "q2", Category: General, Prompt: "What motivates you?"},
			},
		},
		{
			name: "generator output",
			data: `{"CultureFit":["Ideal team?"],"Technical":["Index types?"],"Behavioral":["A conflict?"],"Static":["Intro?"]}`,
			want: []Question{
				{ID: "q1", Category: General, Prompt: "Intro?"},
				{ID: "q2", Category: Technical, Prompt: "Index types?"},
				{ID: "q3", Category: Behavioral, Prompt: "A conflict?"},
				{ID: "q4", Category: CultureFit, Prompt: "Ideal team?"},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse([]byte(tt.data))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseFailures(t *testing.T) {
	_, err := Parse([]byte(""))
	assert.ErrorIs(t, err, ErrEmpty)

	_, err = Parse([]byte("[]"))
	assert.ErrorIs(t, err, ErrEmpty)

	_, err = Parse([]byte(`{"Technical":[]}`))
	assert.ErrorIs(t, err, ErrEmpty)

	_, err = Parse([]byte(`[{"id":"a","prompt":"x"},{"id":"a","prompt":"y"}]`))
	assert.ErrorContains(t, err, "duplicate")

	_, err = Parse([]byte(`[{"prompt":"x","expected_duration":"soon"}]`))
	assert.Error(t, err)

	_, err = Parse([]byte(`questions: []`))
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestRenderTemplate(t *testing.T) {
	tmpl := []byte(`
experience:
  - "You worked at {{ company }} as {{ role }}. What did you ship?"
technical:
  - "How would you use {{ language }} for {{ unknown }}?"
behavioral:
  - "Describe a hard deadline."
`)
	long := make([]byte, 150)
	for i := range long {
		long[i] = 'x'
	}
	resume := []byte(`{"experience":{"company":"Acme","role":"SRE"},"technical":{"language":"` + string(long) + `"}}`)

	got, err := RenderTemplate(tmpl, resume)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "You worked at Acme as SRE. What did you ship?", got[0].Prompt)
	assert.Equal(t, General, got[0].Category)
	assert.Equal(t, "How would you use "+string(long[:100])+" for {{ unknown }}?", got[1].Prompt)
	assert.Equal(t, Technical, got[1].Category)
	assert.Equal(t, Behavioral, got[2].Category)
	assert.Equal(t, "q3", got[2].ID)
}

func TestWaitForGeneratorOutput(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "questions.json")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go func() {
		time.Sleep(50 * time.Millisecond)
		os.WriteFile(path, []byte(`["Tell me about yourself."]`), 0o644)
	}()

	got, err := Wait(ctx, path)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "q1", got[0].ID)
}

func TestWaitExistingAndCancelled(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "questions.json")
	require.NoError(t, os.WriteFile(path, []byte(`["A?","B?"]`), 0o644))

	got, err := Wait(context.Background(), path)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = Wait(ctx, filepath.Join(dir, "never.json"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
