package gesture

import "time"

// Sample is the metric values computed for one frame. Values is nil when no
// face was found.
type Sample struct {
	QuestionID string
	Captured   time.Duration
	Values     map[string]float64
}

// MetricSummary is one aggregated metric.
type MetricSummary struct {
	Kind    Kind    `json:"kind"`
	Value   float64 `json:"value"`
	Samples int     `json:"samples"`
}

// Summary aggregates the samples of one answer. A summary with no usable
// frame is Empty rather than missing.
type Summary struct {
	Frames       int                      `json:"frames"`
	UsableFrames int                      `json:"usable_frames"`
	Empty        bool                     `json:"empty"`
	Metrics      map[string]MetricSummary `json:"metrics,omitempty"`
}

// Aggregate reduces samples to a summary: the arithmetic mean for numeric
// metrics and the fraction of frames where indicators held. Only frames
// with a face count.
func Aggregate(samples []Sample, metrics []Metric) Summary {
	summary := Summary{Frames: len(samples)}

	sums := make(map[string]float64, len(metrics))
	counts := make(map[string]int, len(metrics))
	for _, s := range samples {
		if s.Values == nil {
			continue
		}
		summary.UsableFrames++
		for _, m := range metrics {
			v, ok := s.Values[m.Name]
			if !ok {
				continue
			}
			if m.Kind == Indicator && v != 0 {
				v = 1
			}
			sums[m.Name] += v
			counts[m.Name]++
		}
	}

	if summary.UsableFrames == 0 {
		summary.Empty = true
		return summary
	}

	summary.Metrics = make(map[string]MetricSummary, len(metrics))
	for _, m := range metrics {
		n := counts[m.Name]
		if n == 0 {
			continue
		}
		summary.Metrics[m.Name] = MetricSummary{
			Kind:    m.Kind,
			Value:   sums[m.Name] / float64(n),
			Samples: n,
		}
	}
	return summary
}

// Measure applies metrics to a detected face. A nil face yields a sample
// with nil Values.
func Measure(face *Face, metrics []Metric) map[string]float64 {
	if face == nil {
		return nil
	}
	values := make(map[string]float64, len(metrics))
	for _, m := range metrics {
		if v, ok := m.Compute(face); ok {
			values[m.Name] = v
		}
	}
	return values
}
