package gesture

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
)

// Kind decides how a metric is aggregated.
type Kind string

const (
	// Numeric metrics are averaged over usable frames.
	Numeric Kind = "numeric"
	// Indicator metrics report the fraction of usable frames where they held.
	Indicator Kind = "indicator"
)

var (
	ErrUnknownMetric   = errors.New("unknown gesture metric")
	ErrDuplicateMetric = errors.New("gesture metric already registered")
)

// Metric computes one value from a face. Compute reports false when the face
// does not carry what the metric needs. Indicators return 0 or 1.
type Metric struct {
	Name    string
	Kind    Kind
	Compute func(*Face) (float64, bool)
}

// Registry maps metric names to implementations. New metrics are added by
// registering them; the analyzer only sees the selected list.
type Registry struct {
	mu      sync.RWMutex
	metrics map[string]Metric
}

func NewRegistry() *Registry {
	return &Registry{metrics: make(map[string]Metric)}
}

// DefaultRegistry returns a registry holding the built-in metrics.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, m := range builtins() {
		r.MustRegister(m)
	}
	return r
}

func (r *Registry) Register(m Metric) error {
	if m.Name == "" || m.Compute == nil {
		return fmt.Errorf("invalid metric %q", m.Name)
	}
	if m.Kind != Numeric && m.Kind != Indicator {
		return fmt.Errorf("metric %q has unknown kind %q", m.Name, m.Kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.metrics[m.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateMetric, m.Name)
	}
	r.metrics[m.Name] = m
	return nil
}

func (r *Registry) MustRegister(m Metric) {
	if err := r.Register(m); err != nil {
		panic(err)
	}
}

// Select resolves names in order. An empty list selects every registered
// metric, sorted by name.
func (r *Registry) Select(names []string) ([]Metric, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(names) == 0 {
		names = r.namesLocked()
	}
	selected := make([]Metric, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if seen[name] {
			continue
		}
		m, ok := r.metrics[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownMetric, name)
		}
		seen[name] = true
		selected = append(selected, m)
	}
	return selected, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.namesLocked()
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.metrics))
	for name := range r.metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

const (
	mouthOpenThreshold = 0.02
	gazeYawTolerance   = 0.25
	gazePitchTolerance = 0.35
	irisTolerance      = 0.15
)

func builtins() []Metric {
	return []Metric{
		{Name: "eye_distance", Kind: Numeric, Compute: eyeDistance},
		{Name: "mouth_open", Kind: Indicator, Compute: mouthOpen},
		{Name: "smile_score", Kind: Numeric, Compute: smileScore},
		{Name: "head_pose_deviation", Kind: Numeric, Compute: headPoseDeviation},
		{Name: "gaze_on_camera", Kind: Indicator, Compute: gazeOnCamera},
	}
}

func eyeDistance(f *Face) (float64, bool) {
	if !f.valid() {
		return 0, false
	}
	return math.Abs(f.at(lmRightEyeOuter).X - f.at(lmLeftEyeOuter).X), true
}

func mouthOpen(f *Face) (float64, bool) {
	if !f.valid() {
		return 0, false
	}
	return boolValue(math.Abs(f.at(lmLowerLip).Y-f.at(lmUpperLip).Y) > mouthOpenThreshold), true
}

// smileScore is mouth width relative to face width.
func smileScore(f *Face) (float64, bool) {
	if !f.valid() {
		return 0, false
	}
	face := distance(f.at(lmRightFaceEdge), f.at(lmLeftFaceEdge))
	if face < 1e-9 {
		return 0, false
	}
	return distance(f.at(lmMouthRight), f.at(lmMouthLeft)) / face, true
}

func headPoseDeviation(f *Face) (float64, bool) {
	if !f.valid() {
		return 0, false
	}
	yaw, pitch, ok := headAngles(f)
	if !ok {
		return 0, false
	}
	return math.Hypot(yaw, pitch), true
}

// gazeOnCamera holds when the head faces the camera and, if irises are
// present, both irises sit near the middle of their eyes.
func gazeOnCamera(f *Face) (float64, bool) {
	if !f.valid() {
		return 0, false
	}
	yaw, pitch, ok := headAngles(f)
	if !ok {
		return 0, false
	}
	facing := math.Abs(yaw) <= gazeYawTolerance && math.Abs(pitch) <= gazePitchTolerance
	if !facing || !f.hasIrises() {
		return boolValue(facing), true
	}

	right, okR := ratio(f.at(lmRightIrisCenter).X, f.at(lmRightEyeOuter).X, f.at(lmRightEyeInner).X)
	left, okL := ratio(f.at(lmLeftIrisCenter).X, f.at(lmLeftEyeInner).X, f.at(lmLeftEyeOuter).X)
	if !okR || !okL {
		return boolValue(facing), true
	}
	centred := math.Abs(right-0.5) <= irisTolerance && math.Abs(left-0.5) <= irisTolerance
	return boolValue(centred), true
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
