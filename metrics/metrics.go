// Package metrics holds the prometheus collectors for a rehearsal session.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rehearse"

const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusTimeout = "timeout"
)

var (
	framesCaptured = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_captured_total",
			Help:      "Frames pushed into the capture queues",
		},
		[]string{"modality"},
	)

	framesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Frames discarded by drop-oldest overflow",
		},
		[]string{"modality"},
	)

	recognitionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recognition_duration_seconds",
			Help:      "Duration of speech recognition calls",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"engine", "kind", "status"}, // kind: partial, final
	)

	feedbackDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "feedback_duration_seconds",
			Help:      "Duration of feedback requests to the language model",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"model", "status"},
	)

	gestureFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gesture_frames_total",
			Help:      "Video frames analyzed for gestures",
		},
		[]string{"status"}, // usable, no_face, error, stale
	)

	answerDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "answer_duration_seconds",
			Help:      "Length of recorded answers",
			Buckets:   []float64{5, 10, 20, 30, 45, 60, 90, 120, 180},
		},
	)

	answersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "answers_total",
			Help:      "Answers finalized, labelled by the first flag raised",
		},
		[]string{"outcome"},
	)

	sessionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_state",
			Help:      "1 for the state the session is currently in",
		},
		[]string{"state"},
	)
)

var allMetrics = []prometheus.Collector{
	framesCaptured,
	framesDropped,
	recognitionDuration,
	feedbackDuration,
	gestureFrames,
	answerDuration,
	answersTotal,
	sessionState,
}

// NewRegistry returns a registry carrying every rehearse collector plus the
// Go runtime collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	for _, collector := range allMetrics {
		reg.MustRegister(collector)
	}
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// Handler serves reg in the prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func FrameCaptured(modality string) {
	framesCaptured.WithLabelValues(modality).Inc()
}

func FramesDropped(modality string, n uint64) {
	if n == 0 {
		return
	}
	framesDropped.WithLabelValues(modality).Add(float64(n))
}

func RecognitionObserved(engine, kind, status string, d time.Duration) {
	recognitionDuration.WithLabelValues(engine, kind, status).Observe(d.Seconds())
}

func FeedbackObserved(model, status string, d time.Duration) {
	feedbackDuration.WithLabelValues(model, status).Observe(d.Seconds())
}

func GestureFrame(status string) {
	gestureFrames.WithLabelValues(status).Inc()
}

func AnswerFinalized(outcome string, d time.Duration) {
	answersTotal.WithLabelValues(outcome).Inc()
	answerDuration.Observe(d.Seconds())
}

// SessionState marks state as current and clears the previous one.
func SessionState(previous, current string) {
	if previous != "" {
		sessionState.WithLabelValues(previous).Set(0)
	}
	sessionState.WithLabelValues(current).Set(1)
}
