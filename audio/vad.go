package audio

import (
	"math"
	"time"
)

const (
	DefaultVADThreshold  = 2.22
	backgroundBufferSize = 50
	calibrationChunks    = 4
	minBackgroundNoise   = 1.0
)

// VADEvent is what a chunk did to the speech state.
type VADEvent int

const (
	VADNone VADEvent = iota
	VADSpeechStarted
	VADPause
)

// PauseDetector is an energy VAD. It tracks a rolling background noise level
// and reports when speech starts and when a pause longer than the configured
// silence follows it. Times are session-clock offsets, not wall time.
type PauseDetector struct {
	threshold        float64
	silence          time.Duration
	backgroundNoise  float64
	backgroundBuffer []float64
	speaking         bool
	lastSpeech       time.Duration
	spanStart        time.Duration
}

func NewPauseDetector(threshold float64, silence time.Duration) *PauseDetector {
	if threshold <= 0 {
		threshold = DefaultVADThreshold
	}
	return &PauseDetector{
		threshold:        threshold,
		silence:          silence,
		backgroundBuffer: make([]float64, 0, backgroundBufferSize),
	}
}

// Reset clears speech state but keeps the learned noise floor, which
// belongs to the room rather than to an utterance.
func (d *PauseDetector) Reset() {
	d.speaking = false
	d.lastSpeech = 0
	d.spanStart = 0
}

// Speaking reports whether the detector is inside a speech span.
func (d *PauseDetector) Speaking() bool {
	return d.speaking
}

// SpanStart is the offset where the current speech span began.
func (d *PauseDetector) SpanStart() time.Duration {
	return d.spanStart
}

// Observe feeds one chunk captured at offset at.
func (d *PauseDetector) Observe(chunk []int16, at time.Duration) VADEvent {
	amplitude := ChunkAmplitude(chunk)
	if len(d.backgroundBuffer) < calibrationChunks {
		d.updateBackgroundNoise(amplitude)
		return VADNone
	}

	noise := math.Max(d.backgroundNoise, minBackgroundNoise)
	isSpeech := amplitude/noise > d.threshold

	if isSpeech {
		d.lastSpeech = at
		if !d.speaking {
			d.speaking = true
			d.spanStart = at
			return VADSpeechStarted
		}
		return VADNone
	}

	d.updateBackgroundNoise(amplitude)
	if d.speaking && at-d.lastSpeech >= d.silence {
		d.speaking = false
		return VADPause
	}
	return VADNone
}

func (d *PauseDetector) updateBackgroundNoise(amplitude float64) {
	if len(d.backgroundBuffer) >= backgroundBufferSize {
		d.backgroundBuffer = d.backgroundBuffer[1:]
	}
	d.backgroundBuffer = append(d.backgroundBuffer, amplitude)

	var sum float64
	for _, a := range d.backgroundBuffer {
		sum += a
	}
	d.backgroundNoise = sum / float64(len(d.backgroundBuffer))
}

// ChunkAmplitude is the mean absolute sample value.
func ChunkAmplitude(chunk []int16) float64 {
	if len(chunk) == 0 {
		return 0
	}
	var totalAmplitude float64
	for _, sample := range chunk {
		totalAmplitude += math.Abs(float64(sample))
	}
	return totalAmplitude / float64(len(chunk))
}

// Energy normalizes amplitude to 0..1 for level meters.
func Energy(chunk []int16) float64 {
	normalized := ChunkAmplitude(chunk) / 10000.0
	if normalized > 1.0 {
		normalized = 1.0
	}
	return normalized
}
