package frames

import (
	"image"
	"time"
)

// Modality names one independent capture pipeline.
type Modality string

const (
	Audio Modality = "audio"
	Video Modality = "video"
)

// AudioFrame is a fixed-length block of mono int16 samples.
type AudioFrame struct {
	Seq        uint64
	QuestionID string
	Captured   time.Duration // offset on the session clock
	SampleRate int
	Samples    []int16
}

// Duration returns the playback length of the frame.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}

// VideoFrame is a single captured image.
type VideoFrame struct {
	Seq        uint64
	QuestionID string
	Captured   time.Duration
	Image      image.Image
}
