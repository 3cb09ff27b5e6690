package video

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bosley/rehearse/frames"
	"github.com/bosley/rehearse/metrics"
)

// Capture pulls frames from a Source, hands every frame to the overlay and
// pushes armed frames into the video queue.
type Capture struct {
	source  Source
	queue   *frames.Queue[frames.VideoFrame]
	clock   *frames.Clock
	overlay *Overlay

	mu       sync.Mutex
	armed    string
	seq      uint64
	captured uint64
	err      error
}

// NewCapture builds a capture loop. overlay may be nil.
func NewCapture(source Source, queue *frames.Queue[frames.VideoFrame], clock *frames.Clock, overlay *Overlay) *Capture {
	return &Capture{
		source:  source,
		queue:   queue,
		clock:   clock,
		overlay: overlay,
	}
}

func (c *Capture) Arm(questionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.armed = questionID
}

// Disarm stops pushing frames. Once it returns no further frame for the
// previous question will be queued.
func (c *Capture) Disarm() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.armed = ""
}

func (c *Capture) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Capture) Captured() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.captured
}

func (c *Capture) Dropped() uint64 {
	return c.queue.Dropped()
}

// Run is the acquisition loop. Like audio capture, a failing camera is
// recorded in Err and Run returns nil.
func (c *Capture) Run(ctx context.Context) error {
	slog.Debug("Video capture starting")
	defer slog.Debug("Video capture stopped", "captured", c.Captured(), "dropped", c.Dropped())

	for {
		if ctx.Err() != nil {
			return nil
		}
		img, err := c.source.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			c.mu.Lock()
			if errors.Is(err, ErrDeviceUnavailable) {
				c.err = err
			} else {
				c.err = fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
			}
			c.mu.Unlock()
			slog.Error("Video capture failed", "error", err)
			return nil
		}

		captured := c.clock.Now()
		if c.overlay != nil {
			c.overlay.SetFrame(img)
		}

		c.mu.Lock()
		if c.armed != "" {
			c.seq++
			if c.queue.Push(frames.VideoFrame{
				Seq:        c.seq,
				QuestionID: c.armed,
				Captured:   captured,
				Image:      img,
			}) {
				slog.Debug("Video queue full, dropped oldest frame",
					"questionID", c.armed,
					"dropped", c.queue.Dropped())
			}
			c.captured++
			metrics.FrameCaptured(string(frames.Video))
		}
		c.mu.Unlock()
	}
}
