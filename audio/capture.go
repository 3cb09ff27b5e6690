package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bosley/rehearse/frames"
	"github.com/bosley/rehearse/metrics"
)

// Capture pulls fixed-size frames from a Source and pushes them into the
// audio queue while armed. The device is drained even when disarmed so a
// stale backlog never leaks into the next answer.
type Capture struct {
	source       Source
	queue        *frames.Queue[frames.AudioFrame]
	clock        *frames.Clock
	frameSamples int

	mu       sync.Mutex
	armed    string
	seq      uint64
	captured uint64
	err      error
	onLevel  func(float64)
}

// NewCapture builds a capture loop producing frames of frameDuration.
func NewCapture(source Source, queue *frames.Queue[frames.AudioFrame], clock *frames.Clock, frameDuration time.Duration) *Capture {
	frameSamples := int(time.Duration(source.SampleRate()) * frameDuration / time.Second)
	if frameSamples <= 0 {
		frameSamples = 1024
	}
	return &Capture{
		source:       source,
		queue:        queue,
		clock:        clock,
		frameSamples: frameSamples,
	}
}

// SetLevelFunc registers a callback receiving the 0..1 energy of every
// armed frame. It must not block.
func (c *Capture) SetLevelFunc(fn func(float64)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onLevel = fn
}

// Arm tags subsequent frames with questionID.
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

func (c *Capture) Armed() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.armed
}

// Err returns the device failure that stopped the loop, if any.
func (c *Capture) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Captured is the number of frames pushed since start.
func (c *Capture) Captured() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.captured
}

func (c *Capture) Dropped() uint64 {
	return c.queue.Dropped()
}

// Run is the acquisition loop. A failing device is recorded in Err and the
// loop returns nil: a missing modality degrades the session, it does not
// end it.
func (c *Capture) Run(ctx context.Context) error {
	slog.Debug("Audio capture starting",
		"sampleRate", c.source.SampleRate(),
		"frameSamples", c.frameSamples)
	defer slog.Debug("Audio capture stopped", "captured", c.Captured(), "dropped", c.Dropped())

	rate := c.source.SampleRate()
	if rate <= 0 {
		c.fail(fmt.Errorf("%w: %d", ErrInvalidSampleRate, rate))
		return nil
	}
	frameDuration := time.Duration(c.frameSamples) * time.Second / time.Duration(rate)

	for {
		if ctx.Err() != nil {
			return nil
		}

		buf := make([]int16, c.frameSamples)
		n, err := c.source.Read(ctx, buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			c.fail(err)
			return nil
		}
		if n == 0 {
			continue
		}

		captured := c.clock.Now() - frameDuration
		if captured < 0 {
			captured = 0
		}
		c.push(buf[:n], captured, rate)
	}
}

func (c *Capture) push(samples []int16, captured time.Duration, rate int) {
	c.mu.Lock()
	if c.armed == "" {
		c.mu.Unlock()
		return
	}
	c.seq++
	frame := frames.AudioFrame{
		Seq:        c.seq,
		QuestionID: c.armed,
		Captured:   captured,
		SampleRate: rate,
		Samples:    samples,
	}
	if c.queue.Push(frame) {
		slog.Debug("Audio queue full, dropped oldest frame",
			"questionID", c.armed,
			"dropped", c.queue.Dropped())
	}
	c.captured++
	onLevel := c.onLevel
	c.mu.Unlock()

	metrics.FrameCaptured(string(frames.Audio))
	if onLevel != nil {
		onLevel(Energy(samples))
	}
}

func (c *Capture) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	slog.Error("Audio capture failed", "error", err)
}
