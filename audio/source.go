package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/youpy/go-wav"
)

// ErrDeviceUnavailable marks a microphone that is missing or stopped
// delivering samples.
var ErrDeviceUnavailable = errors.New("audio device unavailable")

// ErrInvalidSampleRate is recorded when a source reports a rate the capture
// loop cannot frame.
var ErrInvalidSampleRate = errors.New("invalid sample rate")

// Source delivers mono int16 samples at the source's own cadence. Read
// blocks until buf is full or the source fails.
type Source interface {
	Read(ctx context.Context, buf []int16) (int, error)
	SampleRate() int
	Close() error
}

// WAVSource replays a recorded answer as if it came from a microphone. Once
// the file is exhausted it keeps producing silence, like an idle mic.
type WAVSource struct {
	file       *os.File
	reader     *wav.Reader
	sampleRate int
	numChans   int
	eof        bool

	// Unpaced disables real-time pacing; tests use it to run fast.
	Unpaced bool
	next    time.Time
}

func OpenWAVSource(path string) (*WAVSource, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audio file: %w", err)
	}

	reader := wav.NewReader(file)
	format, err := reader.Format()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to read WAV format: %w", err)
	}
	if format.BitsPerSample != bitsPerSample {
		file.Close()
		return nil, fmt.Errorf("unsupported bits per sample %d", format.BitsPerSample)
	}

	return &WAVSource{
		file:       file,
		reader:     reader,
		sampleRate: int(format.SampleRate),
		numChans:   int(format.NumChannels),
	}, nil
}

func (s *WAVSource) SampleRate() int {
	return s.sampleRate
}

func (s *WAVSource) Read(ctx context.Context, buf []int16) (int, error) {
	if err := s.pace(ctx, len(buf)); err != nil {
		return 0, err
	}

	n := 0
	for !s.eof && n < len(buf) {
		samples, err := s.reader.ReadSamples(uint32(len(buf) - n))
		if err == io.EOF {
			s.eof = true
			break
		}
		if err != nil {
			return n, fmt.Errorf("error reading from WAV file: %w", err)
		}
		if len(samples) == 0 {
			s.eof = true
			break
		}
		for _, sample := range samples {
			buf[n] = int16(sample.Values[0])
			n++
		}
	}
	// Fill remaining buffer with silence
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}
	return len(buf), nil
}

func (s *WAVSource) pace(ctx context.Context, samples int) error {
	if s.Unpaced {
		return ctx.Err()
	}
	now := time.Now()
	if s.next.IsZero() {
		s.next = now
	}
	wait := s.next.Sub(now)
	s.next = s.next.Add(time.Duration(samples) * time.Second / time.Duration(s.sampleRate))
	if wait <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *WAVSource) Close() error {
	return s.file.Close()
}
