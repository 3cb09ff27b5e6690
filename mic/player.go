package mic

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/gordonklaus/portaudio"
	"github.com/youpy/go-wav"
)

// PlayFile plays a recorded answer through the default output device until
// the file ends or ctx is cancelled.
func PlayFile(ctx context.Context, filename string) error {
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	defer portaudio.Terminate()

	file, err := os.Open(filename)
	if err != nil {
		return fmt.Errorf("failed to open audio file: %w", err)
	}
	defer file.Close()

	reader := wav.NewReader(file)

	format, err := reader.Format()
	if err != nil {
		return fmt.Errorf("failed to read WAV format: %w", err)
	}

	finished := make(chan struct{})
	var once bool

	stream, err := portaudio.OpenDefaultStream(
		0,
		int(format.NumChannels),
		float64(format.SampleRate),
		framesPerBuffer,
		func(out []int16) {
			samples, err := reader.ReadSamples(uint32(len(out) / int(format.NumChannels)))
			if err == io.EOF || (err == nil && len(samples) == 0) {
				for i := range out {
					out[i] = 0
				}
				if !once {
					once = true
					close(finished)
				}
				return
			}
			if err != nil {
				slog.Error("Error reading from WAV file", "error", err)
				return
			}

			i := 0
			for _, sample := range samples {
				for ch := 0; ch < int(format.NumChannels) && ch < len(sample.Values) && i < len(out); ch++ {
					out[i] = int16(sample.Values[ch])
					i++
				}
			}
			// Fill remaining buffer with silence if needed
			for ; i < len(out); i++ {
				out[i] = 0
			}
		},
	)
	if err != nil {
		return fmt.Errorf("failed to open audio stream: %w", err)
	}
	defer stream.Close()

	if err := stream.Start(); err != nil {
		return fmt.Errorf("failed to start audio stream: %w", err)
	}

	slog.Info("Playing audio", "file", filename, "sampleRate", format.SampleRate)

	select {
	case <-ctx.Done():
	case <-finished:
	}

	return stream.Stop()
}
