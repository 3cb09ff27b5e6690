package mic

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bosley/rehearse/audio"
	"github.com/gordonklaus/portaudio"
)

const (
	DefaultSampleRate = 16000
	channels          = 1
	framesPerBuffer   = 1024
)

// Source is a blocking portaudio input stream. It satisfies audio.Source.
type Source struct {
	stream     *portaudio.Stream
	buf        []int16
	pending    []int16
	sampleRate int
	deviceName string
}

// Open starts the input stream on deviceID, or on the default input device
// when deviceID is negative.
func Open(deviceID int, sampleRate int) (*Source, error) {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}

	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: failed to initialize PortAudio: %v", audio.ErrDeviceUnavailable, err)
	}

	device, err := selectDevice(deviceID)
	if err != nil {
		portaudio.Terminate()
		return nil, err
	}

	slog.Info("Using audio device",
		"deviceID", deviceID,
		"deviceName", device.Name,
		"sampleRate", sampleRate,
		"inputChannels", device.MaxInputChannels)

	inputParams := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   device,
			Channels: channels,
			Latency:  device.DefaultLowInputLatency,
		},
		SampleRate:      float64(sampleRate),
		FramesPerBuffer: framesPerBuffer,
	}

	s := &Source{
		buf:        make([]int16, framesPerBuffer),
		sampleRate: sampleRate,
		deviceName: device.Name,
	}

	stream, err := portaudio.OpenStream(inputParams, s.buf)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("%w: failed to open audio stream: %v", audio.ErrDeviceUnavailable, err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, fmt.Errorf("%w: failed to start audio stream: %v", audio.ErrDeviceUnavailable, err)
	}
	s.stream = stream
	return s, nil
}

func selectDevice(deviceID int) (*portaudio.DeviceInfo, error) {
	if deviceID < 0 {
		device, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("%w: failed to get default input device: %v", audio.ErrDeviceUnavailable, err)
		}
		return device, nil
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get devices: %v", audio.ErrDeviceUnavailable, err)
	}
	if deviceID >= len(devices) {
		return nil, fmt.Errorf("%w: invalid device ID %d", audio.ErrDeviceUnavailable, deviceID)
	}
	device := devices[deviceID]
	if device.MaxInputChannels == 0 {
		return nil, fmt.Errorf("%w: device %d (%s) is not an input device",
			audio.ErrDeviceUnavailable, deviceID, device.Name)
	}
	return device, nil
}

func (s *Source) SampleRate() int {
	return s.sampleRate
}

func (s *Source) DeviceName() string {
	return s.deviceName
}

// Read fills out from the device, one portaudio buffer at a time.
func (s *Source) Read(ctx context.Context, out []int16) (int, error) {
	n := copy(out, s.pending)
	s.pending = s.pending[n:]

	for n < len(out) {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if err := s.stream.Read(); err != nil {
			if err == portaudio.InputOverflowed {
				slog.Debug("Audio input overflowed")
			} else {
				return n, fmt.Errorf("error reading from audio stream: %w", err)
			}
		}
		copied := copy(out[n:], s.buf)
		n += copied
		if copied < len(s.buf) {
			s.pending = append(s.pending[:0], s.buf[copied:]...)
		}
	}
	return n, nil
}

func (s *Source) Close() error {
	defer portaudio.Terminate()
	if err := s.stream.Stop(); err != nil {
		slog.Error("Failed to stop audio stream", "error", err)
	}
	return s.stream.Close()
}

// Device describes one input device for listing.
type Device struct {
	ID                int
	Name              string
	MaxInputChannels  int
	DefaultSampleRate float64
	Default           bool
}

// ListDevices returns every device with at least one input channel. IDs are
// portaudio indices, usable as audio.device.
func ListDevices() ([]Device, error) {
	err := portaudio.Initialize()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	defer portaudio.Terminate()

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to get devices: %w", err)
	}

	var defaultName string
	if def, err := portaudio.DefaultInputDevice(); err == nil {
		defaultName = def.Name
	}

	inputDevices := make([]Device, 0)
	for i, device := range devices {
		if device.MaxInputChannels > 0 {
			inputDevices = append(inputDevices, Device{
				ID:                i,
				Name:              device.Name,
				MaxInputChannels:  device.MaxInputChannels,
				DefaultSampleRate: device.DefaultSampleRate,
				Default:           device.Name == defaultName,
			})
		}
	}

	return inputDevices, nil
}
