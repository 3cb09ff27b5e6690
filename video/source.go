package video

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os/exec"
	"runtime"
	"sync"
)

// ErrDeviceUnavailable marks a camera that is missing or stopped delivering
// frames.
var ErrDeviceUnavailable = errors.New("video device unavailable")

// Source delivers frames at the camera's own cadence. Next blocks until a
// frame is available.
type Source interface {
	Next(ctx context.Context) (image.Image, error)
	Close() error
}

// WebcamConfig holds webcam configuration
type WebcamConfig struct {
	DeviceIndex int
	Width       int
	Height      int
	FPS         int
}

// Webcam streams grayscale raw frames from ffmpeg. Landmark detection does
// not need colour, and raw frames avoid decoding MJPEG on every tick.
type Webcam struct {
	cfg    WebcamConfig
	cmd    *exec.Cmd
	reader *bufio.Reader
	frame  int

	mu     sync.Mutex
	closed bool
}

// OpenWebcam starts ffmpeg on the configured device.
func OpenWebcam(ctx context.Context, cfg WebcamConfig) (*Webcam, error) {
	if cfg.Width == 0 {
		cfg.Width = 640
	}
	if cfg.Height == 0 {
		cfg.Height = 480
	}
	if cfg.FPS == 0 {
		cfg.FPS = 15
	}

	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return nil, fmt.Errorf("%w: ffmpeg not found: %v", ErrDeviceUnavailable, err)
	}

	cmd := exec.CommandContext(ctx, "ffmpeg", buildFFmpegArgs(cfg)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: failed to start ffmpeg: %v", ErrDeviceUnavailable, err)
	}

	slog.Info("Webcam capture started",
		"device", cfg.DeviceIndex,
		"width", cfg.Width,
		"height", cfg.Height,
		"fps", cfg.FPS)

	return &Webcam{
		cfg:    cfg,
		cmd:    cmd,
		reader: bufio.NewReaderSize(stdout, cfg.Width*cfg.Height*2),
		frame:  cfg.Width * cfg.Height,
	}, nil
}

func (w *Webcam) Next(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img := image.NewGray(image.Rect(0, 0, w.cfg.Width, w.cfg.Height))
	if _, err := io.ReadFull(w.reader, img.Pix[:w.frame]); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: webcam stream ended: %v", ErrDeviceUnavailable, err)
	}
	return img, nil
}

func (w *Webcam) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if w.cmd.Process != nil {
		w.cmd.Process.Kill()
	}
	w.cmd.Wait()
	return nil
}

func buildFFmpegArgs(cfg WebcamConfig) []string {
	args := []string{"-hide_banner", "-loglevel", "error"}

	switch runtime.GOOS {
	case "darwin":
		args = append(args,
			"-f", "avfoundation",
			"-framerate", "30",
			"-video_size", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
			"-i", fmt.Sprintf("%d", cfg.DeviceIndex),
		)
	case "windows":
		args = append(args,
			"-f", "dshow",
			"-framerate", "30",
			"-video_size", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
			"-i", fmt.Sprintf("video=%d", cfg.DeviceIndex),
		)
	default:
		args = append(args,
			"-f", "v4l2",
			"-framerate", "30",
			"-video_size", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
			"-i", fmt.Sprintf("/dev/video%d", cfg.DeviceIndex),
		)
	}

	return append(args,
		"-an",
		"-vf", fmt.Sprintf("fps=%d,scale=%d:%d", cfg.FPS, cfg.Width, cfg.Height),
		"-pix_fmt", "gray",
		"-f", "rawvideo",
		"-",
	)
}
