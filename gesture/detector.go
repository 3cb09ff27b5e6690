package gesture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"time"

	"github.com/go-resty/resty/v2"
)

// ErrDetector marks a landmark detector that cannot be reached or answers
// with an error.
var ErrDetector = errors.New("landmark detector failure")

// Detector finds the most prominent face in an image. It returns nil, nil
// when there is no face.
type Detector interface {
	Detect(ctx context.Context, img image.Image) (*Face, error)
}

// HTTPDetectorConfig configures the landmark sidecar client.
type HTTPDetectorConfig struct {
	URL         string
	Timeout     time.Duration
	JPEGQuality int
}

// HTTPDetector posts JPEG frames to a local FaceMesh sidecar and reads back
// normalized landmarks.
type HTTPDetector struct {
	client  *resty.Client
	quality int
}

type landmarksResponse struct {
	Faces []Face `json:"faces"`
	Error string `json:"error"`
}

func NewHTTPDetector(cfg HTTPDetectorConfig) *HTTPDetector {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = 80
	}
	return &HTTPDetector{
		client:  resty.New().SetBaseURL(cfg.URL).SetTimeout(cfg.Timeout),
		quality: cfg.JPEGQuality,
	}
}

func (d *HTTPDetector) Detect(ctx context.Context, img image.Image) (*Face, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: d.quality}); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}

	var result landmarksResponse
	resp, err := d.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "image/jpeg").
		SetBody(buf.Bytes()).
		SetResult(&result).
		Post("/landmarks")
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrDetector, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: status %d: %s", ErrDetector, resp.StatusCode(), resp.String())
	}
	if result.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrDetector, result.Error)
	}
	if len(result.Faces) == 0 {
		return nil, nil
	}
	return &result.Faces[0], nil
}

// Ping checks the sidecar is reachable.
func (d *HTTPDetector) Ping(ctx context.Context) error {
	resp, err := d.client.R().SetContext(ctx).Get("/health")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDetector, err)
	}
	if resp.IsError() {
		return fmt.Errorf("%w: status %d", ErrDetector, resp.StatusCode())
	}
	return nil
}
