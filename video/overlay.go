package video

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"strings"
	"sync"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	blankWidth  = 640
	blankHeight = 480
	lineHeight  = 16
	margin      = 10
)

// Overlay holds the latest camera frame plus the text drawn over it. It is
// written by capture and the session, and read by the live view.
type Overlay struct {
	mu          sync.RWMutex
	frame       image.Image
	caption     string
	recording   bool
	banner      string
	bannerUntil time.Time
	now         func() time.Time
}

func NewOverlay() *Overlay {
	return &Overlay{now: time.Now}
}

func (o *Overlay) SetFrame(img image.Image) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.frame = img
}

// SetQuestion sets the caption to "Q{index}/{total}: prompt".
func (o *Overlay) SetQuestion(index, total int, prompt string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.caption = fmt.Sprintf("Q%d/%d: %s", index, total, prompt)
}

func (o *Overlay) SetCaption(text string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.caption = text
}

func (o *Overlay) SetRecording(recording bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.recording = recording
}

// Flash shows text in the lower banner for d.
func (o *Overlay) Flash(text string, d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.banner = text
	o.bannerUntil = o.now().Add(d)
}

func (o *Overlay) Caption() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.caption
}

// Render composes the current frame and text into a new RGBA image.
func (o *Overlay) Render() *image.RGBA {
	o.mu.RLock()
	frame := o.frame
	caption := o.caption
	recording := o.recording
	banner := ""
	if o.banner != "" && o.now().Before(o.bannerUntil) {
		banner = o.banner
	}
	o.mu.RUnlock()

	var canvas *image.RGBA
	if frame == nil {
		canvas = image.NewRGBA(image.Rect(0, 0, blankWidth, blankHeight))
		draw.Draw(canvas, canvas.Bounds(), image.NewUniform(color.RGBA{24, 24, 24, 255}), image.Point{}, draw.Src)
	} else {
		b := frame.Bounds()
		canvas = image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(canvas, canvas.Bounds(), frame, b.Min, draw.Src)
	}

	width := canvas.Bounds().Dx()
	height := canvas.Bounds().Dy()
	face := basicfont.Face7x13

	if caption != "" {
		lines := wrap(face, caption, width-2*margin)
		shade(canvas, image.Rect(0, 0, width, len(lines)*lineHeight+margin))
		for i, line := range lines {
			drawText(canvas, face, line, margin, margin+(i+1)*lineHeight-4, color.RGBA{0, 255, 0, 255})
		}
	}

	if recording {
		red := color.RGBA{220, 30, 30, 255}
		dot := image.Rect(width-margin-60, height-margin-12, width-margin-50, height-margin-2)
		draw.Draw(canvas, dot, image.NewUniform(red), image.Point{}, draw.Src)
		drawText(canvas, face, "REC", width-margin-44, height-margin-2, red)
	}

	if banner != "" {
		shade(canvas, image.Rect(0, height-lineHeight-margin, width/2, height))
		drawText(canvas, face, banner, margin, height-margin, color.RGBA{0, 255, 0, 255})
	}

	return canvas
}

// RenderJPEG encodes Render at the given quality.
func (o *Overlay) RenderJPEG(quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, o.Render(), &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode overlay: %w", err)
	}
	return buf.Bytes(), nil
}

func drawText(dst draw.Image, face font.Face, text string, x, y int, c color.Color) {
	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(text)
}

func shade(dst *image.RGBA, r image.Rectangle) {
	draw.Draw(dst, r.Intersect(dst.Bounds()), image.NewUniform(color.RGBA{0, 0, 0, 160}), image.Point{}, draw.Over)
}

// wrap splits text into lines no wider than maxWidth pixels. Basicfont has
// no glyphs outside ASCII, so those runes are replaced.
func wrap(face font.Face, text string, maxWidth int) []string {
	text = strings.Map(func(r rune) rune {
		if r > 126 {
			return '?'
		}
		return r
	}, text)

	var lines []string
	var line string
	for _, word := range strings.Fields(text) {
		candidate := word
		if line != "" {
			candidate = line + " " + word
		}
		if font.MeasureString(face, candidate).Ceil() > maxWidth && line != "" {
			lines = append(lines, line)
			line = word
			continue
		}
		line = candidate
	}
	if line != "" {
		lines = append(lines, line)
	}
	return lines
}
