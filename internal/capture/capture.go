package capture

import (
	"bytes"
	"fmt"
	"image"
	"image/png"

	"github.com/kbinani/screenshot"
)

// Capturer produces one still image of a display surface on demand.
type Capturer interface {
	Capture(display int) (image.Image, error)
}

// ScreenCapturer grabs whole-display screenshots via the platform
// capture APIs.
type ScreenCapturer struct{}

func NewScreenCapturer() *ScreenCapturer {
	return &ScreenCapturer{}
}

// Capture grabs the full bounds of the given display. Display indexes
// start at 0.
func (c *ScreenCapturer) Capture(display int) (image.Image, error) {
	n := screenshot.NumActiveDisplays()
	if display < 0 || display >= n {
		return nil, fmt.Errorf("display %d not found (%d active displays)", display, n)
	}

	bounds := screenshot.GetDisplayBounds(display)
	img, err := screenshot.CaptureRect(bounds)
	if err != nil {
		return nil, fmt.Errorf("failed to capture display %d: %w", display, err)
	}
	return img, nil
}

// EncodePNG renders an image to PNG bytes for wire transport.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode frame as png: %w", err)
	}
	return buf.Bytes(), nil
}
