package services

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	"camwatch/internal/core/domain"
	"camwatch/internal/core/ports"

	"golang.org/x/image/draw"
)

const DefaultJPEGQuality = 92

// SnapshotCapturer encodes the sink's visible frame as a JPEG at the sink's
// native video size.
type SnapshotCapturer struct {
	quality int
}

func NewSnapshotCapturer(quality int) *SnapshotCapturer {
	if quality < 1 || quality > 100 {
		quality = DefaultJPEGQuality
	}
	return &SnapshotCapturer{quality: quality}
}

// Capture returns nil, nil while the sink reports no video size. A sink that
// reports a size but has no frame returns domain.ErrNoFrame.
func (c *SnapshotCapturer) Capture(sink ports.Sink) ([]byte, error) {
	w, h := sink.VideoSize()
	if w <= 0 || h <= 0 {
		return nil, nil
	}

	frame := sink.CurrentFrame()
	if frame == nil {
		return nil, domain.ErrNoFrame
	}

	canvas := image.NewRGBA(image.Rect(0, 0, w, h))
	src := frame.Bounds()
	if src.Dx() == w && src.Dy() == h {
		draw.Draw(canvas, canvas.Bounds(), frame, src.Min, draw.Src)
	} else {
		draw.CatmullRom.Scale(canvas, canvas.Bounds(), frame, src, draw.Src, nil)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, canvas, &jpeg.Options{Quality: c.quality}); err != nil {
		return nil, fmt.Errorf("encoding snapshot: %w", err)
	}
	return buf.Bytes(), nil
}
