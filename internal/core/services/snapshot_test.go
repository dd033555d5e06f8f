package services

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"camwatch/internal/core/domain"
	"camwatch/tests/testutils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jpegSize(t *testing.T, data []byte) image.Point {
	t.Helper()
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
	require.NoError(t, err)
	return image.Point{X: cfg.Width, Y: cfg.Height}
}

func TestSnapshot_NoVideoYet(t *testing.T) {
	c := NewSnapshotCapturer(DefaultJPEGQuality)

	data, err := c.Capture(testutils.NewFakeSink())
	assert.NoError(t, err)
	assert.Nil(t, data)
}

func TestSnapshot_SizeWithoutFrame(t *testing.T) {
	c := NewSnapshotCapturer(DefaultJPEGQuality)
	sink := testutils.NewFakeSink()
	sink.SetFrame(nil, 320, 240)

	_, err := c.Capture(sink)
	assert.ErrorIs(t, err, domain.ErrNoFrame)
}

func TestSnapshot_NativeSize(t *testing.T) {
	c := NewSnapshotCapturer(80)
	sink := testutils.NewFakeSink()
	sink.SetFrame(solidFrame(160, 90, color.RGBA{G: 200, A: 255}), 160, 90)

	data, err := c.Capture(sink)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0xD8}, data[:2])
	assert.Equal(t, image.Point{X: 160, Y: 90}, jpegSize(t, data))

	decoded, err := jpeg.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	r, g, b, _ := decoded.At(80, 45).RGBA()
	assert.Less(t, r>>8, uint32(40))
	assert.Greater(t, g>>8, uint32(160))
	assert.Less(t, b>>8, uint32(40))
}

func TestSnapshot_ScalesToVideoSize(t *testing.T) {
	c := NewSnapshotCapturer(DefaultJPEGQuality)
	sink := testutils.NewFakeSink()
	// A decoder may hand out a frame at a different resolution than the
	// reported video size.
	sink.SetFrame(solidFrame(64, 64, color.RGBA{R: 255, A: 255}), 128, 72)

	data, err := c.Capture(sink)
	require.NoError(t, err)
	assert.Equal(t, image.Point{X: 128, Y: 72}, jpegSize(t, data))
}

func TestSnapshot_OffsetBounds(t *testing.T) {
	c := NewSnapshotCapturer(DefaultJPEGQuality)
	sink := testutils.NewFakeSink()
	frame := solidFrame(100, 100, color.RGBA{B: 255, A: 255}).(*image.RGBA).SubImage(image.Rect(20, 20, 60, 50))
	sink.SetFrame(frame, 40, 30)

	data, err := c.Capture(sink)
	require.NoError(t, err)
	assert.Equal(t, image.Point{X: 40, Y: 30}, jpegSize(t, data))
}

func TestNewSnapshotCapturer_QualityBounds(t *testing.T) {
	assert.Equal(t, DefaultJPEGQuality, NewSnapshotCapturer(0).quality)
	assert.Equal(t, DefaultJPEGQuality, NewSnapshotCapturer(101).quality)
	assert.Equal(t, 50, NewSnapshotCapturer(50).quality)
}
