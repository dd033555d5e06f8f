package mjpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"camwatch/internal/core/domain"
	"camwatch/internal/core/ports"
	"camwatch/internal/infrastructure/drivers"

	"go.uber.org/zap"
)

var (
	errNotJPEG    = errors.New("response is not a jpeg image")
	errNoBoundary = errors.New("multipart response without boundary")
)

var jpegSOI = []byte{0xFF, 0xD8}

// Driver shows the first frame of an MJPEG stream, or a single JPEG, as the
// sink's poster image.
type Driver struct {
	client        *http.Client
	maxFrameBytes int64
	logger        *zap.SugaredLogger
}

func NewDriver(client *http.Client, maxFrameBytes int64, logger *zap.SugaredLogger) *Driver {
	if client == nil {
		client = http.DefaultClient
	}
	if maxFrameBytes <= 0 {
		maxFrameBytes = 8 << 20
	}
	return &Driver{client: client, maxFrameBytes: maxFrameBytes, logger: logger}
}

func (d *Driver) Protocol() domain.Protocol {
	return domain.ProtocolMJPEG
}

func (d *Driver) Start(ctx context.Context, req ports.DriverRequest) (ports.ProtocolHandle, error) {
	ctx, cancel := context.WithCancel(ctx)
	go d.load(ctx, req)
	return drivers.NewHandle(ports.HandleImagePoll, cancel), nil
}

func (d *Driver) load(ctx context.Context, req ports.DriverRequest) {
	cb := req.Callbacks

	img, err := d.fetchFrame(ctx, req.URL)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		d.logger.Warnw("mjpeg frame load failed",
			"session_id", req.SessionID,
			"error", err,
		)
		cb.Fail(err)
		return
	}
	if !cb.Active() {
		return
	}

	req.Sink.SetPoster(img)
	b := img.Bounds()
	cb.SetQuality(domain.Quality{Width: b.Dx(), Height: b.Dy(), Codec: "mjpeg"})
	cb.Transition(domain.StatePlaying)
}

func (d *Driver) fetchFrame(ctx context.Context, url string) (image.Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching mjpeg: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetching mjpeg: unexpected status %d", resp.StatusCode)
	}

	var data []byte
	mediaType, params, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if strings.HasPrefix(mediaType, "multipart/") {
		data, err = d.firstPart(resp.Body, params["boundary"])
	} else {
		data, err = io.ReadAll(io.LimitReader(resp.Body, d.maxFrameBytes))
	}
	if err != nil {
		return nil, err
	}

	if !bytes.HasPrefix(data, jpegSOI) {
		return nil, errNotJPEG
	}
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding jpeg: %w", err)
	}
	return img, nil
}

// firstPart reads the first part of a multipart/x-mixed-replace body. Parts
// that carry Content-Length are read without waiting for the next boundary.
func (d *Driver) firstPart(body io.Reader, boundary string) ([]byte, error) {
	// Some cameras advertise the boundary with its leading dashes.
	boundary = strings.TrimPrefix(boundary, "--")
	if boundary == "" {
		return nil, errNoBoundary
	}

	part, err := multipart.NewReader(body, boundary).NextPart()
	if err != nil {
		return nil, fmt.Errorf("reading multipart frame: %w", err)
	}
	// part.Close would drain up to the next boundary, which on a live stream
	// is the next frame.

	if n, err := strconv.ParseInt(part.Header.Get("Content-Length"), 10, 64); err == nil && n > 0 && n <= d.maxFrameBytes {
		buf := make([]byte, n)
		if _, err := io.ReadFull(part, buf); err != nil {
			return nil, fmt.Errorf("reading multipart frame: %w", err)
		}
		return buf, nil
	}

	data, err := io.ReadAll(io.LimitReader(part, d.maxFrameBytes))
	if err != nil {
		return nil, fmt.Errorf("reading multipart frame: %w", err)
	}
	return data, nil
}
