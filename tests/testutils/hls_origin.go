package testutils

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/asticode/go-astits"
)

// HLSOrigin serves a synthetic HLS camera: a multivariant playlist, one media
// playlist per level and MPEG-TS segments. Live origins keep a sliding window
// that grows with Advance; VOD origins end with EXT-X-ENDLIST.
type HLSOrigin struct {
	mu sync.Mutex

	levels          []string
	segmentDuration time.Duration
	window          int
	live            bool

	firstSeq int
	nextSeq  int
	requests map[string]int
}

func NewHLSOrigin(levels []string, segmentDuration time.Duration, segments int, live bool) *HLSOrigin {
	return &HLSOrigin{
		levels:          levels,
		segmentDuration: segmentDuration,
		window:          segments,
		live:            live,
		nextSeq:         segments,
		requests:        make(map[string]int),
	}
}

// Advance publishes n more live segments, dropping the oldest ones out of
// the window.
func (o *HLSOrigin) Advance(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.nextSeq += n
	if o.nextSeq-o.firstSeq > o.window {
		o.firstSeq = o.nextSeq - o.window
	}
}

// Requests reports how often path was served.
func (o *HLSOrigin) Requests(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.requests[path]
}

func bandwidthFor(level string) int {
	switch level {
	case "high":
		return 2500000
	case "medium":
		return 1000000
	case "low":
		return 500000
	default:
		return 1000000
	}
}

func resolutionFor(level string) string {
	switch level {
	case "high":
		return "1280x720"
	case "low":
		return "640x360"
	default:
		return "960x540"
	}
}

// MultivariantPlaylist lists every level, highest bandwidth first.
func (o *HLSOrigin) MultivariantPlaylist() string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n")
	for _, level := range o.levels {
		fmt.Fprintf(&b, "#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%s,CODECS=\"avc1.64001f\"\n",
			bandwidthFor(level), resolutionFor(level))
		fmt.Fprintf(&b, "%s/index.m3u8\n", level)
	}
	return b.String()
}

func (o *HLSOrigin) MediaPlaylist() string {
	o.mu.Lock()
	first, next := o.firstSeq, o.nextSeq
	o.mu.Unlock()

	target := int(o.segmentDuration.Seconds() + 0.999)
	if target < 1 {
		target = 1
	}

	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n")
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", target)
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", first)
	for seq := first; seq < next; seq++ {
		fmt.Fprintf(&b, "#EXTINF:%.3f,\nseg%d.ts\n", o.segmentDuration.Seconds(), seq)
	}
	if !o.live {
		b.WriteString("#EXT-X-ENDLIST\n")
	}
	return b.String()
}

// Segment muxes the TS segment for a sequence number: one H.264 access unit
// at its start and one at its end, so the PTS span equals the segment
// duration.
func (o *HLSOrigin) Segment(seq int) ([]byte, error) {
	start := int64(seq) * int64(o.segmentDuration.Seconds()*90000)
	end := start + int64(o.segmentDuration.Seconds()*90000)
	return MuxTS(start, end)
}

func (o *HLSOrigin) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	o.mu.Lock()
	o.requests[r.URL.Path]++
	o.mu.Unlock()

	path := strings.TrimPrefix(r.URL.Path, "/")
	switch {
	case path == "index.m3u8":
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		fmt.Fprint(w, o.MultivariantPlaylist())
	case strings.HasSuffix(path, "/index.m3u8"):
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		fmt.Fprint(w, o.MediaPlaylist())
	case strings.HasSuffix(path, ".ts"):
		name := path[strings.LastIndex(path, "/")+1:]
		seq, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, "seg"), ".ts"))
		if err != nil {
			http.NotFound(w, r)
			return
		}
		data, err := o.Segment(seq)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "video/mp2t")
		w.Write(data)
	default:
		http.NotFound(w, r)
	}
}

// MuxTS writes one H.264 PES per timestamp into an MPEG-TS byte stream.
func MuxTS(pts ...int64) ([]byte, error) {
	var buf bytes.Buffer
	mx := astits.NewMuxer(context.Background(), &buf)
	if err := mx.AddElementaryStream(astits.PMTElementaryStream{
		ElementaryPID: 0x100,
		StreamType:    astits.StreamTypeH264Video,
	}); err != nil {
		return nil, err
	}
	mx.SetPCRPID(0x100)

	for _, p := range pts {
		_, err := mx.WriteData(&astits.MuxerData{
			PID: 0x100,
			PES: &astits.PESData{
				Header: &astits.PESHeader{
					StreamID: 0xE0,
					OptionalHeader: &astits.PESOptionalHeader{
						MarkerBits:      2,
						PTSDTSIndicator: astits.PTSDTSIndicatorOnlyPTS,
						PTS:             &astits.ClockReference{Base: p},
					},
				},
				Data: []byte{0, 0, 0, 1, 0x09, 0xF0},
			},
		})
		if err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
