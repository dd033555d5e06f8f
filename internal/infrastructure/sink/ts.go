package sink

import (
	"bytes"
	"context"
	"errors"

	"github.com/asticode/go-astits"
)

const (
	ptsClockRate = 90000
	ptsWrap      = int64(1) << 33
)

var errNoTimestamps = errors.New("no PES timestamps in segment")

// tsSpan returns the presentation span in seconds of an MPEG-TS segment,
// from its first to its last PES timestamp. Timestamps are 33 bit and may
// wrap inside a segment.
func tsSpan(data []byte) (float64, error) {
	dmx := astits.NewDemuxer(context.Background(), bytes.NewReader(data))

	var (
		first    int64
		havePTS  bool
		maxDelta int64
	)
	for {
		d, err := dmx.NextData()
		if err != nil {
			if errors.Is(err, astits.ErrNoMorePackets) {
				break
			}
			return 0, err
		}
		if d.PES == nil || d.PES.Header == nil || d.PES.Header.OptionalHeader == nil {
			continue
		}
		pts := d.PES.Header.OptionalHeader.PTS
		if pts == nil {
			continue
		}
		if !havePTS {
			first = pts.Base
			havePTS = true
			continue
		}
		delta := (pts.Base - first + ptsWrap) % ptsWrap
		if delta > maxDelta && delta < ptsWrap/2 {
			maxDelta = delta
		}
	}

	if !havePTS {
		return 0, errNoTimestamps
	}
	return float64(maxDelta) / ptsClockRate, nil
}
