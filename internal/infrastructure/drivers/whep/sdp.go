package whep

import (
	"strings"

	"github.com/pion/sdp/v3"
)

// videoCodec returns the encoding name of the first video format in an SDP,
// "" when the SDP has no video section or does not parse.
func videoCodec(raw string) string {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return ""
	}

	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Media != "video" || len(md.MediaName.Formats) == 0 {
			continue
		}
		pt := md.MediaName.Formats[0]
		for _, attr := range md.Attributes {
			if attr.Key != "rtpmap" {
				continue
			}
			fields := strings.Fields(attr.Value)
			if len(fields) < 2 || fields[0] != pt {
				continue
			}
			name, _, _ := strings.Cut(fields[1], "/")
			return name
		}
	}
	return ""
}
