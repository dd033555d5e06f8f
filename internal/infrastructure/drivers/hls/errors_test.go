package hls

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, ErrorOther},
		{"empty ladder", errEmptyLadder, ErrorOther},
		{"wrapped unsupported", fmt.Errorf("load: %w", errUnsupportedPlaylist), ErrorOther},
		{"status", &statusError{URL: "http://x", StatusCode: 503}, ErrorNetwork},
		{"deadline", fmt.Errorf("fetch: %w", context.DeadlineExceeded), ErrorNetwork},
		{"parse", &parseError{URL: "http://x", Err: errors.New("bad tag")}, ErrorMedia},
		{"append", &appendError{Sequence: 4, Err: errors.New("quota")}, ErrorMedia},
		{"keyword media", errors.New("demux failed"), ErrorMedia},
		{"keyword network", errors.New("connection refused"), ErrorNetwork},
		{"unknown", errors.New("boom"), ErrorOther},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestEngineError(t *testing.T) {
	err := &EngineError{Kind: ErrorNetwork, Fatal: true, Detail: "manifestLoadError", Err: errEmptyLadder}
	assert.Equal(t, "hls network error: manifestLoadError: playlist has no playable variants", err.Error())
	assert.ErrorIs(t, err, errEmptyLadder)

	assert.Equal(t, "hls other error: x", (&EngineError{Kind: ErrorOther, Detail: "x"}).Error())
}

func TestParseResolution(t *testing.T) {
	w, h := parseResolution("1920x1080")
	assert.Equal(t, 1920, w)
	assert.Equal(t, 1080, h)

	w, h = parseResolution("bogus")
	assert.Zero(t, w)
	assert.Zero(t, h)
}
