package hls

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"camwatch/pkg/utils"
)

// ErrorKind is the recovery class of an engine failure.
type ErrorKind string

const (
	// ErrorNetwork failures are retried by reloading the manifest.
	ErrorNetwork ErrorKind = "network"
	// ErrorMedia failures are retried by resetting the media pipeline.
	ErrorMedia ErrorKind = "media"
	// ErrorOther failures end the session.
	ErrorOther ErrorKind = "other"
)

var (
	errEmptyLadder         = errors.New("playlist has no playable variants")
	errUnsupportedPlaylist = errors.New("unsupported playlist type")
	errReloadExhausted     = errors.New("manifest reload exhausted")
	errRecoveryFailed      = errors.New("media recovery failed")
)

// statusError is a non-2xx response for a playlist or segment.
type statusError struct {
	URL        string
	StatusCode int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d", e.URL, e.StatusCode)
}

// parseError wraps a playlist that could not be decoded.
type parseError struct {
	URL string
	Err error
}

func (e *parseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.URL, e.Err)
}

func (e *parseError) Unwrap() error { return e.Err }

// appendError wraps a segment the sink refused.
type appendError struct {
	Sequence uint64
	Err      error
}

func (e *appendError) Error() string {
	return fmt.Sprintf("append segment %d: %v", e.Sequence, e.Err)
}

func (e *appendError) Unwrap() error { return e.Err }

// Classify maps an error to its recovery class. Typed errors are checked
// first; anything else falls back to message keywords.
func Classify(err error) ErrorKind {
	if err == nil {
		return ErrorOther
	}

	var (
		se *statusError
		pe *parseError
		ae *appendError
		ne net.Error
		ue *url.Error
	)
	switch {
	case errors.Is(err, errEmptyLadder), errors.Is(err, errUnsupportedPlaylist),
		errors.Is(err, errReloadExhausted), errors.Is(err, errRecoveryFailed):
		return ErrorOther
	case errors.As(err, &pe), errors.As(err, &ae):
		return ErrorMedia
	case errors.As(err, &se), errors.As(err, &ne), errors.As(err, &ue),
		errors.Is(err, context.DeadlineExceeded):
		return ErrorNetwork
	}

	msg := strings.ToLower(err.Error())
	if utils.ContainsAny(msg, "codec", "decode", "demux", "format", "corrupt", "invalid segment") {
		return ErrorMedia
	}
	if utils.ContainsAny(msg, "connection", "timeout", "unreachable", "network", "dns", "eof", "reset by peer") {
		return ErrorNetwork
	}
	return ErrorOther
}
