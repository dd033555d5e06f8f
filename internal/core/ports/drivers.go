package ports

import (
	"context"

	"camwatch/internal/core/domain"
)

type HandleKind string

const (
	HandleHLSEngine      HandleKind = "hls-engine"
	HandlePeerConnection HandleKind = "peer-connection"
	HandleImagePoll      HandleKind = "image-poll"
	HandleNone           HandleKind = "none"
)

// ProtocolHandle is the protocol specific resource a session owns. Teardown
// must be safe to call more than once and release resources exactly once.
type ProtocolHandle interface {
	Kind() HandleKind
	Teardown()
	Closed() bool
}

// SessionCallbacks is how a driver reports progress for one session. Every
// method is a no-op returning false once the session was stopped or replaced.
type SessionCallbacks interface {
	Transition(state domain.State) bool
	SetQuality(q domain.Quality) bool
	// Fail records a fatal error, moves the session to error and tears down
	// its protocol handle.
	Fail(err error) bool
	Active() bool
}

type DriverRequest struct {
	SessionID domain.SessionID
	URL       string
	Sink      Sink
	Options   domain.StreamOptions
	Callbacks SessionCallbacks
}

// Driver starts a session for one protocol family against a sink. Start
// returns once the protocol handle exists; playback progress is reported
// through req.Callbacks. ctx bounds the session's lifetime, not just Start.
type Driver interface {
	Protocol() domain.Protocol
	Start(ctx context.Context, req DriverRequest) (ProtocolHandle, error)
}
