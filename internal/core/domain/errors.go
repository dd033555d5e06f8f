package domain

import "errors"

var (
	ErrInvalidConfiguration  = errors.New("invalid stream configuration")
	ErrSessionNotFound       = errors.New("session not found")
	ErrStaleGeneration       = errors.New("stale session generation")
	ErrInvalidTransition     = errors.New("invalid state transition")
	ErrSignalingFailed       = errors.New("signaling failed")
	ErrStartupTimeout        = errors.New("stream startup timed out")
	ErrNoFrame               = errors.New("no decoded frame available")
	ErrFullscreenUnsupported = errors.New("fullscreen not supported by sink")
	ErrNoDriver              = errors.New("no driver registered for protocol")
)
