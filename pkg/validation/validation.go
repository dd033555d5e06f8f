package validation

import (
	"fmt"
	"math"
	"net/url"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// CameraIDRegex validates camera ID format
var CameraIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)

var streamSchemes = map[string]bool{
	"http":   true,
	"https":  true,
	"rtsp":   true,
	"rtsps":  true,
	"webrtc": true,
}

// ValidateStreamURL checks that a camera URL is absolute and uses a scheme
// one of the drivers can handle.
func ValidateStreamURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("url is required")
	}
	if len(raw) > 2048 {
		return fmt.Errorf("url is too long (max 2048 characters)")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url format: %w", err)
	}
	if !streamSchemes[strings.ToLower(u.Scheme)] {
		return fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("url must have a host")
	}
	return nil
}

func ValidateCameraID(cameraID string) error {
	if cameraID == "" {
		return fmt.Errorf("camera ID is required")
	}
	if len(cameraID) > 100 {
		return fmt.Errorf("camera ID is too long (max 100 characters)")
	}
	if !CameraIDRegex.MatchString(cameraID) {
		return fmt.Errorf("invalid camera ID format")
	}
	return nil
}

func ValidateSessionID(sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session ID is required")
	}
	if _, err := uuid.Parse(sessionID); err != nil {
		return fmt.Errorf("invalid session ID format")
	}
	return nil
}

// ValidateVolume rejects NaN and infinities; range clamping is left to the caller.
func ValidateVolume(v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("volume must be a finite number")
	}
	return nil
}

// ValidateStartLevel accepts -1 (automatic) or a ladder index.
func ValidateStartLevel(level int) error {
	if level < -1 {
		return fmt.Errorf("start level must be -1 (auto) or >= 0")
	}
	return nil
}
