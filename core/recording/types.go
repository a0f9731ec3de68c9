// Package recording drives a single recording session over a borrowed
// capture handle: start, pause, resume, stop with an optional deadline, and
// still snapshots.
package recording

import (
	"fmt"
	"strings"
	"time"

	"github.com/cordum/capturekit/core/capture"
)

// PlatformRecorder and RecorderFactory are the platform recording primitive.
type (
	PlatformRecorder = capture.Recorder
	RecorderFactory  = capture.RecorderFactory
)

// State is the session lifecycle state.
type State string

const (
	StateIdle      State = "idle"
	StateRecording State = "recording"
	StatePaused    State = "paused"
	StateStopped   State = "stopped"
)

// Mode selects which track kinds are recorded.
type Mode string

const (
	ModeBoth      Mode = "both"
	ModeVideoOnly Mode = "video-only"
	ModeAudioOnly Mode = "audio-only"
)

// ParseMode accepts the canonical mode names; empty means ModeBoth.
func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ModeBoth:
		return ModeBoth, nil
	case ModeVideoOnly:
		return ModeVideoOnly, nil
	case ModeAudioOnly:
		return ModeAudioOnly, nil
	default:
		return "", fmt.Errorf("unknown recording mode %q", raw)
	}
}

// DefaultMimeType is the container used when the caller does not pick one.
func DefaultMimeType(mode Mode) string {
	if mode == ModeAudioOnly {
		return "audio/webm"
	}
	return "video/webm"
}

// ArtifactKind tells clips from snapshots.
type ArtifactKind string

const (
	KindClip     ArtifactKind = "clip"
	KindSnapshot ArtifactKind = "snapshot"
)

// Artifact is an immutable recording or snapshot.
type Artifact struct {
	ID          string
	Kind        ArtifactKind
	Data        []byte
	ContentType string
	CreatedAt   time.Time
	Duration    time.Duration
}

// Size returns the payload length in bytes.
func (a *Artifact) Size() int {
	if a == nil {
		return 0
	}
	return len(a.Data)
}

// StartOptions configures a recording session.
type StartOptions struct {
	Mode       Mode
	MimeType   string
	TimeLimit  time.Duration
	OnComplete func(*Artifact)
}

// Session is a read-only view of the current or last session.
type Session struct {
	ID        string
	Mode      Mode
	MimeType  string
	State     State
	StartedAt time.Time
	Deadline  time.Time
	Chunks    int
	Bytes     int
}

// Timer is the part of *time.Timer the engine needs.
type Timer interface {
	Stop() bool
}

// isValidTransition enforces the session state machine edges.
func isValidTransition(from, to State) bool {
	switch from {
	case StateIdle, StateStopped:
		return to == StateRecording
	case StateRecording:
		return to == StatePaused || to == StateStopped
	case StatePaused:
		return to == StateRecording || to == StateStopped
	default:
		return false
	}
}

func isActive(s State) bool {
	return s == StateRecording || s == StatePaused
}
