// Package capture defines the live audio/video source contracts the core
// borrows from the device layer: handles, tracks, frame grabbing and the
// platform recorder primitive.
package capture

import (
	"context"
	"time"
)

// Kind distinguishes audio and video tracks.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Track is a single audio or video component of a Handle. Tracks are shared
// with sibling features, so consumers must not Stop a track they did not start.
type Track interface {
	ID() string
	Kind() Kind
	Enabled() bool
	SetEnabled(enabled bool)
	Live() bool
	Stop()
}

// Handle is a live source with an ordered set of tracks.
type Handle interface {
	Tracks() []Track
}

// Frame is one still image grabbed from a video track.
type Frame struct {
	Data        []byte
	ContentType string
	Width       int
	Height      int
	Timestamp   time.Time
}

// FrameGrabber is implemented by video tracks that can produce a still frame.
type FrameGrabber interface {
	GrabFrame(ctx context.Context) (Frame, error)
}

// Recorder is the platform recording primitive bound to a track subset.
//
// Chunks delivers encoded data in capture order. The channel is closed
// exactly once, after the final chunk has been flushed following Stop (or
// when the underlying tracks end).
type Recorder interface {
	Start(timeslice time.Duration) error
	Pause() error
	Resume() error
	Stop() error
	Chunks() <-chan []byte
}

// RecorderFactory constructs platform recorders.
type RecorderFactory interface {
	NewRecorder(tracks []Track, mimeType string) (Recorder, error)
}

// RecorderFactoryFunc adapts a function to RecorderFactory.
type RecorderFactoryFunc func(tracks []Track, mimeType string) (Recorder, error)

func (f RecorderFactoryFunc) NewRecorder(tracks []Track, mimeType string) (Recorder, error) {
	return f(tracks, mimeType)
}

// TracksOf returns the tracks of kind k in handle order.
func TracksOf(h Handle, k Kind) []Track {
	if h == nil {
		return nil
	}
	var out []Track
	for _, t := range h.Tracks() {
		if t != nil && t.Kind() == k {
			out = append(out, t)
		}
	}
	return out
}

// AudioTracks returns the audio tracks of h.
func AudioTracks(h Handle) []Track { return TracksOf(h, KindAudio) }

// VideoTracks returns the video tracks of h.
func VideoTracks(h Handle) []Track { return TracksOf(h, KindVideo) }

// LiveTracks returns the tracks of h that have not ended.
func LiveTracks(h Handle) []Track {
	if h == nil {
		return nil
	}
	var out []Track
	for _, t := range h.Tracks() {
		if t != nil && t.Live() {
			out = append(out, t)
		}
	}
	return out
}

// SetKindEnabled toggles every track of kind k and reports how many were touched.
func SetKindEnabled(h Handle, k Kind, enabled bool) int {
	tracks := TracksOf(h, k)
	for _, t := range tracks {
		t.SetEnabled(enabled)
	}
	return len(tracks)
}

// StaticHandle is a Handle over a fixed track list.
type StaticHandle struct {
	tracks []Track
}

// NewHandle groups tracks into a Handle.
func NewHandle(tracks ...Track) *StaticHandle {
	return &StaticHandle{tracks: append([]Track(nil), tracks...)}
}

func (h *StaticHandle) Tracks() []Track {
	if h == nil {
		return nil
	}
	return append([]Track(nil), h.tracks...)
}
