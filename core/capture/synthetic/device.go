// Package synthetic provides a mock capture device: a generated video track
// and a silent audio track, plus a recorder that encodes them into chunks.
// It stands in for real hardware in tests and in `capturectl serve --mock-device`.
package synthetic

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cordum/capturekit/core/capture"
	"github.com/google/uuid"
)

const (
	defaultWidth  = 640
	defaultHeight = 480
	maxDimension  = 4096
)

// ErrTrackEnded is returned when grabbing from a stopped track.
var ErrTrackEnded = errors.New("track ended")

// Options selects which tracks the device exposes.
type Options struct {
	Video  bool
	Audio  bool
	Width  int
	Height int
	Clock  func() time.Time
}

// Device is a capture.Handle backed by generated media.
type Device struct {
	*capture.StaticHandle
	video *VideoTrack
	audio *AudioTrack
}

// NewDevice opens a mock device. Requesting no tracks is reported as
// NO_DEVICE_FOUND and out-of-range dimensions as CONSTRAINT_ERROR.
func NewDevice(opts Options) (*Device, error) {
	if !opts.Video && !opts.Audio {
		return nil, capture.NewDeviceError(capture.ErrNoDeviceFound, "no tracks requested", nil)
	}
	w, h := opts.Width, opts.Height
	if w == 0 {
		w = defaultWidth
	}
	if h == 0 {
		h = defaultHeight
	}
	if w < 0 || h < 0 || w > maxDimension || h > maxDimension {
		return nil, capture.NewDeviceError(capture.ErrConstraint, "unsupported frame size", nil)
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	d := &Device{}
	var tracks []capture.Track
	if opts.Video {
		d.video = &VideoTrack{track: newTrack(capture.KindVideo), width: w, height: h, now: now}
		tracks = append(tracks, d.video)
	}
	if opts.Audio {
		d.audio = &AudioTrack{track: newTrack(capture.KindAudio)}
		tracks = append(tracks, d.audio)
	}
	d.StaticHandle = capture.NewHandle(tracks...)
	return d, nil
}

// Stop ends every track of the device.
func (d *Device) Stop() {
	for _, t := range d.Tracks() {
		t.Stop()
	}
}

type track struct {
	id       string
	kind     capture.Kind
	disabled atomic.Bool
	ended    atomic.Bool
}

func newTrack(kind capture.Kind) track {
	return track{id: uuid.NewString(), kind: kind}
}

func (t *track) ID() string              { return t.id }
func (t *track) Kind() capture.Kind      { return t.kind }
func (t *track) Enabled() bool           { return !t.disabled.Load() }
func (t *track) SetEnabled(enabled bool) { t.disabled.Store(!enabled) }
func (t *track) Live() bool              { return !t.ended.Load() }
func (t *track) Stop()                   { t.ended.Store(true) }

// VideoTrack renders a moving gradient; disabled tracks render black frames.
type VideoTrack struct {
	track
	width  int
	height int
	now    func() time.Time

	mu    sync.Mutex
	frame int
}

// GrabFrame encodes the current frame as PNG.
func (v *VideoTrack) GrabFrame(ctx context.Context) (capture.Frame, error) {
	if err := ctx.Err(); err != nil {
		return capture.Frame{}, err
	}
	if !v.Live() {
		return capture.Frame{}, ErrTrackEnded
	}
	v.mu.Lock()
	n := v.frame
	v.frame++
	v.mu.Unlock()

	img := v.render(n)
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return capture.Frame{}, err
	}
	return capture.Frame{
		Data:        buf.Bytes(),
		ContentType: "image/png",
		Width:       v.width,
		Height:      v.height,
		Timestamp:   v.now(),
	}, nil
}

func (v *VideoTrack) render(n int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, v.width, v.height))
	if !v.Enabled() {
		return img
	}
	for y := 0; y < v.height; y++ {
		for x := 0; x < v.width; x++ {
			img.SetRGBA(x, y, color.RGBA{
				R: uint8((x + n*8) % 256),
				G: uint8((y + n*4) % 256),
				B: uint8(n % 256),
				A: 0xff,
			})
		}
	}
	return img
}

// AudioTrack produces silence.
type AudioTrack struct {
	track
}
