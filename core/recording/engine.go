package recording

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cordum/capturekit/core/capture"
	"github.com/cordum/capturekit/core/infra/logging"
	"github.com/cordum/capturekit/core/infra/metrics"
	"github.com/google/uuid"
)

const (
	component        = "recorder"
	defaultTimeslice = time.Second
	snapshotMimeType = "image/png"
)

// ErrNotRecording is returned by StopAndWait when no session exists.
var ErrNotRecording = errors.New("no recording session")

// Option configures an Engine.
type Option func(*Engine)

// WithMetrics sets the metrics sink.
func WithMetrics(m metrics.Metrics) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithAfterFunc overrides how deadline timers are armed.
func WithAfterFunc(fn func(time.Duration, func()) Timer) Option {
	return func(e *Engine) {
		if fn != nil {
			e.afterFunc = fn
		}
	}
}

// WithTimeslice sets how often the platform recorder emits chunks.
func WithTimeslice(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeslice = d
		}
	}
}

// Engine owns at most one active session over a borrowed capture handle.
type Engine struct {
	handle    capture.Handle
	factory   RecorderFactory
	metrics   metrics.Metrics
	now       func() time.Time
	afterFunc func(time.Duration, func()) Timer
	timeslice time.Duration

	mu       sync.Mutex
	state    State
	session  *session
	artifact *Artifact
}

type session struct {
	id         string
	mode       Mode
	mimeType   string
	startedAt  time.Time
	deadline   time.Time
	recorder   PlatformRecorder
	chunks     [][]byte
	onComplete func(*Artifact)
	timer      Timer
	stopping   bool
	reason     string
	pausedAt   time.Time
	pausedFor  time.Duration
	artifact   *Artifact

	abort     chan struct{}
	abortOnce sync.Once
	done      chan struct{}
}

// NewEngine binds an engine to handle. A nil handle is accepted; Start then
// reports NO_DEVICE_FOUND.
func NewEngine(handle capture.Handle, factory RecorderFactory, opts ...Option) *Engine {
	e := &Engine{
		handle:    handle,
		factory:   factory,
		metrics:   metrics.Noop{},
		now:       time.Now,
		afterFunc: func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) },
		timeslice: defaultTimeslice,
		state:     StateIdle,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start begins a session. It is a no-op while a session is recording or paused.
// Missing handles or tracks are returned as *capture.DeviceError; failures of
// the platform recorder are logged and leave the engine idle.
func (e *Engine) Start(opts StartOptions) error {
	if e.handle == nil {
		return capture.NewDeviceError(capture.ErrNoDeviceFound, "no capture handle", nil)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if isActive(e.state) {
		return nil
	}
	mode := opts.Mode
	if mode == "" {
		mode = ModeBoth
	}
	tracks := selectTracks(e.handle, mode)
	if len(tracks) == 0 {
		return capture.NewDeviceError(capture.ErrNoDeviceFound, "no live tracks to record", nil)
	}
	mimeType := opts.MimeType
	if mimeType == "" {
		mimeType = DefaultMimeType(mode)
	}
	if e.factory == nil {
		logging.Error(component, "no recorder factory configured")
		return nil
	}
	rec, err := e.factory.NewRecorder(tracks, mimeType)
	if err != nil {
		logging.Error(component, "recorder construction failed", "mime_type", mimeType, "error", err)
		return nil
	}
	if err := rec.Start(e.timeslice); err != nil {
		logging.Error(component, "recorder start failed", "mime_type", mimeType, "error", err)
		_ = rec.Stop()
		return nil
	}

	now := e.now()
	s := &session{
		id:         uuid.NewString(),
		mode:       mode,
		mimeType:   mimeType,
		startedAt:  now,
		recorder:   rec,
		onComplete: opts.OnComplete,
		abort:      make(chan struct{}),
		done:       make(chan struct{}),
	}
	if opts.TimeLimit > 0 {
		s.deadline = now.Add(opts.TimeLimit)
		s.timer = e.afterFunc(opts.TimeLimit, func() { e.stopSession(s, "deadline") })
	}
	e.session = s
	e.setState(StateRecording)
	go e.collect(s)

	e.metrics.IncRecordingsStarted(string(mode))
	logging.Info(component, "recording started", "session", s.id, "mode", mode, "mime_type", mimeType, "tracks", len(tracks))
	return nil
}

// Stop asks the platform recorder to flush and stop. Finalization happens
// once the final chunk is delivered. No-op unless recording or paused.
func (e *Engine) Stop() {
	e.mu.Lock()
	s := e.session
	e.mu.Unlock()
	if s != nil {
		e.stopSession(s, "manual")
	}
}

// StopAndWait stops the current session and blocks until its artifact is
// finalized. If the last session already stopped, its artifact is returned.
func (e *Engine) StopAndWait(ctx context.Context) (*Artifact, error) {
	e.mu.Lock()
	s := e.session
	e.mu.Unlock()
	if s == nil {
		return nil, ErrNotRecording
	}
	e.stopSession(s, "manual")
	select {
	case <-s.done:
		return s.artifact, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Pause suspends chunk capture. No-op unless recording.
func (e *Engine) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.session
	if e.state != StateRecording || s == nil || s.stopping {
		return
	}
	if err := s.recorder.Pause(); err != nil {
		logging.Warn(component, "pause failed", "session", s.id, "error", err)
		return
	}
	s.pausedAt = e.now()
	e.setState(StatePaused)
}

// Resume continues a paused session. No-op unless paused.
func (e *Engine) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.session
	if e.state != StatePaused || s == nil || s.stopping {
		return
	}
	if err := s.recorder.Resume(); err != nil {
		logging.Warn(component, "resume failed", "session", s.id, "error", err)
		return
	}
	s.pausedFor += e.now().Sub(s.pausedAt)
	s.pausedAt = time.Time{}
	e.setState(StateRecording)
}

// Snapshot grabs a still frame from the first video track. It returns nil when
// there is no video track, the track cannot grab frames, or grabbing fails.
// Session state is not touched.
func (e *Engine) Snapshot(ctx context.Context) *Artifact {
	video := capture.VideoTracks(e.handle)
	if len(video) == 0 {
		e.metrics.IncSnapshots("unavailable")
		return nil
	}
	grabber, ok := video[0].(capture.FrameGrabber)
	if !ok {
		e.metrics.IncSnapshots("unavailable")
		return nil
	}
	frame, err := grabber.GrabFrame(ctx)
	if err != nil || len(frame.Data) == 0 {
		logging.Warn(component, "snapshot failed", "track", video[0].ID(), "error", err)
		e.metrics.IncSnapshots("error")
		return nil
	}
	contentType := frame.ContentType
	if contentType == "" {
		contentType = snapshotMimeType
	}
	e.metrics.IncSnapshots("ok")
	return &Artifact{
		ID:          uuid.NewString(),
		Kind:        KindSnapshot,
		Data:        frame.Data,
		ContentType: contentType,
		CreatedAt:   e.now(),
	}
}

// Clear drops buffered chunks and the last artifact without touching state.
func (e *Engine) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session != nil {
		e.session.chunks = nil
	}
	e.artifact = nil
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// IsRecording reports whether a session is recording or paused.
func (e *Engine) IsRecording() bool {
	return isActive(e.State())
}

// IsPaused reports whether the session is paused.
func (e *Engine) IsPaused() bool {
	return e.State() == StatePaused
}

// Artifact returns the last finalized clip, or nil.
func (e *Engine) Artifact() *Artifact {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.artifact
}

// Session returns a view of the current or last session.
func (e *Engine) Session() (Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.session
	if s == nil {
		return Session{}, false
	}
	size := 0
	for _, c := range s.chunks {
		size += len(c)
	}
	return Session{
		ID:        s.id,
		Mode:      s.mode,
		MimeType:  s.mimeType,
		State:     e.state,
		StartedAt: s.startedAt,
		Deadline:  s.deadline,
		Chunks:    len(s.chunks),
		Bytes:     size,
	}, true
}

// stopSession is the single stop path for manual and deadline stops. Calls
// against a session that is no longer current, or already stopping, are ignored.
func (e *Engine) stopSession(s *session, reason string) {
	e.mu.Lock()
	if e.session != s || s.stopping || !isActive(e.state) {
		e.mu.Unlock()
		return
	}
	s.stopping = true
	s.reason = reason
	if s.timer != nil {
		s.timer.Stop()
	}
	rec := s.recorder
	e.mu.Unlock()

	if err := rec.Stop(); err != nil {
		logging.Error(component, "recorder stop failed", "session", s.id, "error", err)
		s.abortOnce.Do(func() { close(s.abort) })
	}
}

func (e *Engine) collect(s *session) {
	chunks := s.recorder.Chunks()
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				e.finalize(s)
				return
			}
			if len(chunk) == 0 {
				continue
			}
			e.mu.Lock()
			s.chunks = append(s.chunks, chunk)
			e.mu.Unlock()
		case <-s.abort:
			e.finalize(s)
			go discard(chunks)
			return
		}
	}
}

// discard drains a recorder that failed to stop so its sends never block.
func discard(chunks <-chan []byte) {
	for range chunks {
	}
}

func (e *Engine) finalize(s *session) {
	e.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
	}
	if s.reason == "" {
		s.reason = "ended"
	}
	s.stopping = true
	now := e.now()
	elapsed := now.Sub(s.startedAt) - s.pausedFor
	if !s.pausedAt.IsZero() {
		elapsed -= now.Sub(s.pausedAt)
	}
	art := &Artifact{
		ID:          s.id,
		Kind:        KindClip,
		Data:        bytes.Join(s.chunks, nil),
		ContentType: s.mimeType,
		CreatedAt:   now,
		Duration:    elapsed,
	}
	s.artifact = art
	if e.session == s {
		e.artifact = art
		e.setState(StateStopped)
	}
	cb := s.onComplete
	e.mu.Unlock()

	e.metrics.IncRecordingsCompleted(string(s.mode), s.reason)
	logging.Info(component, "recording stopped", "session", s.id, "reason", s.reason, "bytes", len(art.Data))
	if cb != nil {
		cb(art)
	}
	close(s.done)
}

// setState applies a transition; callers hold e.mu.
func (e *Engine) setState(to State) bool {
	if !isValidTransition(e.state, to) {
		logging.Warn(component, "invalid transition", "from", e.state, "to", to)
		return false
	}
	e.state = to
	return true
}

// selectTracks picks the live tracks for mode, falling back to every live
// track when the handle has none of the requested kind.
func selectTracks(h capture.Handle, mode Mode) []capture.Track {
	live := capture.LiveTracks(h)
	var want capture.Kind
	switch mode {
	case ModeAudioOnly:
		want = capture.KindAudio
	case ModeVideoOnly:
		want = capture.KindVideo
	default:
		return live
	}
	var out []capture.Track
	for _, t := range live {
		if t.Kind() == want {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return live
	}
	return out
}
