package synthetic

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cordum/capturekit/core/capture"
)

const (
	defaultTimeslice  = time.Second
	defaultChunkBytes = 1024
	chunkBuffer       = 16
)

var (
	ErrRecorderStarted    = errors.New("recorder already started")
	ErrRecorderNotRunning = errors.New("recorder not recording")
	ErrRecorderNotPaused  = errors.New("recorder not paused")
)

// RecorderFactory builds synthetic recorders. ChunkBytes sets the payload
// size each live track contributes per timeslice.
type RecorderFactory struct {
	ChunkBytes int
}

// NewRecorder implements capture.RecorderFactory.
func (f RecorderFactory) NewRecorder(tracks []capture.Track, mimeType string) (capture.Recorder, error) {
	if len(tracks) == 0 {
		return nil, capture.NewDeviceError(capture.ErrNoDeviceFound, "no tracks to record", nil)
	}
	size := f.ChunkBytes
	if size <= 0 {
		size = defaultChunkBytes
	}
	return &Recorder{
		tracks:     append([]capture.Track(nil), tracks...),
		mimeType:   mimeType,
		chunkBytes: size,
		chunks:     make(chan []byte, chunkBuffer),
		stop:       make(chan struct{}),
	}, nil
}

type recorderState int

const (
	recorderInactive recorderState = iota
	recorderRecording
	recorderPaused
	recorderStopped
)

// Recorder emits one chunk per timeslice while recording and a final chunk
// on Stop, then closes Chunks. It also stops on its own once every track ends.
type Recorder struct {
	tracks     []capture.Track
	mimeType   string
	chunkBytes int
	chunks     chan []byte

	mu       sync.Mutex
	state    recorderState
	seq      int
	stop     chan struct{}
	stopOnce sync.Once
}

func (r *Recorder) MimeType() string      { return r.mimeType }
func (r *Recorder) Chunks() <-chan []byte { return r.chunks }

func (r *Recorder) Start(timeslice time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != recorderInactive {
		return ErrRecorderStarted
	}
	if timeslice <= 0 {
		timeslice = defaultTimeslice
	}
	r.state = recorderRecording
	go r.run(timeslice)
	return nil
}

func (r *Recorder) Pause() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != recorderRecording {
		return ErrRecorderNotRunning
	}
	r.state = recorderPaused
	return nil
}

func (r *Recorder) Resume() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != recorderPaused {
		return ErrRecorderNotPaused
	}
	r.state = recorderRecording
	return nil
}

// Stop requests the final flush. Stopping twice is a no-op.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	if r.state == recorderInactive {
		r.state = recorderStopped
		r.mu.Unlock()
		r.stopOnce.Do(func() { close(r.chunks) })
		return nil
	}
	r.mu.Unlock()
	r.stopOnce.Do(func() { close(r.stop) })
	return nil
}

func (r *Recorder) run(timeslice time.Duration) {
	ticker := time.NewTicker(timeslice)
	defer ticker.Stop()
	defer close(r.chunks)
	for {
		select {
		case <-r.stop:
			r.emit(r.encode(true))
			r.mu.Lock()
			r.state = recorderStopped
			r.mu.Unlock()
			return
		case <-ticker.C:
			if r.allEnded() {
				r.mu.Lock()
				r.state = recorderStopped
				r.mu.Unlock()
				return
			}
			r.mu.Lock()
			paused := r.state == recorderPaused
			r.mu.Unlock()
			if !paused {
				r.emit(r.encode(false))
			}
		}
	}
}

func (r *Recorder) emit(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	r.chunks <- chunk
}

func (r *Recorder) allEnded() bool {
	for _, t := range r.tracks {
		if t.Live() {
			return false
		}
	}
	return true
}

func (r *Recorder) encode(final bool) []byte {
	r.mu.Lock()
	seq := r.seq
	r.seq++
	r.mu.Unlock()

	var out []byte
	for _, t := range r.tracks {
		if !t.Live() {
			continue
		}
		out = append(out, fmt.Sprintf("%s:%d;", t.Kind(), seq)...)
		fill := byte(0)
		if t.Kind() == capture.KindVideo && t.Enabled() {
			fill = byte(seq%255) + 1
		}
		size := r.chunkBytes
		if final {
			size /= 2
		}
		for i := 0; i < size; i++ {
			out = append(out, fill)
		}
	}
	return out
}
