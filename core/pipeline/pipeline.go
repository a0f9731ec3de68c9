// Package pipeline ties the recording engine, the local cache, the upload
// transport and the event bus together: completed clips and snapshots are
// cached, uploads are driven from the cache, and lifecycle events are
// published for other services.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cordum/capturekit/core/infra/bus"
	"github.com/cordum/capturekit/core/infra/cache"
	"github.com/cordum/capturekit/core/infra/logging"
	"github.com/cordum/capturekit/core/infra/secrets"
	"github.com/cordum/capturekit/core/infra/transport"
	"github.com/cordum/capturekit/core/recording"
)

const (
	component               = "pipeline"
	defaultPrefix           = "capture"
	defaultSubscriberBuffer = 64
	persistTimeout          = 10 * time.Second
)

var (
	// ErrNoFrame is returned by Capture when no still frame could be taken.
	ErrNoFrame = errors.New("no frame available")
	// ErrNoArtifact is returned by Persist for a nil artifact.
	ErrNoArtifact = errors.New("no artifact")
)

// ArtifactCache is the subset of *cache.Store the pipeline uses.
type ArtifactCache interface {
	Save(ctx context.Context, id string, payload []byte, opts cache.SaveOptions) error
	Lookup(ctx context.Context, id string) *cache.Entry
	Delete(ctx context.Context, id string)
}

// Uploader is the subset of *transport.Uploader the pipeline uses.
type Uploader interface {
	Upload(ctx context.Context, payload []byte, opts transport.Options) error
}

// Publisher emits lifecycle events. *bus.NatsBus satisfies it.
type Publisher interface {
	Publish(subject string, ev *bus.Event) error
}

// Snapshotter takes still frames. *recording.Engine satisfies it.
type Snapshotter interface {
	Snapshot(ctx context.Context) *recording.Artifact
}

// Starter starts recording sessions. *recording.Engine satisfies it.
type Starter interface {
	Start(opts recording.StartOptions) error
}

// Options configures a Coordinator.
type Options struct {
	// Prefix names cached artifacts as <Prefix>-<artifact id>.
	Prefix string
	// Retention applies to every cached artifact; zero uses the cache default.
	Retention time.Duration
	// UploadDefaults fills Method, Headers, Timeout and WithCredentials when a request leaves them unset.
	UploadDefaults   transport.Options
	SubscriberBuffer int
	Clock            func() time.Time
}

// ProgressEvent reports upload progress for one artifact.
type ProgressEvent struct {
	ArtifactID string    `json:"artifact_id"`
	Percent    int       `json:"percent"`
	Done       bool      `json:"done"`
	Error      string    `json:"error,omitempty"`
	Time       time.Time `json:"time"`
}

// Coordinator owns no capture state; it moves artifacts between components.
type Coordinator struct {
	cache     ArtifactCache
	uploader  Uploader
	publisher Publisher
	prefix    string
	retention time.Duration
	defaults  transport.Options
	bufSize   int
	now       func() time.Time

	mu      sync.Mutex
	subs    map[int]chan ProgressEvent
	nextSub int
}

// New builds a Coordinator. publisher may be nil.
func New(c ArtifactCache, u Uploader, p Publisher, opts Options) *Coordinator {
	prefix := strings.TrimSpace(opts.Prefix)
	if prefix == "" {
		prefix = defaultPrefix
	}
	buf := opts.SubscriberBuffer
	if buf <= 0 {
		buf = defaultSubscriberBuffer
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Coordinator{
		cache:     c,
		uploader:  u,
		publisher: p,
		prefix:    prefix,
		retention: opts.Retention,
		defaults:  opts.UploadDefaults,
		bufSize:   buf,
		now:       now,
		subs:      make(map[int]chan ProgressEvent),
	}
}

// KeyFor returns the cache key for art.
func (c *Coordinator) KeyFor(art *recording.Artifact) string {
	if art == nil {
		return ""
	}
	return c.prefix + "-" + art.ID
}

// Persist caches art and publishes a cached event.
func (c *Coordinator) Persist(ctx context.Context, art *recording.Artifact) (string, error) {
	if art == nil {
		return "", ErrNoArtifact
	}
	key := c.KeyFor(art)
	err := c.cache.Save(ctx, key, art.Data, cache.SaveOptions{
		Retention:   c.retention,
		ContentType: art.ContentType,
	})
	if err != nil {
		return "", err
	}
	ev := bus.NewEvent(bus.EventCached, key, c.now())
	ev.Kind = string(art.Kind)
	ev.ContentType = art.ContentType
	ev.SizeBytes = len(art.Data)
	if entry := c.cache.Lookup(ctx, key); entry != nil {
		expires := entry.ExpiresAt.UTC()
		ev.ExpiresAt = &expires
	}
	c.publish(ev)
	logging.Info(component, "artifact cached", "id", key, "kind", art.Kind, "bytes", len(art.Data))
	return key, nil
}

// Attach wraps opts.OnComplete so each finished clip is cached before the
// caller's callback runs.
func (c *Coordinator) Attach(opts recording.StartOptions) recording.StartOptions {
	next := opts.OnComplete
	opts.OnComplete = func(art *recording.Artifact) {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if _, err := c.Persist(ctx, art); err != nil {
			logging.Error(component, "cache clip failed", "id", c.KeyFor(art), "error", err)
		}
		if next != nil {
			next(art)
		}
	}
	return opts
}

// Record starts a session whose clip is cached on completion.
func (c *Coordinator) Record(engine Starter, opts recording.StartOptions) error {
	return engine.Start(c.Attach(opts))
}

// Capture takes a snapshot and caches it.
func (c *Coordinator) Capture(ctx context.Context, engine Snapshotter) (string, error) {
	art := engine.Snapshot(ctx)
	if art == nil {
		return "", ErrNoFrame
	}
	return c.Persist(ctx, art)
}

// Delete removes a cached artifact and announces it.
func (c *Coordinator) Delete(ctx context.Context, id string) {
	c.cache.Delete(ctx, id)
	c.publish(bus.NewEvent(bus.EventDeleted, id, c.now()))
}

// Upload sends the cached artifact id. Progress is forwarded to subscribers
// and to opts.OnProgress. A missing or expired entry yields *cache.NotFoundError.
func (c *Coordinator) Upload(ctx context.Context, id string, opts transport.Options) error {
	entry := c.cache.Lookup(ctx, id)
	if entry == nil {
		return &cache.NotFoundError{ID: id}
	}
	opts = c.withDefaults(opts)
	headers, err := secrets.ResolveHeaders(opts.Headers)
	if err != nil {
		return fmt.Errorf("%w: %v", transport.ErrInvalidOptions, err)
	}
	opts.Headers = headers
	if opts.ContentType == "" {
		opts.ContentType = entry.ContentType
	}
	user := opts.OnProgress
	opts.OnProgress = func(pct int) {
		c.broadcast(ProgressEvent{ArtifactID: id, Percent: pct, Time: c.now()})
		if user != nil {
			user(pct)
		}
	}

	err = c.uploader.Upload(ctx, entry.Payload, opts)

	final := ProgressEvent{ArtifactID: id, Done: true, Time: c.now()}
	typ := bus.EventUploaded
	if err != nil {
		final.Error = err.Error()
		typ = bus.EventUploadFailed
	} else {
		final.Percent = 100
	}
	c.broadcast(final)

	ev := bus.NewEvent(typ, id, c.now())
	ev.ContentType = entry.ContentType
	ev.SizeBytes = len(entry.Payload)
	ev.URL = opts.URL
	if err != nil {
		ev.Error = err.Error()
	}
	c.publish(ev)
	return err
}

// MirrorHandler returns a bus handler that uploads every newly cached
// artifact to target. "{id}" in target.URL is replaced by the artifact id.
// Network failures, timeouts and 5xx responses request redelivery after backoff.
func (c *Coordinator) MirrorHandler(target transport.Options, backoff time.Duration) func(*bus.Event) error {
	return func(ev *bus.Event) error {
		if ev == nil || ev.Type != bus.EventCached || ev.ArtifactID == "" {
			return nil
		}
		opts := target
		opts.URL = strings.ReplaceAll(target.URL, "{id}", ev.ArtifactID)
		err := c.Upload(context.Background(), ev.ArtifactID, opts)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, cache.ErrNotFound):
			logging.Warn(component, "mirror skipped missing artifact", "id", ev.ArtifactID)
			return nil
		case retryable(err):
			return bus.RetryAfter(err, backoff)
		default:
			return err
		}
	}
}

// Subscribe registers a progress listener. Slow listeners miss events rather
// than block uploads. The returned func unsubscribes and closes the channel.
func (c *Coordinator) Subscribe() (<-chan ProgressEvent, func()) {
	ch := make(chan ProgressEvent, c.bufSize)
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			close(ch)
			c.mu.Unlock()
		})
	}
}

func (c *Coordinator) broadcast(ev ProgressEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (c *Coordinator) publish(ev *bus.Event) {
	if c.publisher == nil {
		return
	}
	if err := c.publisher.Publish(bus.Subject(ev.Type), ev); err != nil {
		logging.Warn(component, "publish event failed", "type", ev.Type, "id", ev.ArtifactID, "error", err)
	}
}

func (c *Coordinator) withDefaults(opts transport.Options) transport.Options {
	d := c.defaults
	if opts.Method == "" {
		opts.Method = d.Method
	}
	if opts.Timeout == 0 {
		opts.Timeout = d.Timeout
	}
	if !opts.WithCredentials {
		opts.WithCredentials = d.WithCredentials
	}
	if len(d.Headers) > 0 {
		merged := make(map[string]string, len(d.Headers)+len(opts.Headers))
		for k, v := range d.Headers {
			merged[http.CanonicalHeaderKey(k)] = v
		}
		for k, v := range opts.Headers {
			merged[http.CanonicalHeaderKey(k)] = v
		}
		opts.Headers = merged
	}
	return opts
}

func retryable(err error) bool {
	var herr *transport.HTTPError
	if errors.As(err, &herr) {
		return herr.Status >= 500
	}
	return errors.Is(err, transport.ErrTransport)
}
