// Package cache is the local artifact cache: a Redis-backed key/value store
// with per-entry retention, an expiry index and prune-on-open.
package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/cordum/capturekit/core/infra/locks"
	"github.com/cordum/capturekit/core/infra/logging"
	"github.com/cordum/capturekit/core/infra/metrics"
	"github.com/cordum/capturekit/core/infra/redisutil"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// SchemaVersion 1 holds entries only; version 2 adds the expiry index.
	SchemaVersion = 2

	DefaultDBName    = "CameraStore"
	DefaultStoreName = "media"
	DefaultRetention = 7 * 24 * time.Hour

	defaultPruneBatch = 256
	scanCount         = 200
	component         = "cache"
	pruneLease        = "prune"

	fieldPayload     = "payload"
	fieldContentType = "content_type"
	fieldCreatedAt   = "created_at_ms"
	fieldExpiresAt   = "expires_at_ms"
)

// pruneScript deletes an entry only if its indexed expiry is still due, so a
// concurrent re-save with a fresh retention survives.
const pruneScript = `
local score = redis.call('ZSCORE', KEYS[2], ARGV[1])
if score and tonumber(score) <= tonumber(ARGV[2]) then
  redis.call('DEL', KEYS[1])
  redis.call('ZREM', KEYS[2], ARGV[1])
  return 1
end
return 0
`

// Config controls store naming, retention and instrumentation.
type Config struct {
	DBName           string
	StoreName        string
	DefaultRetention time.Duration
	PruneBatch       int
	SkipInitialPrune bool
	Metrics          metrics.Metrics
	Clock            func() time.Time
}

// Entry is a cached artifact with its retention window.
type Entry struct {
	ID          string
	Payload     []byte
	ContentType string
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Expired reports whether the entry is due for removal at now.
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.After(now)
}

// SaveOptions tunes a single Save. A non-positive Retention uses the store default.
type SaveOptions struct {
	Retention   time.Duration
	ContentType string
}

// Store implements the local cache on Redis.
type Store struct {
	client     redis.UniversalClient
	ownsClient bool
	ns         string
	retention  time.Duration
	batch      int
	metrics    metrics.Metrics
	now        func() time.Time
	leases     *locks.Leases
	owner      string
}

// OpenURL connects to Redis and opens the store. The store owns the client.
func OpenURL(ctx context.Context, url string, cfg Config) (*Store, error) {
	client, err := redisutil.Connect(ctx, url)
	if err != nil {
		return nil, &StorageError{Op: "open", Err: err}
	}
	s, err := Open(ctx, client, cfg)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	s.ownsClient = true
	return s, nil
}

// Open upgrades the store layout to SchemaVersion if needed and prunes
// expired entries once. Upgrades never delete entries.
func Open(ctx context.Context, client redis.UniversalClient, cfg Config) (*Store, error) {
	if client == nil {
		return nil, &StorageError{Op: "open", Err: errors.New("redis client required")}
	}
	db := strings.TrimSpace(cfg.DBName)
	if db == "" {
		db = DefaultDBName
	}
	store := strings.TrimSpace(cfg.StoreName)
	if store == "" {
		store = DefaultStoreName
	}
	s := &Store{
		client:    client,
		ns:        "{" + db + ":" + store + "}",
		retention: cfg.DefaultRetention,
		batch:     cfg.PruneBatch,
		metrics:   cfg.Metrics,
		now:       cfg.Clock,
		owner:     uuid.NewString(),
	}
	s.leases = locks.NewLeases(client, s.ns)
	if s.retention <= 0 {
		s.retention = DefaultRetention
	}
	if s.batch <= 0 {
		s.batch = defaultPruneBatch
	}
	if s.metrics == nil {
		s.metrics = metrics.Noop{}
	}
	if s.now == nil {
		s.now = time.Now
	}

	if err := s.upgrade(ctx); err != nil {
		return nil, &StorageError{Op: "open", Err: err}
	}
	if !cfg.SkipInitialPrune {
		if n, err := s.Prune(ctx); err != nil {
			logging.Warn(component, "initial prune failed", "store", s.ns, "error", err)
		} else if n > 0 {
			logging.Info(component, "initial prune", "store", s.ns, "removed", n)
		}
	}
	return s, nil
}

// Close releases the Redis client when the store created it.
func (s *Store) Close() error {
	if s == nil || s.client == nil || !s.ownsClient {
		return nil
	}
	return s.client.Close()
}

// Namespace returns the key prefix shared by all keys of this store.
func (s *Store) Namespace() string { return s.ns }

// Save stores payload under id, replacing any previous entry.
func (s *Store) Save(ctx context.Context, id string, payload []byte, opts SaveOptions) error {
	id = strings.TrimSpace(id)
	if id == "" {
		s.metrics.IncCacheSaves("error")
		return &StorageError{Op: "save", Err: errors.New("id required")}
	}
	retention := opts.Retention
	if retention <= 0 {
		retention = s.retention
	}
	created := s.now()
	createdMs := created.UnixMilli()
	expiresMs := created.Add(retention).UnixMilli()
	if expiresMs <= createdMs {
		expiresMs = createdMs + 1
	}
	if payload == nil {
		payload = []byte{}
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.entryKey(id), map[string]interface{}{
		fieldPayload:     payload,
		fieldContentType: opts.ContentType,
		fieldCreatedAt:   createdMs,
		fieldExpiresAt:   expiresMs,
	})
	pipe.ZAdd(ctx, s.expiresKey(), redis.Z{Score: float64(expiresMs), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		s.metrics.IncCacheSaves("error")
		return &StorageError{Op: "save", Err: err}
	}
	s.metrics.IncCacheSaves("ok")
	logging.Debug(component, "saved", "id", id, "bytes", len(payload), "expires_at_ms", expiresMs)
	return nil
}

// Get returns the payload for id, or nil when absent, expired or unreadable.
func (s *Store) Get(ctx context.Context, id string) []byte {
	e := s.Lookup(ctx, id)
	if e == nil {
		return nil
	}
	return e.Payload
}

// Lookup is Get with metadata.
func (s *Store) Lookup(ctx context.Context, id string) *Entry {
	id = strings.TrimSpace(id)
	if id == "" {
		s.metrics.IncCacheLookups("miss")
		return nil
	}
	fields, err := s.client.HGetAll(ctx, s.entryKey(id)).Result()
	if err != nil {
		logging.Warn(component, "lookup failed", "id", id, "error", err)
		s.metrics.IncCacheLookups("error")
		return nil
	}
	if len(fields) == 0 {
		s.metrics.IncCacheLookups("miss")
		return nil
	}
	e, err := parseEntry(id, fields)
	if err != nil {
		logging.Warn(component, "corrupt entry", "id", id, "error", err)
		s.metrics.IncCacheLookups("error")
		return nil
	}
	if e.Expired(s.now()) {
		s.metrics.IncCacheLookups("expired")
		return nil
	}
	s.metrics.IncCacheLookups("hit")
	return e
}

// Delete removes id. Missing entries and backend errors are not reported.
func (s *Store) Delete(ctx context.Context, id string) {
	id = strings.TrimSpace(id)
	if id == "" {
		return
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.entryKey(id))
	pipe.ZRem(ctx, s.expiresKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		logging.Warn(component, "delete failed", "id", id, "error", err)
	}
}

// Download writes the payload of id to w.
func (s *Store) Download(ctx context.Context, id string, w io.Writer) (*Entry, error) {
	e := s.Lookup(ctx, id)
	if e == nil {
		return nil, &NotFoundError{ID: id}
	}
	if _, err := w.Write(e.Payload); err != nil {
		return nil, fmt.Errorf("write %s: %w", id, err)
	}
	return e, nil
}

// Prune removes every entry whose expiry is at or before now and returns the
// number removed. Failures on single entries are logged and skipped.
func (s *Store) Prune(ctx context.Context) (int, error) {
	nowMs := s.now().UnixMilli()
	upper := strconv.FormatInt(nowMs, 10)
	removed := 0
	// failed entries stay in the index; skip past them
	var offset int64
	for {
		ids, err := s.client.ZRangeByScore(ctx, s.expiresKey(), &redis.ZRangeBy{
			Min:    "-inf",
			Max:    upper,
			Offset: offset,
			Count:  int64(s.batch),
		}).Result()
		if err != nil {
			s.metrics.AddCachePruned(removed)
			return removed, &StorageError{Op: "prune", Err: err}
		}
		for _, id := range ids {
			res, err := s.client.Eval(ctx, pruneScript, []string{s.entryKey(id), s.expiresKey()}, id, nowMs).Int()
			if err != nil {
				logging.Warn(component, "prune entry failed", "id", id, "error", err)
				offset++
				continue
			}
			if res == 1 {
				removed++
				logging.Debug(component, "auto-deleting expired item", "id", id)
			}
		}
		if len(ids) < s.batch {
			break
		}
	}
	s.metrics.AddCachePruned(removed)
	return removed, nil
}

// RunPruner prunes every interval until ctx is done. Stores sharing a
// namespace across processes take turns through a lease, so one sweep runs
// per interval.
func (s *Store) RunPruner(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer func() {
		// ctx is already done here.
		_, _ = s.leases.Release(context.Background(), pruneLease, s.owner)
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pruneTick(ctx, 2*interval)
		}
	}
}

func (s *Store) pruneTick(ctx context.Context, leaseTTL time.Duration) {
	ok, err := s.leases.Acquire(ctx, pruneLease, s.owner, leaseTTL)
	if err != nil {
		logging.Warn(component, "prune lease failed", "error", err)
		return
	}
	if !ok {
		logging.Debug(component, "prune lease held elsewhere", "store", s.ns)
		return
	}
	n, err := s.Prune(ctx)
	if err != nil {
		logging.Warn(component, "prune failed", "error", err)
		return
	}
	if n > 0 {
		logging.Info(component, "pruned expired entries", "removed", n)
	}
}

func (s *Store) upgrade(ctx context.Context) error {
	version, err := s.client.Get(ctx, s.schemaKey()).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version > SchemaVersion {
		logging.Warn(component, "store schema is newer than supported", "store", s.ns, "version", version)
		return nil
	}
	if version < 2 {
		n, err := s.rebuildExpiryIndex(ctx)
		if err != nil {
			return fmt.Errorf("build expiry index: %w", err)
		}
		logging.Info(component, "upgraded store", "store", s.ns, "from", version, "to", SchemaVersion, "indexed", n)
	}
	if version != SchemaVersion {
		if err := s.client.Set(ctx, s.schemaKey(), SchemaVersion, 0).Err(); err != nil {
			return fmt.Errorf("write schema version: %w", err)
		}
	}
	return nil
}

// rebuildExpiryIndex adds index members for entries that lack one.
func (s *Store) rebuildExpiryIndex(ctx context.Context) (int, error) {
	prefix := s.ns + ":entry:"
	indexed := 0
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, prefix+"*", scanCount).Result()
		if err != nil {
			return indexed, err
		}
		for _, key := range keys {
			id := strings.TrimPrefix(key, prefix)
			raw, err := s.client.HGet(ctx, key, fieldExpiresAt).Result()
			if err != nil {
				logging.Warn(component, "skip entry without expiry", "id", id, "error", err)
				continue
			}
			ms, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				logging.Warn(component, "skip entry with bad expiry", "id", id, "error", err)
				continue
			}
			added, err := s.client.ZAddNX(ctx, s.expiresKey(), redis.Z{Score: float64(ms), Member: id}).Result()
			if err != nil {
				return indexed, err
			}
			indexed += int(added)
		}
		cursor = next
		if cursor == 0 {
			return indexed, nil
		}
	}
}

func parseEntry(id string, fields map[string]string) (*Entry, error) {
	created, err := strconv.ParseInt(fields[fieldCreatedAt], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("created_at: %w", err)
	}
	expires, err := strconv.ParseInt(fields[fieldExpiresAt], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("expires_at: %w", err)
	}
	return &Entry{
		ID:          id,
		Payload:     []byte(fields[fieldPayload]),
		ContentType: fields[fieldContentType],
		CreatedAt:   time.UnixMilli(created),
		ExpiresAt:   time.UnixMilli(expires),
	}, nil
}

func (s *Store) entryKey(id string) string { return s.ns + ":entry:" + id }
func (s *Store) expiresKey() string        { return s.ns + ":expires" }
func (s *Store) schemaKey() string         { return s.ns + ":schema" }
