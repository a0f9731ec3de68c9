package cache

import (
	"bytes"
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/cordum/capturekit/core/infra/locks"
	"github.com/redis/go-redis/v9"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T, cfg Config) (*Store, *miniredis.Miniredis, *testClock) {
	t.Helper()
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	t.Cleanup(srv.Close)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	clock := &testClock{now: time.UnixMilli(1_700_000_000_000)}
	if cfg.Clock == nil {
		cfg.Clock = clock.Now
	}
	store, err := Open(context.Background(), client, cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return store, srv, clock
}

func TestSaveGetRoundTrip(t *testing.T) {
	store, _, clock := newTestStore(t, Config{})
	ctx := context.Background()
	payload := []byte{0x1a, 0x45, 0xdf, 0xa3, 0x00, 0xff}

	if err := store.Save(ctx, "clip-1", payload, SaveOptions{ContentType: "video/webm"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if got := store.Get(ctx, "clip-1"); !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch: %v", got)
	}
	entry := store.Lookup(ctx, "clip-1")
	if entry == nil {
		t.Fatalf("expected entry")
	}
	if entry.ContentType != "video/webm" {
		t.Fatalf("unexpected content type %q", entry.ContentType)
	}
	if !entry.CreatedAt.Equal(clock.Now()) {
		t.Fatalf("unexpected created_at %v", entry.CreatedAt)
	}
	if got := entry.ExpiresAt.Sub(entry.CreatedAt); got != DefaultRetention {
		t.Fatalf("expected default retention, got %s", got)
	}
}

func TestSaveNonPositiveRetentionUsesDefault(t *testing.T) {
	store, _, _ := newTestStore(t, Config{DefaultRetention: time.Hour})
	ctx := context.Background()
	if err := store.Save(ctx, "a", []byte("x"), SaveOptions{Retention: -time.Second}); err != nil {
		t.Fatalf("save: %v", err)
	}
	e := store.Lookup(ctx, "a")
	if e == nil || e.ExpiresAt.Sub(e.CreatedAt) != time.Hour {
		t.Fatalf("expected configured default retention, got %+v", e)
	}
}

func TestSaveSubMillisecondRetention(t *testing.T) {
	store, _, _ := newTestStore(t, Config{})
	ctx := context.Background()
	if err := store.Save(ctx, "a", []byte("x"), SaveOptions{Retention: time.Microsecond}); err != nil {
		t.Fatalf("save: %v", err)
	}
	e := store.Lookup(ctx, "a")
	if e == nil || !e.ExpiresAt.After(e.CreatedAt) {
		t.Fatalf("expires_at must be after created_at: %+v", e)
	}
}

func TestSaveRejectsEmptyID(t *testing.T) {
	store, _, _ := newTestStore(t, Config{})
	err := store.Save(context.Background(), " ", []byte("x"), SaveOptions{})
	var se *StorageError
	if !errors.As(err, &se) || se.Op != "save" {
		t.Fatalf("expected StorageError, got %v", err)
	}
}

func TestSaveLastWriteWins(t *testing.T) {
	store, _, _ := newTestStore(t, Config{})
	ctx := context.Background()
	_ = store.Save(ctx, "a", []byte("first"), SaveOptions{ContentType: "text/plain"})
	_ = store.Save(ctx, "a", []byte("second"), SaveOptions{})
	e := store.Lookup(ctx, "a")
	if e == nil || string(e.Payload) != "second" || e.ContentType != "" {
		t.Fatalf("expected second write to replace the entry, got %+v", e)
	}
}

func TestGetMissing(t *testing.T) {
	store, _, _ := newTestStore(t, Config{})
	if got := store.Get(context.Background(), "nope"); got != nil {
		t.Fatalf("expected nil, got %v", got)
	}
}

func TestGetHidesExpiredEntry(t *testing.T) {
	store, _, clock := newTestStore(t, Config{})
	ctx := context.Background()
	_ = store.Save(ctx, "a", []byte("x"), SaveOptions{Retention: time.Second})
	clock.Advance(time.Second)
	if got := store.Get(ctx, "a"); got != nil {
		t.Fatalf("expected expired entry to be hidden")
	}
}

func TestPruneRemovesExpired(t *testing.T) {
	store, srv, clock := newTestStore(t, Config{})
	ctx := context.Background()
	if err := store.Save(ctx, "clip-1", []byte("blob"), SaveOptions{Retention: time.Millisecond}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Save(ctx, "clip-2", []byte("blob"), SaveOptions{}); err != nil {
		t.Fatalf("save: %v", err)
	}
	clock.Advance(5 * time.Millisecond)

	n, err := store.Prune(ctx)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 pruned, got %d", n)
	}
	if store.Get(ctx, "clip-1") != nil {
		t.Fatalf("clip-1 should be gone")
	}
	if store.Get(ctx, "clip-2") == nil {
		t.Fatalf("clip-2 should survive")
	}
	if srv.Exists(store.entryKey("clip-1")) {
		t.Fatalf("expired hash should be deleted")
	}
	if n, _ := store.Prune(ctx); n != 0 {
		t.Fatalf("second prune should be a no-op, got %d", n)
	}
}

func TestPruneBatches(t *testing.T) {
	store, _, clock := newTestStore(t, Config{PruneBatch: 2})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_ = store.Save(ctx, "e"+strconv.Itoa(i), []byte("x"), SaveOptions{Retention: time.Second})
	}
	clock.Advance(time.Minute)
	n, err := store.Prune(ctx)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 5 {
		t.Fatalf("expected 5 pruned, got %d", n)
	}
}

func TestPruneKeepsResavedEntry(t *testing.T) {
	store, _, clock := newTestStore(t, Config{})
	ctx := context.Background()
	_ = store.Save(ctx, "a", []byte("old"), SaveOptions{Retention: time.Second})
	clock.Advance(2 * time.Second)
	_ = store.Save(ctx, "a", []byte("new"), SaveOptions{Retention: time.Hour})
	if n, _ := store.Prune(ctx); n != 0 {
		t.Fatalf("re-saved entry should not be pruned, got %d", n)
	}
	if string(store.Get(ctx, "a")) != "new" {
		t.Fatalf("expected re-saved payload")
	}
}

func TestOpenPrunesExpiredEntries(t *testing.T) {
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	defer srv.Close()
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer client.Close()
	ctx := context.Background()
	clock := &testClock{now: time.UnixMilli(1_000)}

	first, err := Open(ctx, client, Config{Clock: clock.Now})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = first.Save(ctx, "old", []byte("x"), SaveOptions{Retention: time.Millisecond})
	clock.Advance(time.Second)

	second, err := Open(ctx, client, Config{Clock: clock.Now})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if srv.Exists(second.entryKey("old")) {
		t.Fatalf("expected prune on open")
	}
}

func TestDeleteIdempotent(t *testing.T) {
	store, srv, _ := newTestStore(t, Config{})
	ctx := context.Background()
	store.Delete(ctx, "never-existed")
	_ = store.Save(ctx, "a", []byte("x"), SaveOptions{})
	store.Delete(ctx, "a")
	store.Delete(ctx, "a")
	if store.Get(ctx, "a") != nil {
		t.Fatalf("expected entry removed")
	}
	if members, _ := srv.ZMembers(store.expiresKey()); len(members) != 0 {
		t.Fatalf("expected index entry removed, got %v", members)
	}
}

func TestDownload(t *testing.T) {
	store, _, _ := newTestStore(t, Config{})
	ctx := context.Background()
	_ = store.Save(ctx, "snap", []byte("png-bytes"), SaveOptions{ContentType: "image/png"})

	var buf bytes.Buffer
	entry, err := store.Download(ctx, "snap", &buf)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if buf.String() != "png-bytes" || entry.ContentType != "image/png" {
		t.Fatalf("unexpected download %q %q", buf.String(), entry.ContentType)
	}

	_, err = store.Download(ctx, "missing", &buf)
	var nf *NotFoundError
	if !errors.As(err, &nf) || !errors.Is(err, ErrNotFound) || nf.ID != "missing" {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestOpenUpgradesLegacyStore(t *testing.T) {
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	defer srv.Close()
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer client.Close()
	ctx := context.Background()

	// a version 1 store: entries without an expiry index
	ns := "{CameraStore:media}"
	srv.Set(ns+":schema", "1")
	srv.HSet(ns+":entry:legacy", fieldPayload, "data", fieldContentType, "video/webm",
		fieldCreatedAt, "1000", fieldExpiresAt, "5000")
	srv.HSet(ns+":entry:broken", fieldPayload, "data")

	clock := &testClock{now: time.UnixMilli(2000)}
	store, err := Open(ctx, client, Config{Clock: clock.Now})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if v, _ := srv.Get(ns + ":schema"); v != strconv.Itoa(SchemaVersion) {
		t.Fatalf("expected schema version %d, got %q", SchemaVersion, v)
	}
	score, err := srv.ZScore(ns+":expires", "legacy")
	if err != nil || score != 5000 {
		t.Fatalf("expected legacy entry indexed at 5000, got %v %v", score, err)
	}
	if string(store.Get(ctx, "legacy")) != "data" {
		t.Fatalf("upgrade must keep entries")
	}
	if !srv.Exists(ns + ":entry:broken") {
		t.Fatalf("upgrade must not delete entries")
	}

	clock.Advance(10 * time.Second)
	if n, _ := store.Prune(ctx); n != 1 {
		t.Fatalf("expected upgraded entry to be prunable, got %d", n)
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	store, srv, clock := newTestStore(t, Config{DBName: "db", StoreName: "s"})
	ctx := context.Background()
	_ = store.Save(ctx, "a", []byte("x"), SaveOptions{})
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer client.Close()
	again, err := Open(ctx, client, Config{DBName: "db", StoreName: "s", Clock: clock.Now})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if again.Namespace() != "{db:s}" {
		t.Fatalf("unexpected namespace %q", again.Namespace())
	}
	if string(again.Get(ctx, "a")) != "x" {
		t.Fatalf("reopen lost data")
	}
}

func TestOpenUnreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	defer client.Close()
	_, err := Open(context.Background(), client, Config{})
	var se *StorageError
	if !errors.As(err, &se) || se.Op != "open" {
		t.Fatalf("expected StorageError, got %v", err)
	}
}

func TestOpenURLOwnsClient(t *testing.T) {
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	defer srv.Close()
	store, err := OpenURL(context.Background(), "redis://"+srv.Addr(), Config{})
	if err != nil {
		t.Fatalf("open url: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestGetDegradesOnBackendError(t *testing.T) {
	store, srv, _ := newTestStore(t, Config{})
	ctx := context.Background()
	_ = store.Save(ctx, "a", []byte("x"), SaveOptions{})
	srv.SetError("LOADING")
	if got := store.Get(ctx, "a"); got != nil {
		t.Fatalf("expected nil on backend error")
	}
	store.Delete(ctx, "a")
	if err := store.Save(ctx, "b", []byte("y"), SaveOptions{}); err == nil {
		t.Fatalf("expected save error")
	}
	srv.SetError("")
}

func TestRunPrunerStopsOnCancel(t *testing.T) {
	store, _, clock := newTestStore(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	_ = store.Save(ctx, "a", []byte("x"), SaveOptions{Retention: time.Millisecond})
	clock.Advance(time.Second)
	done := make(chan struct{})
	go func() {
		store.RunPruner(ctx, 5*time.Millisecond)
		close(done)
	}()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if store.client.Exists(context.Background(), store.entryKey("a")).Val() == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("pruner did not stop")
	}
	if store.client.Exists(context.Background(), store.entryKey("a")).Val() != 0 {
		t.Fatalf("expected background prune to remove the entry")
	}
}

func TestPruneTickRespectsLease(t *testing.T) {
	store, _, clock := newTestStore(t, Config{})
	ctx := context.Background()
	_ = store.Save(ctx, "a", []byte("x"), SaveOptions{Retention: time.Millisecond})
	clock.Advance(time.Second)

	other := locks.NewLeases(store.client, store.Namespace())
	if ok, err := other.Acquire(ctx, pruneLease, "other-node", time.Minute); err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	store.pruneTick(ctx, time.Minute)
	if store.client.Exists(ctx, store.entryKey("a")).Val() != 1 {
		t.Fatalf("prune should be skipped while another node holds the lease")
	}

	if _, err := other.Release(ctx, pruneLease, "other-node"); err != nil {
		t.Fatalf("release: %v", err)
	}
	store.pruneTick(ctx, time.Minute)
	if store.client.Exists(ctx, store.entryKey("a")).Val() != 0 {
		t.Fatalf("expected prune once the lease is free")
	}
	if holder, _ := other.Holder(ctx, pruneLease); holder != store.owner {
		t.Fatalf("expected store to hold the lease, got %q", holder)
	}
}

func TestRunPrunerReleasesLease(t *testing.T) {
	store, _, _ := newTestStore(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		store.RunPruner(ctx, 5*time.Millisecond)
		close(done)
	}()
	leases := locks.NewLeases(store.client, store.Namespace())
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if holder, _ := leases.Holder(context.Background(), pruneLease); holder == store.owner {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
	if holder, _ := leases.Holder(context.Background(), pruneLease); holder != "" {
		t.Fatalf("expected lease released on stop, held by %q", holder)
	}
}
