package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
)

func TestSubject(t *testing.T) {
	if Subject("") != "" {
		t.Fatalf("expected empty subject")
	}
	if got := Subject(EventCached); got != "capture.artifact.cached" {
		t.Fatalf("unexpected subject %s", got)
	}
}

func TestNewEventJSON(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.FixedZone("x", 3600))
	ev := NewEvent(EventUploaded, "capture-1", now)
	if ev.ID == "" || ev.Type != EventUploaded || ev.ArtifactID != "capture-1" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ev.Time.Location() != time.UTC {
		t.Fatalf("expected UTC timestamp")
	}
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]any
	_ = json.Unmarshal(data, &raw)
	if _, ok := raw["expires_at"]; ok {
		t.Fatalf("expires_at should be omitted when unset")
	}
	if raw["artifact_id"] != "capture-1" || raw["type"] != "uploaded" {
		t.Fatalf("unexpected payload %s", data)
	}
}

func TestInitJetStreamEnabled(t *testing.T) {
	t.Setenv(envUseJetStream, "")
	if initJetStreamEnabled() {
		t.Fatalf("expected jetstream disabled by default")
	}
	for _, val := range []string{"1", "true", "yes", "y", "on"} {
		t.Setenv(envUseJetStream, val)
		if !initJetStreamEnabled() {
			t.Fatalf("expected jetstream enabled for %s", val)
		}
	}
	t.Setenv(envUseJetStream, "no")
	if initJetStreamEnabled() {
		t.Fatalf("expected jetstream disabled for no")
	}
}

func TestParseDurationEnv(t *testing.T) {
	t.Setenv(envJSAckWait, "")
	if got := parseDurationEnv(envJSAckWait, time.Minute); got != time.Minute {
		t.Fatalf("expected fallback, got %s", got)
	}
	t.Setenv(envJSAckWait, "30s")
	if got := parseDurationEnv(envJSAckWait, time.Minute); got != 30*time.Second {
		t.Fatalf("expected 30s, got %s", got)
	}
	t.Setenv(envJSAckWait, "-5s")
	if got := parseDurationEnv(envJSAckWait, time.Minute); got != time.Minute {
		t.Fatalf("expected fallback for negative duration, got %s", got)
	}
}

func TestIsDurableSubject(t *testing.T) {
	cases := map[string]bool{
		"capture.artifact.cached":   true,
		"capture.artifact.uploaded": true,
		SubjectAll:                  true,
		"capture.health":            false,
		"sys.ping":                  false,
	}
	for subject, expect := range cases {
		if got := isDurableSubject(subject); got != expect {
			t.Fatalf("subject %s expected durable=%v got=%v", subject, expect, got)
		}
	}
}

func TestDurableName(t *testing.T) {
	if durableName("", "") != "" {
		t.Fatalf("expected empty durable name")
	}
	if got := durableName(SubjectAll, "mirror"); got != "dur_mirror__capture_artifact_GT" {
		t.Fatalf("unexpected durable name: %s", got)
	}
	if got := durableName("capture.artifact.*", ""); got != "dur_capture_artifact_STAR" {
		t.Fatalf("unexpected durable name for empty queue: %s", got)
	}
}

func TestComputeMsgID(t *testing.T) {
	if computeMsgID("s", nil) != "" {
		t.Fatalf("expected empty msg id for nil event")
	}
	if computeMsgID("s", &Event{}) != "" {
		t.Fatalf("expected empty msg id for event without id")
	}
	if got := computeMsgID("capture.artifact.cached", &Event{ID: "e1"}); got != "capture.artifact.cached:e1" {
		t.Fatalf("unexpected msg id %s", got)
	}
}

func TestRetryDelayHelper(t *testing.T) {
	err := RetryAfter(nil, 1500*time.Millisecond)
	if delay, ok := RetryDelay(err); !ok || delay != 1500*time.Millisecond {
		t.Fatalf("unexpected retry delay: %v %v", delay, ok)
	}
	wrapped := fmt.Errorf("upload: %w", RetryAfter(errors.New("boom"), -time.Second))
	if delay, ok := RetryDelay(wrapped); !ok || delay != 0 {
		t.Fatalf("expected wrapped retry with zero delay, got %v %v", delay, ok)
	}
	if _, ok := RetryDelay(errors.New("plain")); ok {
		t.Fatalf("plain errors are not retryable")
	}
	if got := RetryAfter(errors.New("x"), time.Second).Error(); got != "retry after 1s: x" {
		t.Fatalf("unexpected message %q", got)
	}
}

func TestNatsBusPublishErrors(t *testing.T) {
	var nilBus *NatsBus
	if err := nilBus.Publish("capture.artifact.cached", &Event{}); !errors.Is(err, errNilBus) {
		t.Fatalf("expected nil bus error, got %v", err)
	}
	bus := &NatsBus{nc: &nats.Conn{}}
	if err := bus.Publish("", &Event{}); !errors.Is(err, errEmptyTopic) {
		t.Fatalf("expected empty topic error, got %v", err)
	}
	if err := bus.Publish("capture.artifact.cached", nil); !errors.Is(err, errNilEvent) {
		t.Fatalf("expected nil event error, got %v", err)
	}
}

func TestNatsBusSubscribeErrors(t *testing.T) {
	var nilBus *NatsBus
	if err := nilBus.Subscribe(SubjectAll, "", func(*Event) error { return nil }); !errors.Is(err, errNilBus) {
		t.Fatalf("expected nil bus error, got %v", err)
	}
	bus := &NatsBus{nc: &nats.Conn{}}
	if err := bus.Subscribe("", "", func(*Event) error { return nil }); !errors.Is(err, errEmptyTopic) {
		t.Fatalf("expected empty topic error, got %v", err)
	}
	if err := bus.Subscribe(SubjectAll, "", nil); err == nil {
		t.Fatalf("expected nil handler error")
	}
}

func TestNatsBusStatusDefaults(t *testing.T) {
	var nilBus *NatsBus
	if nilBus.IsConnected() {
		t.Fatalf("expected disconnected nil bus")
	}
	if status := nilBus.Status(); status != "UNKNOWN" {
		t.Fatalf("expected UNKNOWN status, got %s", status)
	}
	if url := nilBus.ConnectedURL(); url != "" {
		t.Fatalf("expected empty url, got %s", url)
	}
	nilBus.Close()
}
