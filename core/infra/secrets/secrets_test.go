package secrets

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestResolve(t *testing.T) {
	t.Setenv("CAPTURE_TEST_TOKEN", "abc123")
	path := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(path, []byte("from-file\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cases := map[string]string{
		"env://CAPTURE_TEST_TOKEN": "abc123",
		"file://" + path:           "from-file",
		"Bearer literal":           "Bearer literal",
	}
	for in, want := range cases {
		got, err := Resolve(in)
		if err != nil {
			t.Fatalf("%s: %v", in, err)
		}
		if got != want {
			t.Fatalf("%s: expected %q, got %q", in, want, got)
		}
	}

	t.Setenv("CAPTURE_TEST_EMPTY", "")
	if _, err := Resolve("env://CAPTURE_TEST_EMPTY"); err == nil {
		t.Fatalf("expected error for empty env secret")
	}
	if _, err := Resolve("file://" + filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatalf("expected error for missing secret file")
	}
}

func TestResolveHeaders(t *testing.T) {
	t.Setenv("CAPTURE_TEST_TOKEN", "abc123")
	in := map[string]string{"Authorization": "env://CAPTURE_TEST_TOKEN", "X-Trace": "1"}
	out, err := ResolveHeaders(in)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if out["Authorization"] != "abc123" || out["X-Trace"] != "1" {
		t.Fatalf("unexpected headers %v", out)
	}
	if in["Authorization"] != "env://CAPTURE_TEST_TOKEN" {
		t.Fatalf("input must not be modified")
	}

	_, err = ResolveHeaders(map[string]string{"X-Key": "env://CAPTURE_TEST_MISSING_VAR"})
	if err == nil || !strings.Contains(err.Error(), "X-Key") {
		t.Fatalf("expected header name in error, got %v", err)
	}
	if got, err := ResolveHeaders(nil); err != nil || got != nil {
		t.Fatalf("expected nil passthrough, got %v %v", got, err)
	}
}

func TestRedactHeaders(t *testing.T) {
	out := RedactHeaders(map[string]string{
		"authorization": "Bearer abc",
		"X-Token":       "env://TOKEN",
		"X-Trace":       "1",
	})
	if out["authorization"] != redacted || out["X-Token"] != redacted || out["X-Trace"] != "1" {
		t.Fatalf("unexpected redaction %v", out)
	}
	if !IsRef(" file:///run/secret ") || IsRef("plain") {
		t.Fatalf("unexpected IsRef result")
	}
}
