package buildinfo

import (
	"bytes"
	"strings"
	"testing"

	"github.com/cordum/capturekit/core/infra/logging"
)

func TestInfoAndLog(t *testing.T) {
	origVersion := Version
	origCommit := Commit
	origDate := Date
	t.Cleanup(func() {
		Version = origVersion
		Commit = origCommit
		Date = origDate
	})

	Version = "1.2.3"
	Commit = "abc123"
	Date = "2024-01-02"

	info := Info()
	if info != "version=1.2.3 commit=abc123 date=2024-01-02" {
		t.Fatalf("unexpected info: %s", info)
	}

	var buf bytes.Buffer
	logging.SetOutput(&buf)

	Log("capturectl")
	got := strings.TrimSpace(buf.String())
	if !strings.Contains(got, "capturectl starting") || !strings.Contains(got, "1.2.3") || !strings.Contains(got, "abc123") {
		t.Fatalf("unexpected log output: %s", got)
	}
}
