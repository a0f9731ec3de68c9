package bus

import (
	"time"

	"github.com/google/uuid"
)

// SubjectPrefix namespaces every artifact lifecycle subject.
const SubjectPrefix = "capture.artifact."

// Event types published for cached artifacts.
const (
	EventCached       = "cached"
	EventUploaded     = "uploaded"
	EventUploadFailed = "upload_failed"
	EventDeleted      = "deleted"
)

// SubjectAll matches every artifact event.
const SubjectAll = SubjectPrefix + ">"

// Event is the JSON payload carried on artifact subjects.
type Event struct {
	ID          string     `json:"id"`
	Type        string     `json:"type"`
	ArtifactID  string     `json:"artifact_id"`
	Kind        string     `json:"kind,omitempty"`
	ContentType string     `json:"content_type,omitempty"`
	SizeBytes   int        `json:"size_bytes,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	URL         string     `json:"url,omitempty"`
	Error       string     `json:"error,omitempty"`
	Time        time.Time  `json:"time"`
}

// NewEvent stamps a fresh event of type typ for artifactID.
func NewEvent(typ, artifactID string, now time.Time) *Event {
	return &Event{
		ID:         uuid.NewString(),
		Type:       typ,
		ArtifactID: artifactID,
		Time:       now.UTC(),
	}
}

// Subject returns the subject an event of type typ is published on.
func Subject(typ string) string {
	if typ == "" {
		return ""
	}
	return SubjectPrefix + typ
}
