package archive

import (
	"time"

	"callbridge/internal/calls"
)

// Entry is an immutable copy of a call record taken when it finished.
//
// Invariants:
// - Entries are never updated or deleted.
// - Status is terminal (completed or failed).
// - Archiving is best-effort; a failed append never blocks the call lifecycle.
//
// Storage (Postgres): table call_archive, INSERT-only, indexed on ended_at.
type Entry struct {
	ID           string            `json:"id" db:"id"`
	CallID       string            `json:"callId" db:"call_id"`
	StreamID     string            `json:"streamId,omitempty" db:"stream_id"`
	PeerNumber   string            `json:"peerNumber" db:"peer_number"`
	OriginNumber string            `json:"originNumber,omitempty" db:"origin_number"`
	Status       calls.Status      `json:"status" db:"status"`
	StartedAt    time.Time         `json:"startedAt" db:"started_at"`
	EndedAt      time.Time         `json:"endedAt" db:"ended_at"`
	DurationMs   int64             `json:"durationMs" db:"duration_ms"`
	Metadata     map[string]string `json:"metadata,omitempty" db:"metadata"`
	Events       []calls.Event     `json:"events" db:"events"`
	ArchivedAt   time.Time         `json:"archivedAt" db:"archived_at"`
}

// CountEvents returns how many events of kind the call logged.
func (e Entry) CountEvents(kind string) int {
	n := 0
	for _, ev := range e.Events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}
