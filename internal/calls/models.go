package calls

import (
	"errors"
	"time"
)

// CallRecord is the live, queryable state of one phone call.
//
// Invariants:
// - CallID is immutable and identifies at most one live record.
// - StreamID is empty until the media stream starts, immutable afterwards.
// - PeerNumber, OriginNumber and Metadata are fixed at creation.
// - EndedAt is set exactly once, on the terminal transition.
// - Events is append-only and ordered by Timestamp.
type CallRecord struct {
	CallID       string            `json:"callId"`
	StreamID     string            `json:"streamId,omitempty"`
	PeerNumber   string            `json:"peerNumber"`
	OriginNumber string            `json:"originNumber,omitempty"`
	Status       Status            `json:"status"`
	StartedAt    time.Time         `json:"startedAt"`
	EndedAt      *time.Time        `json:"endedAt,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Events       []Event           `json:"events"`
}

// Event is one entry in a record's event log.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail,omitempty"`
}

// Event kinds written by this package and the relay.
const (
	EventCreated        = "call_created"
	EventStatusChanged  = "status_changed"
	EventStreamStarted  = "stream_started"
	EventStreamStopped  = "stream_stopped"
	EventMediaForwarded = "media_forwarded"
	EventAudioForwarded = "audio_forwarded"
	EventInterruption   = "interruption"
	EventProviderStatus = "provider_status"
	EventRelayFailed    = "relay_failed"
)

// ChangeKind tells observers why a record is being published.
type ChangeKind string

const (
	ChangeInitiated ChangeKind = "call_initiated"
	ChangeUpdated   ChangeKind = "call_updated"
)

var (
	ErrValidation        = errors.New("calls: validation failed")
	ErrNotFound          = errors.New("calls: call not found")
	ErrAlreadyExists     = errors.New("calls: call already exists")
	ErrInvalidTransition = errors.New("calls: invalid status transition")
	ErrTerminal          = errors.New("calls: call already finished")
)

// Clone returns a deep copy so callers never share slices or maps with the store.
func (r CallRecord) Clone() CallRecord {
	out := r
	if r.EndedAt != nil {
		t := *r.EndedAt
		out.EndedAt = &t
	}
	if r.Metadata != nil {
		out.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	out.Events = make([]Event, len(r.Events))
	copy(out.Events, r.Events)
	return out
}

// AppendEvent adds an entry stamped at now, nudged forward when needed so
// timestamps stay strictly increasing within the record.
func (r *CallRecord) AppendEvent(now time.Time, kind, detail string) {
	if n := len(r.Events); n > 0 {
		last := r.Events[n-1].Timestamp
		if !now.After(last) {
			now = last.Add(time.Nanosecond)
		}
	}
	r.Events = append(r.Events, Event{Timestamp: now, Kind: kind, Detail: detail})
}

// Transition moves the record to status `to`, appending exactly one event of
// the given kind (status_changed when empty) and stamping EndedAt on
// terminal states.
func (r *CallRecord) Transition(now time.Time, to Status, kind, detail string) error {
	if r.Status.IsTerminal() {
		return ErrTerminal
	}
	if !CanTransition(r.Status, to) {
		return ErrInvalidTransition
	}
	r.Status = to
	msg := string(to)
	if detail != "" {
		msg += ": " + detail
	}
	if kind == "" {
		kind = EventStatusChanged
	}
	r.AppendEvent(now, kind, msg)
	if to.IsTerminal() {
		ended := r.Events[len(r.Events)-1].Timestamp
		r.EndedAt = &ended
	}
	return nil
}

// Duration is the time between StartedAt and EndedAt, or zero while live.
func (r CallRecord) Duration() time.Duration {
	if r.EndedAt == nil {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}
