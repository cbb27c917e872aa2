package calls

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Publisher fans record changes out to observers. Publish must not block.
type Publisher interface {
	Publish(kind ChangeKind, rec CallRecord)
}

// Archiver receives every record once it reaches a terminal status.
// Archiving is best-effort; failures are logged, never surfaced.
type Archiver interface {
	Append(ctx context.Context, rec CallRecord) error
}

type Options struct {
	// Retention is how long a finished record stays in the active table.
	// Zero evicts synchronously on the terminal transition.
	Retention time.Duration

	// HistorySize bounds the ring of finished records kept for Get.
	HistorySize int

	Publisher Publisher
	Archiver  Archiver
	Logger    *slog.Logger
}

// Service is the command/query surface over the call table. It owns the
// lifecycle rules; the relay and HTTP handlers only call into it.
type Service struct {
	store     *Store
	history   *History
	publisher Publisher
	archiver  Archiver
	retention time.Duration
	log       *slog.Logger
	clock     func() time.Time
}

func NewService(store *Store, opts Options) *Service {
	if store == nil {
		store = NewStore()
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:     store,
		history:   NewHistory(opts.HistorySize),
		publisher: opts.Publisher,
		archiver:  opts.Archiver,
		retention: opts.Retention,
		log:       log,
		clock:     time.Now,
	}
}

// SetPublisher wires the fan-out after construction; the hub needs the
// service for its snapshots, so one side has to be set late.
func (s *Service) SetPublisher(p Publisher) { s.publisher = p }

type CreateRequest struct {
	CallID       string            `json:"callId"`
	PeerNumber   string            `json:"peerNumber"`
	OriginNumber string            `json:"originNumber,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

func (r CreateRequest) Validate() error {
	var missing []string
	if strings.TrimSpace(r.CallID) == "" {
		missing = append(missing, "callId")
	}
	if strings.TrimSpace(r.PeerNumber) == "" {
		missing = append(missing, "peerNumber")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s required", ErrValidation, strings.Join(missing, ", "))
	}
	return nil
}

// Create registers a new call in status initiated and announces it.
func (s *Service) Create(ctx context.Context, req CreateRequest) (CallRecord, error) {
	if err := req.Validate(); err != nil {
		return CallRecord{}, err
	}
	return s.create(req)
}

func (s *Service) create(req CreateRequest) (CallRecord, error) {
	now := s.clock().UTC()
	rec := CallRecord{
		CallID:       strings.TrimSpace(req.CallID),
		PeerNumber:   strings.TrimSpace(req.PeerNumber),
		OriginNumber: strings.TrimSpace(req.OriginNumber),
		Status:       StatusInitiated,
		StartedAt:    now,
		Metadata:     req.Metadata,
	}
	rec.AppendEvent(now, EventCreated, "")
	return s.store.create(rec, func(r CallRecord) { s.publish(ChangeInitiated, r) })
}

// Ensure returns the live record for req.CallID, creating it when absent.
// Inbound calls reach the service through webhooks or the media stream and
// may not carry a peer number, so only the id is required.
func (s *Service) Ensure(ctx context.Context, req CreateRequest) (CallRecord, bool, error) {
	if strings.TrimSpace(req.CallID) == "" {
		return CallRecord{}, false, fmt.Errorf("%w: callId required", ErrValidation)
	}
	if rec, err := s.store.Get(req.CallID); err == nil {
		return rec, false, nil
	}
	if strings.TrimSpace(req.PeerNumber) == "" {
		req.PeerNumber = "unknown"
	}
	rec, err := s.create(req)
	if errors.Is(err, ErrAlreadyExists) {
		rec, err = s.store.Get(req.CallID)
		return rec, false, err
	}
	if err != nil {
		return CallRecord{}, false, err
	}
	return rec, true, nil
}

// Get returns a live record, or a recently finished one from history.
func (s *Service) Get(ctx context.Context, id string) (CallRecord, error) {
	rec, err := s.store.Get(id)
	if err == nil {
		return rec, nil
	}
	if hist, ok := s.history.Get(id); ok {
		return hist, nil
	}
	return CallRecord{}, ErrNotFound
}

func (s *Service) ListActive(ctx context.Context) []CallRecord {
	return s.store.ListActive()
}

// PushStatus applies a provider-reported status.
//
// The media stream is authoritative: in_progress is never accepted here, and
// "completed" only finishes a call whose stream never started (as failed,
// since no conversation took place). Once a stream is attached, a provider
// "completed" is recorded as an event and the relay decides the outcome.
func (s *Service) PushStatus(ctx context.Context, id string, status Status, eventKind string) (CallRecord, error) {
	if !status.Valid() {
		return CallRecord{}, fmt.Errorf("%w: unknown status %q", ErrValidation, status)
	}
	if eventKind == "" {
		eventKind = EventProviderStatus
	}
	return s.mutate(ctx, id, func(rec *CallRecord, now time.Time) error {
		if rec.Status.IsTerminal() {
			return ErrTerminal
		}
		switch status {
		case StatusInProgress:
			return ErrInvalidTransition
		case StatusCompleted:
			if rec.StreamID != "" {
				rec.AppendEvent(now, eventKind, string(status))
				return nil
			}
			return rec.Transition(now, StatusFailed, eventKind, "ended_before_media")
		default:
			return rec.Transition(now, status, eventKind, "")
		}
	})
}

// AttachStream records the media stream id and forces in_progress.
// The record is created on the fly for calls that were never announced.
func (s *Service) AttachStream(ctx context.Context, req CreateRequest, streamID string) (CallRecord, error) {
	if strings.TrimSpace(streamID) == "" {
		return CallRecord{}, fmt.Errorf("%w: streamId required", ErrValidation)
	}
	if _, _, err := s.Ensure(ctx, req); err != nil {
		return CallRecord{}, err
	}
	return s.mutate(ctx, req.CallID, func(rec *CallRecord, now time.Time) error {
		if rec.Status.IsTerminal() {
			return ErrTerminal
		}
		if rec.StreamID != "" && rec.StreamID != streamID {
			return fmt.Errorf("%w: stream already attached", ErrInvalidTransition)
		}
		rec.StreamID = streamID
		rec.AppendEvent(now, EventStreamStarted, streamID)
		if rec.Status == StatusInProgress {
			return nil
		}
		return rec.Transition(now, StatusInProgress, "", "media stream started")
	})
}

// AppendEvent adds an event without a status change and without a broadcast.
func (s *Service) AppendEvent(ctx context.Context, id, kind, detail string) error {
	_, err := s.store.Update(id, func(rec *CallRecord) error {
		if rec.Status.IsTerminal() {
			return ErrTerminal
		}
		rec.AppendEvent(s.clock().UTC(), kind, detail)
		return nil
	})
	return err
}

// Finish moves the call to completed or failed.
func (s *Service) Finish(ctx context.Context, id string, completed bool, detail string) (CallRecord, error) {
	to := StatusFailed
	if completed {
		to = StatusCompleted
	}
	return s.mutate(ctx, id, func(rec *CallRecord, now time.Time) error {
		if completed && rec.Status != StatusInProgress {
			// A stop without a preceding start still ends the call, but the
			// lifecycle must pass through in_progress to stay monotonic.
			if err := rec.Transition(now, StatusInProgress, "", "implied by stream stop"); err != nil {
				return err
			}
		}
		return rec.Transition(now, to, "", detail)
	})
}

// mutate runs fn under the record lock, publishes the committed record in
// commit order, and finalizes it when the change was terminal.
func (s *Service) mutate(ctx context.Context, id string, fn func(*CallRecord, time.Time) error) (CallRecord, error) {
	rec, err := s.store.update(id, func(r *CallRecord) error {
		return fn(r, s.clock().UTC())
	}, func(r CallRecord) {
		s.publish(ChangeUpdated, r)
	})
	if err != nil {
		return CallRecord{}, err
	}
	if rec.Status.IsTerminal() {
		s.finalize(ctx, rec)
	}
	return rec, nil
}

func (s *Service) finalize(ctx context.Context, rec CallRecord) {
	if s.archiver != nil {
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if err := s.archiver.Append(actx, rec); err != nil {
			s.log.Warn("call archive failed", "call_id", rec.CallID, "err", err)
		}
		cancel()
	}

	s.history.Add(rec)
	if s.retention <= 0 {
		s.store.Remove(rec.CallID)
		return
	}
	time.AfterFunc(s.retention, func() { s.store.Remove(rec.CallID) })
}

func (s *Service) publish(kind ChangeKind, rec CallRecord) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(kind, rec)
}
