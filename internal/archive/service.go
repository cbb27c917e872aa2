package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"callbridge/internal/calls"

	"github.com/google/uuid"
)

// Repository is the persistence contract for archived calls.
//
// It MUST be append-only.
// No Update/Delete methods are provided.
type Repository interface {
	Append(ctx context.Context, e Entry) error
	// List returns entries whose EndedAt is in [from, to).
	List(ctx context.Context, from, to time.Time) ([]Entry, error)
}

var ErrInvalidEntry = errors.New("archive: invalid entry")

// Service turns finished call records into archive entries. It satisfies
// calls.Archiver.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

func (s *Service) Append(ctx context.Context, rec calls.CallRecord) error {
	if s.repo == nil {
		return errors.New("archive: repository not configured")
	}
	if rec.CallID == "" {
		return fmt.Errorf("%w: call id required", ErrInvalidEntry)
	}
	if !rec.Status.IsTerminal() || rec.EndedAt == nil {
		return fmt.Errorf("%w: call %s is still %s", ErrInvalidEntry, rec.CallID, rec.Status)
	}

	return s.repo.Append(ctx, Entry{
		ID:           uuid.NewString(),
		CallID:       rec.CallID,
		StreamID:     rec.StreamID,
		PeerNumber:   rec.PeerNumber,
		OriginNumber: rec.OriginNumber,
		Status:       rec.Status,
		StartedAt:    rec.StartedAt,
		EndedAt:      *rec.EndedAt,
		DurationMs:   rec.Duration().Milliseconds(),
		Metadata:     rec.Metadata,
		Events:       rec.Events,
		ArchivedAt:   s.clock().UTC(),
	})
}

// List returns archived calls that ended in [from, to).
func (s *Service) List(ctx context.Context, from, to time.Time) ([]Entry, error) {
	if s.repo == nil {
		return nil, errors.New("archive: repository not configured")
	}
	return s.repo.List(ctx, from, to)
}
