package reporting

import (
	"context"
	"errors"
	"testing"
	"time"

	"callbridge/internal/archive"
	"callbridge/internal/calls"
)

func TestReporting_CallsSummaryAggregates(t *testing.T) {
	repo := archive.NewMemoryRepo()
	now := time.Unix(1700000000, 0).UTC()
	ctx := context.Background()
	_ = repo.Append(ctx, archive.Entry{CallID: "c1", StreamID: "MZ1", Status: calls.StatusCompleted, EndedAt: now, DurationMs: 30000,
		Events: []calls.Event{{Kind: calls.EventInterruption}, {Kind: calls.EventInterruption}}})
	_ = repo.Append(ctx, archive.Entry{CallID: "c2", StreamID: "MZ2", Status: calls.StatusFailed, EndedAt: now, DurationMs: 10500})
	_ = repo.Append(ctx, archive.Entry{CallID: "c3", Status: calls.StatusFailed, EndedAt: now, DurationMs: 2000})
	_ = repo.Append(ctx, archive.Entry{CallID: "old", Status: calls.StatusCompleted, EndedAt: now.Add(-48 * time.Hour), DurationMs: 99000})
	svc := NewService(repo)

	out, err := svc.CallsSummary(ctx, CallsSummaryRequest{Range: TimeRange{From: now.Add(-time.Hour), To: now.Add(time.Hour)}})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if out.TotalCalls != 3 || out.CompletedCalls != 1 || out.FailedCalls != 2 {
		t.Fatalf("unexpected counts: %+v", out)
	}
	if out.EndedBeforeMedia != 1 {
		t.Fatalf("expected 1 call ended before media, got %d", out.EndedBeforeMedia)
	}
	if out.TotalDurationSeconds != 42 || out.AverageDurationSeconds != 14 {
		t.Fatalf("unexpected durations: %+v", out)
	}
	if out.Interruptions != 2 {
		t.Fatalf("expected 2 interruptions, got %d", out.Interruptions)
	}
}

func TestReporting_RejectsBadRange(t *testing.T) {
	svc := NewService(archive.NewMemoryRepo())
	now := time.Now()

	for _, r := range []TimeRange{
		{},
		{From: now},
		{From: now, To: now},
		{From: now, To: now.Add(-time.Minute)},
	} {
		if _, err := svc.CallsSummary(context.Background(), CallsSummaryRequest{Range: r}); !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("expected ErrInvalidRequest for %+v, got %v", r, err)
		}
	}
}
