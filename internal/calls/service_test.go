package calls

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	kind ChangeKind
	rec  CallRecord
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []published
}

func (p *recordingPublisher) Publish(kind ChangeKind, rec CallRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, published{kind: kind, rec: rec})
}

func (p *recordingPublisher) snapshot() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]published, len(p.msgs))
	copy(out, p.msgs)
	return out
}

type memArchiver struct {
	mu   sync.Mutex
	recs []CallRecord
	err  error
}

func (a *memArchiver) Append(ctx context.Context, rec CallRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recs = append(a.recs, rec)
	return a.err
}

func newTestService(opts Options) (*Service, *recordingPublisher) {
	pub := &recordingPublisher{}
	opts.Publisher = pub
	if opts.HistorySize == 0 {
		opts.HistorySize = 8
	}
	return NewService(NewStore(), opts), pub
}

func TestService_CreateRequiresPeerNumber(t *testing.T) {
	svc, pub := newTestService(Options{})

	_, err := svc.Create(context.Background(), CreateRequest{CallID: "CA1"})
	require.ErrorIs(t, err, ErrValidation)
	assert.Empty(t, svc.ListActive(context.Background()))
	assert.Empty(t, pub.snapshot())
}

func TestService_CreateAnnouncesInitiated(t *testing.T) {
	svc, pub := newTestService(Options{})

	rec, err := svc.Create(context.Background(), CreateRequest{CallID: "CA1", PeerNumber: "+15551234", Metadata: map[string]string{"prompt": "hi"}})
	require.NoError(t, err)
	assert.Equal(t, StatusInitiated, rec.Status)
	assert.False(t, rec.StartedAt.IsZero())
	require.Len(t, rec.Events, 1)
	assert.Equal(t, EventCreated, rec.Events[0].Kind)

	msgs := pub.snapshot()
	require.Len(t, msgs, 1)
	assert.Equal(t, ChangeInitiated, msgs[0].kind)

	_, err = svc.Create(context.Background(), CreateRequest{CallID: "CA1", PeerNumber: "+1"})
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestService_GetUnknown(t *testing.T) {
	svc, _ := newTestService(Options{})
	_, err := svc.Get(context.Background(), "CA-unknown")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_PushStatusUnknownCall(t *testing.T) {
	svc, _ := newTestService(Options{})
	_, err := svc.PushStatus(context.Background(), "CA-unknown", StatusRinging, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_StreamLifecycle(t *testing.T) {
	arch := &memArchiver{}
	svc, pub := newTestService(Options{Archiver: arch})
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateRequest{CallID: "CA1", PeerNumber: "+15551234"})
	require.NoError(t, err)

	rec, err := svc.PushStatus(ctx, "CA1", StatusRinging, "")
	require.NoError(t, err)
	assert.Equal(t, StatusRinging, rec.Status)

	rec, err = svc.AttachStream(ctx, CreateRequest{CallID: "CA1"}, "MZ1")
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, rec.Status)
	assert.Equal(t, "MZ1", rec.StreamID)

	require.NoError(t, svc.AppendEvent(ctx, "CA1", EventMediaForwarded, "160"))

	rec, err = svc.Finish(ctx, "CA1", true, "stream stopped")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, rec.Status)
	require.NotNil(t, rec.EndedAt)

	// Evicted from the active table, still reachable through history.
	assert.Empty(t, svc.ListActive(ctx))
	got, err := svc.Get(ctx, "CA1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)

	// No more events after the terminal state.
	assert.Error(t, svc.AppendEvent(ctx, "CA1", EventMediaForwarded, "x"))

	completed := 0
	var statuses []Status
	for _, m := range pub.snapshot() {
		statuses = append(statuses, m.rec.Status)
		if m.rec.Status == StatusCompleted {
			completed++
		}
	}
	assert.Equal(t, 1, completed)
	assert.Equal(t, []Status{StatusInitiated, StatusRinging, StatusInProgress, StatusCompleted}, statuses)

	require.Len(t, arch.recs, 1)
	assert.Equal(t, "CA1", arch.recs[0].CallID)
}

func TestService_AttachStreamCreatesInboundRecord(t *testing.T) {
	svc, pub := newTestService(Options{})

	rec, err := svc.AttachStream(context.Background(), CreateRequest{CallID: "CA9", PeerNumber: "+1999"}, "MZ9")
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, rec.Status)
	assert.Equal(t, "+1999", rec.PeerNumber)

	msgs := pub.snapshot()
	require.Len(t, msgs, 2)
	assert.Equal(t, ChangeInitiated, msgs[0].kind)
	assert.Equal(t, ChangeUpdated, msgs[1].kind)
}

func TestService_ProviderCompletedBeforeMediaFails(t *testing.T) {
	svc, _ := newTestService(Options{})
	ctx := context.Background()
	_, _ = svc.Create(ctx, CreateRequest{CallID: "CA1", PeerNumber: "+1"})

	rec, err := svc.PushStatus(ctx, "CA1", StatusCompleted, "")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, rec.Status)
}

func TestService_ProviderCompletedAfterMediaIsOnlyLogged(t *testing.T) {
	svc, _ := newTestService(Options{})
	ctx := context.Background()
	_, _ = svc.Create(ctx, CreateRequest{CallID: "CA1", PeerNumber: "+1"})
	_, _ = svc.AttachStream(ctx, CreateRequest{CallID: "CA1"}, "MZ1")

	rec, err := svc.PushStatus(ctx, "CA1", StatusCompleted, "")
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, rec.Status)
	assert.Equal(t, EventProviderStatus, rec.Events[len(rec.Events)-1].Kind)
}

func TestService_PushStatusRejectsBackwardsAndInProgress(t *testing.T) {
	svc, _ := newTestService(Options{})
	ctx := context.Background()
	_, _ = svc.Create(ctx, CreateRequest{CallID: "CA1", PeerNumber: "+1"})
	_, _ = svc.PushStatus(ctx, "CA1", StatusAnswered, "")

	_, err := svc.PushStatus(ctx, "CA1", StatusRinging, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = svc.PushStatus(ctx, "CA1", StatusInProgress, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = svc.PushStatus(ctx, "CA1", Status("bogus"), "")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestService_FinishTwiceReportsTerminal(t *testing.T) {
	svc, _ := newTestService(Options{Retention: time.Hour})
	ctx := context.Background()
	_, _ = svc.Create(ctx, CreateRequest{CallID: "CA1", PeerNumber: "+1"})

	_, err := svc.Finish(ctx, "CA1", false, "transport error")
	require.NoError(t, err)

	_, err = svc.Finish(ctx, "CA1", true, "")
	assert.ErrorIs(t, err, ErrTerminal)

	// Retention keeps it listed until the timer fires.
	assert.Len(t, svc.ListActive(ctx), 1)
}

func TestService_ArchiveFailureDoesNotFailTransition(t *testing.T) {
	svc, _ := newTestService(Options{Archiver: &memArchiver{err: errors.New("db down")}})
	ctx := context.Background()
	_, _ = svc.Create(ctx, CreateRequest{CallID: "CA1", PeerNumber: "+1"})

	rec, err := svc.Finish(ctx, "CA1", false, "")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, rec.Status)
}

func TestService_RetentionEvictsLater(t *testing.T) {
	svc, _ := newTestService(Options{Retention: 20 * time.Millisecond})
	ctx := context.Background()
	_, _ = svc.Create(ctx, CreateRequest{CallID: "CA1", PeerNumber: "+1"})
	_, _ = svc.Finish(ctx, "CA1", false, "")

	require.Eventually(t, func() bool {
		return len(svc.ListActive(ctx)) == 0
	}, 2*time.Second, 5*time.Millisecond)
}
