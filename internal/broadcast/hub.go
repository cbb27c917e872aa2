package broadcast

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"callbridge/internal/calls"

	"github.com/google/uuid"
)

// Message types on the monitoring socket.
const (
	TypeInitial = "initial"
)

type initialMessage struct {
	Type  string             `json:"type"`
	Calls []calls.CallRecord `json:"calls"`
}

type changeMessage struct {
	Type string           `json:"type"`
	Data calls.CallRecord `json:"data"`
}

// Snapshotter lists the records an observer sees when it subscribes.
type Snapshotter interface {
	ListActive() []calls.CallRecord
}

// SnapshotFunc adapts a function to Snapshotter.
type SnapshotFunc func() []calls.CallRecord

func (f SnapshotFunc) ListActive() []calls.CallRecord { return f() }

// Hub fans serialized call changes out to observers.
//
// Delivery is best-effort: each subscriber has a bounded queue and a publish
// that finds it full (or the subscriber closed) skips that subscriber for
// that message. Publish never blocks on an observer.
type Hub struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	snap   Snapshotter
	buffer int
	log    *slog.Logger
}

// Subscription is one observer's queue. C yields serialized messages in
// publish order; it is closed on Unsubscribe.
type Subscription struct {
	ID      string
	C       <-chan []byte
	ch      chan []byte
	closed  atomic.Bool
	dropped atomic.Int64

	mu sync.Mutex
	// Changes published while the snapshot is being read wait here until
	// the initial message is queued.
	pending []pendingChange
	ready   bool
}

type pendingChange struct {
	callID  string
	version int
	msg     []byte
}

// Dropped is how many messages were skipped because the queue was full.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

func (s *Subscription) deliver(c pendingChange, limit int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return
	}
	if !s.ready {
		if len(s.pending) >= limit {
			s.dropped.Add(1)
			return
		}
		s.pending = append(s.pending, c)
		return
	}
	select {
	case s.ch <- c.msg:
	default:
		s.dropped.Add(1)
	}
}

func NewHub(snap Snapshotter, buffer int, log *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		subs:   make(map[*Subscription]struct{}),
		snap:   snap,
		buffer: buffer,
		log:    log,
	}
}

// Subscribe registers an observer. The first message on C is always the
// initial snapshot of active calls, followed by every change published from
// the moment of registration that the snapshot does not already reflect.
func (h *Hub) Subscribe() *Subscription {
	ch := make(chan []byte, h.buffer+1)
	sub := &Subscription{ID: uuid.NewString(), C: ch, ch: ch}

	// Registered before the snapshot is read so no change can fall between
	// the two. The snapshot is read without h.mu: publishers hold store
	// locks while they wait on it.
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	var records []calls.CallRecord
	if h.snap != nil {
		records = h.snap.ListActive()
	}
	if records == nil {
		records = []calls.CallRecord{}
	}
	seen := make(map[string]int, len(records))
	for _, rec := range records {
		seen[rec.CallID] = len(rec.Events)
	}

	sub.mu.Lock()
	defer sub.mu.Unlock()
	if b, err := json.Marshal(initialMessage{Type: TypeInitial, Calls: records}); err == nil {
		ch <- b
	} else {
		h.log.Error("snapshot marshal failed", "err", err)
	}
	for _, c := range sub.pending {
		// Events only grow, so a change with no more events than the
		// snapshot's copy of the record is already in it.
		if v, ok := seen[c.callID]; ok && c.version <= v {
			continue
		}
		select {
		case ch <- c.msg:
		default:
			sub.dropped.Add(1)
		}
	}
	sub.pending = nil
	sub.ready = true
	return sub
}

func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; !ok {
		return
	}
	delete(h.subs, sub)

	sub.mu.Lock()
	defer sub.mu.Unlock()
	sub.closed.Store(true)
	close(sub.ch)
}

// Publish implements calls.Publisher.
func (h *Hub) Publish(kind calls.ChangeKind, rec calls.CallRecord) {
	b, err := json.Marshal(changeMessage{Type: string(kind), Data: rec})
	if err != nil {
		h.log.Error("broadcast marshal failed", "call_id", rec.CallID, "err", err)
		return
	}

	c := pendingChange{callID: rec.CallID, version: len(rec.Events), msg: b}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		sub.deliver(c, h.buffer)
	}
}

// Len is the number of live subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
