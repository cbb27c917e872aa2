package calls

import "sync"

// History keeps the most recent finished records for lookup by id after
// they leave the active table. Oldest entries are overwritten first.
type History struct {
	mu    sync.Mutex
	ring  []string
	next  int
	byID  map[string]CallRecord
	limit int
}

func NewHistory(limit int) *History {
	if limit < 0 {
		limit = 0
	}
	return &History{
		ring:  make([]string, limit),
		byID:  make(map[string]CallRecord, limit),
		limit: limit,
	}
}

func (h *History) Add(rec CallRecord) {
	if h == nil || h.limit == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.byID[rec.CallID]; ok {
		h.byID[rec.CallID] = rec.Clone()
		return
	}
	if old := h.ring[h.next]; old != "" {
		delete(h.byID, old)
	}
	h.ring[h.next] = rec.CallID
	h.byID[rec.CallID] = rec.Clone()
	h.next = (h.next + 1) % h.limit
}

func (h *History) Get(id string) (CallRecord, bool) {
	if h == nil {
		return CallRecord{}, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	rec, ok := h.byID[id]
	if !ok {
		return CallRecord{}, false
	}
	return rec.Clone(), true
}

func (h *History) Len() int {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.byID)
}
