package calls

import (
	"sync"
)

// Store is the in-process table of live call records.
//
// Concurrency:
// - the table lock guards only the id → entry map and is never held while a mutator runs.
// - each entry has its own lock, so updates on different calls never contend.
// - every read returns a deep copy.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

type entry struct {
	mu      sync.Mutex
	rec     CallRecord
	removed bool
}

func NewStore() *Store {
	return &Store{entries: make(map[string]*entry)}
}

// Create inserts rec. It fails with ErrAlreadyExists if the id is live.
func (s *Store) Create(rec CallRecord) (CallRecord, error) {
	return s.create(rec, nil)
}

func (s *Store) create(rec CallRecord, committed func(CallRecord)) (CallRecord, error) {
	if rec.CallID == "" {
		return CallRecord{}, ErrValidation
	}
	e := &entry{rec: rec.Clone()}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[rec.CallID]; ok {
		return CallRecord{}, ErrAlreadyExists
	}
	s.entries[rec.CallID] = e

	// The table lock is still held, so no update on this id can commit (and
	// publish) ahead of the creation hook.
	out := e.rec.Clone()
	if committed != nil {
		committed(out.Clone())
	}
	return out, nil
}

func (s *Store) lookup(id string) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	return e, ok
}

func (s *Store) Get(id string) (CallRecord, error) {
	e, ok := s.lookup(id)
	if !ok {
		return CallRecord{}, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return CallRecord{}, ErrNotFound
	}
	return e.rec.Clone(), nil
}

// Update applies fn to a copy of the record and commits it only if fn
// returns nil. Updates to the same id are serialized; observers never see a
// half-applied change.
func (s *Store) Update(id string, fn func(*CallRecord) error) (CallRecord, error) {
	return s.update(id, fn, nil)
}

// update is Update with a hook that runs after commit while the record lock
// is still held, so hooks for one record observe commits in order. The hook
// must not block.
func (s *Store) update(id string, fn func(*CallRecord) error, committed func(CallRecord)) (CallRecord, error) {
	e, ok := s.lookup(id)
	if !ok {
		return CallRecord{}, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return CallRecord{}, ErrNotFound
	}

	next := e.rec.Clone()
	if err := fn(&next); err != nil {
		return CallRecord{}, err
	}
	// Identity fields are immutable whatever the mutator did.
	next.CallID = e.rec.CallID
	if e.rec.StreamID != "" {
		next.StreamID = e.rec.StreamID
	}
	e.rec = next
	out := e.rec.Clone()
	if committed != nil {
		committed(out.Clone())
	}
	return out, nil
}

// Remove drops id from the table. Removing an unknown id is a no-op.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if ok {
		delete(s.entries, id)
	}
	s.mu.Unlock()

	if ok {
		e.mu.Lock()
		e.removed = true
		e.mu.Unlock()
	}
}

// ListActive returns a snapshot of every live record, in no particular order.
func (s *Store) ListActive() []CallRecord {
	s.mu.RLock()
	list := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		list = append(list, e)
	}
	s.mu.RUnlock()

	out := make([]CallRecord, 0, len(list))
	for _, e := range list {
		e.mu.Lock()
		if !e.removed {
			out = append(out, e.rec.Clone())
		}
		e.mu.Unlock()
	}
	return out
}
