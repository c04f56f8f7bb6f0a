// Package store holds the in-memory table of records the engine works on.
//
// The store is the only place records live. Readers take deep-copied
// snapshots; writers go through the optimistic applier, the flusher and the
// reconciler, which call the mutation methods below.
package store

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/sheet/schema"
)

// ErrUnknownRecord is returned when a mutation targets an id the store does
// not hold.
var ErrUnknownRecord = errors.New("unknown record")

// ChangeKind tells subscribers what happened.
type ChangeKind int

const (
	// ChangeField indicates a single field was written.
	ChangeField ChangeKind = iota
	// ChangeRecord indicates a record was inserted or several fields changed.
	ChangeRecord
	// ChangeDelete indicates a record was removed.
	ChangeDelete
	// ChangeReplace indicates the whole table was replaced by a snapshot.
	ChangeReplace
)

// String returns a human-readable representation of the change kind.
func (k ChangeKind) String() string {
	switch k {
	case ChangeField:
		return "field"
	case ChangeRecord:
		return "record"
	case ChangeDelete:
		return "delete"
	case ChangeReplace:
		return "replace"
	default:
		return "unknown"
	}
}

// Change describes one store mutation.
type Change struct {
	Kind     ChangeKind
	RecordID string
	Field    string
	Version  uint64
}

// Store is a concurrency-safe ordered table of records.
type Store struct {
	mu          sync.RWMutex
	order       []string
	records     map[string]schema.Record
	fingerprint string
	updatedAt   time.Time
	version     uint64

	subsMu  sync.Mutex
	subs    map[int]chan Change
	nextSub int
}

// New creates an empty store.
func New() *Store {
	return &Store{
		records: make(map[string]schema.Record),
		subs:    make(map[int]chan Change),
	}
}

// Snapshot returns a deep copy of every record in table order.
func (s *Store) Snapshot() []schema.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]schema.Record, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.records[id].Clone())
	}
	return out
}

// Get returns a copy of the record with id.
func (s *Store) Get(id string) (schema.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return schema.Record{}, false
	}
	return rec.Clone(), true
}

// Field returns the current value of one field.
func (s *Store) Field(id, field string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return "", false
	}
	return rec.Fields.Get(field)
}

// Len returns the number of records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// Version increases on every mutation. Equal versions mean no observable change.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Fingerprint returns the fingerprint of the last snapshot applied with
// ReplaceAll. Any local change clears it, since the table no longer equals
// that snapshot.
func (s *Store) Fingerprint() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fingerprint
}

// LastUpdated returns when ReplaceAll last ran.
func (s *Store) LastUpdated() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updatedAt
}

// SetField writes one field and returns its previous value. prevOK is false
// when the field did not exist before.
func (s *Store) SetField(id, field, value string) (prev string, prevOK bool, err error) {
	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return "", false, fmt.Errorf("%w: %s", ErrUnknownRecord, id)
	}
	prev, prevOK = rec.Fields.Get(field)
	rec.Fields.Set(field, value)
	s.records[id] = rec
	s.fingerprint = ""
	s.version++
	v := s.version
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeField, RecordID: id, Field: field, Version: v})
	return prev, prevOK, nil
}

// UnsetField removes a field, restoring the state before a first write.
func (s *Store) UnsetField(id, field string) error {
	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownRecord, id)
	}
	rec.Fields.Delete(field)
	s.records[id] = rec
	s.fingerprint = ""
	s.version++
	v := s.version
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeField, RecordID: id, Field: field, Version: v})
	return nil
}

// ApplyFields merges fields into an existing record.
func (s *Store) ApplyFields(id string, fields schema.Fields) error {
	if fields.Len() == 0 {
		return nil
	}

	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownRecord, id)
	}
	rec.Fields.Merge(fields)
	s.records[id] = rec
	s.fingerprint = ""
	s.version++
	v := s.version
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeRecord, RecordID: id, Version: v})
	return nil
}

// Upsert appends rec, or replaces the fields of an existing record with the
// same id in place.
func (s *Store) Upsert(rec schema.Record) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid record: %w", err)
	}

	s.mu.Lock()
	if _, ok := s.records[rec.ID]; !ok {
		s.order = append(s.order, rec.ID)
	}
	s.records[rec.ID] = rec.Clone()
	s.fingerprint = ""
	s.version++
	v := s.version
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeRecord, RecordID: rec.ID, Version: v})
	return nil
}

// Delete removes a record and returns it with its former position so the
// caller can Restore it.
func (s *Store) Delete(id string) (schema.Record, int, bool) {
	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return schema.Record{}, -1, false
	}
	index := -1
	for i, oid := range s.order {
		if oid == id {
			index = i
			break
		}
	}
	delete(s.records, id)
	if index >= 0 {
		s.order = append(s.order[:index], s.order[index+1:]...)
	}
	s.fingerprint = ""
	s.version++
	v := s.version
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeDelete, RecordID: id, Version: v})
	return rec, index, true
}

// Restore puts a deleted record back at index. It does nothing if a record
// with the same id has reappeared in the meantime.
func (s *Store) Restore(rec schema.Record, index int) {
	s.mu.Lock()
	if _, ok := s.records[rec.ID]; ok {
		s.mu.Unlock()
		return
	}
	if index < 0 || index > len(s.order) {
		index = len(s.order)
	}
	s.order = append(s.order, "")
	copy(s.order[index+1:], s.order[index:])
	s.order[index] = rec.ID
	s.records[rec.ID] = rec.Clone()
	s.fingerprint = ""
	s.version++
	v := s.version
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeRecord, RecordID: rec.ID, Version: v})
}

// ReplaceAll swaps the whole table for records and records the snapshot
// fingerprint and update time.
func (s *Store) ReplaceAll(records []schema.Record, fingerprint string, at time.Time) {
	order, byID := indexRecords(records)

	s.mu.Lock()
	v := s.replaceLocked(order, byID, fingerprint, at)
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeReplace, Version: v})
}

// ReplaceAllIfVersion is ReplaceAll guarded by the store version: the table
// is replaced only while Version still equals version. It reports whether
// the replace happened.
func (s *Store) ReplaceAllIfVersion(version uint64, records []schema.Record, fingerprint string, at time.Time) bool {
	order, byID := indexRecords(records)

	s.mu.Lock()
	if s.version != version {
		s.mu.Unlock()
		return false
	}
	v := s.replaceLocked(order, byID, fingerprint, at)
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeReplace, Version: v})
	return true
}

func (s *Store) replaceLocked(order []string, byID map[string]schema.Record, fingerprint string, at time.Time) uint64 {
	s.order = order
	s.records = byID
	s.fingerprint = fingerprint
	s.updatedAt = at
	s.version++
	return s.version
}

func indexRecords(records []schema.Record) ([]string, map[string]schema.Record) {
	order := make([]string, 0, len(records))
	byID := make(map[string]schema.Record, len(records))
	for _, rec := range records {
		if _, dup := byID[rec.ID]; !dup {
			order = append(order, rec.ID)
		}
		byID[rec.ID] = rec.Clone()
	}
	return order, byID
}

// Subscribe returns a channel receiving every change. Sends never block: a
// subscriber that falls behind misses changes and should re-read Snapshot.
// Call the returned function to unsubscribe.
func (s *Store) Subscribe(buffer int) (<-chan Change, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Change, buffer)

	s.subsMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subsMu.Lock()
			delete(s.subs, id)
			s.subsMu.Unlock()
			close(ch)
		})
	}
}

func (s *Store) notify(c Change) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	for _, ch := range s.subs {
		select {
		case ch <- c:
		default:
		}
	}
}
