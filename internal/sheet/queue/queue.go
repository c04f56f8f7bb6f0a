// Package queue holds edits that have not reached the row store yet and
// flushes them in debounced batches.
//
// Edits to the same record are merged field by field, last value wins, so a
// record never has more than one pending mutation and never more than one
// write in flight.
package queue

import (
	"sync"
	"time"

	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/sheet/schema"
)

// Mutation is the merged set of unflushed field changes for one record.
type Mutation struct {
	RecordID  string
	Fields    schema.Fields
	CreatedAt time.Time
	Immediate bool

	// Attempts counts failed writes of this mutation.
	Attempts int

	waiters []chan error
}

// resolve delivers the write outcome to everyone waiting on this mutation.
func (m *Mutation) resolve(err error) {
	for _, w := range m.waiters {
		w <- err
		close(w)
	}
	m.waiters = nil
}

// Queue is the ordered set of pending mutations keyed by record id.
type Queue struct {
	mu    sync.Mutex
	order []string
	items map[string]*Mutation
	epoch uint64
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{items: make(map[string]*Mutation)}
}

// Add merges fields into the pending mutation for id, creating it if needed.
// The returned channel receives the outcome of the write that carries these
// fields, exactly once.
func (q *Queue) Add(id string, fields schema.Fields, immediate bool) <-chan error {
	done := make(chan error, 1)

	q.mu.Lock()
	defer q.mu.Unlock()

	m, ok := q.items[id]
	if !ok {
		m = &Mutation{RecordID: id, CreatedAt: time.Now()}
		q.items[id] = m
		q.order = append(q.order, id)
	}
	m.Fields.Merge(fields)
	m.Immediate = m.Immediate || immediate
	m.waiters = append(m.waiters, done)
	q.epoch++

	return done
}

// Drain atomically removes and returns every pending mutation in order.
// Edits added afterwards start a fresh set.
func (q *Queue) Drain() []*Mutation {
	return q.DrainExcept(nil)
}

// DrainExcept is Drain for every record for which skip returns false.
// Skipped mutations stay queued in their original order.
func (q *Queue) DrainExcept(skip func(id string) bool) []*Mutation {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.order) == 0 {
		return nil
	}
	batch := make([]*Mutation, 0, len(q.order))
	var kept []string
	for _, id := range q.order {
		if skip != nil && skip(id) {
			kept = append(kept, id)
			continue
		}
		batch = append(batch, q.items[id])
		delete(q.items, id)
	}
	q.order = kept
	return batch
}

// Requeue puts failed mutations back at the front of the queue, preserving
// their order. When a record gained newer edits while the write was in
// flight, the newer values win field by field.
func (q *Queue) Requeue(batch []*Mutation) {
	if len(batch) == 0 {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	front := make([]string, 0, len(batch))
	seen := make(map[string]bool, len(batch))
	for _, failed := range batch {
		m := &Mutation{
			RecordID:  failed.RecordID,
			Fields:    failed.Fields.Clone(),
			CreatedAt: failed.CreatedAt,
			Immediate: failed.Immediate,
			Attempts:  failed.Attempts,
		}
		if live, ok := q.items[failed.RecordID]; ok {
			m.Fields.Merge(live.Fields)
			m.Immediate = m.Immediate || live.Immediate
			m.waiters = live.waiters
			if live.Attempts > m.Attempts {
				m.Attempts = live.Attempts
			}
		}
		q.items[failed.RecordID] = m
		if !seen[failed.RecordID] {
			front = append(front, failed.RecordID)
			seen[failed.RecordID] = true
		}
	}

	order := front
	for _, id := range q.order {
		if !seen[id] {
			order = append(order, id)
		}
	}
	q.order = order
	q.epoch++
}

// Discard drops queued fields whose pending value still equals the given
// value. It returns how many fields were dropped. A mutation left without
// fields is removed and its waiters receive nil.
func (q *Queue) Discard(id string, fields schema.Fields) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	m, ok := q.items[id]
	if !ok {
		return 0
	}
	dropped := 0
	for _, k := range fields.Keys() {
		if v, ok := m.Fields.Get(k); ok && v == fields.Value(k) {
			m.Fields.Delete(k)
			dropped++
		}
	}
	if m.Fields.Len() == 0 {
		m.resolve(nil)
		delete(q.items, id)
		for i, oid := range q.order {
			if oid == id {
				q.order = append(q.order[:i], q.order[i+1:]...)
				break
			}
		}
	}
	return dropped
}

// Pending returns the queued value of one field.
func (q *Queue) Pending(id, field string) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	m, ok := q.items[id]
	if !ok {
		return "", false
	}
	return m.Fields.Get(field)
}

// Has reports whether id has a pending mutation.
func (q *Queue) Has(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.items[id]
	return ok
}

// HasOutside reports whether any record not in skip has a pending mutation.
func (q *Queue) HasOutside(skip map[string]bool) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, id := range q.order {
		if !skip[id] {
			return true
		}
	}
	return false
}

// Len returns the number of records with pending mutations.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

// IsEmpty reports whether nothing is queued.
func (q *Queue) IsEmpty() bool {
	return q.Len() == 0
}

// Epoch increases whenever an edit is added or requeued. Comparing epochs
// tells a reader whether the queue changed between two points in time.
func (q *Queue) Epoch() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.epoch
}

// Snapshot returns copies of the pending mutations in order.
func (q *Queue) Snapshot() []Mutation {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Mutation, 0, len(q.order))
	for _, id := range q.order {
		m := q.items[id]
		out = append(out, Mutation{
			RecordID:  m.RecordID,
			Fields:    m.Fields.Clone(),
			CreatedAt: m.CreatedAt,
			Immediate: m.Immediate,
			Attempts:  m.Attempts,
		})
	}
	return out
}
