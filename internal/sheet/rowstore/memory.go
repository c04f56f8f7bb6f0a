package rowstore

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/errs"
	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/sheet/schema"
)

// MemoryBackend keeps rows in memory.
type MemoryBackend struct {
	mu     sync.Mutex
	order  []string
	rows   map[string]schema.Fields
	nextID int
}

// NewMemoryBackend creates an empty backend. Ids start at 1.
func NewMemoryBackend(seed ...schema.Fields) *MemoryBackend {
	b := &MemoryBackend{rows: make(map[string]schema.Fields), nextID: 1}
	for _, f := range seed {
		_, _ = b.Create(context.Background(), f)
	}
	return b
}

func (b *MemoryBackend) List(ctx context.Context) ([]schema.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]schema.Record, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, schema.Record{ID: id, Fields: b.rows[id].Clone()})
	}
	return out, nil
}

func (b *MemoryBackend) Create(ctx context.Context, fields schema.Fields) (schema.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := strconv.Itoa(b.nextID)
	b.nextID++
	b.order = append(b.order, id)
	b.rows[id] = fields.Clone()
	return schema.Record{ID: id, Fields: fields.Clone()}, nil
}

func (b *MemoryBackend) Update(ctx context.Context, id string, fields schema.Fields) (schema.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	row, ok := b.rows[id]
	if !ok {
		return schema.Record{}, fmt.Errorf("%w: %s", errs.ErrNotFound, id)
	}
	row.Merge(fields)
	b.rows[id] = row
	return schema.Record{ID: id, Fields: row.Clone()}, nil
}

func (b *MemoryBackend) Delete(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.rows[id]; !ok {
		return fmt.Errorf("%w: %s", errs.ErrNotFound, id)
	}
	delete(b.rows, id)
	for i, oid := range b.order {
		if oid == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	return nil
}

func (b *MemoryBackend) Close() error { return nil }
