// Package optimistic writes user edits into the record store before the row
// store confirms them, and undoes them when the write is rejected.
//
// Every Apply bumps a version counter for the (record, field) pair. A rollback
// token remembers the version it was issued for, so rolling back is a no-op
// once the same field has been edited again:
//
//	tok, _ := applier.Apply("7", "Статус", "Готов")
//	applier.Apply("7", "Статус", "Выдан")
//	applier.Rollback(tok) // false: "Выдан" stays
package optimistic

import (
	"fmt"
	"sync"

	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/sheet/schema"
	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/sheet/store"
)

// Token undoes one optimistic field change.
type Token struct {
	RecordID string
	Field    string

	// Previous is the value before the change; PreviousOK is false when the
	// field did not exist.
	Previous   string
	PreviousOK bool

	version uint64
}

type fieldKey struct {
	id    string
	field string
}

// Applier applies and rolls back optimistic changes on a store.
type Applier struct {
	store *store.Store

	mu       sync.Mutex
	versions map[fieldKey]uint64
}

// New creates an applier writing into st.
func New(st *store.Store) (*Applier, error) {
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	return &Applier{store: st, versions: make(map[fieldKey]uint64)}, nil
}

// Apply writes value into the store and returns the token that undoes it.
func (a *Applier) Apply(id, field, value string) (Token, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.apply(id, field, value)
}

// ApplyFields applies every field of fields as one step. On error nothing
// stays applied.
func (a *Applier) ApplyFields(id string, fields schema.Fields) ([]Token, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	tokens := make([]Token, 0, fields.Len())
	for _, k := range fields.Keys() {
		tok, err := a.apply(id, k, fields.Value(k))
		if err != nil {
			for i := len(tokens) - 1; i >= 0; i-- {
				a.rollback(tokens[i])
			}
			return nil, err
		}
		tokens = append(tokens, tok)
	}
	return tokens, nil
}

func (a *Applier) apply(id, field, value string) (Token, error) {
	if field == "" || field == schema.IDKey {
		return Token{}, fmt.Errorf("invalid field name %q", field)
	}
	prev, prevOK, err := a.store.SetField(id, field, value)
	if err != nil {
		return Token{}, fmt.Errorf("failed to apply %s on row %s: %w", field, id, err)
	}

	key := fieldKey{id, field}
	a.versions[key]++
	return Token{
		RecordID:   id,
		Field:      field,
		Previous:   prev,
		PreviousOK: prevOK,
		version:    a.versions[key],
	}, nil
}

// Rollback restores the previous value if the field has not been changed
// optimistically since tok was issued. It reports whether it restored.
func (a *Applier) Rollback(tok Token) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rollback(tok)
}

// RollbackAll rolls back tokens newest first and returns how many restored.
func (a *Applier) RollbackAll(tokens []Token) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	restored := 0
	for i := len(tokens) - 1; i >= 0; i-- {
		if a.rollback(tokens[i]) {
			restored++
		}
	}
	return restored
}

func (a *Applier) rollback(tok Token) bool {
	key := fieldKey{tok.RecordID, tok.Field}
	if a.versions[key] != tok.version {
		return false
	}

	var err error
	if tok.PreviousOK {
		_, _, err = a.store.SetField(tok.RecordID, tok.Field, tok.Previous)
	} else {
		err = a.store.UnsetField(tok.RecordID, tok.Field)
	}
	if err != nil {
		// The record is gone; a refresh owns it now.
		return false
	}
	a.versions[key]++
	return true
}

// Current reports whether tok is still the latest optimistic change of its field.
func (a *Applier) Current(tok Token) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.versions[fieldKey{tok.RecordID, tok.Field}] == tok.version
}
