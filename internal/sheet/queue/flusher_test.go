package queue

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/errs"
	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/sheet/schema"
	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/sheet/store"
)

type writeCall struct {
	id     string
	fields schema.Fields
	at     time.Time
}

// fakeWriter records every update and fails the calls listed in failures.
type fakeWriter struct {
	mu        sync.Mutex
	calls     []writeCall
	failures  map[int]error
	gateFirst chan struct{}
	hang      bool
}

func (w *fakeWriter) Update(ctx context.Context, id string, fields schema.Fields) (schema.Record, error) {
	w.mu.Lock()
	w.calls = append(w.calls, writeCall{id: id, fields: fields.Clone(), at: time.Now()})
	n := len(w.calls)
	err := w.failures[n]
	gate := w.gateFirst
	hang := w.hang
	w.mu.Unlock()

	if hang {
		<-ctx.Done()
		return schema.Record{}, ctx.Err()
	}
	if n == 1 && gate != nil {
		<-gate
	}
	if err != nil {
		return schema.Record{}, err
	}
	return schema.Record{ID: id, Fields: fields.Clone()}, nil
}

func (w *fakeWriter) Calls() []writeCall {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]writeCall, len(w.calls))
	copy(out, w.calls)
	return out
}

func newTestFlusher(t *testing.T, w Writer, debounce time.Duration) (*Flusher, *Queue, *store.Store) {
	t.Helper()

	st := store.New()
	st.ReplaceAll([]schema.Record{
		{ID: "1", Fields: schema.NewFields(schema.FieldStatus, "-", schema.FieldPayment, "не оплачен")},
		{ID: "2", Fields: schema.NewFields(schema.FieldStatus, "-")},
	}, "", time.Now())

	config := DefaultConfig()
	config.Debounce = debounce
	config.WriteTimeout = time.Second
	config.Logger = log.New(io.Discard, "", 0)

	q := NewQueue()
	f, err := NewFlusher(q, w, st, config)
	if err != nil {
		t.Fatalf("NewFlusher() failed: %v", err)
	}
	t.Cleanup(f.Stop)
	return f, q, st
}

func waitResult(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("write did not settle")
		return nil
	}
}

func TestNewFlusher(t *testing.T) {
	tests := []struct {
		name    string
		queue   *Queue
		writer  Writer
		store   *store.Store
		wantErr bool
	}{
		{"valid", NewQueue(), &fakeWriter{}, store.New(), false},
		{"nil queue", nil, &fakeWriter{}, store.New(), true},
		{"nil writer", NewQueue(), nil, store.New(), true},
		{"nil store", NewQueue(), &fakeWriter{}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewFlusher(tt.queue, tt.writer, tt.store, nil)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewFlusher() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// Two edits 40ms apart with a 100ms window produce one write ~140ms after
// the first edit carrying both fields.
func TestFlusher_CoalescesWithinDebounce(t *testing.T) {
	w := &fakeWriter{}
	f, _, st := newTestFlusher(t, w, 100*time.Millisecond)

	start := time.Now()
	f.QueueMutation("1", schema.NewFields(schema.FieldStatus, "Готов"), false)
	time.Sleep(40 * time.Millisecond)
	second := time.Now()
	done := f.QueueMutation("1", schema.NewFields(schema.FieldPayment, "оплачен"), false)

	if err := waitResult(t, done); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	calls := w.Calls()
	if len(calls) != 1 {
		t.Fatalf("got %d writes, want 1", len(calls))
	}
	want := schema.NewFields(schema.FieldStatus, "Готов", schema.FieldPayment, "оплачен")
	if !calls[0].fields.Equal(want) {
		t.Errorf("write body = %v, want %v", calls[0].fields.Map(), want.Map())
	}
	if gap := calls[0].at.Sub(second); gap < 100*time.Millisecond {
		t.Errorf("write issued %v after the later edit, want >= 100ms", gap)
	}
	if gap := calls[0].at.Sub(start); gap < 140*time.Millisecond {
		t.Errorf("write issued %v after the first edit, want >= 140ms", gap)
	}
	if got, _ := st.Field("1", schema.FieldPayment); got != "оплачен" {
		t.Errorf("store payment = %q, want confirmed %q", got, "оплачен")
	}
}

func TestFlusher_ImmediateSkipsDebounce(t *testing.T) {
	w := &fakeWriter{}
	f, _, _ := newTestFlusher(t, w, time.Second)

	start := time.Now()
	done := f.QueueMutation("1", schema.NewFields(schema.FieldPlannedDate, "22.10.2026"), true)
	if err := waitResult(t, done); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("immediate write took %v, want well under the debounce window", elapsed)
	}
}

func TestFlusher_EmptyFlushIsNoop(t *testing.T) {
	w := &fakeWriter{}
	f, _, _ := newTestFlusher(t, w, 50*time.Millisecond)

	if err := f.FlushSync(context.Background()); err != nil {
		t.Fatalf("FlushSync() error = %v", err)
	}
	if n := len(w.Calls()); n != 0 {
		t.Errorf("got %d writes, want 0", n)
	}
}

func TestFlusher_FailureRequeuesAndRetries(t *testing.T) {
	w := &fakeWriter{failures: map[int]error{1: &errs.HTTPError{StatusCode: http.StatusInternalServerError}}}
	f, q, st := newTestFlusher(t, w, 20*time.Millisecond)

	var mu sync.Mutex
	var reported []error
	f.config.OnWriteError = func(id string, err error) {
		mu.Lock()
		reported = append(reported, err)
		mu.Unlock()
	}

	done := f.QueueMutation("1", schema.NewFields(schema.FieldStatus, "Готов"), false)
	err := waitResult(t, done)
	if !errors.Is(err, errs.ErrHardRejection) {
		t.Fatalf("first write error = %v, want hard rejection", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(w.Calls()) < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	calls := w.Calls()
	if len(calls) != 2 {
		t.Fatalf("got %d writes, want 2 (original + retry)", len(calls))
	}
	if got := calls[1].fields.Value(schema.FieldStatus); got != "Готов" {
		t.Errorf("retry body status = %q, want %q", got, "Готов")
	}

	for f.Busy() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !q.IsEmpty() {
		t.Error("queue should be empty after a successful retry")
	}
	if got, _ := st.Field("1", schema.FieldStatus); got != "Готов" {
		t.Errorf("store status = %q, want %q", got, "Готов")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(reported) != 1 {
		t.Errorf("OnWriteError called %d times, want 1", len(reported))
	}
}

func TestFlusher_TimeoutIsNotRequeued(t *testing.T) {
	w := &fakeWriter{hang: true}
	f, q, _ := newTestFlusher(t, w, 20*time.Millisecond)
	f.config.WriteTimeout = 30 * time.Millisecond

	done := f.QueueMutation("1", schema.NewFields(schema.FieldStatus, "Готов"), true)
	err := waitResult(t, done)
	if errs.Classify(err) != errs.KindTimeout {
		t.Fatalf("error kind = %v, want timeout", errs.Classify(err))
	}

	time.Sleep(100 * time.Millisecond)
	if !q.IsEmpty() {
		t.Error("timed-out write should not be requeued")
	}
	if n := len(w.Calls()); n != 1 {
		t.Errorf("got %d writes, want 1", n)
	}
}

func TestFlusher_DropsAfterMaxAttempts(t *testing.T) {
	fail := &errs.HTTPError{StatusCode: http.StatusNotFound, Message: "Row not found"}
	w := &fakeWriter{failures: map[int]error{1: fail, 2: fail}}
	f, q, _ := newTestFlusher(t, w, 10*time.Millisecond)
	f.config.MaxAttempts = 2

	f.QueueMutation("1", schema.NewFields(schema.FieldStatus, "Готов"), true)

	deadline := time.Now().Add(2 * time.Second)
	for len(w.Calls()) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(80 * time.Millisecond)

	if n := len(w.Calls()); n != 2 {
		t.Errorf("got %d writes, want 2", n)
	}
	if !q.IsEmpty() {
		t.Error("mutation should be dropped after MaxAttempts")
	}
}

// An edit made while a write for the same record is in flight becomes a new
// mutation and is written after the first one settles.
func TestFlusher_EditDuringInFlightWrite(t *testing.T) {
	gate := make(chan struct{})
	w := &fakeWriter{gateFirst: gate}
	f, _, st := newTestFlusher(t, w, 20*time.Millisecond)

	first := f.QueueMutation("1", schema.NewFields(schema.FieldStatus, "Готов"), true)

	deadline := time.Now().Add(time.Second)
	for len(w.Calls()) < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	second := f.QueueMutation("1", schema.NewFields(schema.FieldPayment, "оплачен"), true)
	time.Sleep(50 * time.Millisecond)
	if n := len(w.Calls()); n != 1 {
		t.Fatalf("got %d writes while the first was in flight, want 1", n)
	}

	close(gate)
	if err := waitResult(t, first); err != nil {
		t.Fatalf("first write failed: %v", err)
	}
	if err := waitResult(t, second); err != nil {
		t.Fatalf("second write failed: %v", err)
	}

	calls := w.Calls()
	if len(calls) != 2 {
		t.Fatalf("got %d writes, want 2", len(calls))
	}
	if calls[1].fields.Has(schema.FieldStatus) {
		t.Errorf("second write resent the first edit: %v", calls[1].fields.Map())
	}
	if got, _ := st.Field("1", schema.FieldPayment); got != "оплачен" {
		t.Errorf("store payment = %q, want %q", got, "оплачен")
	}
}

func TestFlusher_QueueAfterStop(t *testing.T) {
	f, _, _ := newTestFlusher(t, &fakeWriter{}, 20*time.Millisecond)
	f.Stop()

	err := waitResult(t, f.QueueMutation("1", schema.NewFields(schema.FieldStatus, "Готов"), false))
	if !errors.Is(err, ErrStopped) {
		t.Errorf("error = %v, want ErrStopped", err)
	}
}

// An edit queued behind an in-flight write is still sent by FlushSync.
func TestFlusher_FlushSyncWaitsForDeferredEdit(t *testing.T) {
	gate := make(chan struct{})
	w := &fakeWriter{gateFirst: gate}
	f, q, st := newTestFlusher(t, w, time.Hour)

	first := f.QueueMutation("1", schema.NewFields(schema.FieldStatus, "Готов"), true)
	deadline := time.Now().Add(time.Second)
	for len(w.Calls()) < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	second := f.QueueMutation("1", schema.NewFields(schema.FieldPayment, "оплачен"), false)

	flushed := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		flushed <- f.FlushSync(ctx)
	}()

	time.Sleep(30 * time.Millisecond)
	close(gate)

	if err := waitResult(t, flushed); err != nil {
		t.Fatalf("FlushSync() error = %v", err)
	}
	if err := waitResult(t, first); err != nil {
		t.Fatalf("first write failed: %v", err)
	}
	if err := waitResult(t, second); err != nil {
		t.Fatalf("second write failed: %v", err)
	}
	if n := len(w.Calls()); n != 2 {
		t.Errorf("got %d writes, want 2", n)
	}
	if !q.IsEmpty() {
		t.Error("queue should be empty after FlushSync")
	}
	if got, _ := st.Field("1", schema.FieldPayment); got != "оплачен" {
		t.Errorf("store payment = %q, want %q", got, "оплачен")
	}
}

func TestFlusher_StopResolvesQueuedEdits(t *testing.T) {
	w := &fakeWriter{}
	f, q, _ := newTestFlusher(t, w, time.Hour)

	done := f.QueueMutation("1", schema.NewFields(schema.FieldStatus, "Готов"), false)
	f.Stop()

	if err := waitResult(t, done); !errors.Is(err, ErrStopped) {
		t.Errorf("error = %v, want ErrStopped", err)
	}
	if !q.IsEmpty() {
		t.Error("queue should be empty after Stop")
	}
	if n := len(w.Calls()); n != 0 {
		t.Errorf("got %d writes, want 0", n)
	}
}

func TestFlusher_RetryDelay(t *testing.T) {
	f, _, _ := newTestFlusher(t, &fakeWriter{}, 500*time.Millisecond)

	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 500 * time.Millisecond},
		{1, time.Second},
		{3, 4 * time.Second},
		{10, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := f.retryDelay(tt.attempts); got != tt.want {
			t.Errorf("retryDelay(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}
