package reconcile

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

type fakeLister struct {
	records []schema.Record
	err     error
	onList  func()
}

func (l *fakeLister) List(ctx context.Context) ([]schema.Record, error) {
	if l.onList != nil {
		l.onList()
	}
	if l.err != nil {
		return nil, l.err
	}
	return schema.CloneAll(l.records), nil
}

type fakePending struct {
	busy  bool
	epoch uint64
}

func (p *fakePending) Busy() bool    { return p.busy }
func (p *fakePending) Epoch() uint64 { return p.epoch }

type fakeSuspender struct {
	mu    sync.Mutex
	calls []time.Duration
}

func (s *fakeSuspender) SuspendPolling(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, d)
}

func serverRows(status string) []schema.Record {
	return []schema.Record{
		{ID: "1", Fields: schema.NewFields(schema.FieldStatus, status)},
		{ID: "2", Fields: schema.NewFields(schema.FieldStatus, "-")},
	}
}

func newTestReconciler(t *testing.T, l Lister, p Pending) (*Reconciler, *store.Store) {
	t.Helper()
	st := store.New()
	config := DefaultConfig()
	config.Logger = log.New(io.Discard, "", 0)
	r, err := New(l, st, p, config)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return r, st
}

func TestReconciler_AppliesThenIsIdempotent(t *testing.T) {
	l := &fakeLister{records: serverRows("Готов")}
	r, st := newTestReconciler(t, l, &fakePending{})

	res, err := r.Refresh(context.Background())
	if err != nil || res != ResultApplied {
		t.Fatalf("Refresh() = %v, %v; want applied", res, err)
	}
	if st.Len() != 2 {
		t.Errorf("Len() = %d, want 2", st.Len())
	}

	version := st.Version()
	res, err = r.Refresh(context.Background())
	if err != nil || res != ResultUnchanged {
		t.Fatalf("second Refresh() = %v, %v; want unchanged", res, err)
	}
	if st.Version() != version {
		t.Error("unchanged snapshot mutated the store")
	}
}

func TestReconciler_SkipsWhilePending(t *testing.T) {
	l := &fakeLister{records: serverRows("-")}
	p := &fakePending{}
	r, st := newTestReconciler(t, l, p)
	if _, err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() failed: %v", err)
	}

	// Local optimistic edit with an unflushed mutation.
	if _, _, err := st.SetField("1", schema.FieldStatus, "Готов"); err != nil {
		t.Fatalf("SetField() failed: %v", err)
	}
	p.busy = true
	p.epoch++

	res, err := r.Refresh(context.Background())
	if err != nil || res != ResultSkippedPending {
		t.Fatalf("Refresh() = %v, %v; want skipped_pending", res, err)
	}
	if got, _ := st.Field("1", schema.FieldStatus); got != "Готов" {
		t.Errorf("status = %q, want optimistic %q", got, "Готов")
	}

	// The write lands and the server now agrees.
	p.busy = false
	l.records = serverRows("Готов")
	res, _ = r.Refresh(context.Background())
	if res != ResultApplied {
		t.Errorf("Refresh() after drain = %v, want applied", res)
	}
}

func TestReconciler_SkipsSnapshotFetchedAcrossAnEdit(t *testing.T) {
	p := &fakePending{}
	l := &fakeLister{records: serverRows("-"), onList: func() { p.epoch++ }}
	r, st := newTestReconciler(t, l, p)

	res, _ := r.Refresh(context.Background())
	if res != ResultSkippedPending {
		t.Errorf("Refresh() = %v, want skipped_pending", res)
	}
	if st.Len() != 0 {
		t.Error("stale snapshot reached the store")
	}
}

// racingPending reports an idle queue but lets an edit land right after the
// check, as an optimistic apply does before its mutation is queued.
type racingPending struct {
	fakePending
	afterBusy func()
}

func (p *racingPending) Busy() bool {
	busy := p.fakePending.Busy()
	if p.afterBusy != nil {
		f := p.afterBusy
		p.afterBusy = nil
		f()
	}
	return busy
}

func TestReconciler_KeepsEditAppliedAfterPendingCheck(t *testing.T) {
	l := &fakeLister{records: serverRows("-")}
	p := &racingPending{}
	r, st := newTestReconciler(t, l, p)
	if _, err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() failed: %v", err)
	}

	l.records = serverRows("Готов")
	p.afterBusy = func() {
		if _, _, err := st.SetField("1", schema.FieldStatus, "Выдан"); err != nil {
			t.Errorf("SetField() failed: %v", err)
		}
	}

	res, err := r.Refresh(context.Background())
	if err != nil || res != ResultSkippedPending {
		t.Fatalf("Refresh() = %v, %v; want skipped_pending", res, err)
	}
	if got, _ := st.Field("1", schema.FieldStatus); got != "Выдан" {
		t.Errorf("status = %q, want optimistic %q", got, "Выдан")
	}
}

func TestReconciler_RateLimited(t *testing.T) {
	l := &fakeLister{err: &errs.HTTPError{StatusCode: http.StatusTooManyRequests}}
	r, st := newTestReconciler(t, l, nil)
	s := &fakeSuspender{}
	r.SetSuspender(s)
	version := st.Version()

	res, err := r.Refresh(context.Background())
	if res != ResultRateLimited {
		t.Errorf("Refresh() = %v, want rate_limited", res)
	}
	if !errors.Is(err, errs.ErrRateLimited) {
		t.Errorf("error = %v, want ErrRateLimited", err)
	}
	if len(s.calls) != 1 || s.calls[0] != 5*time.Minute {
		t.Errorf("SuspendPolling calls = %v, want [5m0s]", s.calls)
	}
	if st.Version() != version {
		t.Error("rate-limited refresh mutated the store")
	}
}

func TestReconciler_FetchError(t *testing.T) {
	l := &fakeLister{err: errs.Network(errors.New("connection refused"))}
	r, _ := newTestReconciler(t, l, nil)
	s := &fakeSuspender{}
	r.SetSuspender(s)

	res, err := r.Refresh(context.Background())
	if res != ResultError || err == nil {
		t.Errorf("Refresh() = %v, %v; want error", res, err)
	}
	if len(s.calls) != 0 {
		t.Error("network errors should not suspend polling")
	}
}

func TestReconciler_StoppedDropsResult(t *testing.T) {
	l := &fakeLister{records: serverRows("Готов")}
	r, st := newTestReconciler(t, l, nil)
	l.onList = r.Stop

	res, err := r.Refresh(context.Background())
	if err != nil || res != ResultDropped {
		t.Errorf("Refresh() = %v, %v; want dropped", res, err)
	}
	if st.Len() != 0 {
		t.Error("late response reached the store")
	}
}

func TestReconciler_OnApplied(t *testing.T) {
	var got string
	st := store.New()
	config := DefaultConfig()
	config.Logger = log.New(io.Discard, "", 0)
	config.OnApplied = func(records []schema.Record, fp string) { got = fp }
	r, err := New(&fakeLister{}, st, nil, config)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	if _, err := r.Reconcile(serverRows("Готов")); err != nil {
		t.Fatalf("Reconcile() failed: %v", err)
	}
	if got == "" || got != st.Fingerprint() {
		t.Errorf("OnApplied fingerprint = %q, want %q", got, st.Fingerprint())
	}
}
