package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/errs"
	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/metrics"
	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/sheet/schema"
	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/sheet/store"
)

// ErrStopped is delivered to edits queued after Stop.
var ErrStopped = errors.New("flusher stopped")

// Writer sends a partial update for one record to the row store.
type Writer interface {
	Update(ctx context.Context, id string, fields schema.Fields) (schema.Record, error)
}

// Config holds configuration for the flusher.
type Config struct {
	// Debounce is how long to wait after the last edit before flushing
	Debounce time.Duration

	// WriteTimeout bounds each write request (0 = no bound)
	WriteTimeout time.Duration

	// MaxAttempts is how many failed writes a mutation survives before it
	// is dropped and server state is trusted again
	MaxAttempts int

	// MaxRetryDelay caps the automatic retry delay after a failed write
	MaxRetryDelay time.Duration

	// OnWriteError is called after every failed write, outside any lock.
	// The synchronizer uses it to schedule a reconciling refresh.
	OnWriteError func(id string, err error)

	// Logger for flusher activity
	Logger *log.Logger
}

// DefaultConfig returns the production defaults.
func DefaultConfig() *Config {
	return &Config{
		Debounce:      500 * time.Millisecond,
		WriteTimeout:  20 * time.Second,
		MaxAttempts:   5,
		MaxRetryDelay: 30 * time.Second,
		Logger:        log.New(os.Stderr, "[flush] ", log.LstdFlags),
	}
}

// Flusher debounces queued mutations and writes one request per record.
type Flusher struct {
	queue  *Queue
	writer Writer
	store  *store.Store
	config *Config

	mu         sync.Mutex
	debounce   *time.Timer
	retry      *time.Timer
	stopped    bool
	inflight   map[string]struct{}
	deferred   map[string]bool
	generation uint64
	settled    uint64

	// syncing counts running FlushSync calls. While it is non-zero,
	// deferred records are flushed by FlushSync rather than by finish.
	syncing int
	// settle is closed and replaced whenever a write settles.
	settle chan struct{}
}

// pendingWrite is one write started by flush.
type pendingWrite struct {
	id     string
	result <-chan error
}

// NewFlusher creates a flusher draining q into w and confirming into st.
func NewFlusher(q *Queue, w Writer, st *store.Store, config *Config) (*Flusher, error) {
	if q == nil {
		return nil, fmt.Errorf("queue cannot be nil")
	}
	if w == nil {
		return nil, fmt.Errorf("writer cannot be nil")
	}
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Debounce <= 0 {
		return nil, fmt.Errorf("debounce must be positive")
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.MaxRetryDelay <= 0 {
		config.MaxRetryDelay = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[flush] ", log.LstdFlags)
	}

	return &Flusher{
		queue:    q,
		writer:   w,
		store:    st,
		config:   config,
		inflight: make(map[string]struct{}),
		deferred: make(map[string]bool),
		settle:   make(chan struct{}),
	}, nil
}

// QueueMutation merges fields into the pending mutation for id and restarts
// the debounce timer, or flushes right away when immediate is set. The
// returned channel receives the outcome of the write carrying these fields.
func (f *Flusher) QueueMutation(id string, fields schema.Fields, immediate bool) <-chan error {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		done := make(chan error, 1)
		done <- ErrStopped
		close(done)
		return done
	}
	f.mu.Unlock()

	done := f.queue.Add(id, fields, immediate)
	metrics.PendingMutations.Set(float64(f.queue.Len()))

	if immediate {
		go f.Flush()
		return done
	}

	f.mu.Lock()
	if !f.stopped {
		if f.debounce != nil {
			f.debounce.Stop()
		}
		f.debounce = time.AfterFunc(f.config.Debounce, f.Flush)
	}
	f.mu.Unlock()
	return done
}

// Flush sends every queued mutation without waiting for the results.
// Flushing an empty queue is a no-op.
func (f *Flusher) Flush() {
	f.flush()
}

// FlushSync sends every queued mutation and waits until each write settles
// or ctx ends. Edits queued behind a write that is still in flight are
// written once that write settles. A record whose write fails is not sent
// again by the same call. It returns the joined write errors.
func (f *Flusher) FlushSync(ctx context.Context) error {
	f.mu.Lock()
	f.syncing++
	f.mu.Unlock()
	defer f.endSync()

	failed := make(map[string]bool)
	var failures []error
	for {
		writes := f.flushExcept(failed)
		for _, w := range writes {
			select {
			case err := <-w.result:
				if err != nil {
					failed[w.id] = true
					failures = append(failures, err)
				}
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		f.mu.Lock()
		settle := f.settle
		done := f.stopped || (len(f.inflight) == 0 && !f.queue.HasOutside(failed))
		f.mu.Unlock()
		if done {
			return errors.Join(failures...)
		}
		if len(writes) > 0 {
			continue
		}
		select {
		case <-settle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// endSync hands deferred records back to finish, flushing those whose
// write settled while FlushSync was running.
func (f *Flusher) endSync() {
	f.mu.Lock()
	f.syncing--
	again := f.syncing == 0 && !f.stopped && len(f.deferred) > 0
	f.mu.Unlock()
	if again {
		f.Flush()
	}
}

// Busy reports whether any edit is queued or being written.
func (f *Flusher) Busy() bool {
	if !f.queue.IsEmpty() {
		return true
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inflight) > 0
}

// Epoch changes whenever an edit is queued or requeued and whenever a write
// settles. A snapshot fetched while the epoch moved may predate a write.
func (f *Flusher) Epoch() uint64 {
	f.mu.Lock()
	settled := f.settled
	f.mu.Unlock()
	return f.queue.Epoch() + settled
}

// Stop cancels pending timers. Writes already in flight are not cancelled;
// their responses are ignored once they arrive. Edits still queued receive
// ErrStopped.
func (f *Flusher) Stop() {
	f.mu.Lock()
	f.stopped = true
	f.generation++
	if f.debounce != nil {
		f.debounce.Stop()
		f.debounce = nil
	}
	if f.retry != nil {
		f.retry.Stop()
		f.retry = nil
	}
	clear(f.deferred)
	f.mu.Unlock()

	dropped := f.queue.Drain()
	for _, m := range dropped {
		m.resolve(ErrStopped)
	}
	if len(dropped) > 0 {
		f.config.Logger.Printf("Discarded %d unsent edit(s) on stop", len(dropped))
	}
	metrics.PendingMutations.Set(float64(f.queue.Len()))
}

// flush snapshots the queue and starts one write per record. Records whose
// previous write is still in flight stay queued and are flushed as soon as
// that write settles.
func (f *Flusher) flush() []pendingWrite {
	return f.flushExcept(nil)
}

// flushExcept is flush leaving the records in skip queued.
func (f *Flusher) flushExcept(skip map[string]bool) []pendingWrite {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return nil
	}
	if f.debounce != nil {
		f.debounce.Stop()
		f.debounce = nil
	}
	// Records left in skip still rely on the retry timer.
	if f.retry != nil && len(skip) == 0 {
		f.retry.Stop()
		f.retry = nil
	}
	gen := f.generation
	batch := f.queue.DrainExcept(func(id string) bool {
		if _, busy := f.inflight[id]; busy {
			f.deferred[id] = true
			return true
		}
		return skip[id]
	})
	for _, m := range batch {
		f.inflight[m.RecordID] = struct{}{}
		delete(f.deferred, m.RecordID)
	}
	f.mu.Unlock()

	metrics.PendingMutations.Set(float64(f.queue.Len()))
	if len(batch) == 0 {
		return nil
	}

	f.config.Logger.Printf("Flushing %d record(s)", len(batch))
	writes := make([]pendingWrite, 0, len(batch))
	for _, m := range batch {
		result := make(chan error, 1)
		writes = append(writes, pendingWrite{id: m.RecordID, result: result})
		go func(m *Mutation) {
			err := f.write(gen, m)
			f.finish(m.RecordID)
			// Reported after finish so a refresh triggered by the error
			// does not see this write as still in flight.
			if err != nil && f.active(gen) {
				f.reportError(m.RecordID, err)
			}
			result <- err
		}(m)
	}
	return writes
}

// write sends one mutation and settles it: confirm on success, requeue or
// drop on failure.
func (f *Flusher) write(gen uint64, m *Mutation) error {
	ctx := context.Background()
	if f.config.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.config.WriteTimeout)
		defer cancel()
	}

	start := time.Now()
	_, err := f.writer.Update(ctx, m.RecordID, m.Fields)
	metrics.WriteDuration.Observe(time.Since(start).Seconds())

	if !f.active(gen) {
		// Late response after Stop.
		m.resolve(err)
		return err
	}

	if err == nil {
		f.confirm(m)
		metrics.FlushRequests.WithLabelValues("ok").Inc()
		m.resolve(nil)
		return nil
	}

	err = fmt.Errorf("failed to update row %s: %w", m.RecordID, err)

	if errs.Classify(err) == errs.KindTimeout {
		// The write may still land; do not resend it.
		f.config.Logger.Printf("Write for row %s timed out: %v", m.RecordID, err)
		metrics.FlushRequests.WithLabelValues("timeout").Inc()
		m.resolve(err)
		return err
	}

	m.Attempts++
	if m.Attempts >= f.config.MaxAttempts {
		f.config.Logger.Printf("Dropping edit for row %s after %d attempts: %v", m.RecordID, m.Attempts, err)
		metrics.FlushRequests.WithLabelValues("dropped").Inc()
		m.resolve(err)
		return err
	}

	// Requeue before resolving so a waiter that discards the rejected
	// values finds them queued.
	f.queue.Requeue([]*Mutation{m})
	m.resolve(err)
	metrics.PendingMutations.Set(float64(f.queue.Len()))
	metrics.FlushRequests.WithLabelValues("requeued").Inc()
	delay := f.retryDelay(m.Attempts)
	f.config.Logger.Printf("Write for row %s failed (attempt %d), retrying in %v: %v", m.RecordID, m.Attempts, delay, err)
	f.scheduleRetry(delay)
	return err
}

// finish releases the record and flushes edits that queued up behind it.
func (f *Flusher) finish(id string) {
	f.mu.Lock()
	delete(f.inflight, id)
	f.settled++
	close(f.settle)
	f.settle = make(chan struct{})
	again := f.deferred[id] && !f.stopped && f.syncing == 0
	if again {
		delete(f.deferred, id)
	}
	f.mu.Unlock()

	if again {
		f.Flush()
	}
}

// confirm applies the written fields to the store, skipping any field the
// user has edited again since the batch was taken.
func (f *Flusher) confirm(m *Mutation) {
	var confirmed schema.Fields
	for _, k := range m.Fields.Keys() {
		if _, newer := f.queue.Pending(m.RecordID, k); newer {
			continue
		}
		confirmed.Set(k, m.Fields.Value(k))
	}
	if err := f.store.ApplyFields(m.RecordID, confirmed); err != nil {
		f.config.Logger.Printf("Confirmed row %s is no longer in the store: %v", m.RecordID, err)
	}
}

func (f *Flusher) active(gen uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.stopped && f.generation == gen
}

// retryDelay returns min(debounce*2^attempts, MaxRetryDelay).
func (f *Flusher) retryDelay(attempts int) time.Duration {
	delay := f.config.Debounce
	for i := 0; i < attempts; i++ {
		delay *= 2
		if delay >= f.config.MaxRetryDelay {
			return f.config.MaxRetryDelay
		}
	}
	return delay
}

func (f *Flusher) scheduleRetry(delay time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.stopped {
		return
	}
	if f.retry != nil {
		f.retry.Stop()
	}
	f.retry = time.AfterFunc(delay, f.Flush)
}

func (f *Flusher) reportError(id string, err error) {
	if f.config.OnWriteError != nil {
		f.config.OnWriteError(id, err)
	}
}
