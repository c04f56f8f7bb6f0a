// Package orchestrator runs user-initiated field changes end to end: the
// optimistic update, an immediate write and the outcome handling.
//
// A move resolves to one of three outcomes. A timeout keeps the optimistic
// value and warns, because the write may still complete on the server. A
// hard rejection rolls the fields back and reports an error.
package orchestrator

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/errs"
	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/sheet/optimistic"
	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/sheet/queue"
	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/sheet/schema"
	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/sheet/store"
)

// ErrValueChanged is returned when a move's source value no longer matches
// the record.
var ErrValueChanged = errors.New("value changed since the move started")

// Config holds orchestrator settings.
type Config struct {
	// WriteDeadline is how long to wait for a definitive answer (default: 20s)
	WriteDeadline time.Duration

	// PendingIndicator is how long a record shows as pending after a change
	// (default: 500ms). It does not track the real write.
	PendingIndicator time.Duration

	// Notifier receives warnings and errors
	Notifier Notifier

	// OnPendingChange is called when a record enters or leaves the pending state
	OnPendingChange func(id string, pending bool)

	Logger *log.Logger
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	logger := log.New(os.Stderr, "[move] ", log.LstdFlags)
	return &Config{
		WriteDeadline:    20 * time.Second,
		PendingIndicator: 500 * time.Millisecond,
		Notifier:         LogNotifier{Logger: logger},
		Logger:           logger,
	}
}

// Orchestrator applies field changes optimistically and settles them.
type Orchestrator struct {
	store   *store.Store
	applier *optimistic.Applier
	queue   *queue.Queue
	flusher *queue.Flusher
	config  *Config

	mu      sync.Mutex
	pending map[string]int
	wg      sync.WaitGroup
}

// New creates an orchestrator.
func New(st *store.Store, applier *optimistic.Applier, q *queue.Queue, f *queue.Flusher, config *Config) (*Orchestrator, error) {
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if applier == nil {
		return nil, fmt.Errorf("applier cannot be nil")
	}
	if q == nil || f == nil {
		return nil, fmt.Errorf("queue and flusher cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.WriteDeadline <= 0 {
		config.WriteDeadline = 20 * time.Second
	}
	if config.PendingIndicator <= 0 {
		config.PendingIndicator = 500 * time.Millisecond
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[move] ", log.LstdFlags)
	}
	if config.Notifier == nil {
		config.Notifier = LogNotifier{Logger: config.Logger}
	}
	return &Orchestrator{
		store:   st,
		applier: applier,
		queue:   q,
		flusher: f,
		config:  config,
		pending: make(map[string]int),
	}, nil
}

// MoveRequest describes a drag-style change of one field.
type MoveRequest struct {
	RecordID string

	// Field defaults to the planned-date field.
	Field string
	From  string
	To    string

	// UpdateDeliveryDate also sets the delivery date to To when the record
	// is already delivered.
	UpdateDeliveryDate bool
}

// MoveRecord changes req.Field from req.From to req.To. It returns as soon
// as the optimistic update is applied; the channel receives the Result once
// the write resolves.
func (o *Orchestrator) MoveRecord(req MoveRequest) (<-chan Result, error) {
	field := req.Field
	if field == "" {
		field = schema.FieldPlannedDate
	}
	rec, ok := o.store.Get(req.RecordID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrUnknownRecord, req.RecordID)
	}
	if cur := rec.Fields.Value(field); cur != req.From {
		return nil, fmt.Errorf("%w: %s is %q, not %q", ErrValueChanged, field, cur, req.From)
	}

	fields := schema.NewFields(field, req.To)
	if req.UpdateDeliveryDate && field == schema.FieldPlannedDate && schema.IsDelivered(rec.Fields.Value(schema.FieldStatus)) {
		fields.Set(schema.FieldDeliveryDate, req.To)
	}
	return o.ChangeFields(req.RecordID, fields)
}

// SetDelivered marks a record delivered today, or returns it to ready.
func (o *Orchestrator) SetDelivered(id string, delivered bool, today time.Time) (<-chan Result, error) {
	if delivered {
		return o.ChangeFields(id, schema.NewFields(
			schema.FieldStatus, schema.StatusDelivered,
			schema.FieldDeliveryDate, schema.FormatDate(today),
		))
	}
	return o.ChangeFields(id, schema.NewFields(schema.FieldStatus, schema.StatusReady))
}

// ChangeFields applies fields optimistically and writes them immediately in
// one request.
func (o *Orchestrator) ChangeFields(id string, fields schema.Fields) (<-chan Result, error) {
	if fields.Len() == 0 {
		return nil, fmt.Errorf("no fields to change")
	}
	tokens, err := o.applier.ApplyFields(id, fields)
	if err != nil {
		return nil, fmt.Errorf("failed to apply change: %w", err)
	}
	o.markPending(id)

	written := o.flusher.QueueMutation(id, fields, true)
	out := make(chan Result, 1)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		res := o.await(id, written)
		o.settle(&res, fields, tokens)
		out <- res
		close(out)
	}()
	return out, nil
}

// Wait blocks until every change started so far has resolved.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Pending reports whether id shows the transient pending indicator.
func (o *Orchestrator) Pending(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pending[id] > 0
}

// await races the write against the deadline.
func (o *Orchestrator) await(id string, written <-chan error) Result {
	timer := time.NewTimer(o.config.WriteDeadline)
	defer timer.Stop()

	select {
	case err := <-written:
		return Result{RecordID: id, Outcome: outcomeOf(err), Err: err}
	case <-timer.C:
		err := fmt.Errorf("%w: no answer from the row store after %v", errs.ErrTimeout, o.config.WriteDeadline)
		return Result{RecordID: id, Outcome: OutcomeTimeout, Err: err}
	}
}

func (o *Orchestrator) settle(res *Result, fields schema.Fields, tokens []optimistic.Token) {
	switch res.Outcome {
	case OutcomeOK:
	case OutcomeTimeout:
		o.config.Notifier.Warn(res.RecordID, res.Err)
	case OutcomeHardRejection:
		// A requeued copy of the rejected values must not be resent.
		o.queue.Discard(res.RecordID, fields)
		res.RolledBack = o.applier.RollbackAll(tokens)
		o.config.Logger.Printf("Rolled back %d field(s) of row %s: %v", res.RolledBack, res.RecordID, res.Err)
		o.config.Notifier.Error(res.RecordID, res.Err)
	}
}

func (o *Orchestrator) markPending(id string) {
	o.mu.Lock()
	o.pending[id]++
	first := o.pending[id] == 1
	o.mu.Unlock()
	if first {
		o.notifyPending(id, true)
	}

	time.AfterFunc(o.config.PendingIndicator, func() {
		o.mu.Lock()
		o.pending[id]--
		last := o.pending[id] == 0
		if last {
			delete(o.pending, id)
		}
		o.mu.Unlock()
		if last {
			o.notifyPending(id, false)
		}
	})
}

func (o *Orchestrator) notifyPending(id string, pending bool) {
	if o.config.OnPendingChange != nil {
		o.config.OnPendingChange(id, pending)
	}
}

// DescribeResult renders a Result for terminal output.
func DescribeResult(res Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "row %s: %s", res.RecordID, res.Outcome)
	if res.Err != nil {
		fmt.Fprintf(&b, " (%v)", res.Err)
	}
	if res.RolledBack > 0 {
		fmt.Fprintf(&b, ", %d field(s) reverted", res.RolledBack)
	}
	return b.String()
}
