// Package reconcile applies fresh row store snapshots to the record store
// without clobbering edits that have not been written yet.
//
// A snapshot is applied wholesale or not at all. While any edit is queued or
// being written the whole snapshot is skipped; the next poll after the queue
// drains picks up the server state. Snapshots whose fingerprint equals the
// one already held are ignored.
package reconcile

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

// Lister fetches the full record list from the row store.
type Lister interface {
	List(ctx context.Context) ([]schema.Record, error)
}

// Pending reports local edits that a snapshot could clobber. The flusher
// implements it.
type Pending interface {
	// Busy reports whether any edit is queued or in flight.
	Busy() bool

	// Epoch changes whenever the set of local edits changes.
	Epoch() uint64
}

// Suspender pauses polling after the row store rate-limits a fetch.
type Suspender interface {
	SuspendPolling(d time.Duration)
}

// Result is the outcome of one refresh.
type Result int

const (
	// ResultApplied means the store now holds the fresh snapshot.
	ResultApplied Result = iota
	// ResultUnchanged means the snapshot fingerprint matched the store.
	ResultUnchanged
	// ResultSkippedPending means local edits were pending.
	ResultSkippedPending
	// ResultRateLimited means the fetch was throttled and polling is suspended.
	ResultRateLimited
	// ResultError means the fetch failed.
	ResultError
	// ResultDropped means the reconciler was stopped while fetching.
	ResultDropped
)

func (r Result) String() string {
	switch r {
	case ResultApplied:
		return "applied"
	case ResultUnchanged:
		return "unchanged"
	case ResultSkippedPending:
		return "skipped_pending"
	case ResultRateLimited:
		return "rate_limited"
	case ResultError:
		return "error"
	case ResultDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// Config holds configuration for the reconciler.
type Config struct {
	// RateLimitCooldown is how long polling stays suspended after a 429
	RateLimitCooldown time.Duration

	// FetchTimeout bounds one List call (0 = caller's context only)
	FetchTimeout time.Duration

	// OnApplied is called after a snapshot replaced the store
	OnApplied func(records []schema.Record, fingerprint string)

	// Logger for reconciliation activity
	Logger *log.Logger
}

// DefaultConfig returns the production defaults.
func DefaultConfig() *Config {
	return &Config{
		RateLimitCooldown: 5 * time.Minute,
		FetchTimeout:      30 * time.Second,
		Logger:            log.New(os.Stderr, "[reconcile] ", log.LstdFlags),
	}
}

// Reconciler fetches snapshots and reconciles them into a store.
type Reconciler struct {
	lister  Lister
	store   *store.Store
	pending Pending
	config  *Config

	// refresh serializes fetch+reconcile so two snapshots never race.
	refresh sync.Mutex

	mu        sync.Mutex
	suspender Suspender
	stopped   bool
}

// New creates a reconciler. pending may be nil when nothing edits the store.
func New(lister Lister, st *store.Store, pending Pending, config *Config) (*Reconciler, error) {
	if lister == nil {
		return nil, fmt.Errorf("lister cannot be nil")
	}
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.RateLimitCooldown <= 0 {
		return nil, fmt.Errorf("rate limit cooldown must be positive")
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[reconcile] ", log.LstdFlags)
	}

	return &Reconciler{
		lister:  lister,
		store:   st,
		pending: pending,
		config:  config,
	}, nil
}

// SetSuspender wires the transport that owns polling.
func (r *Reconciler) SetSuspender(s Suspender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.suspender = s
}

// Stop makes every later or in-progress refresh a no-op.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
}

func (r *Reconciler) active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.stopped
}

// Refresh fetches the record list and reconciles it. A rate-limited fetch
// suspends polling for the configured cooldown and leaves the store as is.
func (r *Reconciler) Refresh(ctx context.Context) (Result, error) {
	r.refresh.Lock()
	defer r.refresh.Unlock()

	if !r.active() {
		return ResultDropped, nil
	}

	epoch := r.epoch()
	version := r.store.Version()
	if r.config.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.FetchTimeout)
		defer cancel()
	}

	records, err := r.lister.List(ctx)
	if !r.active() {
		return r.count(ResultDropped), nil
	}
	if err != nil {
		if errors.Is(err, errs.ErrRateLimited) {
			r.config.Logger.Printf("Row store rate limited the refresh, pausing polling for %v", r.config.RateLimitCooldown)
			r.suspend()
			return r.count(ResultRateLimited), fmt.Errorf("failed to fetch rows: %w", err)
		}
		r.config.Logger.Printf("Refresh failed: %v", err)
		return r.count(ResultError), fmt.Errorf("failed to fetch rows: %w", err)
	}

	return r.reconcile(records, epoch, version)
}

// Reconcile applies a snapshot obtained elsewhere.
func (r *Reconciler) Reconcile(records []schema.Record) (Result, error) {
	r.refresh.Lock()
	defer r.refresh.Unlock()

	if !r.active() {
		return ResultDropped, nil
	}
	return r.reconcile(records, r.epoch(), r.store.Version())
}

// reconcile applies records unless local state moved after epoch and version
// were taken. The final replace re-checks the version under the store lock,
// so an optimistic edit landing after the pending check still wins.
func (r *Reconciler) reconcile(records []schema.Record, epoch, version uint64) (Result, error) {
	if r.pending != nil && (r.pending.Busy() || r.pending.Epoch() != epoch) {
		return r.count(ResultSkippedPending), nil
	}

	fp, err := schema.Fingerprint(records)
	if err != nil {
		return r.count(ResultError), fmt.Errorf("failed to fingerprint snapshot: %w", err)
	}
	if fp == r.store.Fingerprint() {
		return r.count(ResultUnchanged), nil
	}

	if !r.store.ReplaceAllIfVersion(version, records, fp, time.Now()) {
		return r.count(ResultSkippedPending), nil
	}
	r.config.Logger.Printf("Applied snapshot with %d row(s)", len(records))
	if r.config.OnApplied != nil {
		r.config.OnApplied(schema.CloneAll(records), fp)
	}
	return r.count(ResultApplied), nil
}

func (r *Reconciler) epoch() uint64 {
	if r.pending == nil {
		return 0
	}
	return r.pending.Epoch()
}

func (r *Reconciler) suspend() {
	r.mu.Lock()
	s := r.suspender
	r.mu.Unlock()
	if s != nil {
		s.SuspendPolling(r.config.RateLimitCooldown)
	}
}

func (r *Reconciler) count(res Result) Result {
	metrics.Refreshes.WithLabelValues(res.String()).Inc()
	return res
}
