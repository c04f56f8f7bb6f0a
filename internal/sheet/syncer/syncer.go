// Package syncer wires the sync engine together.
//
// A Synchronizer owns one record store and every component that touches it:
// the mutation queue and flusher, the optimistic applier, the reconciler,
// the transport manager and the move orchestrator. It is the only thing the
// CLI talks to.
//
// Basic usage:
//
//	client, _ := rowstore.NewHTTPClient(baseURL, token, nil)
//	s, err := syncer.New(client, push.NewDialer(wsURL, token), client, syncer.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	if err := s.Start(ctx); err != nil {
//	    return err
//	}
//	defer s.Stop()
//
//	s.Edit("12", schema.FieldStatus, "Готов")
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/errs"
	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/orchestrator"
	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/sheet/db"
	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/sheet/optimistic"
	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/sheet/options"
	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/sheet/queue"
	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/sheet/reconcile"
	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/sheet/rowstore"
	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/sheet/schema"
	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/sheet/store"
	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/sheet/transport"
)

// Config holds the configuration of every component.
type Config struct {
	Flush        *queue.Config
	Reconcile    *reconcile.Config
	Transport    *transport.Config
	Orchestrator *orchestrator.Config

	// CachePath is the sqlite file holding the last applied snapshot.
	// Empty disables the cache.
	CachePath string
	CacheKey  string

	// OptionsFile is a TOML or YAML field options file, watched for edits.
	OptionsFile string

	// ShutdownTimeout bounds the final flush in Stop (default: 5s)
	ShutdownTimeout time.Duration

	Logger *log.Logger
}

// DefaultConfig returns the production defaults.
func DefaultConfig() *Config {
	return &Config{
		Flush:           queue.DefaultConfig(),
		Reconcile:       reconcile.DefaultConfig(),
		Transport:       transport.DefaultConfig(),
		Orchestrator:    orchestrator.DefaultConfig(),
		CacheKey:        "sheet",
		ShutdownTimeout: 5 * time.Second,
		Logger:          log.New(os.Stderr, "[sync] ", log.LstdFlags),
	}
}

// Synchronizer keeps a local copy of the remote table and writes edits back.
type Synchronizer struct {
	rows   rowstore.RowStore
	config *Config

	store      *store.Store
	queue      *queue.Queue
	flusher    *queue.Flusher
	applier    *optimistic.Applier
	reconciler *reconcile.Reconciler
	transport  *transport.Manager
	orch       *orchestrator.Orchestrator

	cache   *db.DB
	watcher *options.Watcher

	mu      sync.Mutex
	opts    schema.Options
	started bool
	stopped bool
}

// New builds a synchronizer over rows. channel and enabler may be nil, which
// leaves the session polling only.
func New(rows rowstore.RowStore, channel transport.Channel, enabler transport.PushEnabler, config *Config) (*Synchronizer, error) {
	if rows == nil {
		return nil, fmt.Errorf("row store cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Flush == nil {
		config.Flush = queue.DefaultConfig()
	}
	if config.Reconcile == nil {
		config.Reconcile = reconcile.DefaultConfig()
	}
	if config.Transport == nil {
		config.Transport = transport.DefaultConfig()
	}
	if config.Orchestrator == nil {
		config.Orchestrator = orchestrator.DefaultConfig()
	}
	if config.CacheKey == "" {
		config.CacheKey = "sheet"
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 5 * time.Second
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}

	s := &Synchronizer{
		rows:   rows,
		config: config,
		store:  store.New(),
		queue:  queue.NewQueue(),
		opts:   schema.FallbackOptions(),
	}

	userOnWriteError := config.Flush.OnWriteError
	config.Flush.OnWriteError = func(id string, err error) {
		if userOnWriteError != nil {
			userOnWriteError(id, err)
		}
		// Server truth wins once nothing is pending for the record.
		go s.transport.RefreshNow()
	}
	flusher, err := queue.NewFlusher(s.queue, rows, s.store, config.Flush)
	if err != nil {
		return nil, fmt.Errorf("failed to create flusher: %w", err)
	}
	s.flusher = flusher

	if s.applier, err = optimistic.New(s.store); err != nil {
		return nil, err
	}

	userOnApplied := config.Reconcile.OnApplied
	config.Reconcile.OnApplied = func(records []schema.Record, fp string) {
		s.saveSnapshot(records, fp)
		if userOnApplied != nil {
			userOnApplied(records, fp)
		}
	}
	if s.reconciler, err = reconcile.New(rows, s.store, flusher, config.Reconcile); err != nil {
		return nil, fmt.Errorf("failed to create reconciler: %w", err)
	}

	refresh := func(ctx context.Context) error {
		_, err := s.reconciler.Refresh(ctx)
		return err
	}
	if s.transport, err = transport.New(refresh, channel, enabler, config.Transport); err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}
	s.reconciler.SetSuspender(s.transport)

	if s.orch, err = orchestrator.New(s.store, s.applier, s.queue, flusher, config.Orchestrator); err != nil {
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}
	return s, nil
}

// Start preloads the cached snapshot, resolves field options and starts
// polling.
func (s *Synchronizer) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("synchronizer already started")
	}
	s.started = true
	s.mu.Unlock()

	if s.config.CachePath != "" {
		if err := s.openCache(); err != nil {
			// The cache only speeds up the first paint.
			s.config.Logger.Printf("Snapshot cache disabled: %v", err)
		}
	}

	s.ReloadOptions(ctx)
	if s.config.OptionsFile != "" {
		if err := s.watchOptions(); err != nil {
			s.config.Logger.Printf("Not watching %s: %v", s.config.OptionsFile, err)
		}
	}

	if err := s.transport.Start(ctx); err != nil {
		return fmt.Errorf("failed to start transport: %w", err)
	}
	return nil
}

// Stop flushes queued edits once, bounded by ShutdownTimeout, then stops
// every timer and closes the cache.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.transport.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	if err := s.flusher.FlushSync(ctx); err != nil {
		s.config.Logger.Printf("Final flush incomplete: %v", err)
	}
	cancel()

	s.flusher.Stop()
	s.reconciler.Stop()
	if s.watcher != nil {
		_ = s.watcher.Stop()
	}
	s.mu.Lock()
	cache := s.cache
	s.cache = nil
	s.mu.Unlock()
	if cache != nil {
		if err := cache.Close(); err != nil {
			s.config.Logger.Printf("Failed to close snapshot cache: %v", err)
		}
	}
}

// Store returns the local table.
func (s *Synchronizer) Store() *store.Store {
	return s.store
}

// Transport returns the transport manager.
func (s *Synchronizer) Transport() *transport.Manager {
	return s.transport
}

// Busy reports whether any edit is queued or being written.
func (s *Synchronizer) Busy() bool {
	return s.flusher.Busy()
}

// Pending reports whether id shows the transient pending indicator.
func (s *Synchronizer) Pending(id string) bool {
	return s.orch.Pending(id)
}

// Edit applies a field change locally and queues it for the next debounced
// flush. The returned channel receives the outcome of the write.
func (s *Synchronizer) Edit(id, field, value string) (<-chan error, error) {
	return s.EditFields(id, schema.NewFields(field, value))
}

// EditFields is Edit for several fields of one record.
func (s *Synchronizer) EditFields(id string, fields schema.Fields) (<-chan error, error) {
	if _, err := s.applier.ApplyFields(id, fields); err != nil {
		return nil, err
	}
	return s.flusher.QueueMutation(id, fields, false), nil
}

// Flush writes queued edits now and waits for them.
func (s *Synchronizer) Flush(ctx context.Context) error {
	return s.flusher.FlushSync(ctx)
}

// Move runs an orchestrated move.
func (s *Synchronizer) Move(req orchestrator.MoveRequest) (<-chan orchestrator.Result, error) {
	return s.relay(s.orch.MoveRecord(req))
}

// SetDelivered runs the delivered toggle through the orchestrator.
func (s *Synchronizer) SetDelivered(id string, delivered bool) (<-chan orchestrator.Result, error) {
	return s.relay(s.orch.SetDelivered(id, delivered, time.Now()))
}

// relay forwards an orchestrated result and schedules a reconciling refresh
// after a hard rejection, once the rejected write has settled.
func (s *Synchronizer) relay(in <-chan orchestrator.Result, err error) (<-chan orchestrator.Result, error) {
	if err != nil {
		return nil, err
	}
	out := make(chan orchestrator.Result, 1)
	go func() {
		res := <-in
		if res.Outcome == orchestrator.OutcomeHardRejection {
			time.AfterFunc(s.config.Flush.Debounce, s.transport.RefreshNow)
		}
		out <- res
		close(out)
	}()
	return out, nil
}

// Create adds a row on the server and inserts the confirmed record locally.
func (s *Synchronizer) Create(ctx context.Context, fields schema.Fields) (schema.Record, error) {
	rec, err := s.rows.Create(ctx, fields)
	if err != nil {
		return schema.Record{}, fmt.Errorf("failed to create row: %w", err)
	}
	if err := s.store.Upsert(rec); err != nil {
		return rec, err
	}
	return rec, nil
}

// Delete removes a record optimistically. When the server refuses, the
// record is restored in place and a refresh is scheduled.
func (s *Synchronizer) Delete(ctx context.Context, id string) error {
	rec, index, ok := s.store.Delete(id)
	if !ok {
		return fmt.Errorf("%w: %s", store.ErrUnknownRecord, id)
	}
	s.queue.Discard(id, rec.Fields)

	err := s.rows.Delete(ctx, id)
	if err == nil || errors.Is(err, errs.ErrNotFound) {
		return nil
	}
	s.store.Restore(rec, index)
	go s.transport.RefreshNow()
	return fmt.Errorf("failed to delete row %s: %w", id, err)
}

// Refresh fetches and reconciles now, whatever the transport state.
func (s *Synchronizer) Refresh(ctx context.Context) (reconcile.Result, error) {
	return s.reconciler.Refresh(ctx)
}

// SetVisible forwards host visibility to the transport.
func (s *Synchronizer) SetVisible(visible bool) {
	s.transport.SetVisible(visible)
}

// FieldOptions returns the current field options.
func (s *Synchronizer) FieldOptions() schema.Options {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts.Clone()
}

// ReloadOptions resolves field options from the row store, then the options
// file, then the fallback map. It returns the name of the source used.
func (s *Synchronizer) ReloadOptions(ctx context.Context) string {
	sources := make([]options.Source, 0, 2)
	if f, ok := s.rows.(options.Fetcher); ok {
		sources = append(sources, options.Remote{Fetcher: f})
	}
	if s.config.OptionsFile != "" {
		sources = append(sources, options.File{Path: s.config.OptionsFile})
	}
	opts, source, failures := options.Resolve(ctx, sources...)
	for _, err := range failures {
		s.config.Logger.Printf("Field options source failed: %v", err)
	}
	s.setOptions(opts)
	return source
}

func (s *Synchronizer) setOptions(opts schema.Options) {
	s.mu.Lock()
	s.opts = opts
	s.mu.Unlock()
}

func (s *Synchronizer) watchOptions() error {
	w, err := options.NewWatcher(s.config.OptionsFile, s.setOptions, s.config.Logger)
	if err != nil {
		return err
	}
	if err := w.Start(); err != nil {
		_ = w.Stop()
		return err
	}
	s.watcher = w
	return nil
}

func (s *Synchronizer) openCache() error {
	if dir := filepath.Dir(s.config.CachePath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create cache directory: %w", err)
		}
	}
	cache, err := db.Open(s.config.CachePath)
	if err != nil {
		return err
	}
	if err := cache.InitSchema(); err != nil {
		_ = cache.Close()
		return err
	}

	snap, ok, err := cache.LoadSnapshot(s.config.CacheKey)
	if err != nil {
		_ = cache.Close()
		return err
	}
	s.mu.Lock()
	s.cache = cache
	s.mu.Unlock()

	if ok && s.store.Len() == 0 {
		s.store.ReplaceAll(snap.Records, snap.Fingerprint, snap.FetchedAt)
		s.config.Logger.Printf("Loaded %d cached row(s) from %s", len(snap.Records), snap.FetchedAt.Local().Format(time.DateTime))
	}
	return nil
}

func (s *Synchronizer) saveSnapshot(records []schema.Record, fp string) {
	s.mu.Lock()
	cache := s.cache
	s.mu.Unlock()
	if cache == nil {
		return
	}
	snap := db.Snapshot{Records: records, Fingerprint: fp, FetchedAt: time.Now()}
	if err := cache.SaveSnapshot(s.config.CacheKey, snap); err != nil {
		s.config.Logger.Printf("Failed to cache snapshot: %v", err)
	}
}
