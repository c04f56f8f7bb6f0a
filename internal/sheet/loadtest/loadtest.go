// Package loadtest drives many synchronizers against one in-process row
// store server.
//
// Each simulated client owns one row and edits it repeatedly, faster than
// the flush debounce. The run reports how many writes actually reached the
// server, how long they took, and whether the server ends up holding every
// client's last edit.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/sheet/push"
	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/sheet/rowstore"
	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/sheet/schema"
	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/sheet/syncer"
	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/sheet/transport"
)

// Options configures a run.
type Options struct {
	Clients        int
	EditsPerClient int

	// EditInterval is the pause between two edits of one client. Below
	// Debounce, edits coalesce.
	EditInterval time.Duration
	Debounce     time.Duration

	// WriteDelay slows every server-side write.
	WriteDelay time.Duration

	// Push subscribes every client to the server's push stream.
	Push bool

	// Logger receives component logs; nil discards them.
	Logger *log.Logger
}

// DefaultOptions returns a small run that finishes in a few seconds.
func DefaultOptions() Options {
	return Options{
		Clients:        20,
		EditsPerClient: 10,
		EditInterval:   20 * time.Millisecond,
		Debounce:       500 * time.Millisecond,
		Push:           true,
	}
}

// LatencyStats captures write latency as seen by the clients.
type LatencyStats struct {
	Min   time.Duration
	Max   time.Duration
	Mean  time.Duration
	P50   time.Duration
	P95   time.Duration
	P99   time.Duration
	Count int
}

// Report is the outcome of a run.
type Report struct {
	Clients  int
	Edits    int
	Writes   int64
	Errors   int
	Duration time.Duration
	Latency  LatencyStats

	// Mismatches lists rows whose final server value is not the last edit.
	Mismatches []string
}

// CoalescingRatio is edits per server write.
func (r *Report) CoalescingRatio() float64 {
	if r.Writes == 0 {
		return 0
	}
	return float64(r.Edits) / float64(r.Writes)
}

// Consistent reports whether every row holds its client's last edit.
func (r *Report) Consistent() bool {
	return len(r.Mismatches) == 0
}

// Print writes a human readable summary to w.
func (r *Report) Print(w io.Writer) {
	fmt.Fprintf(w, "Clients:          %d\n", r.Clients)
	fmt.Fprintf(w, "Edits:            %d\n", r.Edits)
	fmt.Fprintf(w, "Server writes:    %d\n", r.Writes)
	fmt.Fprintf(w, "Coalescing ratio: %.2f edits/write\n", r.CoalescingRatio())
	fmt.Fprintf(w, "Failed edits:     %d\n", r.Errors)
	fmt.Fprintf(w, "Duration:         %v\n", r.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "Write latency:\n")
	fmt.Fprintf(w, "  Min:  %v\n", r.Latency.Min)
	fmt.Fprintf(w, "  P50:  %v\n", r.Latency.P50)
	fmt.Fprintf(w, "  Mean: %v\n", r.Latency.Mean)
	fmt.Fprintf(w, "  P95:  %v\n", r.Latency.P95)
	fmt.Fprintf(w, "  P99:  %v\n", r.Latency.P99)
	fmt.Fprintf(w, "  Max:  %v\n", r.Latency.Max)
	if r.Consistent() {
		fmt.Fprintf(w, "Final state:      consistent\n")
		return
	}
	fmt.Fprintf(w, "Final state:      %d mismatch(es)\n", len(r.Mismatches))
	for _, m := range r.Mismatches {
		fmt.Fprintf(w, "  %s\n", m)
	}
}

// countingBackend counts server-side writes.
type countingBackend struct {
	rowstore.Backend
	writes atomic.Int64
}

func (b *countingBackend) Update(ctx context.Context, id string, fields schema.Fields) (schema.Record, error) {
	b.writes.Add(1)
	return b.Backend.Update(ctx, id, fields)
}

// timedClient records client-side write latency.
type timedClient struct {
	*rowstore.HTTPClient
	rec *recorder
}

func (c *timedClient) Update(ctx context.Context, id string, fields schema.Fields) (schema.Record, error) {
	start := time.Now()
	rec, err := c.HTTPClient.Update(ctx, id, fields)
	c.rec.add(time.Since(start))
	return rec, err
}

type recorder struct {
	mu        sync.Mutex
	durations []time.Duration
}

func (r *recorder) add(d time.Duration) {
	r.mu.Lock()
	r.durations = append(r.durations, d)
	r.mu.Unlock()
}

// Run executes a load test. It blocks until every client has flushed and
// stopped, or ctx is done.
func Run(ctx context.Context, opts Options) (*Report, error) {
	if opts.Clients <= 0 || opts.EditsPerClient <= 0 {
		return nil, fmt.Errorf("clients and edits per client must be positive")
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 500 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	seed := make([]schema.Fields, opts.Clients)
	for i := range seed {
		seed[i] = schema.NewFields(
			schema.FieldOrderNumber, fmt.Sprintf("%d", 1000+i),
			schema.FieldNotes, "",
		)
	}
	backend := &countingBackend{Backend: rowstore.NewMemoryBackend(seed...)}
	rows, err := backend.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list seeded rows: %w", err)
	}

	srvCfg := rowstore.DefaultServerConfig()
	srvCfg.WriteDelay = opts.WriteDelay
	srvCfg.Logger = logger
	srv, err := rowstore.NewServer(backend, srvCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create server: %w", err)
	}
	srv.Start()
	defer srv.Stop()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	httpSrv := &http.Server{Handler: srv, ReadHeaderTimeout: 5 * time.Second}
	go func() { _ = httpSrv.Serve(ln) }()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()
	baseURL := "http://" + ln.Addr().String()

	rec := &recorder{}
	report := &Report{Clients: opts.Clients, Edits: opts.Clients * opts.EditsPerClient}
	lastValue := make([]string, opts.Clients)
	var errCount atomic.Int64

	start := time.Now()
	var wg sync.WaitGroup
	errCh := make(chan error, opts.Clients)
	for i := 0; i < opts.Clients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			last, failed, err := runClient(ctx, opts, baseURL, rows[i].ID, i, rec, logger)
			if err != nil {
				errCh <- fmt.Errorf("client %d: %w", i, err)
				return
			}
			lastValue[i] = last
			errCount.Add(int64(failed))
		}(i)
	}
	wg.Wait()
	close(errCh)
	if err, ok := <-errCh; ok {
		return nil, err
	}
	report.Duration = time.Since(start)
	report.Writes = backend.writes.Load()
	report.Errors = int(errCount.Load())

	rec.mu.Lock()
	report.Latency = computeLatencyStats(rec.durations)
	rec.mu.Unlock()

	final, err := backend.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list final rows: %w", err)
	}
	byID := make(map[string]schema.Record, len(final))
	for _, r := range final {
		byID[r.ID] = r
	}
	for i, row := range rows {
		got := byID[row.ID].Fields.Value(schema.FieldNotes)
		if got != lastValue[i] {
			report.Mismatches = append(report.Mismatches,
				fmt.Sprintf("row %s: server has %q, want %q", row.ID, got, lastValue[i]))
		}
	}
	return report, nil
}

// runClient edits one row EditsPerClient times and returns the last value
// written and the number of edits whose write failed.
func runClient(ctx context.Context, opts Options, baseURL, id string, n int, rec *recorder, logger *log.Logger) (string, int, error) {
	clientCfg := rowstore.DefaultClientConfig()
	clientCfg.Logger = logger
	client, err := rowstore.NewHTTPClient(baseURL, "", clientCfg)
	if err != nil {
		return "", 0, err
	}
	rows := &timedClient{HTTPClient: client, rec: rec}

	cfg := syncer.DefaultConfig()
	cfg.Logger = logger
	cfg.Flush.Debounce = opts.Debounce
	cfg.Flush.Logger = logger
	cfg.Reconcile.Logger = logger
	cfg.Transport.PushEnabled = opts.Push
	cfg.Transport.Logger = logger
	cfg.Orchestrator.Logger = logger

	var channel transport.Channel
	var enabler transport.PushEnabler
	if opts.Push {
		wsURL, err := push.URLFromBase(baseURL)
		if err != nil {
			return "", 0, err
		}
		d := push.NewDialer(wsURL, "")
		d.Logger = logger
		channel, enabler = d, rows
	}

	s, err := syncer.New(rows, channel, enabler, cfg)
	if err != nil {
		return "", 0, err
	}
	if err := s.Start(ctx); err != nil {
		return "", 0, err
	}
	defer s.Stop()

	if err := waitForRow(ctx, s, id); err != nil {
		return "", 0, err
	}

	results := make([]<-chan error, 0, opts.EditsPerClient)
	var last string
	for j := 0; j < opts.EditsPerClient; j++ {
		last = fmt.Sprintf("client-%d edit-%d", n, j)
		done, err := s.Edit(id, schema.FieldNotes, last)
		if err != nil {
			return "", 0, err
		}
		results = append(results, done)
		if opts.EditInterval > 0 && j < opts.EditsPerClient-1 {
			select {
			case <-ctx.Done():
				return "", 0, ctx.Err()
			case <-time.After(opts.EditInterval):
			}
		}
	}

	if err := s.Flush(ctx); err != nil {
		return "", 0, fmt.Errorf("failed to flush: %w", err)
	}
	failed := 0
	for _, done := range results {
		select {
		case err := <-done:
			if err != nil {
				failed++
			}
		case <-ctx.Done():
			return "", 0, ctx.Err()
		}
	}
	return last, failed, nil
}

func waitForRow(ctx context.Context, s *syncer.Synchronizer, id string) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.NewTimer(10 * time.Second)
	defer deadline.Stop()
	for {
		if _, ok := s.Store().Get(id); ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("row %s never arrived", id)
		case <-ticker.C:
		}
	}
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) LatencyStats {
	if len(durations) == 0 {
		return LatencyStats{}
	}
	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	return LatencyStats{
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Mean:  sum / time.Duration(len(sorted)),
		P50:   sorted[len(sorted)*50/100],
		P95:   sorted[len(sorted)*95/100],
		P99:   sorted[len(sorted)*99/100],
		Count: len(sorted),
	}
}
