package rowstore

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/errs"
	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/sheet/push"
	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/sheet/schema"
)

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func startServer(t *testing.T, backend Backend, cfg ServerConfig) (*Server, *httptest.Server) {
	t.Helper()
	cfg.Logger = quietLogger()
	srv, err := NewServer(backend, cfg)
	if err != nil {
		t.Fatalf("NewServer() failed: %v", err)
	}
	srv.Start()
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	t.Cleanup(srv.Stop)
	return srv, ts
}

func newClient(t *testing.T, baseURL, token string) *HTTPClient {
	t.Helper()
	c, err := NewHTTPClient(baseURL, token, &ClientConfig{
		Timeout:    5 * time.Second,
		MaxRetries: 2,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
		Logger:     quietLogger(),
	})
	if err != nil {
		t.Fatalf("NewHTTPClient() failed: %v", err)
	}
	return c
}

func TestOpenBackend(t *testing.T) {
	tests := []struct {
		name    string
		dsn     string
		wantErr bool
	}{
		{"empty", "", false},
		{"memory", "memory://", false},
		{"sqlite", "sqlite:" + filepath.Join(t.TempDir(), "rows.db"), false},
		{"unsupported", "mysql://localhost/db", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := OpenBackend(tt.dsn)
			if (err != nil) != tt.wantErr {
				t.Fatalf("OpenBackend(%q) error = %v, wantErr %v", tt.dsn, err, tt.wantErr)
			}
			if b != nil {
				_ = b.Close()
			}
		})
	}
}

func TestMemoryBackend(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend(schema.NewFields(schema.FieldClient, "Иванов"))

	rec, err := b.Create(ctx, schema.NewFields(schema.FieldClient, "Петров"))
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	if rec.ID != "2" {
		t.Errorf("Create() id = %q, want 2", rec.ID)
	}

	updated, err := b.Update(ctx, "1", schema.NewFields(schema.FieldStatus, "Готов"))
	if err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	if updated.Fields.Value(schema.FieldClient) != "Иванов" || updated.Fields.Value(schema.FieldStatus) != "Готов" {
		t.Errorf("Update() = %v, want merged fields", updated.Fields.Map())
	}

	if err := b.Delete(ctx, "1"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if _, err := b.Update(ctx, "1", schema.NewFields(schema.FieldStatus, "-")); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("Update() after delete error = %v, want ErrNotFound", err)
	}
	if err := b.Delete(ctx, "1"); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("Delete() twice error = %v, want ErrNotFound", err)
	}

	list, _ := b.List(ctx)
	if len(list) != 1 || list[0].ID != "2" {
		t.Errorf("List() = %v, want only record 2", list)
	}
}

func TestClient_CRUD(t *testing.T) {
	srv, ts := startServer(t, NewMemoryBackend(), DefaultServerConfig())
	c := newClient(t, ts.URL+"/api", "")
	ctx := context.Background()

	created, err := c.Create(ctx, schema.NewFields(
		schema.FieldOrderNumber, "101",
		schema.FieldStatus, "Распилен",
	))
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	if created.ID == "" {
		t.Fatal("Create() returned no id")
	}

	updated, err := c.Update(ctx, created.ID, schema.NewFields(schema.FieldStatus, "Готов"))
	if err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	if got := updated.Fields.Value(schema.FieldStatus); got != "Готов" {
		t.Errorf("Update() status = %q, want Готов", got)
	}
	if got := updated.Fields.Value(schema.FieldOrderNumber); got != "101" {
		t.Errorf("Update() order number = %q, want 101 kept", got)
	}

	list, err := c.List(ctx)
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(list) != 1 || list[0].ID != created.ID {
		t.Fatalf("List() = %v, want the created record", list)
	}
	if list[0].Fields.Has(schema.IDKey) {
		t.Error("List() record carries _id as a field")
	}

	if err := c.Delete(ctx, created.ID); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	list, _ = c.List(ctx)
	if len(list) != 0 {
		t.Errorf("List() after delete = %v, want empty", list)
	}

	if err := c.EnablePush(ctx); err != nil {
		t.Fatalf("EnablePush() failed: %v", err)
	}
	if srv.PushSessions() != 1 {
		t.Errorf("PushSessions() = %d, want 1", srv.PushSessions())
	}

	opts, err := c.FieldOptions(ctx)
	if err != nil {
		t.Fatalf("FieldOptions() failed: %v", err)
	}
	if !opts.Allowed(schema.FieldStatus, "Выдан") || opts.Allowed(schema.FieldStatus, "nope") {
		t.Errorf("FieldOptions() status = %v", opts[schema.FieldStatus])
	}
}

func TestClient_UpdateUnknownRow(t *testing.T) {
	_, ts := startServer(t, NewMemoryBackend(), DefaultServerConfig())
	c := newClient(t, ts.URL, "")

	_, err := c.Update(context.Background(), "404", schema.NewFields(schema.FieldStatus, "Готов"))
	if !errors.Is(err, errs.ErrNotFound) || !errors.Is(err, errs.ErrHardRejection) {
		t.Fatalf("Update() error = %v, want not found hard rejection", err)
	}
	var httpErr *errs.HTTPError
	if !errors.As(err, &httpErr) || httpErr.Message != "Row not found" {
		t.Errorf("Update() error = %#v, want message Row not found", err)
	}
}

func TestClient_RateLimited(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.RateLimitMax = 2
	cfg.RateLimitWindow = time.Hour
	_, ts := startServer(t, NewMemoryBackend(), cfg)
	c := newClient(t, ts.URL, "")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := c.List(ctx); err != nil {
			t.Fatalf("List() #%d failed: %v", i, err)
		}
	}
	_, err := c.List(ctx)
	if !errors.Is(err, errs.ErrRateLimited) {
		t.Fatalf("List() error = %v, want ErrRateLimited", err)
	}
	if errs.Classify(err) != errs.KindRateLimited {
		t.Errorf("Classify() = %v, want rate_limited", errs.Classify(err))
	}
}

func TestClient_RetriesIdempotentOnServerError(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if r.Header.Get("X-Correlation-Id") == "" {
			t.Error("request without X-Correlation-Id")
		}
		if n == 1 {
			writeError(w, http.StatusBadGateway, "upstream", "try again")
			return
		}
		writeJSON(w, http.StatusOK, []schema.Record{})
	}))
	defer ts.Close()

	c := newClient(t, ts.URL, "")
	if _, err := c.List(context.Background()); err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestClient_NeverRetriesPost(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeError(w, http.StatusInternalServerError, "internal_error", "boom")
	}))
	defer ts.Close()

	c := newClient(t, ts.URL, "")
	_, err := c.Create(context.Background(), schema.NewFields(schema.FieldClient, "x"))
	if !errors.Is(err, errs.ErrHardRejection) {
		t.Fatalf("Create() error = %v, want hard rejection", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestClient_DeadlineIsTimeout(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.WriteDelay = time.Second
	backend := NewMemoryBackend(schema.NewFields(schema.FieldStatus, "Распилен"))
	_, ts := startServer(t, backend, cfg)
	c := newClient(t, ts.URL, "")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Update(ctx, "1", schema.NewFields(schema.FieldStatus, "Готов"))
	if errs.Classify(err) != errs.KindTimeout {
		t.Fatalf("Update() error = %v (kind %v), want timeout", err, errs.Classify(err))
	}
}

func TestClient_NetworkError(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	c := newClient(t, url, "")
	_, err := c.List(context.Background())
	if !errors.Is(err, errs.ErrNetwork) {
		t.Fatalf("List() error = %v, want ErrNetwork", err)
	}
	if !errs.IsRetryable(err) {
		t.Error("IsRetryable() = false for a network error")
	}
}

func TestServer_Auth(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.JWTSecret = "test-secret"
	cfg.Audience = "sheet-api"
	_, ts := startServer(t, NewMemoryBackend(), cfg)

	valid, err := MintToken("test-secret", "sheet-api", "tester", time.Hour)
	if err != nil {
		t.Fatalf("MintToken() failed: %v", err)
	}
	wrongAud, _ := MintToken("test-secret", "other", "tester", time.Hour)
	wrongKey, _ := MintToken("other-secret", "sheet-api", "tester", time.Hour)

	tests := []struct {
		name   string
		token  string
		status int
	}{
		{"valid", valid, 0},
		{"missing", "", http.StatusUnauthorized},
		{"wrong audience", wrongAud, http.StatusForbidden},
		{"wrong key", wrongKey, http.StatusUnauthorized},
		{"garbage", "not-a-jwt", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newClient(t, ts.URL, tt.token)
			_, err := c.List(context.Background())
			if tt.status == 0 {
				if err != nil {
					t.Fatalf("List() failed: %v", err)
				}
				return
			}
			var httpErr *errs.HTTPError
			if !errors.As(err, &httpErr) || httpErr.StatusCode != tt.status {
				t.Errorf("List() error = %v, want status %d", err, tt.status)
			}
		})
	}

	// /health stays open.
	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /health = %d, want 200", resp.StatusCode)
	}
}

func TestServer_PushOnWrite(t *testing.T) {
	_, ts := startServer(t, NewMemoryBackend(schema.NewFields(schema.FieldStatus, "-")), DefaultServerConfig())
	c := newClient(t, ts.URL, "")

	wsURL, err := push.URLFromBase(ts.URL)
	if err != nil {
		t.Fatalf("URLFromBase() failed: %v", err)
	}
	d := push.NewDialer(wsURL, "")
	d.Logger = quietLogger()
	sub, err := d.Subscribe(context.Background())
	if err != nil {
		t.Fatalf("Subscribe() failed: %v", err)
	}
	defer sub.Close()

	waitFor := func(want string) {
		t.Helper()
		timeout := time.After(3 * time.Second)
		for {
			select {
			case ev, ok := <-sub.Events():
				if !ok {
					t.Fatalf("subscription closed: %v", sub.Err())
				}
				if string(ev.Type) == want {
					return
				}
			case <-timeout:
				t.Fatalf("no %s event", want)
			}
		}
	}
	waitFor("connected")

	if _, err := c.Update(context.Background(), "1", schema.NewFields(schema.FieldStatus, "Готов")); err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	waitFor("changed")
}

func TestMintToken_Errors(t *testing.T) {
	if _, err := MintToken("", "aud", "sub", time.Hour); err == nil {
		t.Error("MintToken() with empty secret should fail")
	}
	if _, err := MintToken("s", "aud", "sub", 0); err == nil {
		t.Error("MintToken() with zero ttl should fail")
	}
}

func TestNewHTTPClient_Validation(t *testing.T) {
	if _, err := NewHTTPClient("", "", nil); err == nil {
		t.Error("NewHTTPClient(\"\") should fail")
	}
	c, err := NewHTTPClient("http://example.com/api/", "", nil)
	if err != nil {
		t.Fatalf("NewHTTPClient() failed: %v", err)
	}
	if c.BaseURL() != "http://example.com" {
		t.Errorf("BaseURL() = %q, want http://example.com", c.BaseURL())
	}
}
