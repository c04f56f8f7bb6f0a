package push

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/errs"
	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/sheet/transport"
)

func startHub(t *testing.T, ping time.Duration) (*Hub, *httptest.Server, *Dialer) {
	t.Helper()

	hub := NewHub(&HubConfig{PingInterval: ping, Logger: log.New(io.Discard, "", 0)})
	hub.Start()
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)
	t.Cleanup(hub.Stop)

	d := NewDialer("ws"+strings.TrimPrefix(srv.URL, "http"), "")
	d.Logger = log.New(io.Discard, "", 0)
	return hub, srv, d
}

func nextEvent(t *testing.T, sub transport.Subscription, skipPings bool) transport.Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				t.Fatalf("subscription closed: %v", sub.Err())
			}
			if skipPings && ev.Type == transport.EventPing {
				continue
			}
			return ev
		case <-timeout:
			t.Fatal("no event received")
		}
	}
}

func TestHub_ConnectedChangedAndPing(t *testing.T) {
	hub, _, d := startHub(t, 50*time.Millisecond)

	sub, err := d.Subscribe(context.Background())
	if err != nil {
		t.Fatalf("Subscribe() failed: %v", err)
	}
	defer sub.Close()

	hello := nextEvent(t, sub, true)
	if hello.Type != transport.EventConnected || hello.ClientID == "" {
		t.Errorf("first event = %+v, want connected with a client id", hello)
	}
	if hub.ClientCount() != 1 {
		t.Errorf("ClientCount() = %d, want 1", hub.ClientCount())
	}

	hub.NotifyChanged()
	if ev := nextEvent(t, sub, true); ev.Type != transport.EventChanged {
		t.Errorf("event = %q, want changed", ev.Type)
	}
	if ev := nextEvent(t, sub, false); ev.Type != transport.EventPing {
		t.Errorf("event = %q, want ping", ev.Type)
	}
}

func TestHub_StopDropsSubscribers(t *testing.T) {
	hub, _, d := startHub(t, time.Hour)

	sub, err := d.Subscribe(context.Background())
	if err != nil {
		t.Fatalf("Subscribe() failed: %v", err)
	}
	nextEvent(t, sub, true)

	hub.Stop()
	for range sub.Events() {
	}

	err = sub.Err()
	if !errors.Is(err, errs.ErrChannel) {
		t.Errorf("Err() = %v, want ErrChannel", err)
	}
	if errors.Is(err, errs.ErrChannelClosedPermanent) {
		t.Error("server shutdown should allow a reconnect")
	}
}

func TestSubscription_CloseIsNotAnError(t *testing.T) {
	_, _, d := startHub(t, time.Hour)

	sub, err := d.Subscribe(context.Background())
	if err != nil {
		t.Fatalf("Subscribe() failed: %v", err)
	}
	nextEvent(t, sub, true)

	sub.Close()
	for range sub.Events() {
	}
	if err := sub.Err(); err != nil {
		t.Errorf("Err() = %v after Close, want nil", err)
	}
}

func TestDialer_RejectedHandshake(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		wantPermanent bool
	}{
		{"unauthorized", http.StatusUnauthorized, true},
		{"not found", http.StatusNotFound, true},
		{"unavailable", http.StatusServiceUnavailable, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "no", tt.status)
			}))
			defer srv.Close()

			d := NewDialer("ws"+strings.TrimPrefix(srv.URL, "http"), "token")
			_, err := d.Subscribe(context.Background())
			if err == nil {
				t.Fatal("Subscribe() error = nil, want error")
			}
			if got := errors.Is(err, errs.ErrChannelClosedPermanent); got != tt.wantPermanent {
				t.Errorf("permanent = %v, want %v (err %v)", got, tt.wantPermanent, err)
			}
		})
	}
}

func TestURLFromBase(t *testing.T) {
	tests := []struct {
		base    string
		want    string
		wantErr bool
	}{
		{"http://localhost:8080", "ws://localhost:8080/api/push", false},
		{"https://sheets.example.com/", "wss://sheets.example.com/api/push", false},
		{"https://sheets.example.com/api", "wss://sheets.example.com/api/push", false},
		{"ftp://example.com", "", true},
	}
	for _, tt := range tests {
		got, err := URLFromBase(tt.base)
		if (err != nil) != tt.wantErr {
			t.Errorf("URLFromBase(%q) error = %v, wantErr %v", tt.base, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("URLFromBase(%q) = %q, want %q", tt.base, got, tt.want)
		}
	}
}
