package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/errs"
	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/sheet/transport"
)

// Path is where the row store server mounts the hub.
const Path = "/api/push"

// URLFromBase derives the websocket URL of the hub from the row store base URL.
func URLFromBase(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("failed to parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported base url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/api") + Path
	return u.String(), nil
}

// Dialer opens push subscriptions to a hub.
type Dialer struct {
	URL string

	// Token is sent as a bearer token when set
	Token string

	// IdleTimeout drops a subscription that has been silent this long.
	// The hub pings every 30s, so anything above that detects dead peers.
	IdleTimeout time.Duration

	HTTPClient *http.Client
	Logger     *log.Logger
}

// NewDialer creates a dialer for the hub at wsURL.
func NewDialer(wsURL, token string) *Dialer {
	return &Dialer{
		URL:         wsURL,
		Token:       token,
		IdleTimeout: 75 * time.Second,
		Logger:      log.New(os.Stderr, "[push] ", log.LstdFlags),
	}
}

// Subscribe implements transport.Channel. A handshake the server refuses
// with 401, 403 or 404 can never succeed and is reported as
// errs.ErrChannelClosedPermanent.
func (d *Dialer) Subscribe(ctx context.Context) (transport.Subscription, error) {
	opts := &websocket.DialOptions{HTTPClient: d.HTTPClient}
	if d.Token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + d.Token}}
	}

	conn, resp, err := websocket.Dial(ctx, d.URL, opts)
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
				return nil, fmt.Errorf("%w: handshake status %d", errs.ErrChannelClosedPermanent, resp.StatusCode)
			}
		}
		return nil, errs.Channel(fmt.Errorf("failed to dial %s: %w", d.URL, err))
	}

	subCtx, cancel := context.WithCancel(context.Background())
	s := &subscription{
		conn:   conn,
		events: make(chan transport.Event, 16),
		cancel: cancel,
		idle:   d.IdleTimeout,
		logger: d.Logger,
	}
	go s.readLoop(subCtx)
	return s, nil
}

type subscription struct {
	conn   *websocket.Conn
	events chan transport.Event
	cancel context.CancelFunc
	idle   time.Duration
	logger *log.Logger

	mu     sync.Mutex
	err    error
	closed bool
}

func (s *subscription) Events() <-chan transport.Event { return s.events }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subscription) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	return nil
}

func (s *subscription) readLoop(ctx context.Context) {
	defer close(s.events)
	defer s.conn.CloseNow()

	for {
		readCtx, cancel := ctx, context.CancelFunc(func() {})
		if s.idle > 0 {
			readCtx, cancel = context.WithTimeout(ctx, s.idle)
		}
		_, data, err := s.conn.Read(readCtx)
		cancel()
		if err != nil {
			s.finish(err)
			return
		}

		var ev transport.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			if s.logger != nil {
				s.logger.Printf("Ignoring malformed push message: %v", err)
			}
			continue
		}

		select {
		case s.events <- ev:
		case <-ctx.Done():
			s.finish(ctx.Err())
			return
		}
	}
}

// finish records why the subscription ended. Closing it ourselves is not an
// error.
func (s *subscription) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	switch status := websocket.CloseStatus(err); {
	case status == websocket.StatusPolicyViolation:
		s.err = fmt.Errorf("%w: %w", errs.ErrChannelClosedPermanent, err)
	case errors.Is(err, context.DeadlineExceeded):
		s.err = errs.Channel(fmt.Errorf("no message for %v: %w", s.idle, err))
	default:
		s.err = errs.Channel(err)
	}
}
