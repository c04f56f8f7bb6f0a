package rowstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/errs"
	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/sheet/schema"
)

const (
	sheetPath    = "/api/sheet"
	statusesPath = "/api/sheet/statuses"
	setupPath    = "/api/setup-push"
)

// ClientConfig holds HTTPClient settings.
type ClientConfig struct {
	// Timeout bounds a single HTTP exchange. Callers usually pass a tighter
	// context deadline.
	Timeout time.Duration

	// MaxRetries is how many times an idempotent request is repeated after a
	// network error or 5xx. POST is never repeated and 429 is never retried.
	MaxRetries int

	BaseDelay time.Duration
	MaxDelay  time.Duration

	Logger *log.Logger
}

// DefaultClientConfig returns the default client configuration.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Timeout:    30 * time.Second,
		MaxRetries: 2,
		BaseDelay:  200 * time.Millisecond,
		MaxDelay:   2 * time.Second,
		Logger:     log.New(os.Stderr, "[rowstore] ", log.LstdFlags),
	}
}

// HTTPClient is the RowStore over the row store HTTP API.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	config     *ClientConfig
}

// NewHTTPClient creates a client for baseURL, e.g. "http://localhost:3001".
// A trailing "/api" is accepted and stripped.
func NewHTTPClient(baseURL, token string, config *ClientConfig) (*HTTPClient, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	baseURL = strings.TrimSuffix(baseURL, "/api")
	if baseURL == "" {
		return nil, fmt.Errorf("base URL cannot be empty")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", baseURL, err)
	}
	if config == nil {
		config = DefaultClientConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(io.Discard, "", 0)
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: &http.Client{Timeout: config.Timeout},
		config:     config,
	}, nil
}

// BaseURL returns the normalized base URL.
func (c *HTTPClient) BaseURL() string {
	return c.baseURL
}

func (c *HTTPClient) List(ctx context.Context) ([]schema.Record, error) {
	var records []schema.Record
	if err := c.doJSON(ctx, http.MethodGet, sheetPath, nil, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func (c *HTTPClient) Create(ctx context.Context, fields schema.Fields) (schema.Record, error) {
	var rec schema.Record
	if err := c.doJSON(ctx, http.MethodPost, sheetPath, fields, &rec); err != nil {
		return schema.Record{}, err
	}
	return rec, nil
}

func (c *HTTPClient) Update(ctx context.Context, id string, fields schema.Fields) (schema.Record, error) {
	body := schema.Record{ID: id, Fields: fields}
	var rec schema.Record
	if err := c.doJSON(ctx, http.MethodPut, rowPath(id), body, &rec); err != nil {
		return schema.Record{}, err
	}
	if rec.ID == "" {
		rec.ID = id
	}
	return rec, nil
}

func (c *HTTPClient) Delete(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, rowPath(id), nil, nil)
}

// FieldOptions fetches the allowed values per field.
func (c *HTTPClient) FieldOptions(ctx context.Context) (schema.Options, error) {
	var opts schema.Options
	if err := c.doJSON(ctx, http.MethodGet, statusesPath, nil, &opts); err != nil {
		return nil, err
	}
	return opts, nil
}

// EnablePush asks the server to start sending change notifications for this
// session.
func (c *HTTPClient) EnablePush(ctx context.Context) error {
	var resp struct {
		Success bool   `json:"success"`
		Channel string `json:"channel"`
	}
	if err := c.doJSON(ctx, http.MethodPost, setupPath, struct{}{}, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return &errs.HTTPError{StatusCode: http.StatusBadGateway, Message: "push setup was not acknowledged"}
	}
	c.config.Logger.Printf("push enabled (channel %s)", resp.Channel)
	return nil
}

func rowPath(id string) string {
	return sheetPath + "?rowId=" + url.QueryEscape(id)
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}
	retries := c.config.MaxRetries
	if method == http.MethodPost {
		retries = 0
	}

	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		req.Header.Set("X-Correlation-Id", uuid.NewString())
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%s %s: %w", method, requestPath, ctx.Err())
			}
			if attempt < retries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return errs.Network(fmt.Errorf("%s %s: %w", method, requestPath, err))
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errs.Network(fmt.Errorf("failed to read response: %w", readErr))
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payload) == 0 {
				return nil
			}
			if err := json.Unmarshal(payload, out); err != nil {
				return fmt.Errorf("failed to decode response: %w", err)
			}
			return nil
		}

		if resp.StatusCode >= 500 && attempt < retries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}
		return decodeHTTPError(resp.StatusCode, payload)
	}
}

func decodeHTTPError(status int, payload []byte) error {
	var errPayload struct {
		Error   string `json:"error"`
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(payload, &errPayload)
	msg := errPayload.Message
	if msg == "" {
		msg = errPayload.Error
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &errs.HTTPError{StatusCode: status, Code: errPayload.Code, Message: msg}
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.config.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		return min(retryAfter, maxDelay)
	}
	delay := c.config.BaseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return min(delay, maxDelay)
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
