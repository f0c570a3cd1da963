package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
)

// HTTPTransport posts events to a single endpoint. Consecutive failures open
// a circuit breaker so a dead receiver does not stall settlement processing.
type HTTPTransport struct {
	endpoint   string
	client     *http.Client
	apiVersion string
	breaker    *gobreaker.CircuitBreaker[*http.Response]
}

// HTTPOption configures an [HTTPTransport].
type HTTPOption func(*httpConfig)

type httpConfig struct {
	client        *http.Client
	apiVersion    string
	maxFailures   uint32
	openDuration  time.Duration
	onStateChange func(from, to string)
}

// WithHTTPClient overrides the HTTP client. Defaults to a client with a 10s timeout.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(cfg *httpConfig) {
		cfg.client = c
	}
}

// WithAPIVersion sets the API-Version header sent with each delivery.
func WithAPIVersion(v string) HTTPOption {
	return func(cfg *httpConfig) {
		cfg.apiVersion = v
	}
}

// WithBreaker tunes how many consecutive failures open the breaker and how
// long it stays open.
func WithBreaker(maxFailures uint32, openFor time.Duration) HTTPOption {
	return func(cfg *httpConfig) {
		cfg.maxFailures = maxFailures
		cfg.openDuration = openFor
	}
}

// WithBreakerStateHook is called whenever the breaker changes state.
func WithBreakerStateHook(fn func(from, to string)) HTTPOption {
	return func(cfg *httpConfig) {
		cfg.onStateChange = fn
	}
}

// NewHTTPTransport builds a transport that posts to endpoint.
func NewHTTPTransport(endpoint string, opts ...HTTPOption) *HTTPTransport {
	cfg := httpConfig{
		client:       &http.Client{Timeout: 10 * time.Second},
		maxFailures:  5,
		openDuration: 30 * time.Second,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&cfg)
	}
	settings := gobreaker.Settings{
		Name:    "webhook:" + endpoint,
		Timeout: cfg.openDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.maxFailures
		},
	}
	if cfg.onStateChange != nil {
		settings.OnStateChange = func(_ string, from, to gobreaker.State) {
			cfg.onStateChange(from.String(), to.String())
		}
	}
	return &HTTPTransport{
		endpoint:   endpoint,
		client:     cfg.client,
		apiVersion: cfg.apiVersion,
		breaker:    gobreaker.NewCircuitBreaker[*http.Response](settings),
	}
}

// Deliver implements [Transport].
func (t *HTTPTransport) Deliver(ctx context.Context, event Event) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(event.Payload))
	if err != nil {
		return fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, event.Signature)
	req.Header.Set("Webhook-Id", event.ID)
	req.Header.Set("Webhook-Event", string(event.Type))
	if t.apiVersion != "" {
		req.Header.Set("API-Version", t.apiVersion)
	}

	resp, err := t.breaker.Execute(func() (*http.Response, error) {
		resp, err := t.client.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			_ = resp.Body.Close()
			return nil, fmt.Errorf("endpoint %s returned %s: %s", t.endpoint, resp.Status, strings.TrimSpace(string(snippet)))
		}
		return resp, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("webhook: endpoint unavailable: %w", err)
		}
		return fmt.Errorf("webhook: deliver: %w", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	return nil
}

// Recorder is an in-memory [Transport] that keeps every delivered event.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Deliver implements [Transport].
func (r *Recorder) Deliver(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns the recorded events of one type.
func (r *Recorder) OfType(t EventType) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
