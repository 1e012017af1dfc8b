// Package webhook delivers booking events to externally configured HTTP
// endpoints. Each request body is the event envelope, signed with HMAC-SHA256
// under the endpoint secret.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/slotbook/slotbook/internal/platform/events"
)

const (
	HeaderSignature = "X-Slotbook-Signature"
	HeaderEventID   = "X-Slotbook-Event-ID"
	HeaderEventType = "X-Slotbook-Event-Type"
	HeaderTimestamp = "X-Slotbook-Timestamp"
)

// Endpoint is a delivery target. Events lists subscription patterns: an exact
// event type, "*", or a prefix wildcard such as "consulting.booking.*".
type Endpoint struct {
	URL    string
	Secret string
	Events []string
}

// Matches reports whether the endpoint subscribes to eventType. An endpoint
// with no patterns receives everything.
func (ep Endpoint) Matches(eventType string) bool {
	if len(ep.Events) == 0 {
		return true
	}
	for _, pat := range ep.Events {
		switch {
		case pat == "*" || pat == eventType:
			return true
		case strings.HasSuffix(pat, ".*") && strings.HasPrefix(eventType, strings.TrimSuffix(pat, "*")):
			return true
		}
	}
	return false
}

// ParseEndpoints builds endpoints from a list of URLs sharing one secret.
func ParseEndpoints(urls []string, secret string) ([]Endpoint, error) {
	var out []Endpoint
	for _, raw := range urls {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if err := validateURL(raw); err != nil {
			return nil, err
		}
		out = append(out, Endpoint{URL: raw, Secret: secret})
	}
	return out, nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("webhook: invalid url %q: %w", raw, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if (scheme != "http" && scheme != "https") || u.Host == "" {
		return fmt.Errorf("webhook: url %q must be absolute http(s)", raw)
	}
	return nil
}

// SignPayload returns the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature header value, with or without the
// "sha256=" prefix.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(strings.TrimPrefix(signature, "sha256=")))
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient overrides the client used for deliveries.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

// WithRetryDelays sets the waits between attempts. The number of attempts is
// len(delays)+1.
func WithRetryDelays(delays ...time.Duration) Option {
	return func(d *Dispatcher) { d.retryDelays = delays }
}

// Dispatcher posts events to every matching endpoint.
type Dispatcher struct {
	endpoints   []Endpoint
	client      *http.Client
	retryDelays []time.Duration
	log         zerolog.Logger
}

func NewDispatcher(endpoints []Endpoint, logger zerolog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		endpoints:   endpoints,
		client:      &http.Client{Timeout: 10 * time.Second},
		retryDelays: []time.Duration{time.Second, 5 * time.Second},
		log:         logger.With().Str("component", "webhook").Logger(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Subscriber is satisfied by *events.Bus.
type Subscriber interface {
	Subscribe(eventType string, h events.Handler)
}

func (d *Dispatcher) Subscribe(bus Subscriber) {
	bus.Subscribe(events.BookingCreatedV1{}.EventType(), d.HandleEvent)
	bus.Subscribe(events.BookingCancelledV1{}.EventType(), d.HandleEvent)
}

// Result is the outcome of delivering one event to one endpoint.
type Result struct {
	URL        string
	StatusCode int
	Attempts   int
	Err        error
}

// HandleEvent delivers evt and returns the joined delivery failures.
func (d *Dispatcher) HandleEvent(ctx context.Context, evt events.Event) error {
	var errs []error
	for _, r := range d.Deliver(ctx, evt) {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("webhook: %s: %w", r.URL, r.Err))
		}
	}
	return errors.Join(errs...)
}

// Deliver posts evt to each matching endpoint in turn.
func (d *Dispatcher) Deliver(ctx context.Context, evt events.Event) []Result {
	env, err := events.NewEnvelope(evt)
	if err != nil {
		return []Result{{Err: err}}
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return []Result{{Err: err}}
	}

	var results []Result
	for _, ep := range d.endpoints {
		if !ep.Matches(env.EventType) {
			continue
		}
		r := d.deliverWithRetry(ctx, ep, env, payload)
		if r.Err != nil {
			d.log.Warn().Err(r.Err).Str("url", ep.URL).Str("event_type", env.EventType).
				Int("attempts", r.Attempts).Msg("webhook delivery failed")
		} else {
			d.log.Debug().Str("url", ep.URL).Str("event_type", env.EventType).
				Int("status", r.StatusCode).Msg("webhook delivered")
		}
		results = append(results, r)
	}
	return results
}

func (d *Dispatcher) deliverWithRetry(ctx context.Context, ep Endpoint, env events.Envelope, payload []byte) Result {
	r := Result{URL: ep.URL}
	for attempt := 0; ; attempt++ {
		r.Attempts = attempt + 1
		r.StatusCode, r.Err = d.post(ctx, ep, env, payload)
		if r.Err == nil || !retryable(r.StatusCode) || attempt >= len(d.retryDelays) {
			return r
		}
		select {
		case <-ctx.Done():
			r.Err = errors.Join(r.Err, ctx.Err())
			return r
		case <-time.After(d.retryDelays[attempt]):
		}
	}
}

// retryable is false for client errors other than 408 and 429; the receiver
// rejected the payload and a resend will not change that.
func retryable(status int) bool {
	if status >= 400 && status < 500 {
		return status == http.StatusRequestTimeout || status == http.StatusTooManyRequests
	}
	return true
}

func (d *Dispatcher) post(ctx context.Context, ep Endpoint, env events.Envelope, payload []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEventID, env.EventID.String())
	req.Header.Set(HeaderEventType, env.EventType)
	req.Header.Set(HeaderTimestamp, env.OccurredAt.Format(time.RFC3339))
	if ep.Secret != "" {
		req.Header.Set(HeaderSignature, "sha256="+SignPayload(payload, ep.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("non-2xx response: %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}
