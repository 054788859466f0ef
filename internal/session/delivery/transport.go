package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"proctorlog/pkg/domain"
	"proctorlog/pkg/platform/sentinel"
)

// Transport ships one batch to the collector.
//
// Errors wrap a sentinel describing what the caller may do next:
// sentinel.ErrUnavailable (retry later), sentinel.ErrRejected (the collector
// will never accept this batch) or sentinel.ErrConflict (the attempt is
// already sealed at the collector).
type Transport interface {
	Send(ctx context.Context, batch domain.Batch) (domain.Receipt, error)
}

// DefaultTimeout bounds a single delivery request.
const DefaultTimeout = 10 * time.Second

const maxResponseBytes = 64 << 10

// StatusError carries a non-2xx collector response.
type StatusError struct {
	StatusCode  int
	Code        string
	Description string
	kind        error
}

func (e *StatusError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("collector returned %d %s: %s", e.StatusCode, e.Code, e.Description)
	}
	return fmt.Sprintf("collector returned %d %s", e.StatusCode, e.Code)
}

func (e *StatusError) Unwrap() error {
	return e.kind
}

// HTTPTransport posts batches as JSON to the collector's /logs endpoint.
type HTTPTransport struct {
	endpoint  string
	client    *http.Client
	userAgent string
}

// HTTPOption configures an HTTPTransport.
type HTTPOption func(*HTTPTransport)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(t *HTTPTransport) {
		if c != nil {
			t.client = c
		}
	}
}

// WithUserAgent sets the User-Agent header on every request.
func WithUserAgent(ua string) HTTPOption {
	return func(t *HTTPTransport) {
		t.userAgent = ua
	}
}

// NewHTTPTransport targets the collector rooted at baseURL.
func NewHTTPTransport(baseURL string, opts ...HTTPOption) (*HTTPTransport, error) {
	if baseURL == "" {
		return nil, errors.New("collector URL is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid collector URL %q: %w", baseURL, err)
	}
	t := &HTTPTransport{
		endpoint: strings.TrimRight(baseURL, "/") + "/logs",
		client:   &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Send implements Transport.
func (t *HTTPTransport) Send(ctx context.Context, batch domain.Batch) (domain.Receipt, error) {
	body, err := json.Marshal(batch)
	if err != nil {
		return domain.Receipt{}, fmt.Errorf("encode batch: %w: %w", sentinel.ErrRejected, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.Receipt{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.userAgent != "" {
		req.Header.Set("User-Agent", t.userAgent)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return domain.Receipt{}, fmt.Errorf("send batch: %w: %w", sentinel.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return domain.Receipt{}, fmt.Errorf("read response: %w: %w", sentinel.ErrUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return domain.Receipt{}, statusError(resp.StatusCode, raw)
	}

	var receipt domain.Receipt
	if err := json.Unmarshal(raw, &receipt); err != nil {
		return domain.Receipt{}, fmt.Errorf("decode receipt: %w: %w", sentinel.ErrUnavailable, err)
	}
	return receipt, nil
}

func statusError(status int, raw []byte) *StatusError {
	var envelope struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	_ = json.Unmarshal(raw, &envelope)

	se := &StatusError{
		StatusCode:  status,
		Code:        envelope.Error,
		Description: envelope.ErrorDescription,
	}
	switch status {
	case http.StatusBadRequest:
		se.kind = sentinel.ErrRejected
	case http.StatusConflict:
		se.kind = sentinel.ErrConflict
	default:
		se.kind = sentinel.ErrUnavailable
	}
	return se
}
