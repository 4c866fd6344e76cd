package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/prospect-waterfall/internal/resilience"
)

// HTTPOptions configures an HTTP JSON provider.
type HTTPOptions struct {
	Name      string
	URL       string
	APIKey    string
	UserAgent string
	Timeout   time.Duration
}

// HTTPAdapter calls a provider that speaks the Request/Result envelope as
// JSON over POST. Retries and rate limiting happen outside the adapter.
type HTTPAdapter struct {
	opts   HTTPOptions
	client *http.Client
}

// NewHTTPAdapter creates an HTTP JSON provider.
func NewHTTPAdapter(opts HTTPOptions) *HTTPAdapter {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "prospect-waterfall/1.0"
	}
	transport := &http.Transport{
		MaxIdleConnsPerHost: 10,
		MaxConnsPerHost:     20,
		IdleConnTimeout:     90 * time.Second,
	}
	return &HTTPAdapter{
		opts: opts,
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
	}
}

// Name implements Adapter.
func (h *HTTPAdapter) Name() string { return h.opts.Name }

// Enrich implements Adapter.
func (h *HTTPAdapter) Enrich(ctx context.Context, req Request) (*Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, Fail(h.opts.Name, resilience.KindInvalidInput, eris.Wrap(err, "provider: encode request"))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.opts.URL, bytes.NewReader(body))
	if err != nil {
		return nil, Fail(h.opts.Name, resilience.KindFatal, eris.Wrap(err, "provider: build request"))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", h.opts.UserAgent)
	if h.opts.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+h.opts.APIKey)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, Fail(h.opts.Name, resilience.KindOf(err), eris.Wrapf(err, "provider: %s request", h.opts.Name))
	}
	defer resp.Body.Close() //nolint:errcheck

	if kind, failed := resilience.KindFromHTTPStatus(resp.StatusCode); failed {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, Fail(h.opts.Name, kind, eris.Errorf("provider: %s returned http %d", h.opts.Name, resp.StatusCode))
	}

	var out Result
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, Fail(h.opts.Name, resilience.KindTransient, eris.Wrapf(err, "provider: decode %s response", h.opts.Name))
	}
	if len(out.Fields) == 0 {
		return nil, Fail(h.opts.Name, resilience.KindNotFound, eris.Errorf("provider: %s returned no fields", h.opts.Name))
	}
	return &out, nil
}
