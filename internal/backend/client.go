// Package backend implements C8's outbound HTTP client to C7: the gateway's
// only means of reaching storage. Grounded on the teacher's
// main.go:bootstrapFederation (LZ4-compressed POST with a timeout'd
// http.Client, error logged and treated as "unreachable" rather than
// panicking) generalized from a one-shot federation handshake into the
// gateway's request/response path, with golang.org/x/time/rate added as an
// explicit outbound throttle — a distinct concern from C2's inbound
// sliding-window limiter.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"gridkeep/internal/apierr"
	"gridkeep/internal/transport"
)

// Client calls C7 over HTTP, compressing bodies with LZ4 and throttling
// outbound request rate so one noisy gateway can't overrun the backend.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
}

// New builds a Client against baseURL, authenticating with apiKey via the
// X-API-Key header (spec.md §6). The outbound throttle defaults to 40
// requests/sec with a burst of 10, generous relative to C2's tightest
// inbound policy (edit: 5/25s) so the gateway is never the bottleneck under
// normal load, only under a genuine backend overload.
func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 5 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(40), 10),
	}
}

// Do issues method against path with a JSON body (nil for none), compressed
// with LZ4, and decodes a JSON response into out. Any failure to reach or
// parse a response from the backend is reported as apierr.BackendUnreachable
// or apierr.BackendError, never a raw transport error, so callers (C8) can
// apply the §7 "never 5xx the caller for transient backend errors" rule
// uniformly.
func (c *Client) Do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return apierr.Wrap(apierr.Transient, "outbound throttle wait", err)
	}

	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return apierr.Wrap(apierr.Fatal, "marshal request body", err)
		}
		reqBody = bytes.NewReader(transport.Compress(raw))
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return apierr.Wrap(apierr.Fatal, "build backend request", err)
	}
	req.Header.Set("X-API-Key", c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return apierr.Wrap(apierr.BackendUnreachable, "backend unreachable", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return apierr.Wrap(apierr.BackendError, "read backend response", err)
	}

	if resp.StatusCode >= 400 {
		return apierr.New(apierr.BackendError, fmt.Sprintf("backend returned %d: %s", resp.StatusCode, string(transport.Decompress(raw))))
	}

	if out == nil {
		return nil
	}
	decompressed := transport.Decompress(raw)
	if err := json.Unmarshal(decompressed, out); err != nil {
		return apierr.Wrap(apierr.BackendError, "decode backend response", err)
	}
	return nil
}
