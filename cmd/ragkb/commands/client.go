package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// defaultServerURL is where management commands reach a running
// `ragkb serve` unless overridden by --server or RAGKB_SERVER.
const defaultServerURL = "http://127.0.0.1:8080"

// apiClient is a thin JSON client for the ragkb REST API used by the
// management subcommands (kb, status, mode, enable, disable, history).
type apiClient struct {
	// base is the server URL without a trailing slash.
	base string
	// key is the Bearer token sent on every request, empty when auth is off.
	key string
	// http is the underlying HTTP client.
	http *http.Client
}

// newAPIClient resolves the server URL (flag value, then RAGKB_SERVER, then
// the default) and the API key from RAGKB_API_KEY.
func newAPIClient(serverURL string) *apiClient {
	if serverURL == "" {
		serverURL = os.Getenv("RAGKB_SERVER")
	}
	if serverURL == "" {
		serverURL = defaultServerURL
	}
	return &apiClient{
		base: strings.TrimRight(serverURL, "/"),
		key:  os.Getenv("RAGKB_API_KEY"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// do sends one JSON request. body may be nil; out may be nil when the
// response body is irrelevant. Non-2xx responses are turned into errors
// carrying the server's error message.
func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.key != "" {
		req.Header.Set("Authorization", "Bearer "+c.key)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apiError(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// apiError extracts the server's JSON error body, falling back to the HTTP
// status when the body is not parseable.
func apiError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
		Kind  string `json:"kind"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error != "" {
		if body.Kind != "" {
			return fmt.Errorf("%s (%s)", body.Error, body.Kind)
		}
		return fmt.Errorf("%s", body.Error)
	}
	return fmt.Errorf("server returned %s", resp.Status)
}
