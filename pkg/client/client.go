// Package client is the Go SDK for the MindVault HTTP API. It mirrors
// the /v1 surface: ingestion, job polling, knowledge-base and document
// management, retrieval, suggestions, and usage. The mindvault CLI is
// built on this package; it is equally usable from other Go programs.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultBaseURL is used when Config.BaseURL is empty.
const DefaultBaseURL = "http://localhost:8090"

// Config configures a Client.
type Config struct {
	// BaseURL is the root of the API, e.g. "http://localhost:8090".
	BaseURL string
	// User identifies the caller when the server runs with auth
	// disabled. Sent as the X-User header.
	User string
	// Token is a bearer token for servers running with auth enabled.
	// Takes precedence over User.
	Token string
	// HTTPClient overrides the underlying transport. Optional.
	HTTPClient *http.Client
}

// Client talks to a MindVault API server.
type Client struct {
	baseURL string
	user    string
	token   string
	http    *http.Client
}

// New creates a Client. Zero-value config fields fall back to
// DefaultBaseURL and a two-minute request timeout.
func New(cfg Config) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 2 * time.Minute}
	}
	return &Client{
		baseURL: base,
		user:    cfg.User,
		token:   cfg.Token,
		http:    hc,
	}
}

// APIError is a decoded error response from the server. Kind carries
// the machine-readable category ("validation", "not_found", "quota",
// ...); the remaining fields are populated when the kind defines them.
type APIError struct {
	Status        int       `json:"-"`
	Kind          string    `json:"error"`
	Message       string    `json:"message"`
	Limit         int64     `json:"limit,omitempty"`
	Current       int64     `json:"current,omitempty"`
	ResetsAt      time.Time `json:"resets_at,omitempty"`
	Format        string    `json:"format,omitempty"`
	URLs          []string  `json:"urls,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("mindvault: %s: %s", e.Kind, e.Message)
}

// AsAPIError unwraps err into an *APIError when the failure came from
// the server rather than the transport.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// doJSON performs a request with an optional JSON body and decodes a
// JSON response into out when out is non-nil.
func (c *Client) doJSON(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, out)
}

// send fires the request and decodes the response. Non-2xx responses
// become *APIError values.
func (c *Client) send(req *http.Request, out interface{}) error {
	c.authorize(req)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("mindvault: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body) //nolint:errcheck // drain for connection reuse
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
		return
	}
	if c.user != "" {
		req.Header.Set("X-User", c.user)
	}
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	apiErr := &APIError{Status: resp.StatusCode}
	if err := json.Unmarshal(raw, apiErr); err != nil || apiErr.Kind == "" {
		// Not the server's error shape; a proxy or middlebox answered.
		apiErr.Kind = "internal"
		apiErr.Message = strings.TrimSpace(string(raw))
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
	}
	return apiErr
}

// upload posts one file as multipart form data. kbID may be empty for
// the default knowledge base.
func (c *Client) upload(ctx context.Context, path, kbID, filename string, r io.Reader) (*IngestReceipt, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := func() error {
			if kbID != "" {
				if err := mw.WriteField("kb_id", kbID); err != nil {
					return err
				}
			}
			part, err := mw.CreateFormFile("file", filename)
			if err != nil {
				return err
			}
			if _, err := io.Copy(part, r); err != nil {
				return err
			}
			return mw.Close()
		}()
		pw.CloseWithError(err) //nolint:errcheck // pipe close error surfaces on the read side
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, pr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var receipt IngestReceipt
	if err := c.send(req, &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}

// query builds "?k=v" strings, skipping empty values.
func query(pairs ...string) string {
	v := url.Values{}
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] != "" {
			v.Set(pairs[i], pairs[i+1])
		}
	}
	if len(v) == 0 {
		return ""
	}
	return "?" + v.Encode()
}

// Health reports whether the server is up.
func (c *Client) Health(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodGet, "/health", nil, nil)
}

// Ready reports whether the server can reach its dependencies.
func (c *Client) Ready(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodGet, "/ready", nil, nil)
}
